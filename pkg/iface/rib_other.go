//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package iface

import (
	"errors"
	"net/netip"
)

func lookupRoute(netip.Addr) (Egress, error) {
	return Egress{}, errors.New("routing table lookup is not supported on this platform")
}
