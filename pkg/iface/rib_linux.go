//go:build linux

package iface

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// fetchRoutes asks the kernel for the route it uses to reach dst.
// Variable for mocking in tests.
var fetchRoutes = func(dst netip.Addr) ([]rtnetlink.RouteMessage, error) {
	c, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	family := unix.AF_INET
	if dst.Is6() {
		family = unix.AF_INET6
	}
	return c.Route.Get(&rtnetlink.RouteMessage{
		Family:     uint8(family),
		Table:      unix.RT_TABLE_MAIN,
		Attributes: rtnetlink.RouteAttributes{Dst: dst.AsSlice()},
	})
}

func lookupRoute(dst netip.Addr) (Egress, error) {
	msgs, err := fetchRoutes(dst)
	if err != nil {
		return Egress{}, fmt.Errorf("get route: %w", err)
	}
	return egressFromMessages(dst, msgs)
}

// egressFromMessages reads an RTM_GETROUTE answer, which carries the single
// route the kernel resolved for dst.
func egressFromMessages(dst netip.Addr, msgs []rtnetlink.RouteMessage) (Egress, error) {
	if len(msgs) != 1 {
		return Egress{}, fmt.Errorf("expected one route to %s, got %d", dst, len(msgs))
	}
	attrs := msgs[0].Attributes

	var e Egress
	if gw, ok := netip.AddrFromSlice(attrs.Gateway); ok {
		e.Gateway = gw.Unmap()
	}
	if src, ok := netip.AddrFromSlice(attrs.Src); ok {
		e.Source = src.Unmap()
	}

	intf, err := interfaceByIndex(int(attrs.OutIface))
	if err != nil {
		return Egress{}, fmt.Errorf("interface %d: %w", attrs.OutIface, err)
	}
	if intf.Flags&net.FlagUp == 0 {
		return Egress{}, fmt.Errorf("interface %s is down", intf.Name)
	}
	e.Interface = intf
	return e, nil
}
