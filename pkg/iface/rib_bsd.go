//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package iface

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/route"
)

// fetchRIB dumps the routing table. Variable for mocking in tests.
var fetchRIB = func() ([]route.Message, error) {
	b, err := route.FetchRIB(syscall.AF_UNSPEC, route.RIBTypeRoute, 0)
	if err != nil {
		return nil, err
	}
	return route.ParseRIB(route.RIBTypeRoute, b)
}

func lookupRoute(dst netip.Addr) (Egress, error) {
	msgs, err := fetchRIB()
	if err != nil {
		return Egress{}, fmt.Errorf("fetch RIB: %w", err)
	}
	return longestMatch(dst, msgs)
}

// longestMatch picks the up route with the longest prefix containing dst.
func longestMatch(dst netip.Addr, msgs []route.Message) (Egress, error) {
	var best *route.RouteMessage
	bestBits := -1
	for _, m := range msgs {
		rm, ok := m.(*route.RouteMessage)
		if !ok || rm.Flags&syscall.RTF_UP == 0 {
			continue
		}
		prefix, ok := prefixOf(rm)
		if !ok || !prefix.Contains(dst) || prefix.Bits() <= bestBits {
			continue
		}
		best, bestBits = rm, prefix.Bits()
	}
	if best == nil {
		return Egress{}, fmt.Errorf("no route to %s", dst)
	}

	intf, err := interfaceByIndex(best.Index)
	if err != nil {
		return Egress{}, fmt.Errorf("interface %d: %w", best.Index, err)
	}
	return Egress{
		Gateway:   addrOf(addrAt(best, syscall.RTAX_GATEWAY)),
		Source:    addrOf(addrAt(best, syscall.RTAX_IFA)),
		Interface: intf,
	}, nil
}

func prefixOf(rm *route.RouteMessage) (netip.Prefix, bool) {
	dst := addrOf(addrAt(rm, syscall.RTAX_DST))
	if !dst.IsValid() {
		return netip.Prefix{}, false
	}
	if rm.Flags&syscall.RTF_HOST != 0 {
		return netip.PrefixFrom(dst, dst.BitLen()), true
	}

	var bits int
	switch mask := addrAt(rm, syscall.RTAX_NETMASK).(type) {
	case *route.Inet4Addr:
		bits, _ = net.IPMask(mask.IP[:]).Size()
	case *route.Inet6Addr:
		bits, _ = net.IPMask(mask.IP[:]).Size()
	case nil:
		// default routes may come without a mask
	default:
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(dst, bits).Masked(), true
}

func addrAt(rm *route.RouteMessage, i int) route.Addr {
	if i >= len(rm.Addrs) {
		return nil
	}
	return rm.Addrs[i]
}

func addrOf(a route.Addr) netip.Addr {
	switch a := a.(type) {
	case *route.Inet4Addr:
		return netip.AddrFrom4(a.IP)
	case *route.Inet6Addr:
		return netip.AddrFrom16(a.IP).Unmap()
	default:
		return netip.Addr{}
	}
}
