// Package iface finds the local end of the path to a destination: the
// source address the kernel picks and the interface it leaves through.
package iface

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// Egress describes how packets to a destination leave the host.
type Egress struct {
	Source    netip.Addr
	Gateway   netip.Addr // invalid for directly connected destinations
	Interface *net.Interface
}

// Variables for mocking in tests.
var (
	interfaces       = net.Interfaces
	interfaceByIndex = net.InterfaceByIndex
)

// Lookup returns the egress for dst. The routing table is consulted first;
// when it cannot say, the kernel is asked by connecting a UDP socket.
func Lookup(dst netip.Addr) (Egress, error) {
	dst = dst.Unmap()
	if !dst.IsValid() {
		return Egress{}, errors.New("invalid destination address")
	}

	e, err := lookupRoute(dst)
	if err != nil {
		slog.Debug("Routing table lookup failed", "destination", dst, "error", err)
		e = Egress{}
	}

	if !e.Source.IsValid() || (e.Source.IsLinkLocalUnicast() && !dst.IsLinkLocalUnicast()) {
		src, err := sourceFor(dst)
		if err != nil {
			return Egress{}, fmt.Errorf("find source address for %s: %w", dst, err)
		}
		e.Source = src
	}
	if e.Interface == nil {
		intf, err := ForAddr(e.Source)
		if err != nil {
			return Egress{}, err
		}
		e.Interface = intf
	}
	return e, nil
}

// sourceFor returns the address the kernel would send from to reach dst.
// Connecting a UDP socket sends nothing.
func sourceFor(dst netip.Addr) (netip.Addr, error) {
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// ForAddr returns the interface that has addr assigned.
func ForAddr(addr netip.Addr) (*net.Interface, error) {
	addr = addr.Unmap()
	intfs, err := interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range intfs {
		addrs, err := intfs[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip, ok := netip.AddrFromSlice(ipNet.IP); ok && ip.Unmap() == addr {
				return &intfs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", addr)
}

// IsEthernetInterface reports whether frames captured on iface carry an
// Ethernet header. Tunnels, point-to-point links and loopback do not.
func IsEthernetInterface(iface *net.Interface) bool {
	if iface == nil {
		return false
	}
	if iface.Flags&(net.FlagPointToPoint|net.FlagLoopback) != 0 {
		return false
	}
	// Tunnel interfaces have no hardware address.
	return len(iface.HardwareAddr) != 0
}
