package capture

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Kind classifies a packet belonging to a probed flow.
type Kind int

const (
	KindSent        Kind = iota + 1 // our SYN leaving the host
	KindReset                       // RST from the target
	KindAccepted                    // SYN-ACK from the target
	KindUnreachable                 // ICMP destination unreachable quoting our SYN
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "SYN"
	case KindReset:
		return "RST"
	case KindAccepted:
		return "SYN-ACK"
	case KindUnreachable:
		return "UNREACH"
	default:
		return "unknown"
	}
}

// Observation is a decoded packet: what happened to the flow using local
// port Port, and when the packet was captured.
type Observation struct {
	Kind Kind
	Port uint16
	Time time.Time
}

// ports is a block of consecutive local ports.
type ports struct {
	base  uint16
	count uint16
}

func (r ports) owns(port uint16) bool {
	return port >= r.base && port-r.base < r.count
}

func (r ports) at(i uint16) uint16 {
	return r.base + i%r.count
}

// Decoder matches captured packets against the flows between Source and
// Destination:Port that use a local port from its range.
type Decoder struct {
	Source      netip.Addr
	Destination netip.Addr
	Port        uint16
	ports       ports
}

// NewDecoder returns a Decoder for count local ports starting at base.
func NewDecoder(src, dst netip.Addr, port, base, count uint16) *Decoder {
	return &Decoder{
		Source:      src.Unmap(),
		Destination: dst.Unmap(),
		Port:        port,
		ports:       ports{base: base, count: max(count, 1)},
	}
}

// Decode returns the observation carried by packet, if it belongs to one of
// the decoder's flows.
func (d *Decoder) Decode(packet gopacket.Packet) (Observation, bool) {
	obs := Observation{Time: packet.Metadata().Timestamp}

	src, dst, ok := addresses(packet)
	if !ok {
		return obs, false
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		srcPort, dstPort := uint16(tcp.SrcPort), uint16(tcp.DstPort)
		switch {
		case src == d.Source && dst == d.Destination && dstPort == d.Port && d.ports.owns(srcPort):
			if !tcp.SYN || tcp.ACK {
				return obs, false
			}
			obs.Kind, obs.Port = KindSent, srcPort
		case src == d.Destination && dst == d.Source && srcPort == d.Port && d.ports.owns(dstPort):
			switch {
			case tcp.RST:
				obs.Kind = KindReset
			case tcp.SYN && tcp.ACK:
				obs.Kind = KindAccepted
			default:
				return obs, false
			}
			obs.Port = dstPort
		default:
			return obs, false
		}
		return obs, true
	}

	if dst != d.Source {
		return obs, false
	}
	if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		icmp := l.(*layers.ICMPv4)
		if icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable {
			return obs, false
		}
		return d.quoted(obs, icmp.Payload, layers.LayerTypeIPv4)
	}
	if l := packet.Layer(layers.LayerTypeICMPv6); l != nil {
		icmp := l.(*layers.ICMPv6)
		if icmp.TypeCode.Type() != layers.ICMPv6TypeDestinationUnreachable {
			return obs, false
		}
		offset, ok := locateInnerIPv6Header(icmp.Payload)
		if !ok {
			return obs, false
		}
		return d.quoted(obs, icmp.Payload[offset:], layers.LayerTypeIPv6)
	}
	return obs, false
}

// quoted decodes the packet an ICMP error quotes and checks that it is one
// of our SYNs.
func (d *Decoder) quoted(obs Observation, payload []byte, inet gopacket.LayerType) (Observation, bool) {
	if len(payload) == 0 {
		return obs, false
	}
	inner := gopacket.NewPacket(payload, inet, gopacket.Default)
	src, dst, ok := addresses(inner)
	if !ok || src != d.Source || dst != d.Destination {
		return obs, false
	}

	var srcPort, dstPort uint16
	if l := inner.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	} else {
		// Routers may quote only the first 8 bytes of the TCP header,
		// which gopacket cannot decode as TCP.
		network := inner.NetworkLayer()
		if network == nil {
			return obs, false
		}
		if network.LayerType() == layers.LayerTypeIPv4 && network.(*layers.IPv4).Protocol != layers.IPProtocolTCP {
			return obs, false
		}
		if network.LayerType() == layers.LayerTypeIPv6 && network.(*layers.IPv6).NextHeader != layers.IPProtocolTCP {
			return obs, false
		}
		p := network.LayerPayload()
		if len(p) < 4 {
			return obs, false
		}
		srcPort = binary.BigEndian.Uint16(p[:2])
		dstPort = binary.BigEndian.Uint16(p[2:4])
	}

	if dstPort != d.Port || !d.ports.owns(srcPort) {
		return obs, false
	}
	obs.Kind, obs.Port = KindUnreachable, srcPort
	return obs, true
}

func addresses(packet gopacket.Packet) (src, dst netip.Addr, ok bool) {
	switch l := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(l.SrcIP)
		dst, _ = netip.AddrFromSlice(l.DstIP)
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(l.SrcIP)
		dst, _ = netip.AddrFromSlice(l.DstIP)
	default:
		return src, dst, false
	}
	return src.Unmap(), dst.Unmap(), src.IsValid() && dst.IsValid()
}

// locateInnerIPv6Header returns the offset of the IPv6 header quoted in an
// ICMPv6 error payload. gopacket leaves the 4 unused bytes of the ICMPv6
// header in the payload.
func locateInnerIPv6Header(payload []byte) (int, bool) {
	if len(payload) < 40 {
		return 0, false
	}
	if payload[0]>>4 == 6 {
		return 0, true
	}
	if len(payload) >= 44 && payload[4]>>4 == 6 {
		return 4, true
	}
	for offset := 1; offset+40 <= len(payload); offset++ {
		if payload[offset]>>4 == 6 {
			return offset, true
		}
	}
	return 0, false
}
