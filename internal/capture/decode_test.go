package capture

import (
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	src4   = netip.MustParseAddr("192.0.2.10")
	dst4   = netip.MustParseAddr("198.51.100.7")
	hop4   = netip.MustParseAddr("203.0.113.1")
	src6   = netip.MustParseAddr("2001:db8::10")
	dst6   = netip.MustParseAddr("2001:db8:1::7")
	hop6   = netip.MustParseAddr("2001:db8:ff::1")
	stamp0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
)

const (
	basePort = 50000
	dstPort  = 65000
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func ipv4(src, dst netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func ipv6(src, dst netip.Addr, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
}

// tcpPacket builds an IPv4 or IPv6 TCP segment.
func tcpPacket(t *testing.T, src, dst netip.Addr, sport, dport uint16, set func(*layers.TCP)) []byte {
	t.Helper()
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: 1000, Window: 64240}
	set(tcp)
	if src.Is4() {
		ip := ipv4(src, dst, layers.IPProtocolTCP)
		_ = tcp.SetNetworkLayerForChecksum(ip)
		return serialize(t, ip, tcp)
	}
	ip := ipv6(src, dst, layers.IPProtocolTCP)
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, tcp)
}

func syn(tcp *layers.TCP)    { tcp.SYN = true }
func rst(tcp *layers.TCP)    { tcp.RST, tcp.ACK = true, true }
func synAck(tcp *layers.TCP) { tcp.SYN, tcp.ACK = true, true }
func ack(tcp *layers.TCP)    { tcp.ACK = true }

// unreachable4 builds an ICMPv4 destination unreachable quoting the first
// quote bytes of a SYN.
func unreachable4(t *testing.T, from netip.Addr, code uint8, sport uint16, quote int) []byte {
	t.Helper()
	inner := tcpPacket(t, src4, dst4, sport, dstPort, syn)
	inner = inner[:20+quote]
	return serialize(t,
		ipv4(from, src4, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, code)},
		gopacket.Payload(inner),
	)
}

func unreachable6(t *testing.T, typ uint8, sport uint16) []byte {
	t.Helper()
	inner := tcpPacket(t, src6, dst6, sport, dstPort, syn)
	outer := ipv6(hop6, src6, layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 1)}
	_ = icmp.SetNetworkLayerForChecksum(outer)
	// 4 unused bytes precede the quoted packet.
	return serialize(t, outer, icmp, gopacket.Payload(append(make([]byte, 4), inner...)))
}

func packet(data []byte, first gopacket.LayerType, ts time.Time) gopacket.Packet {
	p := gopacket.NewPacket(data, first, gopacket.Default)
	p.Metadata().Timestamp = ts
	return p
}

func TestDecoder_Decode(t *testing.T) {
	d4 := NewDecoder(src4, dst4, dstPort, basePort, 4)
	d6 := NewDecoder(src6, dst6, dstPort, basePort, 4)

	tests := []struct {
		name     string
		decoder  *Decoder
		data     func(t *testing.T) []byte
		first    gopacket.LayerType
		wantOK   bool
		wantKind Kind
		wantPort uint16
	}{
		{
			name:     "outgoing SYN",
			decoder:  d4,
			data:     func(t *testing.T) []byte { return tcpPacket(t, src4, dst4, basePort+1, dstPort, syn) },
			first:    layers.LayerTypeIPv4,
			wantOK:   true,
			wantKind: KindSent,
			wantPort: basePort + 1,
		},
		{
			name:     "RST from target",
			decoder:  d4,
			data:     func(t *testing.T) []byte { return tcpPacket(t, dst4, src4, dstPort, basePort+3, rst) },
			first:    layers.LayerTypeIPv4,
			wantOK:   true,
			wantKind: KindReset,
			wantPort: basePort + 3,
		},
		{
			name:     "SYN-ACK from target",
			decoder:  d4,
			data:     func(t *testing.T) []byte { return tcpPacket(t, dst4, src4, dstPort, basePort, synAck) },
			first:    layers.LayerTypeIPv4,
			wantOK:   true,
			wantKind: KindAccepted,
			wantPort: basePort,
		},
		{
			name:     "IPv6 RST",
			decoder:  d6,
			data:     func(t *testing.T) []byte { return tcpPacket(t, dst6, src6, dstPort, basePort+2, rst) },
			first:    layers.LayerTypeIPv6,
			wantOK:   true,
			wantKind: KindReset,
			wantPort: basePort + 2,
		},
		{
			name:    "plain ACK is ignored",
			decoder: d4,
			data:    func(t *testing.T) []byte { return tcpPacket(t, dst4, src4, dstPort, basePort, ack) },
			first:   layers.LayerTypeIPv4,
		},
		{
			name:    "local port outside range",
			decoder: d4,
			data:    func(t *testing.T) []byte { return tcpPacket(t, dst4, src4, dstPort, basePort+4, rst) },
			first:   layers.LayerTypeIPv4,
		},
		{
			name:    "other destination port",
			decoder: d4,
			data:    func(t *testing.T) []byte { return tcpPacket(t, dst4, src4, 443, basePort, rst) },
			first:   layers.LayerTypeIPv4,
		},
		{
			name:    "other host",
			decoder: d4,
			data:    func(t *testing.T) []byte { return tcpPacket(t, hop4, src4, dstPort, basePort, rst) },
			first:   layers.LayerTypeIPv4,
		},
		{
			name:     "ICMP admin prohibited quoting full header",
			decoder:  d4,
			data:     func(t *testing.T) []byte { return unreachable4(t, hop4, 13, basePort+1, 20) },
			first:    layers.LayerTypeIPv4,
			wantOK:   true,
			wantKind: KindUnreachable,
			wantPort: basePort + 1,
		},
		{
			name:     "ICMP host unreachable quoting 8 bytes",
			decoder:  d4,
			data:     func(t *testing.T) []byte { return unreachable4(t, hop4, 1, basePort+2, 8) },
			first:    layers.LayerTypeIPv4,
			wantOK:   true,
			wantKind: KindUnreachable,
			wantPort: basePort + 2,
		},
		{
			name:    "ICMP quoting a foreign flow",
			decoder: d4,
			data:    func(t *testing.T) []byte { return unreachable4(t, hop4, 1, 40000, 8) },
			first:   layers.LayerTypeIPv4,
		},
		{
			name:     "ICMPv6 unreachable",
			decoder:  d6,
			data:     func(t *testing.T) []byte { return unreachable6(t, 1, basePort+3) },
			first:    layers.LayerTypeIPv6,
			wantOK:   true,
			wantKind: KindUnreachable,
			wantPort: basePort + 3,
		},
		{
			name:    "ICMPv6 time exceeded is ignored",
			decoder: d6,
			data:    func(t *testing.T) []byte { return unreachable6(t, 3, basePort+3) },
			first:   layers.LayerTypeIPv6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, ok := tt.decoder.Decode(packet(tt.data(t), tt.first, stamp0))
			if ok != tt.wantOK {
				t.Fatalf("Decode() ok = %v, want %v (obs %+v)", ok, tt.wantOK, obs)
			}
			if !ok {
				return
			}
			if obs.Kind != tt.wantKind {
				t.Errorf("Decode() kind = %v, want %v", obs.Kind, tt.wantKind)
			}
			if obs.Port != tt.wantPort {
				t.Errorf("Decode() port = %d, want %d", obs.Port, tt.wantPort)
			}
			if !obs.Time.Equal(stamp0) {
				t.Errorf("Decode() time = %v, want %v", obs.Time, stamp0)
			}
		})
	}
}

func TestLocateInnerIPv6Header(t *testing.T) {
	header := make([]byte, 40)
	header[0] = 0x60

	tests := []struct {
		name       string
		payload    []byte
		wantOffset int
		wantOK     bool
	}{
		{"too short", make([]byte, 39), 0, false},
		{"at start", header, 0, true},
		{"after unused bytes", append(make([]byte, 4), header...), 4, true},
		{"no version nibble", make([]byte, 64), 0, false},
	}

	for _, tt := range tests {
		offset, ok := locateInnerIPv6Header(tt.payload)
		if offset != tt.wantOffset || ok != tt.wantOK {
			t.Errorf("%s: locateInnerIPv6Header() = (%d, %v), want (%d, %v)", tt.name, offset, ok, tt.wantOffset, tt.wantOK)
		}
	}
}

func TestPorts(t *testing.T) {
	r := ports{base: 65534, count: 2}
	if !r.owns(65535) || r.owns(65533) || r.owns(0) {
		t.Error("owns() disagrees with the range 65534-65535")
	}
	if got := r.at(3); got != 65535 {
		t.Errorf("at(3) = %d, want 65535", got)
	}
}

func TestDecoder_Filter(t *testing.T) {
	if runtime.GOOS == "openbsd" {
		t.Skip("portrange is not supported on OpenBSD")
	}

	tests := []struct {
		name    string
		decoder *Decoder
		want    string
	}{
		{
			name:    "IPv4",
			decoder: NewDecoder(src4, dst4, dstPort, basePort, 16),
			want: "(tcp and host 192.0.2.10 and host 198.51.100.7 and port 65000 and portrange 50000-50015)" +
				" or (dst host 192.0.2.10 and icmp and icmp[0] == 3)",
		},
		{
			name:    "IPv6",
			decoder: NewDecoder(src6, dst6, dstPort, basePort, 1),
			want: "(tcp and host 2001:db8::10 and host 2001:db8:1::7 and port 65000 and portrange 50000-50000)" +
				" or (dst host 2001:db8::10 and icmp6 and icmp6[0] == 1)",
		},
	}

	for _, tt := range tests {
		if got := tt.decoder.Filter(); got != tt.want {
			t.Errorf("%s: Filter() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
