// Package capture refines a transport's timings with packet capture.
//
// The kernel reports a rejected connect only after the RST or ICMP error
// has made its way up the stack, and the transport stamps events when it
// gets around to it. Capturing the SYN and the reply on the wire gives the
// round trip without that noise. When both packets of a rejected exchange
// are seen, the wrapped transport's terminal event is preceded by an opened
// event carrying the SYN time and a headers-received event carrying the
// reply time, so the prober measures wire to wire.
package capture

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/jellydator/ttlcache/v3"

	"github.com/tkjaer/pong/internal/probe"
)

const (
	DefaultPorts = 16
	DefaultGrace = 50 * time.Millisecond

	flowTTL = 30 * time.Second
	snapLen = 65536
)

// Binder is a transport whose local port can be chosen before each exchange.
type Binder interface {
	probe.Transport
	BindPort(port int)
}

type Config struct {
	Interface   string
	Source      netip.Addr
	Destination netip.Addr
	Port        uint16 // destination port
	BasePort    uint16 // first local port
	Ports       uint16 // local ports rotated through
	Grace       time.Duration
	Ethernet    bool // interface frames carry an Ethernet header
}

type flow struct {
	sent    time.Time
	replied time.Time
	kind    Kind
	ready   chan struct{} // closed on the first reply
}

// Transport decorates a Binder with wire timestamps.
type Transport struct {
	inner   Binder
	decoder *Decoder
	grace   time.Duration
	flows   *ttlcache.Cache[uint16, *flow]

	mu      sync.Mutex
	next    uint16
	port    uint16
	onState func(probe.Event)
	onError func(error)

	handle   *pcap.Handle
	stop     chan struct{}
	stopOnce sync.Once
}

// New wraps inner. Packets must be fed with Listen; Start does both.
func New(inner Binder, cfg Config) (*Transport, error) {
	count := cfg.Ports
	if count == 0 {
		count = DefaultPorts
	}
	if uint32(cfg.BasePort)+uint32(count) > 65536 || cfg.BasePort == 0 {
		return nil, fmt.Errorf("invalid source port range %d+%d", cfg.BasePort, count)
	}
	if !cfg.Source.IsValid() || !cfg.Destination.IsValid() {
		return nil, fmt.Errorf("capture needs both source and destination addresses")
	}

	t := &Transport{
		inner:   inner,
		decoder: NewDecoder(cfg.Source, cfg.Destination, cfg.Port, cfg.BasePort, count),
		grace:   cfg.Grace,
		flows: ttlcache.New[uint16, *flow](
			ttlcache.WithTTL[uint16, *flow](flowTTL),
		),
		stop: make(chan struct{}),
	}
	if t.grace <= 0 {
		t.grace = DefaultGrace
	}
	go t.flows.Start()

	inner.OnStateChange(t.relay)
	inner.OnError(t.relayError)
	return t, nil
}

// Start wraps inner and captures on cfg.Interface until Close.
func Start(inner Binder, cfg Config) (*Transport, error) {
	t, err := New(inner, cfg)
	if err != nil {
		return nil, err
	}

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()
	for _, set := range []func() error{
		func() error { return inactive.SetSnapLen(snapLen) },
		func() error { return inactive.SetPromisc(false) },
		func() error { return inactive.SetTimeout(pcap.BlockForever) },
		// Deliver packets as they arrive, not when a buffer block fills.
		func() error { return inactive.SetImmediateMode(true) },
	} {
		if err := set(); err != nil {
			t.Close()
			return nil, fmt.Errorf("configure %s: %w", cfg.Interface, err)
		}
	}
	handle, err := inactive.Activate()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("activate %s: %w", cfg.Interface, err)
	}

	if err := checkLinkType(cfg.Ethernet, handle.LinkType()); err != nil {
		handle.Close()
		t.Close()
		return nil, fmt.Errorf("capture on %s: %w", cfg.Interface, err)
	}

	filter := t.decoder.Filter()
	slog.Debug("Setting BPF filter", "interface", cfg.Interface, "filter", filter)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		t.Close()
		return nil, fmt.Errorf("set filter: %w", err)
	}
	t.handle = handle

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	go t.Listen(src.Packets())
	return t, nil
}

// checkLinkType rejects handles whose framing does not match the interface,
// or that the decoder cannot get an IP layer out of.
func checkLinkType(ethernet bool, lt layers.LinkType) error {
	if ethernet {
		if lt != layers.LinkTypeEthernet {
			return fmt.Errorf("ethernet interface captures as %s", lt)
		}
		return nil
	}
	switch lt {
	case layers.LinkTypeNull, layers.LinkTypeLoop, layers.LinkTypeRaw,
		layers.LinkTypeIPv4, layers.LinkTypeIPv6, layers.LinkTypeLinuxSLL:
		return nil
	case layers.LinkTypeEthernet:
		// Linux loopback and some tunnels use a zeroed Ethernet header.
		return nil
	}
	return fmt.Errorf("unsupported link type %s", lt)
}

// Listen records the flows seen in packets until in is closed or the
// transport is closed.
func (t *Transport) Listen(in <-chan gopacket.Packet) {
	for {
		select {
		case <-t.stop:
			slog.Debug("Stopping capture")
			return
		case packet, ok := <-in:
			if !ok {
				return
			}
			if obs, ok := t.decoder.Decode(packet); ok {
				t.observe(obs)
			}
		}
	}
}

// Close stops capturing. The wrapped transport is left alone.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.handle != nil {
			t.handle.Close()
		}
		t.flows.Stop()
	})
	return nil
}

// flow returns the record for port, creating it. t.mu must be held.
func (t *Transport) flow(port uint16) *flow {
	if item := t.flows.Get(port); item != nil {
		return item.Value()
	}
	f := &flow{ready: make(chan struct{})}
	t.flows.Set(port, f, ttlcache.DefaultTTL)
	return f
}

func (t *Transport) observe(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.flow(obs.Port)
	if !f.replied.IsZero() {
		return
	}
	if obs.Kind == KindSent {
		// Retransmitted SYNs move the start forward.
		f.sent = obs.Time
		return
	}
	f.replied = obs.Time
	f.kind = obs.Kind
	close(f.ready)
	slog.Debug("Flow answered", "port", obs.Port, "kind", obs.Kind, "rtt", f.replied.Sub(f.sent))
}

// wait returns the wire times of a rejected flow, waiting up to the grace
// period for the capture to catch up.
func (t *Transport) wait(port uint16) (sent, replied time.Time, ok bool) {
	t.mu.Lock()
	f := t.flow(port)
	t.mu.Unlock()

	timer := time.NewTimer(t.grace)
	defer timer.Stop()
	select {
	case <-f.ready:
	case <-timer.C:
		slog.Debug("No reply captured", "port", port, "grace", t.grace)
		return sent, replied, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if f.sent.IsZero() || f.kind == KindAccepted {
		return sent, replied, false
	}
	return f.sent, f.replied, true
}

func (t *Transport) relay(ev probe.Event) {
	t.mu.Lock()
	fn := t.onState
	port := t.port
	t.mu.Unlock()
	if fn == nil {
		return
	}

	if ev.Stage == probe.StageDone && t.inner.Status() == 0 {
		if sent, replied, ok := t.wait(port); ok {
			fn(probe.Event{Stage: probe.StageOpened, Time: sent})
			fn(probe.Event{Stage: probe.StageHeadersReceived, Time: replied})
		}
	}
	fn(ev)
}

func (t *Transport) relayError(err error) {
	t.mu.Lock()
	fn := t.onError
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Open moves to the next local port and opens the wrapped transport.
func (t *Transport) Open(method, url string, async bool) error {
	t.mu.Lock()
	port := t.decoder.ports.at(t.next)
	t.next++
	t.port = port
	t.flows.Delete(port)
	t.mu.Unlock()

	t.inner.BindPort(int(port))
	return t.inner.Open(method, url, async)
}

func (t *Transport) Send() error        { return t.inner.Send() }
func (t *Transport) Abort()             { t.inner.Abort() }
func (t *Transport) Status() int        { return t.inner.Status() }
func (t *Transport) Stage() probe.Stage { return t.inner.Stage() }

func (t *Transport) OnStateChange(fn func(probe.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}
