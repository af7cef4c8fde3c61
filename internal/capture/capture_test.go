package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tkjaer/pong/internal/probe"
)

// rejectingTransport opens instantly and rejects on Send, stamping both
// events with kernel times well after the wire times used in the tests.
type rejectingTransport struct {
	mu      sync.Mutex
	onState func(probe.Event)
	onError func(error)
	bound   []int
	stage   probe.Stage
	before  func() // runs at the start of Send
}

var errRefused = errors.Join(probe.ErrRejected, errors.New("connection refused"))

func (r *rejectingTransport) BindPort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = append(r.bound, port)
}

func (r *rejectingTransport) emit(stage probe.Stage, at time.Time) {
	r.mu.Lock()
	r.stage = stage
	fn := r.onState
	r.mu.Unlock()
	fn(probe.Event{Stage: stage, Time: at})
}

func (r *rejectingTransport) Open(method, url string, async bool) error {
	r.emit(probe.StageOpened, stamp0.Add(time.Second))
	return nil
}

func (r *rejectingTransport) Send() error {
	if r.before != nil {
		r.before()
	}
	r.emit(probe.StageDone, stamp0.Add(time.Second+30*time.Millisecond))
	return errRefused
}

func (r *rejectingTransport) Abort()      {}
func (r *rejectingTransport) Status() int { return 0 }
func (r *rejectingTransport) Stage() probe.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}
func (r *rejectingTransport) OnStateChange(fn func(probe.Event)) { r.onState = fn }
func (r *rejectingTransport) OnError(fn func(error))             { r.onError = fn }

func newTestTransport(t *testing.T, inner Binder, grace time.Duration) (*Transport, chan gopacket.Packet) {
	t.Helper()
	tr, err := New(inner, Config{
		Source:      src4,
		Destination: dst4,
		Port:        dstPort,
		BasePort:    basePort,
		Ports:       2,
		Grace:       grace,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	in := make(chan gopacket.Packet, 8)
	go tr.Listen(in)
	t.Cleanup(func() { tr.Close() })
	return tr, in
}

func TestTransport_RotatesPorts(t *testing.T) {
	inner := &rejectingTransport{}
	tr, _ := newTestTransport(t, inner, time.Millisecond)
	tr.OnStateChange(func(probe.Event) {})

	for range 3 {
		if err := tr.Open("HEAD", "http://198.51.100.7:65000/", false); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
	}
	want := []int{basePort, basePort + 1, basePort}
	for i := range want {
		if inner.bound[i] != want[i] {
			t.Errorf("bound ports = %v, want %v", inner.bound, want)
			break
		}
	}
}

func TestTransport_WireTimes(t *testing.T) {
	inner := &rejectingTransport{}
	tr, in := newTestTransport(t, inner, time.Second)

	var events []probe.Event
	tr.OnStateChange(func(ev probe.Event) { events = append(events, ev) })

	inner.before = func() {
		in <- packet(tcpPacket(t, src4, dst4, basePort, dstPort, syn), layers.LayerTypeIPv4, stamp0)
		in <- packet(tcpPacket(t, dst4, src4, dstPort, basePort, rst), layers.LayerTypeIPv4, stamp0.Add(12*time.Millisecond))
	}

	if err := tr.Open("HEAD", "http://198.51.100.7:65000/", false); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := tr.Send(); !errors.Is(err, probe.ErrRejected) {
		t.Fatalf("Send() error = %v, want ErrRejected", err)
	}

	want := []probe.Event{
		{Stage: probe.StageOpened, Time: stamp0.Add(time.Second)},
		{Stage: probe.StageOpened, Time: stamp0},
		{Stage: probe.StageHeadersReceived, Time: stamp0.Add(12 * time.Millisecond)},
		{Stage: probe.StageDone, Time: stamp0.Add(time.Second + 30*time.Millisecond)},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
	for i := range want {
		if events[i].Stage != want[i].Stage || !events[i].Time.Equal(want[i].Time) {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestTransport_NoCaptureFallsBack(t *testing.T) {
	inner := &rejectingTransport{}
	tr, _ := newTestTransport(t, inner, 10*time.Millisecond)

	var stages []probe.Stage
	tr.OnStateChange(func(ev probe.Event) { stages = append(stages, ev.Stage) })

	if err := tr.Open("HEAD", "http://198.51.100.7:65000/", false); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = tr.Send()

	if len(stages) != 2 || stages[0] != probe.StageOpened || stages[1] != probe.StageDone {
		t.Errorf("stages = %v, want [opened done]", stages)
	}
}

func TestTransport_StaleFlowIsForgotten(t *testing.T) {
	inner := &rejectingTransport{}
	tr, _ := newTestTransport(t, inner, 10*time.Millisecond)

	var stages []probe.Stage
	tr.OnStateChange(func(ev probe.Event) { stages = append(stages, ev.Stage) })

	// A reply left over from an earlier use of the port.
	tr.observe(Observation{Kind: KindSent, Port: basePort, Time: stamp0})
	tr.observe(Observation{Kind: KindReset, Port: basePort, Time: stamp0.Add(time.Millisecond)})

	if err := tr.Open("HEAD", "http://198.51.100.7:65000/", false); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = tr.Send()

	if len(stages) != 2 {
		t.Errorf("stages = %v, want [opened done]", stages)
	}
}

func TestTransport_ProberMeasuresWireToWire(t *testing.T) {
	inner := &rejectingTransport{}
	tr, in := newTestTransport(t, inner, time.Second)
	inner.before = func() {
		in <- packet(tcpPacket(t, src4, dst4, basePort, dstPort, syn), layers.LayerTypeIPv4, stamp0)
		in <- packet(unreachable4(t, hop4, 13, basePort, 8), layers.LayerTypeIPv4, stamp0.Add(21*time.Millisecond))
	}

	p := probe.NewProber(tr, nil, probe.Config{Host: "198.51.100.7", Timeout: time.Minute})
	var got []probe.Result
	s, err := p.Measure(func(r probe.Result) { got = append(got, r) }, probe.MeasureOptions{SkipWarmup: true})
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if d, err := got[0].Delta(); err != nil || d != 21 {
		t.Errorf("Delta() = (%d, %v), want (21, nil)", d, err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no base port", Config{Source: src4, Destination: dst4}},
		{"range past 65535", Config{Source: src4, Destination: dst4, BasePort: 65530, Ports: 16}},
		{"no source", Config{Destination: dst4, BasePort: basePort}},
	}
	for _, tt := range tests {
		if _, err := New(&rejectingTransport{}, tt.cfg); err == nil {
			t.Errorf("%s: New() error = nil, want error", tt.name)
		}
	}
}

func TestCheckLinkType(t *testing.T) {
	tests := []struct {
		name     string
		ethernet bool
		lt       layers.LinkType
		wantErr  bool
	}{
		{"ethernet", true, layers.LinkTypeEthernet, false},
		{"ethernet interface captured raw", true, layers.LinkTypeRaw, true},
		{"bsd loopback", false, layers.LinkTypeNull, false},
		{"linux loopback", false, layers.LinkTypeEthernet, false},
		{"tunnel", false, layers.LinkTypeRaw, false},
		{"linux cooked", false, layers.LinkTypeLinuxSLL, false},
		{"token ring", false, layers.LinkTypeTokenRing, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkLinkType(tt.ethernet, tt.lt)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkLinkType(%v, %s) error = %v, wantErr %v", tt.ethernet, tt.lt, err, tt.wantErr)
			}
		})
	}
}
