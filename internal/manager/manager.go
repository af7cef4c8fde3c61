// Package manager runs a pong session from parsed command line arguments:
// it resolves the destination, builds the transport stack, drives the
// prober and fans samples out to the configured outputs.
package manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkjaer/pong/internal/capture"
	"github.com/tkjaer/pong/internal/config"
	"github.com/tkjaer/pong/internal/output"
	"github.com/tkjaer/pong/internal/probe"
	"github.com/tkjaer/pong/internal/shared"
	"github.com/tkjaer/pong/internal/transport"
	"github.com/tkjaer/pong/pkg/iface"
	"github.com/tkjaer/pong/pkg/ptr"
)

// Variable for mocking in tests.
var lookupHost = net.LookupHost

// Manager owns one measurement session.
type Manager struct {
	args   config.Args
	target netip.Addr
	info   shared.OutputInfo
	stdout io.Writer

	transport probe.Transport
	capture   *capture.Transport // nil unless --capture
	prober    *probe.Prober
	outputs   *output.OutputManager

	mu       sync.Mutex
	seq      int
	stats    shared.Stats
	stopping atomic.Bool
}

// New resolves the destination and prepares the transport for a.
func New(a config.Args) (*Manager, error) {
	target, err := getDestinationIP(a)
	if err != nil {
		return nil, err
	}
	slog.Debug("Resolved destination", "destination", a.Destination, "ip", target)

	m := &Manager{
		args:   a,
		target: target,
		stdout: os.Stdout,
		info: shared.OutputInfo{
			Destination: a.Destination,
			IP:          target.String(),
			Port:        int(a.Port),
			Method:      a.Method,
			Count:       int(a.Count),
			Capture:     a.Capture,
		},
	}
	if !a.NoResolve {
		m.info.PTR = ptr.NewPtrManager().Lookup(target.String())
	}

	dial := transport.NewDial(transport.Options{Network: a.Network()})
	m.transport = dial
	if a.Capture {
		egress, err := iface.Lookup(target)
		if err != nil {
			return nil, fmt.Errorf("find egress interface: %w", err)
		}
		ethernet := iface.IsEthernetInterface(egress.Interface)
		slog.Debug("Capturing on egress interface", "interface", egress.Interface.Name, "ethernet", ethernet, "source", egress.Source, "gateway", egress.Gateway)
		ct, err := capture.Start(dial, capture.Config{
			Interface:   egress.Interface.Name,
			Source:      egress.Source,
			Destination: target,
			Port:        uint16(a.Port),
			BasePort:    uint16(a.SourcePort),
			Ethernet:    ethernet,
		})
		if err != nil {
			return nil, err
		}
		m.capture = ct
		m.transport = ct
	}

	m.prober = probe.NewProber(m.transport, nil, probe.Config{
		Host:     target.String(),
		Port:     int(a.Port),
		Method:   a.Method,
		Async:    a.Async,
		Interval: a.Interval,
		Timeout:  a.Timeout,
	})
	return m, nil
}

// Run measures until the configured count is reached, Stop is called or an
// attempt fails. Outputs are completed and closed before it returns.
func (m *Manager) Run() error {
	om, err := m.createOutputs()
	if err != nil {
		m.closeCapture()
		return err
	}
	m.outputs = om
	om.Start(m.info)

	if m.stopping.Load() {
		om.Complete(m.Stats())
		return errors.Join(om.Close(), m.closeCapture())
	}

	count := int(m.args.Count)
	if count == 0 {
		count = math.MaxInt
	}
	session, err := m.prober.Measure(m.record, probe.MeasureOptions{
		Count:      count,
		SkipWarmup: m.args.NoWarmup,
	})
	if err == nil {
		// Stop may have raced with the start of the session.
		if m.stopping.Load() {
			m.prober.Stop("interrupted")
		}
		err = session.Wait()
	}

	om.Complete(m.Stats())
	return errors.Join(err, om.Close(), m.closeCapture())
}

// Stop ends the session. The in-flight attempt is aborted and not reported.
func (m *Manager) Stop() {
	if m.stopping.Swap(true) {
		return
	}
	slog.Debug("Stopping Manager")
	m.prober.Stop("interrupted")
}

// Stats returns the summary of the samples recorded so far.
func (m *Manager) Stats() shared.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// record turns a prober result into a sample for the outputs.
func (m *Manager) record(r probe.Result) {
	if r.Aborted && m.stopping.Load() {
		slog.Debug("Dropping sample interrupted by stop", "url", r.URL)
		return
	}

	m.mu.Lock()
	m.seq++
	s := m.sample(m.seq, r)
	m.stats.Add(s)
	m.mu.Unlock()

	m.outputs.Sample(s)
}

func (m *Manager) sample(seq int, r probe.Result) shared.Sample {
	s := shared.Sample{
		Seq:         seq,
		Destination: m.info.Destination,
		IP:          m.info.IP,
		PTR:         m.info.PTR,
		Port:        m.info.Port,
		Method:      m.info.Method,
		Start:       r.Start,
		End:         r.End,
		Timestamp:   time.Now(),
	}
	delta, err := r.Delta()
	switch {
	case err == nil:
		s.Outcome = shared.OutcomeRejected
		s.DeltaMs = delta
	case errors.Is(err, probe.ErrTimedOut):
		s.Outcome = shared.OutcomeTimeout
		s.Error = err.Error()
	default:
		s.Outcome = shared.OutcomeIncomplete
		s.Error = err.Error()
	}
	return s
}

// createOutputs registers the outputs selected by the arguments
func (m *Manager) createOutputs() (*output.OutputManager, error) {
	om := &output.OutputManager{}

	// JSON to stdout replaces the text output
	if m.args.Json {
		jsonOut, err := output.NewJSONOutput("")
		if err != nil {
			return nil, err
		}
		om.Register(jsonOut)
	} else {
		om.Register(output.NewTextOutput(m.stdout))
	}

	if m.args.JsonFile != "" {
		jsonOut, err := output.NewJSONOutput(m.args.JsonFile)
		if err != nil {
			slog.Warn("Failed to create JSON file output", "error", err)
		} else {
			om.Register(jsonOut)
		}
	}

	if m.args.MetricsAddr != "" {
		prom, err := output.NewPrometheusOutput(m.args.MetricsAddr)
		if err != nil {
			om.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		om.Register(prom)
	}

	return om, nil
}

func (m *Manager) closeCapture() error {
	if m.capture == nil {
		return nil
	}
	return m.capture.Close()
}

// getDestinationIP returns the destination address, resolving names and
// honoring -4/-6.
func getDestinationIP(a config.Args) (netip.Addr, error) {
	if d, err := netip.ParseAddr(a.Destination); err == nil {
		d = d.Unmap()
		switch {
		case a.ForceIPv4 && !d.Is4():
			return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", a.Destination)
		case a.ForceIPv6 && !d.Is6():
			return netip.Addr{}, fmt.Errorf("%s is not an IPv6 address", a.Destination)
		}
		return d, nil
	}

	lookup, err := lookupHost(a.Destination)
	if err != nil {
		return netip.Addr{}, err
	}

	// Find the first address that meets our criteria
	for _, record := range lookup {
		ip, err := netip.ParseAddr(record)
		if err != nil {
			continue
		}
		ip = ip.Unmap()
		switch {
		case a.ForceIPv4 && ip.Is4(),
			a.ForceIPv6 && ip.Is6(),
			!a.ForceIPv4 && !a.ForceIPv6:
			return ip, nil
		}
	}

	return netip.Addr{}, errors.New("could not resolve destination")
}
