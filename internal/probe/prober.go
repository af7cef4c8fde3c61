package probe

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPort     = 65000
	DefaultMethod   = "HEAD"
	DefaultInterval = time.Second
	DefaultTimeout  = 5 * time.Second
)

// Config holds the defaults a Prober measures with.
type Config struct {
	Host     string
	Port     int
	Method   string
	Async    bool
	Interval time.Duration // delay between repeated samples
	Timeout  time.Duration // per attempt, zero disables the guard
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Port:     DefaultPort,
		Method:   DefaultMethod,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Callback receives the result of every sampled attempt.
type Callback func(Result)

// MeasureOptions are the per-call parameters of Measure.
type MeasureOptions struct {
	Count      int  // samples to take, zero means one
	SkipWarmup bool // do not run the discarded warm-up attempt first
	Host       string
	Port       int
}

// Prober measures latency by timing how long a remote host takes to reject
// a connection to an unbound port.
//
// A Prober owns a single Transport and runs at most one session at a time.
// All state transitions are serialized; the Transport and the caller's
// callback are always invoked without holding the Prober's lock.
type Prober struct {
	config    Config
	clock     Clock
	transport Transport
	bind      sync.Once

	mu      sync.Mutex
	current *attempt
	session *Session
}

// NewProber creates a Prober driving t. A nil clock selects WallClock.
func NewProber(t Transport, clock Clock, cfg Config) *Prober {
	if clock == nil {
		clock = WallClock
	}
	cfg.Port = cmp.Or(cfg.Port, DefaultPort)
	cfg.Method = cmp.Or(cfg.Method, DefaultMethod)
	return &Prober{
		config:    cfg,
		clock:     clock,
		transport: t,
	}
}

// Config returns the Prober's defaults.
func (p *Prober) Config() Config {
	return p.config
}

// attempt is the transient state of one transport exchange.
type attempt struct {
	url     string
	timers  [StageDone + 1]time.Time
	aborted bool
	done    bool // delivered, aborted or abandoned
	guard   Timer

	deliver Callback
	fail    func(error)
}

func (a *attempt) result() Result {
	end := a.timers[StageHeadersReceived]
	if end.IsZero() {
		end = a.timers[StageDone]
	}
	return Result{
		Aborted: a.aborted,
		Start:   a.timers[StageOpened],
		End:     end,
		URL:     a.url,
	}
}

func (a *attempt) settle() {
	a.done = true
	if a.guard != nil {
		a.guard.Stop()
		a.guard = nil
	}
}

// Measure starts a session against opts.Host:opts.Port (or the configured
// defaults) and returns once the first attempt has been sent.
//
// Unless opts.SkipWarmup is set, one attempt is made first without a timeout
// and its result is discarded. The remaining opts.Count attempts are spaced
// by the configured interval and each result is passed to cb. An error from
// the first attempt is returned directly; later fatal errors end the session
// and are reported by Session.Wait.
func (p *Prober) Measure(cb Callback, opts MeasureOptions) (*Session, error) {
	host := cmp.Or(opts.Host, p.config.Host)
	port := cmp.Or(opts.Port, p.config.Port)
	if host == "" {
		return nil, ErrNoHost
	}
	count := max(opts.Count, 1)

	p.mu.Lock()
	if p.session != nil && !p.session.finished() {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession()
	p.session = s
	p.mu.Unlock()

	seq := &sequence{p: p, session: s, url: TargetURL(host, port), sink: cb}
	slog.Debug("Starting measurement", "url", seq.url, "count", count, "warmup", !opts.SkipWarmup)

	var err error
	if opts.SkipWarmup {
		err = seq.sample(count)
	} else {
		err = seq.warmup(count)
	}
	if err != nil {
		s.finish(err)
		return nil, err
	}
	return s, nil
}

// Abort cancels the in-flight attempt and delivers a timed out result for
// it. It does nothing when no attempt is in flight.
func (p *Prober) Abort(reason string) {
	p.mu.Lock()
	a := p.current
	p.mu.Unlock()
	if a != nil {
		p.abort(a, reason)
	}
}

// Stop ends the running session: no further attempts are scheduled and the
// in-flight attempt, if any, is aborted.
func (p *Prober) Stop(reason string) {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.halt()
	p.Abort(reason)
}

// io returns the Transport, binding the Prober's handlers on first use.
func (p *Prober) io() Transport {
	p.bind.Do(func() {
		p.transport.OnStateChange(p.onStateChange)
		p.transport.OnError(p.onError)
	})
	return p.transport
}

// attempt runs a single exchange against url. deliver is called exactly
// once unless the attempt fails, in which case the error is either returned
// (synchronous failures) or passed to fail.
func (p *Prober) attempt(url string, timeout time.Duration, deliver Callback, fail func(error)) error {
	t := p.io()
	a := &attempt{url: url, deliver: deliver, fail: fail}

	p.mu.Lock()
	p.current = a
	p.mu.Unlock()

	if err := t.Open(p.config.Method, url, p.config.Async); err != nil {
		return p.abandon(a, fmt.Errorf("open %s: %w", url, err))
	}

	if timeout > 0 {
		guard := p.clock.AfterFunc(timeout, func() {
			if p.abort(a, "timeout") {
				slog.Warn("Timeout fired", "url", url, "timeout", timeout)
			}
		})
		p.mu.Lock()
		if a.done {
			guard.Stop()
		} else {
			a.guard = guard
		}
		p.mu.Unlock()
	}

	if err := t.Send(); err != nil {
		if errors.Is(err, ErrRejected) {
			slog.Debug("Connection rejected", "url", url, "error", err)
			return nil
		}
		return p.abandon(a, fmt.Errorf("send %s: %w", url, err))
	}
	return nil
}

// abandon settles a failed attempt without delivering a result. Errors for
// attempts that already settled are logged and dropped.
func (p *Prober) abandon(a *attempt, err error) error {
	p.mu.Lock()
	if a.done {
		p.mu.Unlock()
		slog.Debug("Ignoring error for settled attempt", "url", a.url, "error", err)
		return nil
	}
	a.settle()
	p.mu.Unlock()
	return err
}

// abort settles a as timed out and reports whether it was still pending.
func (p *Prober) abort(a *attempt, reason string) bool {
	p.mu.Lock()
	if p.current != a || a.done {
		p.mu.Unlock()
		return false
	}
	a.aborted = true
	a.settle()
	res := a.result()
	p.mu.Unlock()

	slog.Error("Aborted", "reason", reason, "url", a.url)
	p.transport.Abort()
	a.deliver(res)
	return true
}

func (p *Prober) onStateChange(ev Event) {
	if ev.Stage < StageUnsent || ev.Stage > StageDone {
		slog.Debug("Ignoring unknown stage", "stage", ev.Stage)
		return
	}

	p.mu.Lock()
	a := p.current
	if a == nil || a.done {
		p.mu.Unlock()
		return
	}
	a.timers[ev.Stage] = ev.Time
	if ev.Stage != StageOpened && a.guard != nil {
		a.guard.Stop()
		a.guard = nil
	}
	if ev.Stage != StageDone {
		p.mu.Unlock()
		return
	}
	a.settle()
	res := a.result()
	p.mu.Unlock()

	if status := p.transport.Status(); status != 0 {
		a.fail(&UnexpectedSuccessError{URL: a.url, Status: status})
		return
	}
	slog.Debug("Attempt complete", "url", a.url, "start", res.Start, "end", res.End)
	a.deliver(res)
}

func (p *Prober) onError(err error) {
	if errors.Is(err, ErrRejected) {
		return
	}
	p.mu.Lock()
	a := p.current
	p.mu.Unlock()
	if a == nil {
		return
	}
	if err := p.abandon(a, fmt.Errorf("transport %s: %w", a.url, err)); err != nil {
		a.fail(err)
	}
}

// sequence is the callback chain built for one Measure call. Every attempt
// gets its own deliver function, so nothing leaks from one attempt into the
// next.
type sequence struct {
	p       *Prober
	session *Session
	url     string
	sink    Callback
}

func (q *sequence) warmup(count int) error {
	return q.p.attempt(q.url, 0, func(r Result) {
		slog.Debug("Discarding warm-up sample", "url", q.url, "result", r.String())
		q.next(count, 0)
	}, q.session.finish)
}

func (q *sequence) sample(count int) error {
	return q.p.attempt(q.url, q.p.config.Timeout, func(r Result) {
		if q.sink != nil {
			q.sink(r)
		}
		if count <= 1 {
			q.session.finish(nil)
			return
		}
		q.next(count-1, q.p.config.Interval)
	}, q.session.finish)
}

// next starts the following sampled attempt after delay.
func (q *sequence) next(count int, delay time.Duration) {
	run := func() {
		if q.session.stopped() {
			q.session.finish(nil)
			return
		}
		if err := q.sample(count); err != nil {
			q.session.finish(err)
		}
	}
	if delay <= 0 {
		run()
		return
	}
	q.session.schedule(q.p.clock, delay, run)
}
