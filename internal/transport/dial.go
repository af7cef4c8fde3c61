// Package transport implements probe.Transport on top of the kernel TCP
// stack.
//
// A Dial transport opens a TCP connection to the target URL. A rejected
// connect is the expected outcome and completes the exchange without a
// status. If the port accepts, the transport does what a browser would do
// and sends the HTTP request, reporting the response status.
package transport

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tkjaer/pong/internal/probe"
)

const (
	// DefaultExchangeTimeout bounds a single exchange when Options.Timeout
	// is zero. The prober's own guard is normally much shorter.
	DefaultExchangeTimeout = 30 * time.Second

	// maxBody caps how much of an unexpected response body is drained.
	maxBody = 1 << 20
)

var (
	ErrNotOpened   = errors.New("transport not opened")
	ErrAlreadySent = errors.New("request already sent")
)

// Options configures a Dial transport.
type Options struct {
	Network string        // "tcp" (default), "tcp4" or "tcp6"
	Timeout time.Duration // per exchange
	Clock   probe.Clock   // stamps events, probe.WallClock if nil
}

// Dial is a probe.Transport using net.Dialer. It is safe for concurrent use,
// but carries a single exchange at a time: Open discards the previous one.
type Dial struct {
	network string
	timeout time.Duration
	clock   probe.Clock

	mu        sync.Mutex
	onState   func(probe.Event)
	onError   func(error)
	gen       uint64 // bumped by Open and Abort; stale exchanges stay silent
	stage     probe.Stage
	status    int
	sent      bool
	method    string
	target    *url.URL
	async     bool
	localPort int
	cancel    context.CancelFunc
}

// NewDial returns a Dial transport.
func NewDial(opts Options) *Dial {
	clock := opts.Clock
	if clock == nil {
		clock = probe.WallClock
	}
	return &Dial{
		network: cmp.Or(opts.Network, "tcp"),
		timeout: cmp.Or(opts.Timeout, DefaultExchangeTimeout),
		clock:   clock,
	}
}

// BindPort sets the local port the next exchanges connect from. Zero lets
// the kernel pick one.
func (d *Dial) BindPort(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localPort = port
}

func (d *Dial) OnStateChange(fn func(probe.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = fn
}

func (d *Dial) OnError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

func (d *Dial) Status() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dial) Stage() probe.Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stage
}

// Open prepares a new exchange with the target and moves to StageOpened.
func (d *Dial) Open(method, rawURL string, async bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" || u.Hostname() == "" {
		return fmt.Errorf("unsupported target %q", rawURL)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "80")
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.gen++
	gen := d.gen
	d.method = cmp.Or(method, http.MethodHead)
	d.target = u
	d.async = async
	d.status = 0
	d.sent = false
	d.mu.Unlock()

	d.advance(gen, probe.StageOpened)
	return nil
}

// Send starts the exchange. In synchronous mode it returns once the
// exchange is over, with a *RejectedError if the connection was rejected.
// In asynchronous mode it returns at once and errors go to the OnError
// handler.
func (d *Dial) Send() error {
	d.mu.Lock()
	switch {
	case d.stage != probe.StageOpened:
		d.mu.Unlock()
		return ErrNotOpened
	case d.sent:
		d.mu.Unlock()
		return ErrAlreadySent
	}
	d.sent = true
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	d.cancel = cancel
	x := exchange{
		gen:       d.gen,
		method:    d.method,
		target:    d.target,
		localPort: d.localPort,
	}
	async := d.async
	d.mu.Unlock()

	if async {
		go func() {
			defer cancel()
			if err := d.run(ctx, x); err != nil {
				d.report(x.gen, err)
			}
		}()
		return nil
	}
	defer cancel()
	return d.run(ctx, x)
}

// Abort cancels the exchange in flight. Nothing more is reported for it.
func (d *Dial) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.gen++
	d.stage = probe.StageUnsent
	d.status = 0
}

type exchange struct {
	gen       uint64
	method    string
	target    *url.URL
	localPort int
}

func (d *Dial) run(ctx context.Context, x exchange) error {
	dialer := net.Dialer{}
	if x.localPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{Port: x.localPort}
	}

	conn, err := dialer.DialContext(ctx, d.network, x.target.Host)
	if err != nil {
		if rej := classify(x.target.Host, err); rej != nil {
			d.finish(x.gen, 0)
			return rej
		}
		d.fail(x.gen)
		return fmt.Errorf("dial %s: %w", x.target.Host, err)
	}
	defer conn.Close()

	slog.Debug("Port accepted connection", "addr", x.target.Host, "local", conn.LocalAddr())
	return d.request(ctx, conn, x)
}

// request sends the HTTP request over an accepted connection and reports
// the response status.
func (d *Dial) request(ctx context.Context, conn net.Conn, x exchange) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req, err := http.NewRequestWithContext(ctx, x.method, x.target.String(), nil)
	if err != nil {
		d.fail(x.gen)
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "pong")
	req.Close = true

	if err := req.Write(conn); err != nil {
		d.fail(x.gen)
		return fmt.Errorf("%s accepted the connection, write request: %w", x.target.Host, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		d.fail(x.gen)
		return fmt.Errorf("%s accepted the connection, read response: %w", x.target.Host, err)
	}
	defer resp.Body.Close()

	d.advance(x.gen, probe.StageHeadersReceived)
	d.advance(x.gen, probe.StageLoading)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	d.finish(x.gen, resp.StatusCode)
	return nil
}

// advance moves the exchange to stage and notifies the handler.
func (d *Dial) advance(gen uint64, stage probe.Stage) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.stage = stage
	fn := d.onState
	ev := probe.Event{Stage: stage, Time: d.clock.Now()}
	d.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

func (d *Dial) finish(gen uint64, status int) {
	d.mu.Lock()
	if gen == d.gen {
		d.status = status
	}
	d.mu.Unlock()
	d.advance(gen, probe.StageDone)
}

// fail ends the exchange without a terminal event.
func (d *Dial) fail(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen == d.gen {
		d.stage = probe.StageDone
	}
}

func (d *Dial) report(gen uint64, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		slog.Debug("Dropping error of a discarded exchange", "error", err)
		return
	}
	fn := d.onError
	d.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}
