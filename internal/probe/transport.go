package probe

import (
	"net"
	"strconv"
	"time"
)

// Stage is a position in a transport exchange. The ordinals follow the
// ready states of a browser request; they are used purely as a timing
// instrument.
type Stage int

const (
	StageUnsent          Stage = iota // 0
	StageOpened                       // 1: connection attempt about to start
	StageHeadersReceived              // 2: rejection (or response headers) observed
	StageLoading                      // 3
	StageDone                         // 4: terminal
)

var stageNames = [...]string{"unsent", "opened", "headers_received", "loading", "done"}

func (s Stage) String() string {
	if s < StageUnsent || s > StageDone {
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

// Event is a lifecycle notification emitted by a Transport.
type Event struct {
	Stage Stage
	Time  time.Time
}

// Transport is the asynchronous request primitive a Prober drives.
//
// Open discards any previous exchange: events belonging to it must not be
// delivered once Open returns. Implementations may emit events synchronously
// from Open, Send and Abort, but must not hold internal locks while calling
// the registered handlers.
type Transport interface {
	Open(method, url string, async bool) error
	Send() error
	Abort()
	OnStateChange(fn func(Event))
	OnError(fn func(error))
	// Status is zero unless the remote port accepted the request and
	// answered it.
	Status() int
	Stage() Stage
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Clock schedules deadlines and reads the time source transports stamp
// events with.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// WallClock is the Clock backed by the runtime timers.
var WallClock Clock = wallClock{}

// TargetURL builds the URL of the (presumably unbound) port to probe.
func TargetURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}
