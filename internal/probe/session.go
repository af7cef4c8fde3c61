package probe

import (
	"sync"
	"time"
)

// Session tracks one Measure call until its last sample is delivered or an
// attempt fails fatally.
type Session struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	err     error
	halted  bool
	pending Timer // next repeat attempt, if scheduled
}

func newSession() *Session {
	return &Session{done: make(chan struct{})}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its error, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns the error that ended the session. It is nil while the session
// runs and after a clean finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// schedule runs f after d unless the session has been halted.
func (s *Session) schedule(c Clock, d time.Duration, f func()) {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		s.finish(nil)
		return
	}
	s.pending = c.AfterFunc(d, f)
	s.mu.Unlock()
}

// halt prevents further attempts. A repeat waiting on its interval is
// cancelled and ends the session immediately; an in-flight attempt ends it
// when it settles.
func (s *Session) halt() {
	s.mu.Lock()
	s.halted = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil && pending.Stop() {
		s.finish(nil)
	}
}
