package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// pausePollInterval is how often paused workers re-check the gate.
const pausePollInterval = 250 * time.Millisecond

var errTerminated = errors.New("scan terminated")

// Signals carries the two process-wide controls of a scan run: a pause
// toggle (Ctrl-C) and a terminate latch (SIGTERM). Workers consult both at
// loop boundaries; neither cancels an in-flight probe.
type Signals struct {
	paused atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func NewSignals() *Signals {
	return &Signals{done: make(chan struct{})}
}

// TogglePause flips the pause gate and returns the new state.
func (s *Signals) TogglePause() bool {
	for {
		old := s.paused.Load()
		if s.paused.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (s *Signals) Paused() bool { return s.paused.Load() }

// Terminate latches the run into shutdown. Safe to call more than once.
func (s *Signals) Terminate() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the run is terminating.
func (s *Signals) Done() <-chan struct{} { return s.done }

func (s *Signals) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// WaitReady blocks while paused. It returns an error once the run is
// terminating or the context ends.
func (s *Signals) WaitReady(ctx context.Context) error {
	for {
		if s.Terminated() {
			return errTerminated
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.paused.Load() {
			return nil
		}
		select {
		case <-time.After(pausePollInterval):
		case <-s.done:
			return errTerminated
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
