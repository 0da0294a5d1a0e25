// Package evloop provides the single shared scheduler used by the KISS
// device engine, the AX.25 interface and the peer FSM for timers and
// deferred work. It mirrors aioax25's EventLoopManager: at most one
// scheduler is registered process-wide; setting it to nil is a no-op,
// and replacing an already-registered scheduler with a different one is
// an error. Tests inject a fake scheduler so timer-dependent behaviour
// (CTS windows, retry timers, idle timers) can be driven deterministically.
package evloop

import (
	"errors"
	"sync"
	"time"
)

// ErrLoopConflict is returned by Set when a non-nil scheduler is already
// registered and a different non-nil scheduler is supplied.
var ErrLoopConflict = errors.New("evloop: a scheduler is already defined")

// Timer is a cancellable, rearmable deferred callback, as returned by
// Scheduler.AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing, if it hasn't already. It
	// returns true if the stop was effective.
	Stop() bool
	// Reset reschedules the timer to fire after d, cancelling any
	// pending fire. It returns true if the timer was active before
	// the reset.
	Reset(d time.Duration) bool
}

// Scheduler is the minimal clock/timer surface every component needs:
// wall-clock time for deadline checks, a cancellable one-shot timer for
// delayed work, and "run this on the next turn" for deferring work off
// the current call stack without introducing an arbitrary delay.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	CallSoon(f func())
}

var (
	mu      sync.Mutex
	current Scheduler
)

// Get returns the registered scheduler, lazily creating and registering
// the real-time default if none is set.
func Get() Scheduler {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = realTime{}
	}
	return current
}

// Set registers sched as the process-wide scheduler. Setting nil is
// silently ignored, so constructors that default to "whatever scheduler
// is already in use" can pass through an unset option harmlessly.
// Setting a non-nil scheduler when a different non-nil one is already
// registered is a conflict and returns ErrLoopConflict; setting the same
// scheduler again is a no-op.
func Set(sched Scheduler) error {
	if sched == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if current == sched {
		return nil
	}
	if current != nil {
		return ErrLoopConflict
	}
	current = sched
	return nil
}

// Reset clears the registered scheduler. It exists for test isolation
// only; production code should never need to call it.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}

// realTime is the default Scheduler, backed by the standard library's
// wall clock and timers.
type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

func (realTime) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

func (realTime) CallSoon(f func()) {
	time.AfterFunc(0, f)
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool               { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
