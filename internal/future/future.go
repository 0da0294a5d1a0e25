// Package future implements the completion-handle rule shared by the KISS
// device engine and the AX.25 interface: every asynchronous operation
// either hands the caller a handle to learn the eventual outcome, or
// completes silently, per a component's configured policy.
package future

import "sync"

// Future is a one-shot completion handle. A nil error on completion means
// success; any other value is the failure reason. It is safe to complete
// a Future from a different goroutine than the one waiting on it.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// New allocates a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel that is closed once the Future has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// SetResult completes the Future successfully. Subsequent calls to
// SetResult/SetError are no-ops; only the first completion is kept.
func (f *Future) SetResult() {
	f.complete(nil)
}

// SetError fails the Future with err. err must not be nil.
func (f *Future) SetError(err error) {
	f.complete(err)
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Err blocks until the Future completes and returns its outcome.
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// OnDone registers fn to run, in its own goroutine, once the Future
// completes; fn receives the same outcome Err would return. This is the
// Go-idiomatic stand-in for the source's add_done_callback: components
// that need to react to a future's outcome (bridging it to a legacy
// callback, or chaining an outer completion from an inner one) attach a
// handler instead of blocking on Err.
func (f *Future) OnDone(fn func(error)) {
	go func() {
		<-f.done
		fn(f.err)
	}()
}

// IsDone reports whether the Future has already completed, without
// blocking.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Ready reports whether f is non-nil and has not yet completed. This is
// the "handle is ready to take a result" predicate used before resolving
// or failing a caller-supplied completion, so that a Future nobody is
// waiting on (nil) or one that already completed is never touched twice.
func Ready(f *Future) bool {
	return f != nil && !f.IsDone()
}

// Ensure implements the future-wrapper mixin rule: if supplied is
// non-nil, it is returned unchanged; otherwise, if returnFuture is set,
// a fresh Future is allocated and returned; otherwise nil is returned
// (fire-and-forget mode).
func Ensure(supplied *Future, returnFuture bool) *Future {
	if supplied != nil {
		return supplied
	}
	if returnFuture {
		return New()
	}
	return nil
}
