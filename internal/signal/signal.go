// Package signal implements a small multi-subscriber notifier, the
// signal/slot primitive the rest of the stack uses for observable events
// (KISSDevice.failed, KISSPort.received, Station.connection_request).
//
// No suitable third-party pub/sub library was found in the retrieved
// pack: the closest matches (cloud event emitters, k8s scale-event
// handlers) are built around HTTP/cloud-event delivery and would drag in
// unrelated dependencies for what is, here, a same-process fan-out to a
// handful of callbacks. This is implemented directly on sync.Mutex and a
// slice of subscriptions instead.
package signal

import "sync"

// Slot receives an emitted value of type T.
type Slot[T any] func(T)

// Signal is a multi-subscriber notifier for values of type T. The zero
// value is ready to use.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
}

type subscription[T any] struct {
	mu      sync.Mutex
	fn      Slot[T]
	oneShot bool
	fired   bool
}

// Conn is a handle to a single subscription, returned by Connect and
// ConnectOnce. It can be disconnected, or (for tests and advanced users)
// invoked directly regardless of whether the owning Signal is still
// reachable: a one-shot slot must still run exactly once when called
// directly, even if every reference to the Signal itself has been
// dropped in the meantime.
type Conn[T any] struct {
	sig *Signal[T]
	sub *subscription[T]
}

// Connect adds a permanent subscriber: fn runs on every Emit until the
// returned Conn is disconnected.
func (s *Signal[T]) Connect(fn Slot[T]) *Conn[T] {
	return s.add(fn, false)
}

// ConnectOnce adds a one-shot subscriber: fn runs on the next Emit only,
// then is automatically detached.
func (s *Signal[T]) ConnectOnce(fn Slot[T]) *Conn[T] {
	return s.add(fn, true)
}

func (s *Signal[T]) add(fn Slot[T], oneShot bool) *Conn[T] {
	sub := &subscription[T]{fn: fn, oneShot: oneShot}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return &Conn[T]{sig: s, sub: sub}
}

// Emit calls every connected slot with v, in connection order. One-shot
// slots are detached after firing. Emit is safe to call concurrently
// with Connect/Disconnect.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	subs := make([]*subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	var toRemove []*subscription[T]
	for _, sub := range subs {
		sub.invoke(v)
		if sub.oneShot {
			toRemove = append(toRemove, sub)
		}
	}
	if len(toRemove) > 0 {
		s.mu.Lock()
		for _, dead := range toRemove {
			s.remove(dead)
		}
		s.mu.Unlock()
	}
}

func (s *Signal[T]) remove(target *subscription[T]) {
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// invoke runs the slot at most once for a one-shot subscription, even if
// called concurrently from both Emit and a direct Invoke.
func (sub *subscription[T]) invoke(v T) {
	sub.mu.Lock()
	if sub.oneShot {
		if sub.fired {
			sub.mu.Unlock()
			return
		}
		sub.fired = true
	}
	sub.mu.Unlock()
	sub.fn(v)
}

// Disconnect removes the subscription from its Signal. It is a no-op if
// already disconnected or already fired (for one-shot slots).
func (c *Conn[T]) Disconnect() {
	c.sig.mu.Lock()
	defer c.sig.mu.Unlock()
	c.sig.remove(c.sub)
}

// Invoke runs the connected slot directly with v, bypassing the owning
// Signal entirely. A one-shot slot still only fires once total, whether
// reached via Signal.Emit or via Invoke, and still fires even if the
// Signal it was connected to is no longer reachable.
func (c *Conn[T]) Invoke(v T) {
	c.sub.invoke(v)
}
