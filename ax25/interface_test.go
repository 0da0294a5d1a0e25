package ax25

import (
	"sync"
	"testing"
	"time"

	"github.com/hamradio-go/ax25link/internal/evloop"
	"github.com/hamradio-go/ax25link/internal/future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced evloop.Scheduler: AfterFunc records
// the callback and its due time instead of running it, and Advance fires
// every timer whose due time has passed, in the order they were armed.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	due     time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool { return true }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) evloop.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{due: c.now.Add(d), fn: f}
	c.pending = append(c.pending, t)
	return t
}

func (c *fakeClock) CallSoon(f func()) { f() }

// Advance moves the clock forward by d and fires every timer now due, in
// the order they were armed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.pending {
		if !t.stopped && !t.due.After(now) {
			due = append(due, t)
		} else if !t.stopped {
			rest = append(rest, t)
		}
	}
	c.pending = rest
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// fakePort records every Send call and completes it synchronously:
// successfully, or with sendErr if that is set.
type fakePort struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (p *fakePort) Send(payload []byte, completion *future.Future) *future.Future {
	p.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.sent = append(p.sent, cp)
	p.mu.Unlock()

	fut := future.Ensure(completion, true)
	if p.sendErr != nil {
		fut.SetError(p.sendErr)
	} else {
		fut.SetResult()
	}
	return fut
}

func (p *fakePort) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func testFrame() *Frame {
	return &Frame{
		Type:        FrameUA,
		Destination: Address{Callsign: "VK4MSL", SSID: 1},
		Source:      Address{Callsign: "VK4RZB"},
	}
}

func TestInterfaceTransmitWaitsForCTSWindow(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{
		Port:     port,
		CTSDelay: 10 * time.Millisecond,
		randFloat: func() float64 { return 0 },
		Scheduler: clock,
	})

	fut, err := iface.Transmit(testFrame(), nil, future.New())
	require.NoError(t, err)
	assert.Equal(t, 0, port.sentCount(), "frame sent before the CTS window elapsed")

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, port.sentCount())
	assert.NoError(t, fut.Err())
}

func TestInterfaceDeliverResetsCTSAndDelaysPendingTransmit(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{
		Port:      port,
		CTSDelay:  10 * time.Millisecond,
		randFloat: func() float64 { return 0 },
		Scheduler: clock,
	})

	_, err := iface.Transmit(testFrame(), nil, future.New())
	require.NoError(t, err)

	clock.Advance(5 * time.Millisecond)
	iface.Deliver(&Frame{Type: FrameUA, Destination: Address{Callsign: "X"}, Source: Address{Callsign: "Y"}})
	assert.Equal(t, 0, port.sentCount(), "received traffic should push the CTS window out")

	clock.Advance(5 * time.Millisecond)
	assert.Equal(t, 0, port.sentCount(), "original 10ms window elapsed but was reset 5ms in")

	clock.Advance(5 * time.Millisecond)
	assert.Equal(t, 1, port.sentCount())
}

func TestInterfaceCancelTransmit(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{
		Port:      port,
		CTSDelay:  10 * time.Millisecond,
		randFloat: func() float64 { return 0 },
		Scheduler: clock,
	})

	frame := testFrame()
	fut, err := iface.Transmit(frame, nil, future.New())
	require.NoError(t, err)

	iface.CancelTransmit(frame)
	clock.Advance(10 * time.Millisecond)

	assert.Equal(t, 0, port.sentCount())
	assert.ErrorIs(t, fut.Err(), ErrCancelled)
}

func TestInterfaceCancelTransmitUnknownFrameIsNoOp(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{Port: port, Scheduler: clock})

	iface.CancelTransmit(testFrame())
}

func TestInterfaceDropsExpiredFrame(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{
		Port:      port,
		CTSDelay:  10 * time.Millisecond,
		randFloat: func() float64 { return 0 },
		Scheduler: clock,
	})

	deadline := clock.Now().Add(5 * time.Millisecond)
	frame := testFrame()
	frame.Deadline = &deadline

	fut, err := iface.Transmit(frame, nil, future.New())
	require.NoError(t, err)

	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 0, port.sentCount())
	assert.ErrorIs(t, fut.Err(), ErrExpired)
}

func TestInterfaceTransmitCallbackFires(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	iface := NewInterface(InterfaceConfig{
		Port:      port,
		CTSDelay:  10 * time.Millisecond,
		randFloat: func() float64 { return 0 },
		Scheduler: clock,
	})

	done := make(chan error, 1)
	_, err := iface.Transmit(testFrame(), func(i *Interface, f *Frame, err error) {
		done <- err
	}, nil)
	require.NoError(t, err)

	clock.Advance(10 * time.Millisecond)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback was never invoked")
	}
}

func TestInterfaceTransmitRejectsCallbackAndCompletionTogether(t *testing.T) {
	clock := newFakeClock()
	iface := NewInterface(InterfaceConfig{Port: &fakePort{}, Scheduler: clock})
	_, err := iface.Transmit(testFrame(), func(*Interface, *Frame, error) {}, future.New())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInterfaceDeliverRoutesFrame(t *testing.T) {
	clock := newFakeClock()
	router := NewRouter()
	var got *Frame
	router.SetDefault(func(f *Frame) { got = f })

	iface := NewInterface(InterfaceConfig{Port: &fakePort{}, Router: router, Scheduler: clock})
	frame := testFrame()
	iface.Deliver(frame)

	require.NotNil(t, got)
	assert.Equal(t, frame, got)
}
