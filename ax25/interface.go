package ax25

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/hamradio-go/ax25link/internal/evloop"
	"github.com/hamradio-go/ax25link/internal/future"
	"github.com/hamradio-go/ax25link/kiss"
)

// ErrConflict is returned by Transmit when both a callback and a
// completion are supplied; exactly one, or neither, is allowed.
var ErrConflict = errors.New("ax25: cannot supply both callback and completion")

// ErrCancelled is the error a Transmit completion fails with when the
// frame is removed by CancelTransmit before it is sent.
var ErrCancelled = errors.New("ax25: transmit cancelled")

// ErrExpired is the error a Transmit completion fails with when the
// frame's Deadline has passed by the time it reaches the head of the
// queue.
var ErrExpired = errors.New("ax25: frame expired")

// TransmitCallback receives the outcome of a Transmit call in legacy
// callback style: err is nil on success.
type TransmitCallback func(iface *Interface, frame *Frame, err error)

// Port is the subset of kiss.Port an Interface transmits through.
// kiss.Port satisfies it directly; tests substitute a fake.
type Port interface {
	Send(payload []byte, completion *future.Future) *future.Future
}

// InterfaceConfig configures a new Interface.
type InterfaceConfig struct {
	// Port is the KISS port frames are transmitted through. Required.
	Port Port
	// Router receives every frame the port delivers, after the CTS
	// guard has been reset. Required for the interface to be useful,
	// but left nil-able so tests can drive Interface in isolation.
	Router *Router
	// Encoder renders a Frame to its wire bytes before handing it to
	// Port.Send. Defaults to EncodeFrame.
	Encoder func(*Frame) []byte

	Logger    log.Logger
	Scheduler evloop.Scheduler

	// CTSDelay is the base clear-to-send guard. Defaults to 10ms.
	CTSDelay time.Duration
	// CTSRand is the upper bound of the random jitter added to
	// CTSDelay. Zero selects the 10ms default. A negative value disables
	// the jitter, and the CTS monotonicity repair loop is then skipped
	// (spec.md's open question) since an unbounded jitter-free loop can
	// spin forever.
	CTSRand time.Duration

	ReturnFuture bool

	// randFloat is swappable for deterministic tests; defaults to
	// rand.Float64.
	randFloat func() float64
}

type txItem struct {
	frame      *Frame
	completion *future.Future
}

// Interface is the clear-to-send transmit scheduler sitting above a
// single KISS port: component E of the data-link stack. It queues
// outgoing AX.25 frames, waits for a break in received activity before
// sending each one, and routes every received frame onward to a Router.
type Interface struct {
	mu sync.Mutex

	logger    log.Logger
	scheduler evloop.Scheduler
	port      Port
	router    *Router
	encode    func(*Frame) []byte

	ctsDelay  time.Duration
	ctsRand   time.Duration
	ctsExpiry time.Time
	randFloat func() float64

	returnFuture bool

	txQueue   []txItem
	txPending evloop.Timer
}

// NewInterface constructs an Interface bound to cfg.Port, starting its
// CTS window from "now".
func NewInterface(cfg InterfaceConfig) *Interface {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = evloop.Get()
	}
	ctsDelay := cfg.CTSDelay
	if ctsDelay == 0 {
		ctsDelay = 10 * time.Millisecond
	}
	ctsRand := cfg.CTSRand
	if ctsRand == 0 {
		ctsRand = 10 * time.Millisecond
	}
	encode := cfg.Encoder
	if encode == nil {
		encode = EncodeFrame
	}
	rf := cfg.randFloat
	if rf == nil {
		rf = rand.Float64
	}
	i := &Interface{
		logger:       log.With(logger, "component", "ax25.Interface"),
		scheduler:    sched,
		port:         cfg.Port,
		router:       cfg.Router,
		encode:       encode,
		ctsDelay:     ctsDelay,
		ctsRand:      ctsRand,
		randFloat:    rf,
		returnFuture: cfg.ReturnFuture,
	}
	i.ctsExpiry = sched.Now().Add(i.jitteredDelay())
	return i
}

func (i *Interface) jitteredDelay() time.Duration {
	if i.ctsRand <= 0 {
		return i.ctsDelay
	}
	return i.ctsDelay + time.Duration(i.randFloat()*float64(i.ctsRand))
}

// Deliver is called by the owning KISSPort's received signal for every
// payload decoded off the wire. It resets the CTS guard before routing
// the frame onward, per spec.md 4.E ("on every received frame: call
// _reset_cts() then forward the frame upstream").
func (i *Interface) Deliver(f *Frame) {
	i.resetCTS()
	if i.router != nil {
		i.router.Route(f)
	}
}

// Transmit enqueues frame for transmission. Exactly one of callback or
// completion may be supplied (as the callback and completion arguments); passing both is
// ErrConflict. If neither is supplied, the returned Future follows the
// three-way completion rule (internal/future): pass-through, allocate
// if ReturnFuture, or nil.
func (i *Interface) Transmit(frame *Frame, callback TransmitCallback, completion *future.Future) (*future.Future, error) {
	if callback != nil && completion != nil {
		return nil, ErrConflict
	}

	var fut *future.Future
	if callback != nil {
		fut = future.New()
		fut.OnDone(func(err error) {
			i.scheduler.CallSoon(func() { callback(i, frame, err) })
		})
	} else {
		fut = future.Ensure(completion, i.returnFuture)
	}

	i.mu.Lock()
	i.txQueue = append(i.txQueue, txItem{frame: frame, completion: fut})
	needSchedule := i.txPending == nil
	i.mu.Unlock()

	level.Debug(i.logger).Log("msg", "queued frame for transmission", "type", frame.Type)
	if needSchedule {
		i.scheduleTx()
	}
	return fut, nil
}

// CancelTransmit removes the first queued entry whose frame is frame
// (compared by pointer identity) and fails its completion, if any, with
// ErrCancelled. It is a no-op if frame is not found (already sent, or
// never queued).
func (i *Interface) CancelTransmit(frame *Frame) {
	i.mu.Lock()
	idx := -1
	for n, item := range i.txQueue {
		if item.frame == frame {
			idx = n
			break
		}
	}
	var completion *future.Future
	if idx >= 0 {
		completion = i.txQueue[idx].completion
		i.txQueue = append(i.txQueue[:idx], i.txQueue[idx+1:]...)
	}
	i.mu.Unlock()

	if idx < 0 {
		return
	}
	level.Debug(i.logger).Log("msg", "cancelled queued frame", "type", frame.Type)
	if future.Ready(completion) {
		completion.SetError(ErrCancelled)
	}
}

// resetCTS recomputes ctsExpiry as now + jitter, enforcing that it never
// decreases, and reschedules the pending transmit (if any) to the new
// expiry.
func (i *Interface) resetCTS() {
	i.mu.Lock()
	now := i.scheduler.Now()
	expiry := now.Add(i.jitteredDelay())
	if i.ctsRand > 0 {
		for expiry.Before(i.ctsExpiry) {
			expiry = expiry.Add(time.Duration(i.randFloat() * float64(i.ctsRand)))
		}
	}
	// A non-positive ctsRand (a negative CTSRand; zero selects the
	// default) is degenerate (spec.md open question): skip the
	// monotonicity-repair loop entirely rather than spin forever, and
	// rely on the scheduler's clock strictly advancing between calls.
	i.ctsExpiry = expiry
	pending := i.txPending
	i.mu.Unlock()

	level.Debug(i.logger).Log("msg", "cts expiry reset", "expiry", expiry)
	if pending != nil {
		i.scheduleTx()
	}
}

// scheduleTx arms (cancelling and replacing any existing) the timer that
// will fire txNext once the CTS window has elapsed.
func (i *Interface) scheduleTx() {
	i.mu.Lock()
	if i.txPending != nil {
		i.txPending.Stop()
	}
	delay := i.ctsExpiry.Sub(i.scheduler.Now())
	if delay < 0 {
		delay = 0
	}
	i.txPending = i.scheduler.AfterFunc(delay, i.txNext)
	i.mu.Unlock()
}

// txNext pops the head of the queue and attempts to send it, dropping
// expired frames and rescheduling as needed.
func (i *Interface) txNext() {
	i.mu.Lock()
	i.txPending = nil
	if len(i.txQueue) == 0 {
		i.mu.Unlock()
		level.Debug(i.logger).Log("msg", "no traffic to transmit")
		return
	}
	item := i.txQueue[0]
	i.txQueue = i.txQueue[1:]
	i.mu.Unlock()

	now := i.scheduler.Now()
	if item.frame.Expired(now) {
		level.Info(i.logger).Log("msg", "dropping expired frame", "type", item.frame.Type)
		if future.Ready(item.completion) {
			item.completion.SetError(ErrExpired)
		}
		i.scheduleTx()
		return
	}

	inner := future.New()
	inner.OnDone(func(err error) {
		if err != nil {
			level.Error(i.logger).Log("msg", "failed to transmit frame", "type", item.frame.Type, "err", err)
			if future.Ready(item.completion) {
				item.completion.SetError(err)
			}
		} else {
			level.Debug(i.logger).Log("msg", "transmitted frame", "type", item.frame.Type)
			if future.Ready(item.completion) {
				item.completion.SetResult()
			}
		}
		i.resetCTS()
		i.mu.Lock()
		more := len(i.txQueue) > 0
		i.mu.Unlock()
		if more {
			i.scheduleTx()
		}
	})

	func() {
		defer func() {
			if r := recover(); r != nil {
				inner.SetError(fmt.Errorf("ax25: synchronous transmit failure: %v", r))
			}
		}()
		i.port.Send(i.encode(item.frame), inner)
	}()
}

// BindKISSPort wires port's received payloads through DecodeFrame into
// iface.Deliver, so byte-level KISS traffic becomes AX.25 frames routed
// to peers. Decode failures are logged and the payload is dropped,
// mirroring KISSDevice's own dispatch-error handling (spec.md 4.B): a
// malformed frame never propagates as a fault.
func BindKISSPort(iface *Interface, port *kiss.Port) {
	port.Received.Connect(func(payload []byte) {
		frame, err := DecodeFrame(payload)
		if err != nil {
			level.Error(iface.logger).Log("msg", "dropping malformed ax25 frame", "err", err)
			return
		}
		iface.Deliver(frame)
	})
}
