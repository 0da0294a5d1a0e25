package kiss

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/hamradio-go/ax25link/internal/evloop"
	"github.com/hamradio-go/ax25link/internal/future"
	"github.com/hamradio-go/ax25link/internal/signal"
)

// Device states.
const (
	StateClosed  = "CLOSED"
	StateOpening = "OPENING"
	StateOpen    = "OPEN"
	StateClosing = "CLOSING"
	StateFailed  = "FAILED"
)

// FailedEvent is emitted on Device.Failed whenever the transport reports
// an error on open, close or send. The device is in StateFailed by the
// time subscribers observe this.
type FailedEvent struct {
	Action string // "open", "close" or "send"
	Err    error
}

// Config configures a new Device.
type Config struct {
	// Transport is the byte-stream collaborator. Required.
	Transport Transport
	Logger    log.Logger
	// Scheduler overrides the process-wide evloop scheduler. Leave nil
	// in production; tests supply a fake to drive timers deterministically.
	Scheduler evloop.Scheduler

	// InitCommands are ASCII command lines sent, each followed by a
	// carriage return, in order, before the device is considered open.
	// An empty list means the device transitions straight to OPEN once
	// the transport itself opens successfully.
	InitCommands []string

	// SendBlockSize caps how many bytes of an encoded frame are written
	// to the transport per call; 0 means "the whole frame at once".
	SendBlockSize int
	// SendBlockDelay paces successive blocks of the same frame when
	// SendBlockSize splits it across more than one transport write.
	SendBlockDelay time.Duration

	// ResetOnClose queues the un-framed KISS "return" byte ahead of the
	// transport close, asking a TNC to leave KISS mode cleanly.
	ResetOnClose bool
	// ReturnFuture, when true, allocates a Future for calls that were not
	// given an explicit completion, per the three-way completion rule in
	// internal/future.
	ReturnFuture bool
}

type txItem struct {
	data       []byte
	completion *future.Future
}

// Device is a KISS device engine: it multiplexes one byte transport into
// up to 16 logical ports, handles the init command handshake, and paces
// outbound frames onto the transport.
type Device struct {
	mu sync.Mutex

	logger    log.Logger
	transport Transport
	scheduler evloop.Scheduler

	state string

	initCommands   []string
	remInitCmds    []string
	sendBlockSize  int
	sendBlockDelay time.Duration
	resetOnClose   bool
	returnFuture   bool

	rxBuffer []byte

	txQueue  []txItem
	txBuffer []byte
	txFuture *future.Future
	drainSet bool

	openQueue  []*future.Future
	closeQueue []*future.Future

	ports map[int]*Port

	// Failed fires whenever the transport reports an error; the device
	// is already in StateFailed by the time subscribers observe it.
	Failed *signal.Signal[FailedEvent]
}

// NewDevice constructs a Device in StateClosed. cfg.Transport must be
// non-nil.
func NewDevice(cfg Config) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = evloop.Get()
	}
	return &Device{
		logger:         log.With(logger, "component", "kiss.Device"),
		transport:      cfg.Transport,
		scheduler:      sched,
		state:          StateClosed,
		initCommands:   append([]string(nil), cfg.InitCommands...),
		sendBlockSize:  cfg.SendBlockSize,
		sendBlockDelay: cfg.SendBlockDelay,
		resetOnClose:   cfg.ResetOnClose,
		returnFuture:   cfg.ReturnFuture,
		ports:          make(map[int]*Port),
		Failed:         &signal.Signal[FailedEvent]{},
	}
}

// State reports the device's current state.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Port returns the logical port handle for id, creating it on first use.
func (d *Device) Port(id int) *Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.ports[id]; ok {
		return p
	}
	p := newPort(d, id)
	d.ports[id] = p
	return p
}

// Open opens the transport and begins the KISS init command sequence.
// If the device is already opening, open or closing, completion is
// simply queued to be resolved the next time the device reaches OPEN.
func (d *Device) Open(completion *future.Future) (*future.Future, error) {
	d.mu.Lock()
	fut := future.Ensure(completion, d.returnFuture)
	state := d.state
	if state != StateClosed && state != StateFailed {
		if fut != nil {
			d.openQueue = append(d.openQueue, fut)
		}
		d.mu.Unlock()
		return fut, nil
	}
	if fut != nil {
		d.openQueue = append(d.openQueue, fut)
	}
	d.mu.Unlock()

	if err := d.transport.Open(); err != nil {
		tf := &TransportFailure{Action: "open", Err: err}
		d.failAction(tf, "open")
		return fut, tf
	}

	d.mu.Lock()
	d.state = StateOpening
	d.mu.Unlock()

	if err := d.initKiss(); err != nil {
		return fut, err
	}
	return fut, nil
}

// initKiss sends the first init command (if any) synchronously from
// Open's call stack; subsequent commands are advanced by checkOpen as
// bytes arrive from the transport.
func (d *Device) initKiss() error {
	d.mu.Lock()
	if len(d.initCommands) == 0 {
		d.rxBuffer = nil
		d.state = StateOpen
		queue := d.openQueue
		d.openQueue = nil
		d.mu.Unlock()
		resolveAll(queue)
		level.Info(d.logger).Log("msg", "kiss device open", "init_commands", 0)
		return nil
	}
	first := d.initCommands[0]
	d.remInitCmds = append([]string(nil), d.initCommands[1:]...)
	d.mu.Unlock()

	if err := d.transport.SendRaw([]byte(first + "\r")); err != nil {
		tf := &TransportFailure{Action: "open", Err: err}
		d.failAction(tf, "open")
		return tf
	}
	return nil
}

// checkOpen is scheduled whenever bytes arrive while OPENING: the bytes
// just received are treated as the TNC's acknowledgement of the most
// recently sent init command, and the next one is sent.
func (d *Device) checkOpen() {
	d.mu.Lock()
	d.rxBuffer = nil
	d.mu.Unlock()
	d.sendNextKissCmd()
}

func (d *Device) sendNextKissCmd() {
	d.mu.Lock()
	if len(d.remInitCmds) == 0 {
		d.rxBuffer = nil
		d.state = StateOpen
		queue := d.openQueue
		d.openQueue = nil
		d.mu.Unlock()
		resolveAll(queue)
		level.Info(d.logger).Log("msg", "kiss device open")
		return
	}
	cmd := d.remInitCmds[0]
	d.remInitCmds = d.remInitCmds[1:]
	d.mu.Unlock()

	if err := d.transport.SendRaw([]byte(cmd + "\r")); err != nil {
		tf := &TransportFailure{Action: "open", Err: err}
		d.failAction(tf, "open")
		level.Error(d.logger).Log("msg", "kiss init command failed", "err", err)
	}
}

// Close begins an orderly shutdown from StateOpen: any queued frames
// drain first (preceded by the un-framed KISS return byte if configured),
// then the transport is closed. Closing an already-closing device just
// queues completion. Closing an already-closed device resolves completion
// immediately. Closing from OPENING or FAILED returns an error; Reset
// returns a FAILED device to CLOSED.
func (d *Device) Close(completion *future.Future) (*future.Future, error) {
	d.mu.Lock()
	fut := future.Ensure(completion, d.returnFuture)
	switch d.state {
	case StateOpen:
		d.state = StateClosing
		if fut != nil {
			d.closeQueue = append(d.closeQueue, fut)
		}
		if d.resetOnClose {
			d.txQueue = append(d.txQueue, txItem{data: ReturnFrame})
		}
		need := !d.drainSet
		if need {
			d.drainSet = true
		}
		d.mu.Unlock()
		if need {
			d.scheduler.CallSoon(d.sendData)
		}
		return fut, nil
	case StateClosing:
		if fut != nil {
			d.closeQueue = append(d.closeQueue, fut)
		}
		d.mu.Unlock()
		return fut, nil
	case StateClosed:
		d.mu.Unlock()
		if future.Ready(fut) {
			fut.SetResult()
		}
		return fut, nil
	default:
		state := d.state
		d.mu.Unlock()
		return fut, fmt.Errorf("kiss: cannot close device in state %s", state)
	}
}

// Reset recovers a FAILED device back to CLOSED, failing any completions
// left pending from the attempt that caused the failure. It is a no-op
// from any other state.
func (d *Device) Reset() {
	d.mu.Lock()
	if d.state != StateFailed {
		d.mu.Unlock()
		return
	}
	d.state = StateClosed
	openQ := d.openQueue
	closeQ := d.closeQueue
	d.openQueue = nil
	d.closeQueue = nil
	d.txQueue = nil
	d.txBuffer = nil
	txFut := d.txFuture
	d.txFuture = nil
	d.rxBuffer = nil
	d.mu.Unlock()

	resetErr := errors.New("kiss: device reset")
	failAll(openQ, resetErr)
	failAll(closeQ, resetErr)
	if future.Ready(txFut) {
		txFut.SetError(resetErr)
	}
}

// Receive delivers bytes read from the transport into the device's
// reassembly buffer. Callers are the transport's own read loop.
func (d *Device) Receive(data []byte) {
	d.mu.Lock()
	d.rxBuffer = append(d.rxBuffer, data...)
	state := d.state
	d.mu.Unlock()

	if state == StateOpening {
		d.scheduler.CallSoon(d.checkOpen)
	} else {
		d.scheduler.CallSoon(d.receiveFrame)
	}
}

// receiveFrame parses at most one complete frame out of the reassembly
// buffer and dispatches it, rescheduling itself if more may remain.
func (d *Device) receiveFrame() {
	d.mu.Lock()
	buf := d.rxBuffer
	first := bytes.IndexByte(buf, FEND)
	if first == -1 {
		d.mu.Unlock()
		return
	}
	afterFirst := buf[first+1:]
	second := bytes.IndexByte(afterFirst, FEND)
	if second == -1 {
		d.rxBuffer = buf[first:]
		d.mu.Unlock()
		return
	}
	body := afterFirst[:second]
	remainder := buf[first+1+second:]
	d.rxBuffer = remainder
	more := len(remainder) > 1

	if len(body) == 0 {
		d.mu.Unlock()
		if more {
			d.scheduler.CallSoon(d.receiveFrame)
		}
		return
	}

	frame, err := decodeBody(body)
	d.mu.Unlock()
	if err != nil {
		level.Error(d.logger).Log("msg", "dropping malformed kiss frame", "err", err)
	} else {
		d.dispatchRxFrame(frame)
	}
	if more {
		d.scheduler.CallSoon(d.receiveFrame)
	}
}

func (d *Device) dispatchRxFrame(f Frame) {
	d.mu.Lock()
	port, ok := d.ports[f.Port]
	d.mu.Unlock()
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			level.Error(d.logger).Log("msg", "panic dispatching kiss frame", "port", f.Port, "err", r)
		}
	}()
	port.deliver(f.Payload)
}

// send enqueues an already-built Frame for transmission, scheduling the
// drain loop if it isn't already pending.
func (d *Device) send(f Frame, completion *future.Future) {
	d.mu.Lock()
	d.txQueue = append(d.txQueue, txItem{data: Encode(f), completion: completion})
	need := !d.drainSet
	if need {
		d.drainSet = true
	}
	d.mu.Unlock()
	if need {
		d.scheduler.CallSoon(d.sendData)
	}
}

// sendData drains tx_queue/tx_buffer onto the transport, one block at a
// time, pacing successive blocks of a single frame by sendBlockDelay.
func (d *Device) sendData() {
	d.mu.Lock()
	d.drainSet = false
	if len(d.txBuffer) == 0 && len(d.txQueue) > 0 {
		item := d.txQueue[0]
		d.txQueue = d.txQueue[1:]
		d.txBuffer = item.data
		d.txFuture = item.completion
	}
	if len(d.txBuffer) == 0 {
		state := d.state
		queueEmpty := len(d.txQueue) == 0
		d.mu.Unlock()
		if state == StateClosing && queueEmpty {
			d.performClose()
		}
		return
	}

	blockSize := len(d.txBuffer)
	if d.sendBlockSize > 0 && d.sendBlockSize < blockSize {
		blockSize = d.sendBlockSize
	}
	chunk := d.txBuffer[:blockSize]
	completion := d.txFuture
	delay := d.sendBlockDelay
	d.mu.Unlock()

	if err := d.transport.SendRaw(chunk); err != nil {
		tf := &TransportFailure{Action: "send", Err: err}
		d.mu.Lock()
		d.state = StateFailed
		d.txBuffer = nil
		txFut := d.txFuture
		d.txFuture = nil
		d.mu.Unlock()
		d.Failed.Emit(FailedEvent{Action: "send", Err: tf})
		if future.Ready(txFut) {
			txFut.SetError(tf)
		}
		return
	}

	d.mu.Lock()
	if !bytes.HasPrefix(d.txBuffer, chunk) {
		d.mu.Unlock()
		violation := newProtocolViolation("sent bytes are not the current tx_buffer prefix")
		if future.Ready(completion) {
			completion.SetError(violation)
		}
		return
	}
	d.txBuffer = d.txBuffer[len(chunk):]
	frameComplete := len(d.txBuffer) == 0
	if frameComplete {
		d.txFuture = nil
	}
	bufRemaining := len(d.txBuffer) > 0
	state := d.state
	queueEmpty := len(d.txQueue) == 0
	d.mu.Unlock()

	if frameComplete && future.Ready(completion) {
		completion.SetResult()
	}

	switch {
	case bufRemaining:
		d.mu.Lock()
		d.drainSet = true
		d.mu.Unlock()
		d.scheduler.AfterFunc(delay, d.sendData)
	case state == StateClosing && queueEmpty:
		d.performClose()
	case !queueEmpty:
		d.mu.Lock()
		d.drainSet = true
		d.mu.Unlock()
		d.scheduler.CallSoon(d.sendData)
	}
}

func (d *Device) performClose() {
	err := d.transport.Close()
	d.mu.Lock()
	if err != nil {
		tf := &TransportFailure{Action: "close", Err: err}
		d.state = StateFailed
		queue := d.closeQueue
		d.closeQueue = nil
		d.mu.Unlock()
		d.Failed.Emit(FailedEvent{Action: "close", Err: tf})
		failAll(queue, tf)
		return
	}
	d.state = StateClosed
	queue := d.closeQueue
	d.closeQueue = nil
	d.mu.Unlock()
	resolveAll(queue)
}

// failAction transitions the device to FAILED, emits Failed, and fails
// every completion queued for the given action ("open" fails openQueue).
func (d *Device) failAction(tf *TransportFailure, action string) {
	d.mu.Lock()
	d.state = StateFailed
	var queue []*future.Future
	if action == "open" {
		queue = d.openQueue
		d.openQueue = nil
	} else {
		queue = d.closeQueue
		d.closeQueue = nil
	}
	d.mu.Unlock()
	d.Failed.Emit(FailedEvent{Action: action, Err: tf})
	failAll(queue, tf)
}

func resolveAll(queue []*future.Future) {
	for _, f := range queue {
		if future.Ready(f) {
			f.SetResult()
		}
	}
}

func failAll(queue []*future.Future, err error) {
	for _, f := range queue {
		if future.Ready(f) {
			f.SetError(err)
		}
	}
}
