package ax25

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/hamradio-go/ax25link/internal/evloop"
)

// Peer connection states.
const (
	StateDisconnected  = "DISCONNECTED"
	StateConnecting    = "CONNECTING"
	StateConnected     = "CONNECTED"
	StateDisconnecting = "DISCONNECTING"
)

// Protocol identifies the negotiated (or not-yet-negotiated) AX.25
// revision in use with a peer.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolAX25_2_0
	ProtocolAX25_2_2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolAX25_2_0:
		return "AX.25 2.0"
	case ProtocolAX25_2_2:
		return "AX.25 2.2"
	default:
		return "unknown"
	}
}

// StationInfo is the subset of station state the peer FSM consults:
// the local station's own address and its configured protocol version,
// used when deciding how to answer an incoming SABME.
type StationInfo interface {
	LocalAddress() Address
	Protocol() Protocol
	// EmitConnectionRequest notifies subscribers that p has an incoming
	// connection request pending (Station.connection_request in spec.md).
	EmitConnectionRequest(p *Peer)
}

// PeerConfig configures a new Peer.
type PeerConfig struct {
	Station    StationInfo
	Address    Address
	Path       []Address
	LockedPath bool

	// Modulo128 selects SABME over SABM on Connect.
	Modulo128 bool

	Logger    log.Logger
	Scheduler evloop.Scheduler

	// ConnectRetryTimeout paces SABM(E) retransmission while CONNECTING.
	// Defaults to 10s, matching a conservative amateur-radio round trip.
	ConnectRetryTimeout time.Duration
	// IdleTimeout governs the idle timer reset on every accepted frame.
	// Zero disables it.
	IdleTimeout time.Duration
}

// transmitFrameFunc is the indirection point for actually putting a
// frame on the air; production code wires this to an Interface, tests
// stub it directly, mirroring the source's peer._transmit_frame seam.
type transmitFrameFunc func(f *Frame)

// Peer is the per-remote-station AX.25 data-link state machine:
// component F. It drives SABM/SABME negotiation, UA/DM/DISC handling,
// FRMR generation and AX.25 2.0/2.2 version negotiation for a single
// remote station reached via a (possibly empty) digipeater path.
type Peer struct {
	mu sync.Mutex

	logger    log.Logger
	scheduler evloop.Scheduler
	station   StationInfo

	RemoteAddress Address
	Path          []Address
	LockedPath    bool

	state      string
	modulo128  bool
	protocol   Protocol
	negotiated bool

	connectRetryTimeout time.Duration
	idleTimeout         time.Duration
	connectTimer        evloop.Timer
	idleTimer           evloop.Timer

	transmitFrame transmitFrameFunc

	// uaHandler is armed just before a SABM(E) is sent and fires on the
	// matching UA while CONNECTING; dmHandler is armed by Disconnect and
	// fires on a DM received outside CONNECTING. A DM received while
	// CONNECTING never invokes dmHandler and leaves it in place.
	uaHandler func()
	dmHandler func()
}

// NewPeer constructs a Peer in StateDisconnected for the given remote
// station, reached via path (nil/empty for a direct link).
func NewPeer(cfg PeerConfig, transmit transmitFrameFunc) *Peer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = evloop.Get()
	}
	retry := cfg.ConnectRetryTimeout
	if retry == 0 {
		retry = 10 * time.Second
	}
	return &Peer{
		logger:              log.With(logger, "component", "ax25.Peer", "remote", cfg.Address.String()),
		scheduler:           sched,
		station:             cfg.Station,
		RemoteAddress:       cfg.Address,
		Path:                append([]Address(nil), cfg.Path...),
		LockedPath:          cfg.LockedPath,
		state:               StateDisconnected,
		modulo128:           cfg.Modulo128,
		protocol:            ProtocolUnknown,
		connectRetryTimeout: retry,
		idleTimeout:         cfg.IdleTimeout,
		transmitFrame:       transmit,
	}
}

// State returns the peer's current connection state.
func (p *Peer) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Protocol returns the negotiated (or still-unknown) AX.25 revision.
func (p *Peer) Protocol() Protocol {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocol
}

// Connect begins establishing a connection. It is a no-op unless the
// peer is currently DISCONNECTED.
func (p *Peer) Connect() {
	p.mu.Lock()
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.negotiate()
}

// negotiate decides whether the peer's AX.25 version is already known.
// If so it goes straight to sendSABM; if not, a real station would
// probe with an XID or TEST first (out of this core's scope — numbered
// I/S frame and XID negotiation live in the external codec/extended
// FSM), so this core degrades gracefully to assuming modulo128's
// caller-supplied value decides SABM vs SABME directly.
func (p *Peer) negotiate() {
	p.mu.Lock()
	known := p.protocol != ProtocolUnknown
	p.mu.Unlock()
	if !known {
		level.Debug(p.logger).Log("msg", "peer version unknown, connecting without probing")
	}
	p.sendSABM()
}

// sendSABM transmits SABM (or SABME, if Modulo128 is set), moves to
// CONNECTING, and arms the connect-retry timer.
func (p *Peer) sendSABM() {
	p.mu.Lock()
	extended := p.modulo128
	p.state = StateConnecting
	p.uaHandler = p.finaliseConnect
	p.mu.Unlock()

	frame := &Frame{
		Type:        FrameSABM,
		Destination: p.RemoteAddress,
		Source:      p.station.LocalAddress(),
		Repeaters:   p.Path,
	}
	if extended {
		frame.Type = FrameSABME
	}
	level.Info(p.logger).Log("msg", "sending connect request", "extended", extended)
	p.transmitFrame(frame)
	p.startConnectRetryTimer()
}

func (p *Peer) startConnectRetryTimer() {
	p.mu.Lock()
	if p.connectTimer != nil {
		p.connectTimer.Stop()
	}
	p.connectTimer = p.scheduler.AfterFunc(p.connectRetryTimeout, p.onConnectRetry)
	p.mu.Unlock()
}

// onConnectRetry re-sends SABM(E) if still CONNECTING when the timer
// fires; a UA, DM or DISC received in the meantime has already moved
// the peer out of CONNECTING and stopped the timer.
func (p *Peer) onConnectRetry() {
	p.mu.Lock()
	stillConnecting := p.state == StateConnecting
	p.mu.Unlock()
	if stillConnecting {
		level.Debug(p.logger).Log("msg", "connect retry timeout, resending SABM(E)")
		p.sendSABM()
	}
}

func (p *Peer) finaliseConnect() {
	p.mu.Lock()
	p.state = StateConnected
	p.negotiated = true
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
	p.mu.Unlock()
	level.Info(p.logger).Log("msg", "connection established")
}

// Receive dispatches an inbound frame according to the peer's current
// state. Every frame the FSM does not explicitly ignore resets the idle
// timer first.
func (p *Peer) Receive(f *Frame) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case StateConnecting:
		p.receiveConnecting(f)
	default:
		p.resetIdleTimeout()
		p.receiveDefault(f)
	}
}

func (p *Peer) receiveConnecting(f *Frame) {
	switch f.Type {
	case FrameFRMR:
		// Ignore: AX.25 2.2 section 6.3.1.
		return
	case FrameTEST:
		// Ignore while still negotiating the connection.
		return
	case FrameUA:
		p.resetIdleTimeout()
		p.mu.Lock()
		handler := p.uaHandler
		p.mu.Unlock()
		if handler != nil {
			handler()
		}
		return
	case FrameDISC:
		p.resetIdleTimeout()
		p.sendUA(f)
		p.onDisconnect()
		return
	case FrameDM:
		// Do not invoke dmHandler here: it stays armed for a DM
		// received later, once CONNECTED.
		p.resetIdleTimeout()
		p.onDisconnect()
		return
	case FrameSABM:
		p.resetIdleTimeout()
		p.onReceiveSABM(f, false)
		return
	case FrameSABME:
		p.resetIdleTimeout()
		p.onReceiveSABM(f, true)
		return
	default:
		p.resetIdleTimeout()
		p.receiveDefault(f)
	}
}

// receiveDefault handles frames once CONNECTED/DISCONNECTING, or any
// frame type receiveConnecting does not special-case. I/S frame
// sequencing is out of this core's scope; only the U-frame subset this
// layer owns is handled here.
func (p *Peer) receiveDefault(f *Frame) {
	switch f.Type {
	case FrameUA:
		if p.State() == StateDisconnecting {
			p.onDisconnect()
		}
	case FrameDISC:
		p.sendUA(f)
		p.onDisconnect()
	case FrameDM:
		p.mu.Lock()
		handler := p.dmHandler
		p.mu.Unlock()
		if handler != nil {
			handler()
		}
		p.onDisconnect()
	case FrameSABM:
		p.onReceiveSABM(f, false)
	case FrameSABME:
		p.onReceiveSABM(f, true)
	}
}

// onReceiveSABM implements spec.md 4.F's SABM(E) acceptance logic: a
// 2.0-only station refuses an incoming SABME with FRMR(W=true); a known
// 2.0 peer attempting SABME gets DM; an unknown peer sending SABME
// upgrades our record of its protocol to 2.2. In every other case the
// incoming connection is initialised and the station's
// connection_request event fires.
func (p *Peer) onReceiveSABM(f *Frame, extended bool) {
	if extended && p.station.Protocol() == ProtocolAX25_2_0 {
		p.sendFRMR(f, true)
		return
	}
	p.mu.Lock()
	peerProtocol := p.protocol
	p.mu.Unlock()

	if extended && peerProtocol == ProtocolAX25_2_0 {
		p.sendDM()
		return
	}
	if extended && peerProtocol == ProtocolUnknown {
		p.mu.Lock()
		p.protocol = ProtocolAX25_2_2
		p.mu.Unlock()
	}

	p.initConnection(extended)
	p.startIncomingConnectTimer()
	p.station.EmitConnectionRequest(p)
}

// initConnection records that an incoming connection with the
// negotiated extended-ness is now established (an outgoing connect is
// completed by finaliseConnect instead). Sequence-number
// state (V(S)/V(R)/V(A)) belongs to the out-of-scope extended FSM;
// this core only needs to move to CONNECTED and remember modulo128.
func (p *Peer) initConnection(extended bool) {
	p.mu.Lock()
	p.modulo128 = extended
	p.state = StateConnected
	p.negotiated = true
	p.mu.Unlock()
	level.Info(p.logger).Log("msg", "incoming connection initialised", "extended", extended)
}

// startIncomingConnectTimer arms the same connect-retry timer used for
// outgoing connects. onConnectRetry only acts while CONNECTING, and an
// accepted incoming SABM(E) leaves the peer CONNECTED, so this timer
// firing has no effect on an incoming connection.
func (p *Peer) startIncomingConnectTimer() {
	p.startConnectRetryTimer()
}

func (p *Peer) resetIdleTimeout() {
	if p.idleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = p.scheduler.AfterFunc(p.idleTimeout, p.onIdleTimeout)
	p.mu.Unlock()
}

func (p *Peer) onIdleTimeout() {
	level.Info(p.logger).Log("msg", "idle timeout, disconnecting")
	p.onDisconnect()
}

// onDisconnect tears down connect/idle timers and returns the peer to
// DISCONNECTED.
func (p *Peer) onDisconnect() {
	p.mu.Lock()
	p.state = StateDisconnected
	p.negotiated = false
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()
	level.Info(p.logger).Log("msg", "disconnected")
}

// Disconnect begins an orderly DISC handshake from CONNECTED.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return
	}
	p.state = StateDisconnecting
	p.dmHandler = p.onDisconnect
	p.mu.Unlock()

	frame := &Frame{
		Type:        FrameDISC,
		Destination: p.RemoteAddress,
		Source:      p.station.LocalAddress(),
		Repeaters:   p.Path,
	}
	level.Info(p.logger).Log("msg", "sending disconnect request")
	p.transmitFrame(frame)
}

func (p *Peer) sendUA(reply *Frame) {
	frame := &Frame{
		Type:        FrameUA,
		Destination: reply.Source,
		Source:      p.station.LocalAddress(),
		Repeaters:   p.Path,
		PollFinal:   reply.PollFinal,
	}
	p.transmitFrame(frame)
}

func (p *Peer) sendDM() {
	frame := &Frame{
		Type:        FrameDM,
		Destination: p.RemoteAddress,
		Source:      p.station.LocalAddress(),
		Repeaters:   p.Path,
	}
	p.transmitFrame(frame)
}

func (p *Peer) sendFRMR(reply *Frame, w bool) {
	frame := &Frame{
		Type:        FrameFRMR,
		Destination: reply.Source,
		Source:      p.station.LocalAddress(),
		Repeaters:   p.Path,
		FRMRW:       w,
	}
	p.transmitFrame(frame)
}
