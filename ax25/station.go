package ax25

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/hamradio-go/ax25link/internal/evloop"
	"github.com/hamradio-go/ax25link/internal/signal"
)

// StationConfig configures a new Station.
type StationConfig struct {
	Address   Address
	Protocol  Protocol
	Logger    log.Logger
	Scheduler evloop.Scheduler
}

// Station owns the set of Peers reachable through one Interface, binds
// each Peer's routes into the Interface's Router, and re-exposes the
// router's default handler as the connection_request event: an
// unsolicited SABM/SABME creates a new Peer and fires ConnectionRequest
// so the caller can decide whether to accept it.
type Station struct {
	mu sync.Mutex

	address   Address
	protocol  Protocol
	logger    log.Logger
	scheduler evloop.Scheduler
	iface     *Interface

	peers map[Address]*Peer

	// ConnectionRequest fires whenever one of this station's Peers
	// accepts an inbound SABM/SABME, whether that Peer was already bound
	// or was just created for an unsolicited frame:
	// Station.connection_request in spec.md's external-interfaces table.
	ConnectionRequest *signal.Signal[ConnectionRequestEvent]
}

// ConnectionRequestEvent is the payload of Station.ConnectionRequest.
type ConnectionRequestEvent struct {
	Peer *Peer
}

// PeerOptions carries the per-peer tuning a config.PeerConfig describes
// (config/config.go's Modulo128/ConnectRetryTimeout/IdleTimeout) through
// to the Peer that Connect creates. The zero value matches NewPeer's own
// defaults (SABM, 10s connect retry, no idle timeout).
type PeerOptions struct {
	Modulo128           bool
	ConnectRetryTimeout time.Duration
	IdleTimeout         time.Duration
}

// NewStation constructs a Station bound to iface. iface.Router's default
// handler is wired to the station so unsolicited SABM/SABME frames reach
// onUnsolicitedFrame.
func NewStation(cfg StationConfig, iface *Interface) *Station {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = evloop.Get()
	}
	s := &Station{
		address:           cfg.Address,
		protocol:          cfg.Protocol,
		logger:            log.With(logger, "component", "ax25.Station"),
		scheduler:         sched,
		iface:             iface,
		peers:             make(map[Address]*Peer),
		ConnectionRequest: &signal.Signal[ConnectionRequestEvent]{},
	}
	if iface.router != nil {
		iface.router.SetDefault(s.onUnsolicitedFrame)
	}
	return s
}

// LocalAddress implements StationInfo.
func (s *Station) LocalAddress() Address { return s.address }

// Protocol implements StationInfo.
func (s *Station) Protocol() Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// EmitConnectionRequest implements StationInfo.
func (s *Station) EmitConnectionRequest(p *Peer) {
	s.ConnectionRequest.Emit(ConnectionRequestEvent{Peer: p})
}

// Peer returns the existing Peer for remote (creating and binding one,
// with no digipeater path, if none exists yet).
func (s *Station) Peer(remote Address) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[remote]; ok {
		return p
	}
	return s.newPeerLocked(remote, nil, false, PeerOptions{})
}

// Connect returns a Peer for remote via path, bound into the router, and
// begins connecting it. opts carries the peer's configured Modulo128,
// ConnectRetryTimeout and IdleTimeout (config.PeerConfig's equivalents);
// it is ignored if a Peer for remote already exists.
func (s *Station) Connect(remote Address, path []Address, lockedPath bool, opts PeerOptions) *Peer {
	s.mu.Lock()
	p, ok := s.peers[remote]
	if !ok {
		p = s.newPeerLocked(remote, path, lockedPath, opts)
	}
	s.mu.Unlock()
	p.Connect()
	return p
}

// newPeerLocked must be called with s.mu held.
func (s *Station) newPeerLocked(remote Address, path []Address, lockedPath bool, opts PeerOptions) *Peer {
	p := NewPeer(PeerConfig{
		Station:             s,
		Address:             remote,
		Path:                path,
		LockedPath:          lockedPath,
		Modulo128:           opts.Modulo128,
		ConnectRetryTimeout: opts.ConnectRetryTimeout,
		IdleTimeout:         opts.IdleTimeout,
		Logger:              s.logger,
		Scheduler:           s.scheduler,
	}, func(f *Frame) {
		if _, err := s.iface.Transmit(f, nil, nil); err != nil {
			return
		}
	})
	s.peers[remote] = p
	if s.iface.router != nil {
		s.iface.router.Bind(remote, s.address, path, p.Receive)
	}
	return p
}

// onUnsolicitedFrame is the router's default handler: any frame from a
// remote station with no bound Peer lands here. Only SABM/SABME create
// a new Peer (an unsolicited UA/DM/DISC/FRMR/TEST has nobody to answer
// to and is dropped); the new Peer's Receive then runs the normal
// SABM(E) acceptance path, which emits ConnectionRequest. An unsolicited
// peer has no configured PeerOptions of its own: Modulo128 is decided by
// the incoming SABM/SABME itself, not by any Connect call.
func (s *Station) onUnsolicitedFrame(f *Frame) {
	if f.Type != FrameSABM && f.Type != FrameSABME {
		return
	}
	s.mu.Lock()
	p, ok := s.peers[f.Source]
	if !ok {
		p = s.newPeerLocked(f.Source, nil, false, PeerOptions{})
	}
	s.mu.Unlock()
	p.Receive(f)
}
