package ax25

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStationConnectBindsPeerAndSendsSABM(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	router := NewRouter()
	iface := NewInterface(InterfaceConfig{Port: port, Router: router, Scheduler: clock})

	station := NewStation(StationConfig{
		Address:   Address{Callsign: "VK4MSL", SSID: 1},
		Protocol:  ProtocolAX25_2_2,
		Scheduler: clock,
	}, iface)

	peer := station.Connect(Address{Callsign: "VK4RZB"}, nil, false, PeerOptions{})
	require.Equal(t, StateConnecting, peer.State())

	clock.Advance(iface.ctsDelay + iface.ctsRand)
	assert.Equal(t, 1, port.sentCount(), "SABM must reach the wire once the CTS window elapses")
}

func TestStationUnsolicitedSABMCreatesPeerAndFiresConnectionRequest(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	router := NewRouter()
	iface := NewInterface(InterfaceConfig{Port: port, Router: router, Scheduler: clock})

	station := NewStation(StationConfig{
		Address:   Address{Callsign: "VK4MSL"},
		Protocol:  ProtocolAX25_2_2,
		Scheduler: clock,
	}, iface)

	var event ConnectionRequestEvent
	station.ConnectionRequest.Connect(func(e ConnectionRequestEvent) { event = e })

	router.Route(&Frame{
		Type:        FrameSABM,
		Destination: station.address,
		Source:      Address{Callsign: "VK4RZB"},
	})

	require.NotNil(t, event.Peer)
	assert.Equal(t, Address{Callsign: "VK4RZB"}, event.Peer.RemoteAddress)
	assert.Equal(t, StateConnected, event.Peer.State())
}

func TestStationUnsolicitedNonSABMFrameIsDropped(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	router := NewRouter()
	iface := NewInterface(InterfaceConfig{Port: port, Router: router, Scheduler: clock})

	station := NewStation(StationConfig{
		Address:   Address{Callsign: "VK4MSL"},
		Scheduler: clock,
	}, iface)

	fired := false
	station.ConnectionRequest.Connect(func(ConnectionRequestEvent) { fired = true })

	router.Route(&Frame{Type: FrameDM, Destination: station.address, Source: Address{Callsign: "VK4RZB"}})

	assert.False(t, fired, "an unsolicited DM has no peer to create and must be dropped")
	assert.Nil(t, station.peers[Address{Callsign: "VK4RZB"}])
}

func TestStationConnectThreadsPeerOptionsThrough(t *testing.T) {
	clock := newFakeClock()
	port := &fakePort{}
	router := NewRouter()
	iface := NewInterface(InterfaceConfig{Port: port, Router: router, Scheduler: clock})

	station := NewStation(StationConfig{
		Address:   Address{Callsign: "VK4MSL"},
		Protocol:  ProtocolAX25_2_2,
		Scheduler: clock,
	}, iface)

	peer := station.Connect(Address{Callsign: "VK4RZB"}, nil, true, PeerOptions{
		Modulo128:           true,
		ConnectRetryTimeout: 5 * time.Second,
		IdleTimeout:         30 * time.Second,
	})

	assert.True(t, peer.modulo128, "Modulo128 from PeerOptions must reach the Peer")
	assert.Equal(t, 5*time.Second, peer.connectRetryTimeout)
	assert.Equal(t, 30*time.Second, peer.idleTimeout)

	clock.Advance(iface.ctsDelay + iface.ctsRand)
	require.Equal(t, 1, port.sentCount())
	frame, err := DecodeFrame(port.sent[0])
	require.NoError(t, err)
	assert.Equal(t, FrameSABME, frame.Type, "Modulo128 must make Connect send SABME, not SABM")
}

func TestStationPeerReturnsSameInstanceOnRepeatedLookup(t *testing.T) {
	clock := newFakeClock()
	iface := NewInterface(InterfaceConfig{Port: &fakePort{}, Router: NewRouter(), Scheduler: clock})
	station := NewStation(StationConfig{Address: Address{Callsign: "VK4MSL"}, Scheduler: clock}, iface)

	remote := Address{Callsign: "VK4RZB"}
	p1 := station.Peer(remote)
	p2 := station.Peer(remote)

	assert.Same(t, p1, p2)
}
