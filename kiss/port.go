package kiss

import (
	"github.com/hamradio-go/ax25link/internal/future"
	"github.com/hamradio-go/ax25link/internal/signal"
)

// Port is a logical radio port multiplexed over a single Device. Ports
// are created lazily by Device.Port and live for the device's lifetime.
type Port struct {
	device *Device
	id     int

	// Received fires with the payload of each frame dispatched to this
	// port, whatever its command nibble.
	Received *signal.Signal[[]byte]
}

func newPort(d *Device, id int) *Port {
	return &Port{
		device:   d,
		id:       id,
		Received: &signal.Signal[[]byte]{},
	}
}

// ID returns the port number (0-15).
func (p *Port) ID() int { return p.id }

// Send queues payload as a data frame on this port. completion follows
// the usual three-way rule: pass it through if supplied, allocate one if
// the device was configured with ReturnFuture, otherwise fire-and-forget.
func (p *Port) Send(payload []byte, completion *future.Future) *future.Future {
	fut := future.Ensure(completion, p.device.returnFuture)
	p.device.send(Frame{Port: p.id, Cmd: CmdDataFrame, Payload: payload}, fut)
	return fut
}

func (p *Port) deliver(payload []byte) {
	p.Received.Emit(payload)
}
