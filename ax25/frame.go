// Package ax25 implements the connected-mode AX.25 data-link layer above
// a KISS device: frame routing to peers, a clear-to-send transmit
// scheduler, and the peer connection state machine.
//
// Bit-packing of numbered I/S frames is treated as an existing external
// codec and is out of scope here: Frame is a value type wide enough to
// carry the U-frame subset (SABM/SABME/UA/DM/DISC/FRMR/TEST) this layer
// needs. Frame also has I/S variants with an opaque Payload, but
// DecodeFrame rejects numbered I/S frames, so BindKISSPort drops any
// that arrive off the wire.
package ax25

import (
	"strconv"
	"time"
)

// Address is an AX.25 station address: a callsign and an SSID (0-15).
// Repeaters additionally carry the has-been-repeated bit.
type Address struct {
	Callsign string
	SSID     int
	Repeated bool
}

func (a Address) String() string {
	s := a.Callsign
	if a.SSID != 0 {
		s += "-" + strconv.Itoa(a.SSID)
	}
	if a.Repeated {
		s += "*"
	}
	return s
}

// FrameType identifies which AX.25 frame variant a Frame carries.
type FrameType int

const (
	FrameSABM FrameType = iota
	FrameSABME
	FrameUA
	FrameDM
	FrameDISC
	FrameFRMR
	FrameTEST
	FrameI
	FrameS
)

func (t FrameType) String() string {
	switch t {
	case FrameSABM:
		return "SABM"
	case FrameSABME:
		return "SABME"
	case FrameUA:
		return "UA"
	case FrameDM:
		return "DM"
	case FrameDISC:
		return "DISC"
	case FrameFRMR:
		return "FRMR"
	case FrameTEST:
		return "TEST"
	case FrameI:
		return "I"
	case FrameS:
		return "S"
	default:
		return "UNKNOWN"
	}
}

// Frame is a tagged-variant AX.25 frame value. Every variant carries a
// destination/source/repeater path and an optional transmit deadline;
// fields not meaningful to a given Type are simply left zero, replacing
// the source's attribute-access-with-fallback duck typing.
type Frame struct {
	Type        FrameType
	Destination Address
	Source      Address
	Repeaters   []Address

	// PollFinal is the P/F bit, meaningful on U and S frames.
	PollFinal bool
	// FRMRW is the W flag of an FRMR frame: "frame type not implemented
	// / invalid" — this core only sets it when a local station in AX.25
	// 2.0 mode rejects an incoming SABME.
	FRMRW bool
	// Payload carries TEST's echo data or an I-frame's information
	// field. S/U control frames other than TEST/FRMR leave this nil.
	Payload []byte

	// Deadline, if non-nil, is the wall-clock time after which this
	// frame is no longer worth transmitting; Interface.txNext drops
	// frames whose Deadline has passed instead of sending them.
	Deadline *time.Time
}

// Expired reports whether f's Deadline, if set, is strictly before now.
func (f *Frame) Expired(now time.Time) bool {
	return f.Deadline != nil && f.Deadline.Before(now)
}
