package kiss

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   Frame
	}{
		{"empty payload", Frame{Port: 0, Cmd: CmdDataFrame}},
		{"simple payload", Frame{Port: 0, Cmd: CmdDataFrame, Payload: []byte("a single KISS frame")}},
		{"port nibble", Frame{Port: 7, Cmd: CmdDataFrame, Payload: []byte("x")}},
		{"set hardware", Frame{Port: 2, Cmd: CmdSetHardware, Payload: []byte{0x01, 0x02}}},
		{"payload contains FEND", Frame{Port: 0, Cmd: CmdDataFrame, Payload: []byte{0x41, FEND, 0x42}}},
		{"payload contains FESC", Frame{Port: 0, Cmd: CmdDataFrame, Payload: []byte{0x41, FESC, 0x42}}},
		{"payload is FESC FEND sequence", Frame{Port: 0, Cmd: CmdDataFrame, Payload: []byte{FESC, FEND}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire := Encode(c.in)
			if wire[0] != FEND || wire[len(wire)-1] != FEND {
				t.Fatalf("Encode(%v) = %x, want leading and trailing FEND", c.in, wire)
			}
			body := wire[1 : len(wire)-1]
			got, err := decodeBody(body)
			if err != nil {
				t.Fatalf("decodeBody: %v", err)
			}
			if got.Port != c.in.Port || got.Cmd != c.in.Cmd || !bytes.Equal(got.Payload, c.in.Payload) {
				t.Fatalf("round trip = %+v, want %+v", got, c.in)
			}
		})
	}
}

func TestEncodeHeaderPacking(t *testing.T) {
	wire := Encode(Frame{Port: 3, Cmd: CmdTXDelay})
	if wire[1] != 0x31 {
		t.Fatalf("header byte = %#x, want 0x31", wire[1])
	}
}

func TestUnescapeTrailingFESC(t *testing.T) {
	// A lone FESC with nothing following it cannot occur in well-formed
	// input, but unescape must not panic on it.
	got := unescape([]byte{0x41, FESC})
	want := []byte{0x41, FESC}
	if !bytes.Equal(got, want) {
		t.Fatalf("unescape(trailing FESC) = %x, want %x", got, want)
	}
}

func TestBufferEmpty(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"nil", nil, true},
		{"empty slice", []byte{}, true},
		{"lone FEND", []byte{FEND}, true},
		{"FEND plus data", []byte{FEND, 0x01}, false},
		{"no FEND", []byte{0x01, 0x02}, false},
	}
	for _, c := range cases {
		if got := BufferEmpty(c.buf); got != c.want {
			t.Errorf("BufferEmpty(%v) = %v, want %v", c.buf, got, c.want)
		}
	}
}

func TestDecodeBodyEmpty(t *testing.T) {
	if _, err := decodeBody(nil); err == nil {
		t.Fatal("decodeBody(nil) succeeded, want error")
	}
}
