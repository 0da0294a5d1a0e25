package kiss

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestEncodeDecodeRoundTripProperty checks the fundamental codec law: for
// any port/cmd/payload, decoding the still-escaped body of an encoded
// frame (as decodeBody receives it on the production receive path)
// recovers the original Frame exactly.
func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := Frame{
			Port:    rapid.IntRange(0, 15).Draw(t, "port"),
			Cmd:     rapid.IntRange(0, 15).Draw(t, "cmd"),
			Payload: rapid.SliceOf(rapid.Byte()).Draw(t, "payload"),
		}
		wire := Encode(f)
		if wire[0] != FEND || wire[len(wire)-1] != FEND {
			t.Fatalf("encoded frame missing FEND sentinels: %x", wire)
		}
		body := wire[1 : len(wire)-1]
		got, err := decodeBody(body)
		if err != nil {
			t.Fatalf("decodeBody: %v", err)
		}
		if got.Port != f.Port || got.Cmd != f.Cmd || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
		}
	})
}

// TestEscapeNeverProducesBareFENDOrFESC checks the escaping invariant the
// whole reassembly scheme depends on: an encoded frame never contains a
// FEND or FESC byte inside its escaped payload region.
func TestEscapeNeverProducesBareFENDOrFESC(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		f := Frame{Port: 0, Cmd: CmdDataFrame, Payload: payload}
		wire := Encode(f)
		body := wire[1 : len(wire)-1] // strip outer FEND sentinels only
		for i, b := range body {
			if b == FEND {
				t.Fatalf("escaped body contains bare FEND at %d: %x", i, body)
			}
			if b == FESC {
				// FESC is only ever valid immediately followed by TFEND or TFESC.
				if i+1 >= len(body) || (body[i+1] != TFEND && body[i+1] != TFESC) {
					t.Fatalf("escaped body contains unpaired FESC at %d: %x", i, body)
				}
			}
		}
	})
}

// TestUnescapeEscapeIdentity checks that unescape(escape(x)) == x for any
// byte slice, independent of frame structure.
func TestUnescapeEscapeIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		var buf bytes.Buffer
		escapeInto(&buf, data)
		got := unescape(buf.Bytes())
		if !bytes.Equal(got, data) {
			t.Fatalf("unescape(escape(%x)) = %x, want %x", data, got, data)
		}
	})
}
