package frame

import (
	"bytes"
	"testing"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

func feedAll(d *Decoder, bs []byte) []DecodeResult {
	var out []DecodeResult
	for _, b := range bs {
		r := d.Feed(b)
		if r.Frame != nil || r.NeedNAK {
			out = append(out, r)
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		finalized []byte
	}{
		{"memory-get-id", []byte{0x03, protocol.TypeRequest, protocol.FuncMemoryGetID}},
		{"send-data", []byte{0x05, protocol.TypeRequest, protocol.FuncSendData, 0x03, protocol.ClassBasic}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire := Encode(c.finalized)
			if wire[0] != protocol.SOF {
				t.Fatalf("expected SOF prefix, got 0x%02X", wire[0])
			}
			d := NewDecoder()
			results := feedAll(d, wire)
			if len(results) != 1 {
				t.Fatalf("expected exactly one decode result, got %d", len(results))
			}
			r := results[0]
			if !r.Ok || r.Frame == nil {
				t.Fatalf("expected ok frame, got %+v", r)
			}
			if !r.NeedACK {
				t.Fatalf("expected NeedACK for a well-formed frame")
			}
			got := append([]byte{r.Frame.FuncID}, r.Frame.Payload...)
			want := append([]byte{c.finalized[2]}, c.finalized[3:]...)
			if !bytes.Equal(got, want) {
				t.Fatalf("round trip mismatch: got %v want %v", got, want)
			}
		})
	}
}

func TestDecoderChecksumMismatch(t *testing.T) {
	finalized := []byte{0x03, protocol.TypeRequest, protocol.FuncMemoryGetID}
	wire := Encode(finalized)
	wire[len(wire)-1] ^= 0xFF // corrupt checksum

	d := NewDecoder()
	results := feedAll(d, wire)
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if !results[0].NeedNAK {
		t.Fatalf("expected NeedNAK on checksum mismatch")
	}
}

func TestDecoderControlFrames(t *testing.T) {
	d := NewDecoder()
	for _, b := range []byte{protocol.ACK, protocol.NAK, protocol.CAN} {
		r := d.Feed(b)
		if r.Frame == nil || !r.Frame.IsControl || r.Frame.Control != b {
			t.Fatalf("expected control frame 0x%02X, got %+v", b, r)
		}
	}
}

func TestDecoderLinkFailureAfterThreeNAKs(t *testing.T) {
	finalized := []byte{0x03, protocol.TypeRequest, protocol.FuncMemoryGetID}
	wire := Encode(finalized)
	wire[len(wire)-1] ^= 0xFF

	d := NewDecoder()
	var last DecodeResult
	for i := 0; i < 4; i++ {
		results := feedAll(d, wire)
		if len(results) != 1 {
			t.Fatalf("round %d: expected one result, got %d", i, len(results))
		}
		last = results[0]
	}
	if !last.LinkFailure {
		t.Fatalf("expected LinkFailure after 4 consecutive bad frames")
	}
}
