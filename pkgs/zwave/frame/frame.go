// Package frame implements the Z-Wave Serial API link-layer framing:
// SOF/ACK/NAK/CAN byte framing, checksum computation and validation, and an
// incremental decoder suitable for feeding one byte (or one read()'s worth
// of bytes) at a time from a serial port.
package frame

import (
	"errors"
	"fmt"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// ErrChecksum is returned when a decoded frame's checksum does not match.
var ErrChecksum = errors.New("frame: checksum mismatch")

// ErrTruncated is returned by Decoder when more bytes are needed before a
// frame can be completed; it is not a terminal error.
var ErrTruncated = errors.New("frame: truncated")

// Frame is a single decoded SOF-delimited frame, or one of the three
// single-byte control frames (ACK/NAK/CAN).
type Frame struct {
	Type    protocol.MsgType // Request or Response; zero value for control frames
	FuncID  byte
	Payload []byte // bytes following FuncID, excluding checksum

	// Control is set for ACK/NAK/CAN frames, in which case Type/FuncID/
	// Payload are meaningless.
	Control byte
	IsControl bool
}

// xorSum computes the Z-Wave checksum: 0xFF XOR of all supplied bytes.
// Mirrors the teacher's commandstation.xorSum helper, generalized to the
// 0xFF-seeded variant the Z-Wave frame checksum requires.
func xorSum(buf []byte) byte {
	sum := byte(0xFF)
	for _, b := range buf {
		sum ^= b
	}
	return sum
}

// checksum computes the frame checksum over LEN..last-payload-byte, per
// spec.md §4.1 ("CHECKSUM is 0xFF XOR of all bytes from LEN through the
// last payload byte").
func checksum(lenThroughPayload []byte) byte {
	return xorSum(lenThroughPayload)
}

// Encode builds the full wire bytes for a finalized outbound buffer that
// already carries LEN at byte 0 and TYPE at byte 1 (spec.md §4.1 Encode
// contract): prepend SOF, append checksum.
func Encode(finalized []byte) []byte {
	out := make([]byte, 0, len(finalized)+2)
	out = append(out, protocol.SOF)
	out = append(out, finalized...)
	out = append(out, checksum(finalized))
	return out
}

// Decoder consumes bytes incrementally and emits decoded Frames. It is not
// safe for concurrent use; the serial reader goroutine owns one Decoder.
type Decoder struct {
	buf          []byte
	consecutiveNAKs int
}

// NewDecoder returns a fresh incremental decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// DecodeResult is returned by Decoder.Feed for each byte consumed that
// completes a unit of work.
type DecodeResult struct {
	// Frame is set when a good frame or a control byte was decoded, and
	// Ok is then true. A frame that fails the checksum or is malformed
	// yields no Frame and Ok false; NeedNAK reports it instead, and the
	// frame is discarded (spec.md §4.1).
	Frame *Frame
	Ok    bool

	// NeedACK is true when the caller must write protocol.ACK upstream
	// within the 10ms budget named in spec.md §4.1.
	NeedACK bool
	// NeedNAK is true when the caller must write protocol.NAK (bad
	// checksum or truncation abandoned).
	NeedNAK bool

	// LinkFailure is set when more than 3 consecutive NAKs have been
	// observed (spec.md §4.1), and must be surfaced to the scheduler.
	LinkFailure bool
}

// Feed appends one incoming byte and returns a result whenever a complete
// frame (or control byte) has been recognized. Most calls return a zero
// DecodeResult while a multi-byte frame is still being accumulated.
func (d *Decoder) Feed(b byte) DecodeResult {
	// Control frames and SOF can appear at any point: a stray NAK/CAN from
	// the remote side, or a new SOF while we're not mid-frame.
	if len(d.buf) == 0 {
		switch b {
		case protocol.ACK:
			d.consecutiveNAKs = 0
			return DecodeResult{Frame: &Frame{IsControl: true, Control: protocol.ACK}, Ok: true}
		case protocol.NAK:
			return DecodeResult{Frame: &Frame{IsControl: true, Control: protocol.NAK}, Ok: true}
		case protocol.CAN:
			return DecodeResult{Frame: &Frame{IsControl: true, Control: protocol.CAN}, Ok: true}
		case protocol.SOF:
			d.buf = append(d.buf, b)
			return DecodeResult{}
		default:
			// Garbage byte outside of a frame: ignore.
			return DecodeResult{}
		}
	}

	d.buf = append(d.buf, b)

	// buf[0] == SOF. buf[1] is LEN once present.
	if len(d.buf) < 2 {
		return DecodeResult{}
	}
	length := int(d.buf[1])
	// Total bytes needed: SOF + LEN + (length bytes: TYPE..CHECKSUM)
	total := 2 + length
	if len(d.buf) < total {
		return DecodeResult{}
	}

	// We have a complete candidate frame.
	lenThroughPayload := d.buf[1 : total-1] // LEN..last payload byte (excludes checksum)
	gotChecksum := d.buf[total-1]
	wantChecksum := checksum(lenThroughPayload)

	frameBytes := d.buf
	d.buf = nil

	if gotChecksum != wantChecksum || length < 3 {
		d.consecutiveNAKs++
		res := DecodeResult{NeedNAK: true}
		if d.consecutiveNAKs > 3 {
			res.LinkFailure = true
		}
		return res
	}
	d.consecutiveNAKs = 0

	typ := frameBytes[2]
	funcID := frameBytes[3]
	payload := append([]byte(nil), frameBytes[4:total-1]...)

	var msgType protocol.MsgType
	switch typ {
	case protocol.TypeRequest:
		msgType = protocol.MsgRequest
	case protocol.TypeResponse:
		msgType = protocol.MsgResponse
	default:
		// Unknown type byte: still checksum-valid, treat as a malformed
		// frame requiring a NAK (spec.md §4.1 "truncation" umbrella).
		res := DecodeResult{NeedNAK: true}
		d.consecutiveNAKs++
		if d.consecutiveNAKs > 3 {
			res.LinkFailure = true
		}
		return res
	}

	return DecodeResult{
		Frame:   &Frame{Type: msgType, FuncID: funcID, Payload: payload},
		Ok:      true,
		NeedACK: true,
	}
}

// Reset discards any partially accumulated frame, e.g. after a CAN is
// observed mid-send and the in-flight send must restart.
func (d *Decoder) Reset() {
	d.buf = nil
}

// String renders a Frame for trace logging.
func (f Frame) String() string {
	if f.IsControl {
		switch f.Control {
		case protocol.ACK:
			return "ACK"
		case protocol.NAK:
			return "NAK"
		case protocol.CAN:
			return "CAN"
		}
		return fmt.Sprintf("ctrl(0x%02X)", f.Control)
	}
	return fmt.Sprintf("frame(type=%v func=0x%02X len=%d)", f.Type, f.FuncID, len(f.Payload))
}
