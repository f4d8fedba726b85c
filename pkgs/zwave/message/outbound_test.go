package message

import (
	"testing"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

func TestResetCCWritesHeaderBytes(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassBinarySwitch, 0x01, 0x02, 2, protocol.PriorityCommand)
	b := m.Bytes()
	if b[3] != 5 {
		t.Fatalf("expected target id at offset 3, got %v", b)
	}
	if b[4] != 2 {
		t.Fatalf("expected CC byte count at offset 4, got %v", b)
	}
	if b[5] != protocol.ClassBinarySwitch || b[6] != 0x01 {
		t.Fatalf("expected class/cmd at offsets 5/6, got %v", b)
	}
}

func TestAppendCallbackExactlyOnce(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassBasic, 0x01, 0x02, 1, protocol.PriorityCommand)
	if err := m.AppendCallback(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AppendCallback(false); err != ErrCallbackTaken {
		t.Fatalf("expected ErrCallbackTaken, got %v", err)
	}
}

func TestCounterBalanceEnforced(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassAssociation, 0x01, 0x02, 0, protocol.PriorityCommand)
	if err := m.EndCounter(); err != ErrUnbalancedCount {
		t.Fatalf("expected ErrUnbalancedCount, got %v", err)
	}
	if err := m.StartCounter(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.AppendByte(0x01)
	m.AppendByte(0x02)
	if err := m.EndCounter(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(false, false, false); err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
}

func TestCounterMaxDepth(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassAssociation, 0x01, 0x02, 0, protocol.PriorityCommand)
	for i := 0; i < maxCounterDepth; i++ {
		if err := m.StartCounter(); err != nil {
			t.Fatalf("round %d: unexpected error: %v", i, err)
		}
	}
	if err := m.StartCounter(); err != ErrCounterDepth {
		t.Fatalf("expected ErrCounterDepth, got %v", err)
	}
}

func TestAppendTransOptsAlwaysSetsACKBit(t *testing.T) {
	// Preserves the shipped driver's bug: the ACK bit is forced on
	// regardless of the receiptAck argument (DESIGN.md Open Question).
	m := New()
	m.ResetCC(5, protocol.ClassBasic, 0x01, 0x02, 1, protocol.PriorityCommand)
	if err := m.AppendTransOpts(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.buf[m.transOptsOfs]
	if got&protocol.TransmitOptionACK == 0 {
		t.Fatalf("expected ACK bit forced on, got 0x%02X", got)
	}
}

func TestAppendTransOptsHonoredRespectsParameter(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassBasic, 0x01, 0x02, 1, protocol.PriorityCommand)
	if err := m.AppendTransOptsHonored(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.buf[m.transOptsOfs]
	if got&protocol.TransmitOptionACK != 0 {
		t.Fatalf("expected ACK bit clear, got 0x%02X", got)
	}
}

func TestEndPointEncapSplicesFourBytesAndBumpsLength(t *testing.T) {
	m := New()
	m.ResetCC(5, protocol.ClassBinarySwitch, 0x01, 0x02, 1, protocol.PriorityCommand)
	m.AppendByte(0xFF)
	if err := m.AppendCallback(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(false, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	beforeLen := m.buf[0]
	beforeCCCount := m.buf[4]
	beforeCallbackOfs := m.callbackOfs

	if err := m.EndPointEncap(1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.buf[0] != beforeLen+4 {
		t.Fatalf("expected length bumped by 4, got %d vs %d", m.buf[0], beforeLen)
	}
	if m.buf[4] != beforeCCCount+4 {
		t.Fatalf("expected CC byte count bumped by 4, got %d vs %d", m.buf[4], beforeCCCount)
	}
	if m.callbackOfs != beforeCallbackOfs+4 {
		t.Fatalf("expected callback offset shifted by 4, got %d vs %d", m.callbackOfs, beforeCallbackOfs)
	}
	if m.buf[5] != protocol.ClassMultiChannelV2 || m.buf[6] != protocol.CmdMultiChannelEncapV2 {
		t.Fatalf("expected spliced multi-channel header at offset 5, got %v", m.buf[5:9])
	}
}

func TestAckIDsAreUniqueAndMonotonic(t *testing.T) {
	a := New()
	b := New()
	if b.AckID() <= a.AckID() {
		t.Fatalf("expected monotonic ack ids, got %d then %d", a.AckID(), b.AckID())
	}
}

func TestCallbackIDNeverZeroOr0xFFWhenBlocking(t *testing.T) {
	seen := map[byte]bool{}
	for i := 0; i < 600; i++ {
		m := New()
		m.ResetCC(5, protocol.ClassBasic, 0x01, 0x02, 1, protocol.PriorityCommand)
		if err := m.AppendCallback(false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		id := byte(m.CallbackID())
		if id == 0 || id == 0xFF {
			t.Fatalf("callback id must never be 0 or 0xFF when blocking, got %d", id)
		}
		seen[id] = true
	}
}

func TestNewPingUsesNoOperation(t *testing.T) {
	m, err := NewPing(9, protocol.PriorityAsync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.buf[5] != protocol.ClassBasic || m.buf[6] != protocol.CmdNoOperation {
		t.Fatalf("expected Basic/NoOperation ping body, got %v", m.buf[5:7])
	}
	if m.State() != StateReadyToSend {
		t.Fatalf("expected ping finalized to ReadyToSend, got %v", m.State())
	}
}
