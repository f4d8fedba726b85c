package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     [][]byte
	beamed   []bool
	failN    int
	failErr  error
}

func (f *fakeSender) Send(finalized []byte, beaming bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	f.sent = append(f.sent, append([]byte(nil), finalized...))
	f.beamed = append(f.beamed, beaming)
	return nil
}

type fakeGate struct {
	class    protocol.ListenerClass
	failures int
}

func (g *fakeGate) ListenerClass() protocol.ListenerClass { return g.class }
func (g *fakeGate) NoteFailure(n int)                     { g.failures += n }

func pingMsg(t *testing.T, target byte, prio protocol.Priority) *message.Outbound {
	t.Helper()
	m, err := message.NewPing(target, prio)
	if err != nil {
		t.Fatalf("unexpected error building ping: %v", err)
	}
	return m
}

func TestSubmitAlwaysOnDeliversWithoutCallback(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	go s.Run()
	defer s.Stop()

	m := New1ByteNonCallback(t)
	done := s.Submit(m)

	select {
	case outcome := <-done:
		if outcome != OutcomeDelivered {
			t.Fatalf("expected delivered, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

// New1ByteNonCallback builds a CC message with no callback slot reserved,
// exercising the "terminates on writer ACK" path (spec.md §4.5 item 3).
func New1ByteNonCallback(t *testing.T) *message.Outbound {
	t.Helper()
	m := message.New()
	m.ResetCC(9, protocol.ClassBasic, 0x02, 0x03, 1, protocol.PriorityAsync)
	if err := m.Finalize(false, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestOnTransAckResolvesCallbackBasedWait(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	go s.Run()
	defer s.Stop()

	m := pingMsg(t, 9, protocol.PriorityCommand)
	done := s.Submit(m)

	// Give the scheduler a moment to pop and send, registering the
	// in-flight entry keyed by callback id.
	time.Sleep(20 * time.Millisecond)
	cbID := byte(m.CallbackID())
	s.OnTransAck(cbID, protocol.TransAckDelivered)

	select {
	case outcome := <-done:
		if outcome != OutcomeDelivered {
			t.Fatalf("expected delivered, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestOnTransAckFailureCountsAgainstUnitBudget(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	gate := &fakeGate{class: protocol.ListenerAlwaysOn}
	s.RegisterUnit(9, gate)
	go s.Run()
	defer s.Stop()

	m := pingMsg(t, 9, protocol.PriorityCommand)
	done := s.Submit(m)
	time.Sleep(20 * time.Millisecond)
	cbID := byte(m.CallbackID())
	s.OnTransAck(cbID, protocol.TransAckNoRoute)

	select {
	case outcome := <-done:
		if outcome != OutcomeNoRoute {
			t.Fatalf("expected no-route, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	if gate.failures != 1 {
		t.Fatalf("expected one failure recorded, got %d", gate.failures)
	}
}

func TestSleeperMessagesParkUntilWakeup(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	gate := &fakeGate{class: protocol.ListenerSleeper}
	s.RegisterUnit(9, gate)
	go s.Run()
	defer s.Stop()

	m := New1ByteNonCallback(t)
	done := s.Submit(m)

	select {
	case <-done:
		t.Fatal("expected message to be parked, not delivered, before wakeup")
	case <-time.After(50 * time.Millisecond):
	}

	s.Wakeup(9)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected parked message to drain after wakeup")
	}
}

func TestStopCancelsParkedWaits(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	gate := &fakeGate{class: protocol.ListenerSleeper}
	s.RegisterUnit(9, gate)

	m := pingMsg(t, 9, protocol.PriorityQuery)
	done := s.Submit(m)
	s.Stop()

	select {
	case outcome := <-done:
		if outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestFrequentListenerSendIsBeamed(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	go s.Run()
	defer s.Stop()

	m := message.New()
	m.ResetCC(9, protocol.ClassBasic, 0x02, 0x03, 1, protocol.PriorityAsync)
	if err := m.Finalize(true, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := s.Submit(m)

	select {
	case outcome := <-done:
		if outcome != OutcomeDelivered {
			t.Fatalf("expected delivered, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.beamed) != 1 || !sender.beamed[0] {
		t.Fatalf("expected the send to be flagged as beaming, got %v", sender.beamed)
	}
}

// fakeSecureRequester stands in for the controller's Nonce Get/Nonce
// Report round trip: it answers RequestNonce by immediately releasing
// the parked wait, encrypting with a dummy envelope, and resubmitting.
type fakeSecureRequester struct {
	s *Scheduler
}

func (f *fakeSecureRequester) RequestNonce(target byte) error {
	go func() {
		m, done, ok := f.s.OnNonceReport(target)
		if !ok {
			return
		}
		dummyEnvelope := make([]byte, 23)
		if err := m.MarkEncrypted(dummyEnvelope); err != nil {
			done <- OutcomeCancelled
			return
		}
		f.s.Resubmit(m, done)
	}()
	return nil
}

func TestSecureSendDrivesNonceHandshakeThenSends(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	s.SetSecureRequester(&fakeSecureRequester{s: s})
	go s.Run()
	defer s.Stop()

	m := message.New()
	m.ResetCC(9, protocol.ClassDoorLock, 0x01, 0x03, 1, protocol.PriorityCommand)
	if err := m.Finalize(false, true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := s.Submit(m)

	select {
	case outcome := <-done:
		if outcome != OutcomeDelivered {
			t.Fatalf("expected delivered, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for secure send to complete")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one frame written to the link, got %d", len(sender.sent))
	}
}

func TestSecureSendWithoutRequesterIsCancelled(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, nil)
	go s.Run()
	defer s.Stop()

	m := message.New()
	m.ResetCC(9, protocol.ClassDoorLock, 0x01, 0x03, 1, protocol.PriorityCommand)
	if err := m.Finalize(false, true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := s.Submit(m)

	select {
	case outcome := <-done:
		if outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSendRetryExhaustionFailsMessage(t *testing.T) {
	sender := &fakeSender{failN: maxSchedulerRetries + 1, failErr: errors.New("nak")}
	s := New(sender, nil)
	go s.Run()
	defer s.Stop()

	m := pingMsg(t, 9, protocol.PriorityAsync)
	done := s.Submit(m)

	select {
	case outcome := <-done:
		if outcome != OutcomeTimeout {
			t.Fatalf("expected timeout outcome after exhausting retries, got %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}
