package serialio

import (
	"bytes"
	"testing"
	"time"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// fakePort is an in-memory Port: writes are captured, reads are served
// from a byte queue a test pushes onto before calling Send.
type fakePort struct {
	written bytes.Buffer
	toRead  chan byte
}

func newFakePort() *fakePort {
	return &fakePort{toRead: make(chan byte, 64)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	b[0] = <-p.toRead
	return 1, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written.Write(b)
	return len(b), nil
}

func (p *fakePort) Close() error { return nil }

func (p *fakePort) queueACK() {
	p.toRead <- protocol.ACK
}

func TestSendReturnsOnACKRegardlessOfBeaming(t *testing.T) {
	for _, beaming := range []bool{false, true} {
		port := newFakePort()
		link := NewLink(port, nil)
		go link.Run()

		port.queueACK()
		if err := link.Send([]byte{0x01, 0x00, 0x20}, beaming); err != nil {
			t.Fatalf("beaming=%v: unexpected error: %v", beaming, err)
		}
	}
}

func TestBeamingSendWaitsLongerBeforeTimingOut(t *testing.T) {
	origNormal, origBeaming := linkACKWait, linkACKWaitBeaming
	linkACKWait = 10 * time.Millisecond
	linkACKWaitBeaming = 80 * time.Millisecond
	defer func() { linkACKWait, linkACKWaitBeaming = origNormal, origBeaming }()

	// Run is deliberately not started: with no reader draining the port,
	// every ACK wait below runs out its full window.
	port := newFakePort()
	link := NewLink(port, nil)

	start := time.Now()
	err := link.Send([]byte{0x01, 0x00, 0x20}, false)
	normalElapsed := time.Since(start)
	if err != ErrLinkTimeout {
		t.Fatalf("expected ErrLinkTimeout, got %v", err)
	}

	start = time.Now()
	err = link.Send([]byte{0x01, 0x00, 0x20}, true)
	beamingElapsed := time.Since(start)
	if err != ErrLinkTimeout {
		t.Fatalf("expected ErrLinkTimeout, got %v", err)
	}

	if beamingElapsed <= normalElapsed {
		t.Fatalf("expected beaming wait (%v) to exceed normal wait (%v)", beamingElapsed, normalElapsed)
	}
}
