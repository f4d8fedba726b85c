// Package serialio owns the physical serial port: one reader goroutine
// feeding the frame decoder, and a write path that serializes ACK waits so
// the link-layer window is never interleaved (spec.md §4.1/§4.2).
package serialio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/keskad/zwctl/pkgs/zwave/frame"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

const baudRate = 115200

// linkACKWait/linkACKWaitBeaming are vars, not consts, so tests can
// shrink them instead of waiting out the real windows.
var (
	linkACKWait = 1600 * time.Millisecond
	// linkACKWaitBeaming is the window used for frequent-listener targets:
	// the controller has to hold the wake-beam up while the FLiRS node's
	// own receive duty cycle catches it, which takes far longer than an
	// always-on node's immediate link ACK.
	linkACKWaitBeaming = 5 * time.Second
)

var (
	ErrLinkTimeout = errors.New("serialio: no ACK/NAK/CAN within link window")
	ErrLinkFailure = errors.New("serialio: link failure after repeated NAKs")
)

// Port is anything Open can hand back; satisfied by *serial.Port and by a
// fake in tests.
type Port interface {
	io.ReadWriteCloser
}

// Open opens dev at the Z-Wave stick's fixed 115200 8-N-1 parameters,
// mirroring the teacher's single serial.Config{Name, Baud} call.
func Open(dev string) (Port, error) {
	c := &serial.Config{Name: dev, Baud: baudRate}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serialio: opening %s: %w", dev, err)
	}
	return p, nil
}

// FrameEvent is delivered to the scheduler for every recognized inbound
// unit of work: a decoded multi-byte frame, or one of ACK/NAK/CAN.
type FrameEvent struct {
	Frame       frame.Frame
	LinkFailure bool
}

// Link drives one opened port: a reader goroutine that feeds the decoder
// and publishes FrameEvents, and a writer path used by the scheduler to
// send frames and wait for their link-layer ACK. Exactly the "one reader,
// one writer" pair spec.md §4.2 requires.
type Link struct {
	port Port
	log  logrus.FieldLogger

	writeMu sync.Mutex

	events chan FrameEvent

	ackWaiters chan chan FrameEvent // single in-flight ACK waiter, depth 1
}

// NewLink wraps an already-opened port. Callers must call Run in a
// goroutine to start the reader loop before calling Send.
func NewLink(port Port, log logrus.FieldLogger) *Link {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{
		port:       port,
		log:        log.WithField("component", "serialio"),
		events:     make(chan FrameEvent, 32),
		ackWaiters: make(chan chan FrameEvent, 1),
	}
}

// Events returns the channel the scheduler should range over for every
// decoded frame and link-control byte.
func (l *Link) Events() <-chan FrameEvent { return l.events }

// Run is the reader goroutine body: blocks on port reads, feeds the
// decoder one byte at a time, writes ACK/NAK back on the wire as the
// decoder instructs, and publishes FrameEvents. Returns when the port is
// closed or a read error occurs.
func (l *Link) Run() error {
	dec := frame.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if err != nil {
			l.log.WithError(err).Debug("serial read ended")
			close(l.events)
			return err
		}
		for i := 0; i < n; i++ {
			res := dec.Feed(buf[i])
			switch {
			case res.NeedACK:
				l.writeControl(protocol.ACK)
			case res.NeedNAK:
				l.writeControl(protocol.NAK)
			}
			if res.Frame == nil && !res.LinkFailure {
				continue
			}
			ev := FrameEvent{LinkFailure: res.LinkFailure}
			if res.Frame != nil {
				ev.Frame = *res.Frame
			}
			// Only a bare control byte (or a link failure) can answer a
			// pending Send's ACK wait; a full application frame always
			// goes to Events, even while a Send is in flight, so it is
			// never silently dropped on the floor.
			if res.LinkFailure || res.Frame.IsControl {
				select {
				case waiter := <-l.ackWaiters:
					waiter <- ev
				default:
					l.events <- ev
				}
				continue
			}
			l.events <- ev
		}
	}
}

func (l *Link) writeControl(b byte) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write([]byte{b}); err != nil {
		l.log.WithError(err).Warn("failed to write link control byte")
	}
}

// Send writes a finalized outbound buffer (already carrying LEN/TYPE) and
// blocks for a matching ACK/NAK/CAN, returning ErrLinkTimeout if none
// arrives. beaming widens that wait from the normal 1.6s link-ACK window
// to linkACKWaitBeaming for frequent-listener targets, whose wake-beam
// takes longer to land than an always-on node's immediate ACK (spec.md
// §4.2/§4.5). This is the writer side of the single reader/writer pair;
// callers (the scheduler) must serialize their own calls to Send since
// only one link-layer exchange may be outstanding at a time.
func (l *Link) Send(finalized []byte, beaming bool) error {
	wire := frame.Encode(finalized)
	wait := linkACKWait
	if beaming {
		wait = linkACKWaitBeaming
	}

	waiter := make(chan FrameEvent, 1)
	select {
	case l.ackWaiters <- waiter:
	default:
		return errors.New("serialio: a send is already awaiting ACK")
	}
	defer func() {
		select {
		case <-l.ackWaiters:
		default:
		}
	}()

	l.writeMu.Lock()
	_, err := l.port.Write(wire)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serialio: writing frame: %w", err)
	}

	select {
	case ev := <-waiter:
		if ev.LinkFailure {
			return ErrLinkFailure
		}
		if ev.Frame.IsControl && ev.Frame.Control == protocol.ACK {
			return nil
		}
		if ev.Frame.IsControl && (ev.Frame.Control == protocol.NAK || ev.Frame.Control == protocol.CAN) {
			return fmt.Errorf("serialio: link rejected frame: %v", ev.Frame)
		}
		// Run only ever routes control bytes and link failures to the
		// waiter; anything else is unreachable here.
		return ErrLinkTimeout
	case <-time.After(wait):
		return ErrLinkTimeout
	}
}

// Close closes the underlying port.
func (l *Link) Close() error {
	return l.port.Close()
}
