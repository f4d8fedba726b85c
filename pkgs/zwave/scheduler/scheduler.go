// Package scheduler implements the transaction scheduler: four strict-
// priority FIFOs, per-unit delivery gating, the in-flight callback table,
// and nonce-wait parking (spec.md §4.5).
package scheduler

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

const (
	transAckTimeout    = 4 * time.Second
	queryReplyTimeout  = 4 * time.Second
	commandReplyTimeout = 2 * time.Second
	nonceWaitTimeout   = 10 * time.Second
	maxSchedulerRetries = 3
	unitFailureBudget   = 3
)

// Sender is the write path the scheduler drives; implemented by
// *serialio.Link in production and a fake in tests. beaming tells the
// link layer the target is a frequent-listener node and to hold open a
// longer ACK window for the FLiRS wake-beam (spec.md §4.2/§4.5).
type Sender interface {
	Send(finalized []byte, beaming bool) error
}

// UnitGate answers the scheduler's per-unit delivery questions (spec.md
// §4.5 "Per-unit gating rules"). Implemented by pkgs/zwave/unit.Unit.
type UnitGate interface {
	ListenerClass() protocol.ListenerClass
	NoteFailure(count int)
}

// SecureRequester sends the Nonce Get needed to start a secure-send
// handshake; implemented by pkgs/zwave/controller.Controller.
type SecureRequester interface {
	RequestNonce(target byte) error
}

// Outcome is the terminal result of one scheduled message, delivered to
// whoever submitted it.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeNoAckFromNode
	OutcomeNetworkJammed
	OutcomeNotIdle
	OutcomeNoRoute
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeNoAckFromNode:
		return "no-ack-from-node"
	case OutcomeNetworkJammed:
		return "network-jammed"
	case OutcomeNotIdle:
		return "not-idle"
	case OutcomeNoRoute:
		return "no-route"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "driver-stopping"
	default:
		return "unknown"
	}
}

func outcomeFromTransAckStatus(status byte) Outcome {
	switch status {
	case protocol.TransAckDelivered:
		return OutcomeDelivered
	case protocol.TransAckNoAckFromNode:
		return OutcomeNoAckFromNode
	case protocol.TransAckNetworkJammed:
		return OutcomeNetworkJammed
	case protocol.TransAckNotIdle:
		return OutcomeNotIdle
	case protocol.TransAckNoRoute:
		return OutcomeNoRoute
	default:
		return OutcomeTimeout
	}
}

// entry is one scheduled message, parked somewhere in the scheduler's
// state: a priority queue, the per-unit pending-until-wakeup queue, the
// in-flight callback table, or a nonce wait.
type entry struct {
	id       string // correlation id, for log fields only
	msg      *message.Outbound
	targetID byte
	retries  int
	done     chan Outcome
}

// Scheduler owns the four FIFOs, the in-flight table, the per-unit
// pending queues, and the nonce-wait parking table, all behind one mutex
// (spec.md §5's single shared mutex rule).
type Scheduler struct {
	mu sync.Mutex

	queues [protocol.NumPriorities]*list.List

	pendingByUnit map[byte]*list.List // sleeper units: held until Wakeup

	inFlight map[byte]*inFlightEntry // keyed by callback id

	nonceWaiters map[byte]*entry // keyed by target id, awaiting nonce report

	units map[byte]UnitGate

	wake chan struct{}
	done chan struct{}

	sender    Sender
	secureReq SecureRequester
	log       logrus.FieldLogger

	stopped bool
}

type inFlightEntry struct {
	e       *entry
	timer   *time.Timer
	wantReply bool
	replyClass, replyCmd byte
	srcID byte
}

// New builds a Scheduler driving sends through sender.
func New(sender Sender, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		pendingByUnit: make(map[byte]*list.List),
		inFlight:      make(map[byte]*inFlightEntry),
		nonceWaiters:  make(map[byte]*entry),
		units:         make(map[byte]UnitGate),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		sender:        sender,
		log:           log.WithField("component", "scheduler"),
	}
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s
}

// SetSecureRequester wires the sender of Nonce Get requests for the
// secure-send handshake driven from drive().
func (s *Scheduler) SetSecureRequester(r SecureRequester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secureReq = r
}

// RegisterUnit tells the scheduler how to gate traffic to nodeID.
func (s *Scheduler) RegisterUnit(nodeID byte, gate UnitGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[nodeID] = gate
}

func (s *Scheduler) isSleeper(nodeID byte) bool {
	g, ok := s.units[nodeID]
	return ok && g.ListenerClass() == protocol.ListenerSleeper
}

// Submit enqueues m at its own priority and returns a channel that
// receives the terminal Outcome. If the target unit is a known sleeper
// and m is not SpecialCmd priority, m is held in that unit's pending
// queue instead of a priority FIFO, per spec.md §4.5.
func (s *Scheduler) Submit(m *message.Outbound) <-chan Outcome {
	e := &entry{id: uuid.NewString(), msg: m, targetID: m.TargetID(), done: make(chan Outcome, 1)}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		e.done <- OutcomeCancelled
		return e.done
	}
	if m.Priority() != protocol.PrioritySpecialCmd && s.isSleeper(m.TargetID()) {
		q, ok := s.pendingByUnit[m.TargetID()]
		if !ok {
			q = list.New()
			s.pendingByUnit[m.TargetID()] = q
		}
		q.PushBack(e)
		s.mu.Unlock()
		return e.done
	}
	s.queues[m.Priority()].PushBack(e)
	s.mu.Unlock()
	s.nudge()
	return e.done
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wakeup drains nodeID's pending-until-wakeup queue ahead of all non-
// SpecialCmd traffic, then reports whether the queue is now empty so the
// caller can send "No more information" (class 0x84 cmd 0x08).
func (s *Scheduler) Wakeup(nodeID byte) (drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pendingByUnit[nodeID]
	if !ok || q.Len() == 0 {
		return true
	}
	// Splice the unit's pending entries to the front of PriorityCommand,
	// ahead of whatever else is already queued there.
	front := s.queues[protocol.PriorityCommand]
	for el := q.Back(); el != nil; {
		prev := el.Prev()
		front.PushFront(el.Value)
		q.Remove(el)
		el = prev
	}
	s.nudge()
	return true
}

// Run is the writer/scheduler goroutine body: pops by strict priority,
// drives the transmission lifecycle in spec.md §4.5, and exits when
// Stop is called.
func (s *Scheduler) Run() {
	for {
		e, ok := s.popNext()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		s.drive(e)
	}
}

func (s *Scheduler) popNext() (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	for p := 0; p < protocol.NumPriorities; p++ {
		q := s.queues[p]
		if el := q.Front(); el != nil {
			q.Remove(el)
			return el.Value.(*entry), true
		}
	}
	return nil, false
}

// drive runs the per-message lifecycle: step 1 (nonce wait if needed),
// step 2 (hand to writer with scheduler-level retries), steps 3/4/5
// (callback / reply correlation), per spec.md §4.5.
func (s *Scheduler) drive(e *entry) {
	if e.msg.State() == message.StateWaitEncrypt {
		s.driveSecureSend(e)
		return
	}

	err := s.sendWithRetry(e)
	if err != nil {
		e.done <- OutcomeTimeout
		return
	}

	cbID := e.msg.CallbackID()
	if cbID <= 0 || cbID == 0xFF {
		// No callback requested: terminates on writer ACK (spec.md §4.5
		// item 3).
		e.done <- OutcomeDelivered
		return
	}

	replyClass, replyCmd := e.msg.ReplyExpectation()
	ife := &inFlightEntry{e: e, wantReply: replyClass != 0 || replyCmd != 0, replyClass: replyClass, replyCmd: replyCmd, srcID: e.targetID}
	timeout := transAckTimeout
	ife.timer = time.AfterFunc(timeout, func() { s.expireInFlight(byte(cbID)) })

	s.mu.Lock()
	s.inFlight[byte(cbID)] = ife
	s.mu.Unlock()
}

func (s *Scheduler) sendWithRetry(e *entry) error {
	var lastErr error
	for attempt := 0; attempt <= maxSchedulerRetries; attempt++ {
		lastErr = s.sender.Send(e.msg.Bytes(), e.msg.FreqListener())
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("scheduler: send failed after %d retries: %w", maxSchedulerRetries, lastErr)
}

// driveSecureSend runs the encrypt-before-send handshake (spec.md §4.6):
// park e awaiting a Nonce Report from its target, ask the secure
// requester to send the Nonce Get, then forward whatever the handshake's
// own done channel eventually resolves to back to e's original caller.
// The parked wait resolves from onNonceReport/Resubmit on the controller
// side, not from this goroutine, so only the terminal Outcome is relayed.
func (s *Scheduler) driveSecureSend(e *entry) {
	if s.secureReq == nil {
		s.log.WithField("ack_id", e.msg.AckID()).Warn("message needs encryption but no secure requester is registered")
		e.done <- OutcomeCancelled
		return
	}
	waited := s.RequestNonceAndPark(e.targetID, e.msg)
	if err := s.secureReq.RequestNonce(e.targetID); err != nil {
		s.mu.Lock()
		if cur, ok := s.nonceWaiters[e.targetID]; ok && cur.msg == e.msg {
			delete(s.nonceWaiters, e.targetID)
		}
		s.mu.Unlock()
		s.log.WithError(err).WithField("node_id", e.targetID).Warn("cannot request nonce for secure send")
		e.done <- OutcomeCancelled
		return
	}
	go func() { e.done <- <-waited }()
}

// OnTransAck resolves an in-flight message by callback id with the given
// status byte (spec.md §4.5 item 4). Outcomes 1-4 count against the
// target unit's failure budget.
func (s *Scheduler) OnTransAck(callbackID byte, status byte) {
	s.mu.Lock()
	ife, ok := s.inFlight[callbackID]
	if ok {
		delete(s.inFlight, callbackID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ife.timer.Stop()
	outcome := outcomeFromTransAckStatus(status)
	if outcome != OutcomeDelivered {
		s.mu.Lock()
		g, found := s.units[ife.srcID]
		s.mu.Unlock()
		if found {
			g.NoteFailure(1)
		}
	}
	if ife.wantReply {
		// Keep the entry referenced until a matching reply or timeout;
		// re-park it under the reply correlation table instead of
		// resolving immediately.
		s.parkForReply(ife)
		return
	}
	ife.e.done <- outcome
}

func (s *Scheduler) parkForReply(ife *inFlightEntry) {
	timeout := queryReplyTimeout
	if ife.e.msg.Priority() == protocol.PriorityCommand {
		timeout = commandReplyTimeout
	}
	ife.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.inFlight, byte(ife.e.msg.CallbackID()))
		s.mu.Unlock()
		ife.e.done <- OutcomeTimeout
	})
	s.mu.Lock()
	s.inFlight[byte(ife.e.msg.CallbackID())] = ife
	s.mu.Unlock()
}

// OnReply resolves an in-flight message awaiting a specific CC reply from
// srcID/class/cmd.
func (s *Scheduler) OnReply(srcID, class, cmd byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cb, ife := range s.inFlight {
		if ife.wantReply && ife.srcID == srcID && ife.replyClass == class && ife.replyCmd == cmd {
			ife.timer.Stop()
			delete(s.inFlight, cb)
			ife.e.done <- OutcomeDelivered
			return true
		}
	}
	return false
}

func (s *Scheduler) expireInFlight(callbackID byte) {
	s.mu.Lock()
	ife, ok := s.inFlight[callbackID]
	if ok {
		delete(s.inFlight, callbackID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ife.e.done <- OutcomeTimeout
}

// RequestNonceAndPark parks m awaiting a nonce report from target within
// the 10s window (spec.md §4.5 item 1); the caller is responsible for
// actually sending the Nonce Get message.
func (s *Scheduler) RequestNonceAndPark(target byte, m *message.Outbound) <-chan Outcome {
	e := &entry{id: uuid.NewString(), msg: m, targetID: target, done: make(chan Outcome, 1)}
	s.mu.Lock()
	s.nonceWaiters[target] = e
	s.mu.Unlock()
	time.AfterFunc(nonceWaitTimeout, func() {
		s.mu.Lock()
		cur, ok := s.nonceWaiters[target]
		if ok && cur == e {
			delete(s.nonceWaiters, target)
		}
		s.mu.Unlock()
		if ok && cur == e {
			e.done <- OutcomeTimeout
		}
	})
	return e.done
}

// OnNonceReport releases a parked nonce wait for target so the caller can
// encrypt the message (via pkgs/zwave/security) and Resubmit it. done
// must be passed back to Resubmit (or resolved directly with an Outcome
// on encryption failure) — it is the same channel driveSecureSend is
// blocked reading from.
func (s *Scheduler) OnNonceReport(target byte) (m *message.Outbound, done chan Outcome, ok bool) {
	s.mu.Lock()
	e, found := s.nonceWaiters[target]
	if found {
		delete(s.nonceWaiters, target)
	}
	s.mu.Unlock()
	if !found {
		return nil, nil, false
	}
	return e.msg, e.done, true
}

// Resubmit re-enters m (now ReadyToSend) into its own priority queue,
// preserving its original done channel — used after nonce acquisition.
func (s *Scheduler) Resubmit(m *message.Outbound, done chan Outcome) {
	e := &entry{id: uuid.NewString(), msg: m, targetID: m.TargetID(), done: done}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		done <- OutcomeCancelled
		return
	}
	s.queues[m.Priority()].PushBack(e)
	s.mu.Unlock()
	s.nudge()
}

// Stop cancels every parked wait with OutcomeCancelled and stops the
// scheduler from accepting new work, per spec.md §5 "Cancellation".
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	for _, q := range s.queues {
		drainList(q)
	}
	for _, q := range s.pendingByUnit {
		drainList(q)
	}
	for cb, ife := range s.inFlight {
		ife.timer.Stop()
		ife.e.done <- OutcomeCancelled
		delete(s.inFlight, cb)
	}
	for target, e := range s.nonceWaiters {
		e.done <- OutcomeCancelled
		delete(s.nonceWaiters, target)
	}
}

func drainList(q *list.List) {
	for el := q.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		e.done <- OutcomeCancelled
		q.Remove(el)
		el = next
	}
}
