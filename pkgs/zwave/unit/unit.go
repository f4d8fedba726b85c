// Package unit implements the Z-Wave unit model: an aggregate of
// command-class implementations bound to one physical device, dispatch
// of inbound frames, polling, and event-trigger emission (spec.md §4.8).
package unit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/ccimpl"
	"github.com/keskad/zwctl/pkgs/zwave/host"
	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
	"github.com/keskad/zwctl/pkgs/zwave/scheduler"
)

// SupportedClass records a negotiated command-class version for a unit,
// carried even though only the V2 multi-channel wire format is
// implemented (SPEC_FULL.md §11 "Command-class version negotiation
// stub").
type SupportedClass struct {
	ClassID byte
	Version byte
	Secure  bool
}

// ImplChangeHook is notified after ImplValueChanged's own bookkeeping,
// letting a composite (composites.go) react to one impl's change by
// driving another without the unit itself knowing about mirroring.
type ImplChangeHook func(implID int, source ccimpl.Source, wasInError bool)

// InboundHook is notified after HandleInbound resolves its CommResult for
// one inbound frame, letting a composite react to the class/cmd that was
// (or wasn't) handled, e.g. Scene Activation firing a UserAction trigger.
type InboundHook func(class, cmd byte, res ccimpl.CommResult)

// Unit is a logical Z-Wave device: node id, listener class, supported
// classes, and the ordered list of CC-impls it owns (spec.md §3).
type Unit struct {
	mu sync.Mutex

	nodeID       byte
	manufacturer uint32 // 48-bit packed value, low 32 bits used; high 16 in high field
	manufacturerHi uint16

	listenerClass protocol.ListenerClass
	wakeupInterval time.Duration

	supported []SupportedClass
	impls     []ccimpl.Impl
	endPoints int

	// failureBudget is the per-unit transmit-failure counter distinct
	// from each CC-impl's own poll-failure counter (SPEC_FULL.md §11).
	failureBudget int

	scheduler *scheduler.Scheduler
	triggers  host.TriggerSink
	fields    host.FieldWriter

	sendTriggers bool

	implChangeHooks []ImplChangeHook
	inboundHooks    []InboundHook

	log logrus.FieldLogger
}

// New builds a Unit bound to nodeID; CC-impls are added via AddImpl once
// the device-info record has been resolved and parsed.
func New(nodeID byte, listenerClass protocol.ListenerClass, sched *scheduler.Scheduler, triggers host.TriggerSink, fields host.FieldWriter, log logrus.FieldLogger) *Unit {
	if log == nil {
		log = logrus.StandardLogger()
	}
	u := &Unit{
		nodeID:        nodeID,
		listenerClass: listenerClass,
		scheduler:     sched,
		triggers:      triggers,
		fields:        fields,
		sendTriggers:  true,
		log:           log.WithField("component", "unit").WithField("node_id", nodeID),
	}
	if sched != nil {
		sched.RegisterUnit(nodeID, u)
	}
	return u
}

// NodeID returns the unit's Z-Wave node id.
func (u *Unit) NodeID() byte { return u.nodeID }

// EndPointCount returns the number of multi-channel end points this unit
// has bound (0 if the unit uses no multi-channel encapsulation).
func (u *Unit) EndPointCount() int { return u.endPoints }

// SetEndPointCount sets the N-channel outlet's end-point count, from the
// device-info `Cnt` extra-info key.
func (u *Unit) SetEndPointCount(n int) { u.endPoints = n }

// ListenerClass satisfies scheduler.UnitGate.
func (u *Unit) ListenerClass() protocol.ListenerClass { return u.listenerClass }

// NoteFailure satisfies scheduler.UnitGate: counts a TransAck failure
// against the unit-wide budget, marking all owned CC-impls into error
// after 3 strikes (spec.md §4.5; kept distinct from each impl's own poll
// counter per SPEC_FULL.md §11).
func (u *Unit) NoteFailure(count int) {
	u.mu.Lock()
	u.failureBudget += count
	exhausted := u.failureBudget >= 3
	impls := append([]ccimpl.Impl(nil), u.impls...)
	u.mu.Unlock()
	if !exhausted {
		return
	}
	// Impls report entering error through ImplValueChanged, which takes
	// u.mu, so they are driven with the lock released.
	now := time.Now()
	for _, impl := range impls {
		for !impl.InError() {
			impl.NotePollFailure(now)
		}
	}
}

// AddImpl appends a CC-impl to the unit's ordered list.
func (u *Unit) AddImpl(impl ccimpl.Impl) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.impls = append(u.impls, impl)
}

// Impls returns the unit's CC-impls in registration order.
func (u *Unit) Impls() []ccimpl.Impl {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]ccimpl.Impl(nil), u.impls...)
}

// NewOutbound satisfies ccimpl.Owner: builds a CC request addressed to
// this unit's node.
func (u *Unit) NewOutbound(class, cmd, replyCmd byte, ccByteCount int, priority protocol.Priority) *message.Outbound {
	m := message.New()
	m.ResetCC(u.nodeID, class, cmd, replyCmd, ccByteCount, priority)
	return m
}

// Submit satisfies ccimpl.Owner by adapting the scheduler's Outcome enum
// to a plain int channel, keeping pkgs/zwave/ccimpl free of a scheduler
// import (it only needs a narrow Owner view).
func (u *Unit) Submit(m *message.Outbound) <-chan int {
	out := make(chan int, 1)
	if u.scheduler == nil {
		out <- int(scheduler.OutcomeCancelled)
		return out
	}
	done := u.scheduler.Submit(m)
	go func() {
		out <- int(<-done)
	}()
	return out
}

// AddImplChangeHook registers a composite's reaction to ImplValueChanged,
// called in registration order after the unit's own bookkeeping. Used by
// composites.go's DimmerSwitch/MultiChannelCombo constructors to drive
// mirrored impls without HandleInbound/ImplValueChanged themselves
// knowing about composition.
func (u *Unit) AddImplChangeHook(h ImplChangeHook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.implChangeHooks = append(u.implChangeHooks, h)
}

// AddInboundHook registers a composite's reaction to HandleInbound,
// called once per inbound frame after every matching CC-impl has run.
// Used by composites.go's SceneActivator to fire a UserAction trigger.
func (u *Unit) AddInboundHook(h InboundHook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inboundHooks = append(u.inboundHooks, h)
}

// ImplValueChanged satisfies ccimpl.Owner: reacts to a CC-impl's observed
// value change by possibly emitting an event trigger, per spec.md §4.8,
// then runs any composite hooks registered via AddImplChangeHook
// (dimmer/switch coupling, multi-channel combo notify↔primary sync).
func (u *Unit) ImplValueChanged(implID int, source ccimpl.Source, wasInError bool) {
	u.log.WithFields(logrus.Fields{"impl_id": implID, "source": source, "was_in_error": wasInError}).Trace("impl value changed")
	u.mu.Lock()
	hooks := append([]ImplChangeHook(nil), u.implChangeHooks...)
	u.mu.Unlock()
	for _, h := range hooks {
		h(implID, source, wasInError)
	}
}

// HandleInbound dispatches a decoded, encapsulation-stripped frame to the
// matching CC-impls, then falls back to the liveness-only default
// handler (spec.md §4.8 "double-walk"), and finally runs any composite
// hooks registered via AddInboundHook (e.g. SceneActivator) against the
// resolved result.
func (u *Unit) HandleInbound(in *message.Inbound) ccimpl.CommResult {
	class, cmd := in.CommandClass(), in.Command()

	result := ccimpl.Unhandled
	for _, impl := range u.Impls() {
		if impl.ClassID() != class {
			continue
		}
		if res := impl.HandleCCMsg(class, cmd, in); res != ccimpl.Unhandled {
			result = ccimpl.HandledValue
		}
	}
	if result == ccimpl.Unhandled && class == protocol.ClassWakeup && cmd == protocol.CmdWakeupNotification {
		u.resetAllErrorCounters()
		result = ccimpl.HandledNoValue
	}

	u.mu.Lock()
	hooks := append([]InboundHook(nil), u.inboundHooks...)
	u.mu.Unlock()
	for _, h := range hooks {
		h(class, cmd, result)
	}
	return result
}

func (u *Unit) resetAllErrorCounters() {
	now := time.Now()
	u.mu.Lock()
	u.failureBudget = 0
	impls := append([]ccimpl.Impl(nil), u.impls...)
	u.mu.Unlock()
	for _, impl := range impls {
		if impl.InError() {
			impl.NotePollSuccess(now)
		}
	}
}

// Poll walks all readable CC-impls whose NextPoll has elapsed and issues
// their value query, per spec.md §4.7 "Polling".
func (u *Unit) Poll(now time.Time) {
	for _, impl := range u.Impls() {
		if !now.Before(impl.NextPoll()) {
			impl.SendValueQuery()
		}
	}
}

// OnWakeup runs the read-on-wake CC-impls then tells the scheduler to
// drain the unit's pending queue and, once empty, send "no more
// information" (spec.md §4.5/§4.7).
func (u *Unit) OnWakeup(noMoreInfo *message.Outbound) {
	for _, impl := range u.Impls() {
		if impl.ReadOnWake() {
			impl.SendValueQuery()
		}
	}
	if u.scheduler == nil {
		return
	}
	// Queue noMoreInfo while the unit is still parked, behind the
	// read-on-wake queries, so Wakeup's splice sends it last.
	if noMoreInfo != nil {
		u.scheduler.Submit(noMoreInfo)
	}
	u.scheduler.Wakeup(u.nodeID)
}

// EmitMotion emits a Motion trigger unless SendTriggers is disabled.
func (u *Unit) EmitMotion(started bool) {
	if !u.sendTriggers || u.triggers == nil {
		return
	}
	u.triggers.Emit(host.Trigger{Type: host.TriggerMotion, UnitID: u.nodeID, Started: started})
}

// EmitLoadChange emits a LoadChange trigger.
func (u *Unit) EmitLoadChange(on bool) {
	if u.triggers == nil {
		return
	}
	u.triggers.Emit(host.Trigger{Type: host.TriggerLoadChange, UnitID: u.nodeID, Started: on})
}

// EmitLockStatus emits a LockStatus trigger, carrying the user code from
// the Notification event-parameter byte when available.
func (u *Unit) EmitLockStatus(locked bool, userCode string) {
	if u.triggers == nil {
		return
	}
	u.triggers.Emit(host.Trigger{Type: host.TriggerLockStatus, UnitID: u.nodeID, Started: locked, UserCode: userCode})
}

// EmitUserAction emits a UserAction trigger, e.g. from a scene activator.
func (u *Unit) EmitUserAction(sceneID byte) {
	if u.triggers == nil {
		return
	}
	u.triggers.Emit(host.Trigger{Type: host.TriggerUserAction, UnitID: u.nodeID, SceneID: sceneID})
}

// SetSendTriggers applies the unit-wide SendTrigger option (spec.md §6
// "Unit options").
func (u *Unit) SetSendTriggers(v bool) { u.sendTriggers = v }

// ManufacturerKey packs manufacturer/type/product into the 48-bit catalog
// index key (spec.md §3/§6).
func (u *Unit) ManufacturerKey() string {
	return fmt.Sprintf("%04X%08X", u.manufacturerHi, u.manufacturer)
}

// SetManufacturerInfo stores the resolved identity, typically from a
// ManufacturerSpecificImpl report.
func (u *Unit) SetManufacturerInfo(manufacturerID, productType, productID uint16) {
	u.manufacturerHi = manufacturerID
	u.manufacturer = uint32(productType)<<16 | uint32(productID)
}
