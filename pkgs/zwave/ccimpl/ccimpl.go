// Package ccimpl implements the command-class capability interface and
// the concrete per-command-class implementations named in spec.md §6,
// built on the common contract of §4.7.
package ccimpl

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/host"
	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// CommResult is returned by HandleCCMsg/OnFieldWritten, mirroring the
// original driver's tCQCKit::ECommResults (spec.md §4.7).
type CommResult int

const (
	Unhandled CommResult = iota
	HandledNoValue
	HandledValue
)

// Source tags where a value change originated, used to prevent
// mirror-sync routing loops between composited impls (spec.md §4.7).
type Source int

const (
	SourceUnit Source = iota
	SourceDriver
	SourceProgram
)

// Owner is the minimal surface a CC-impl needs from its owning unit:
// enough to emit value-changed notifications and build outbound
// messages addressed to the unit's node.
type Owner interface {
	NodeID() byte
	EndPointCount() int
	ImplValueChanged(implID int, source Source, wasInError bool)
	NewOutbound(class, cmd byte, replyCmd byte, ccByteCount int, priority protocol.Priority) *message.Outbound
	Submit(m *message.Outbound) <-chan int
}

// Impl is the polymorphic capability every command-class implementation
// satisfies (spec.md §4.7's "every CC-impl exposes").
type Impl interface {
	ClassID() byte
	ImplID() int
	EndPointID() byte // 0xFF = root, unencapsulated

	HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult
	SendValueQuery()
	OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult
	DeclareFields(into *[]host.FieldDef)
	StoreFieldIDs(ids []host.FieldID)
	ParseExtraInfo(kv map[string]string) error

	ReadOnWake() bool
	ReadAfterWrite() bool

	InError() bool
	NextPoll() time.Time
	NotePollFailure(now time.Time)
	NotePollSuccess(now time.Time)
}

const (
	rootEndPoint = 0xFF

	backoffInitial = 30 * time.Second
	pollBaseMinAlwaysOn = 8*time.Minute + 45*time.Second
	pollBaseMaxAlwaysOn = 11*time.Minute + 15*time.Second
	pollBaseMinFreqListener = 52*time.Minute + 30*time.Second
	pollBaseMaxFreqListener = 67*time.Minute + 30*time.Second
)

// backoffSequence implements spec.md §4.7's "30s, 1min, 2min, 4min, then
// the long default" poll-failure backoff.
var backoffSequence = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	4 * time.Minute,
}

// Base carries the common state every Impl embeds: error tracking, poll
// timing, access flags and owned field ids. Grounded on TZWCCImpl's
// default-Unhandled virtuals in the original driver.
type Base struct {
	Owner  Owner
	Class  byte
	Impl   int
	EP     byte
	Access host.FieldAccess

	// FreqListener and Secure are the two Finalize flags every CC-impl's
	// SendValueQuery/OnFieldWritten must pass through: whether the target
	// is a frequent-listener node (spec.md §4.5's beaming rule) and
	// whether this command class was parsed out of the device-info
	// catalog as requiring S0 encapsulation (spec.md §4.6).
	FreqListener bool
	Secure       bool

	Log logrus.FieldLogger

	fieldIDs []host.FieldID

	errState      bool
	pollFailures  int
	next          time.Time
	longInterval  time.Duration

	readOnWake     bool
	readAfterWrite bool
}

// NewBase builds the shared state for a concrete Impl; concrete
// constructors call this then set any extra fields. secure comes from
// the device-info catalog's per-class Secure flag (unit.SupportedClass),
// or false for classes the catalog never marked.
func NewBase(owner Owner, class byte, implID int, ep byte, access host.FieldAccess, log logrus.FieldLogger, freqListener, secure bool) Base {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := Base{Owner: owner, Class: class, Impl: implID, EP: ep, Access: access, Log: log.WithField("component", "ccimpl"), FreqListener: freqListener, Secure: secure}
	minD, maxD := pollBaseMinAlwaysOn, pollBaseMaxAlwaysOn
	if freqListener {
		minD, maxD = pollBaseMinFreqListener, pollBaseMaxFreqListener
	}
	b.longInterval = minD + time.Duration(rand.Int63n(int64(maxD-minD)))
	b.next = time.Now().Add(b.longInterval)
	b.readOnWake = access&host.AccessReadOnWake != 0
	b.readAfterWrite = access&host.AccessReadAfterWrite != 0
	return b
}

func (b *Base) ClassID() byte     { return b.Class }
func (b *Base) ImplID() int       { return b.Impl }
func (b *Base) EndPointID() byte  { return b.EP }
func (b *Base) ReadOnWake() bool      { return b.readOnWake }
func (b *Base) ReadAfterWrite() bool  { return b.readAfterWrite }
func (b *Base) InError() bool         { return b.errState }
func (b *Base) NextPoll() time.Time   { return b.next }

func (b *Base) StoreFieldIDs(ids []host.FieldID) { b.fieldIDs = ids }
func (b *Base) FieldIDs() []host.FieldID         { return b.fieldIDs }

// HandleCCMsg's default: unhandled. Concrete impls override for their
// own class id.
func (b *Base) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult { return Unhandled }

// SendValueQuery's default: does nothing (spec.md §4.7).
func (b *Base) SendValueQuery() {}

// OnFieldWritten's default: Unhandled.
func (b *Base) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult { return Unhandled }

// ParseExtraInfo's default accepts an empty grammar.
func (b *Base) ParseExtraInfo(kv map[string]string) error { return nil }

// NotePollFailure advances the backoff sequence and flips to error state
// after 3 consecutive failures (spec.md §4.7 "Polling").
func (b *Base) NotePollFailure(now time.Time) {
	wasInError := b.errState
	b.pollFailures++
	if b.pollFailures >= 3 {
		b.errState = true
	}
	idx := b.pollFailures - 1
	var delay time.Duration
	if idx >= 0 && idx < len(backoffSequence) {
		delay = backoffSequence[idx]
	} else {
		delay = b.longInterval
	}
	b.next = now.Add(delay)
	if b.errState && !wasInError && b.Owner != nil {
		b.Owner.ImplValueChanged(b.Impl, SourceUnit, false)
	}
}

// NotePollSuccess resets the failure counter, clears error state, and
// schedules the next long-interval poll.
func (b *Base) NotePollSuccess(now time.Time) {
	wasInError := b.errState
	b.pollFailures = 0
	b.errState = false
	b.next = now.Add(b.longInterval)
	if wasInError && b.Owner != nil {
		b.Owner.ImplValueChanged(b.Impl, SourceUnit, true)
	}
}

// Binary is the canonical boolean CC-impl specialization (spec.md §3).
type Binary struct {
	Base
	value bool
	set   bool
}

func NewBinary(base Base) *Binary { return &Binary{Base: base} }

func (bi *Binary) Value() (val, known bool) { return bi.value, bi.set }

// SetValue updates the stored value and routes the change to the owner,
// tagging source per spec.md §4.7.
func (bi *Binary) SetValue(v bool, source Source) {
	changed := !bi.set || bi.value != v
	bi.value = v
	bi.set = true
	if changed && bi.Owner != nil {
		bi.Owner.ImplValueChanged(bi.Impl, source, false)
	}
}

func (bi *Binary) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Binary", Type: host.FieldBool, Access: bi.Access})
}

// Level is the canonical 0..100 cardinal CC-impl specialization.
type Level struct {
	Base
	value    int
	set      bool
	min, max int
}

func NewLevel(base Base) *Level { return &Level{Base: base, min: 0, max: 100} }

func (lv *Level) Value() (val int, known bool) { return lv.value, lv.set }

func (lv *Level) SetRange(min, max int) { lv.min, lv.max = min, max }

func (lv *Level) SetValue(v int, source Source) {
	if v < lv.min {
		v = lv.min
	}
	if v > lv.max {
		v = lv.max
	}
	changed := !lv.set || lv.value != v
	lv.value = v
	lv.set = true
	if changed && lv.Owner != nil {
		lv.Owner.ImplValueChanged(lv.Impl, source, false)
	}
}

func (lv *Level) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Level", Type: host.FieldCard, Access: lv.Access, Min: float64(lv.min), Max: float64(lv.max), Limited: true})
}

// percentToDim / dimToPercent convert between the Z-Wave wire's 0-99 dim
// level and the host's 0-100 percent field, per the original driver's
// MultiLevelSwitch/Dimmer handling. 0xFF on the wire is the "restore
// last/on" sentinel, distinct from 99 (100%); dimToPercent maps it to -1
// so percentToDim(-1) recovers 0xFF instead of colliding with 100%.
func percentToDim(pct int) byte {
	if pct < 0 {
		return 0xFF
	}
	if pct == 0 {
		return 0
	}
	if pct >= 100 {
		return 0x63
	}
	return byte(pct * 99 / 100)
}

func dimToPercent(dim byte) int {
	if dim == 0xFF {
		return -1
	}
	if dim == 0 {
		return 0
	}
	if dim >= 0x63 {
		return 100
	}
	return int(dim) * 100 / 99
}
