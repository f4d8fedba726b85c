package unit

import (
	"fmt"
	"time"

	"github.com/keskad/zwctl/pkgs/zwave/ccimpl"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// DimmerSwitch composes a binary on/off impl with an optional level impl,
// coupling their error state and suppressing redundant polling when both
// ride the Basic command class (spec.md §4.8 "Dimmer / switch").
type DimmerSwitch struct {
	u       *Unit
	onOff   ccimpl.Impl
	level   *ccimpl.Level
	sameCC  bool
}

// NewDimmerSwitch registers onOff (and, if non-nil, level) on u, applying
// the dimmer/switch composite rules.
func NewDimmerSwitch(u *Unit, onOff ccimpl.Impl, level *ccimpl.Level) *DimmerSwitch {
	ds := &DimmerSwitch{u: u, onOff: onOff, level: level}
	u.AddImpl(onOff)
	if level != nil {
		ds.sameCC = onOff.ClassID() == level.ClassID()
		u.AddImpl(level)
	}
	onOffImplID := onOff.ImplID()
	u.AddImplChangeHook(func(implID int, source ccimpl.Source, wasInError bool) {
		if implID == onOffImplID && !wasInError && onOff.InError() {
			ds.OnOffWentToError()
		}
	})
	return ds
}

// PollLevel reports whether the level impl should actually be polled:
// suppressed when both impls ride the same command class, since a Basic
// Report from the switch side already reflects the level (spec.md §4.8).
func (ds *DimmerSwitch) PollLevel() bool {
	return ds.level != nil && !ds.sameCC
}

// OnOffWentToError propagates the switch impl's error state onto the
// level impl, matching "when the switch impl enters error state, the
// level impl is also forced to error" (spec.md §4.8). The change hook
// that NewDimmerSwitch registers invokes this when onOff.InError()
// transitions true.
func (ds *DimmerSwitch) OnOffWentToError() {
	// The level impl has no public "force error" hook distinct from its
	// own poll-failure counter; three synthetic failures drive it into
	// error state the same way three real ones would.
	if ds.level == nil {
		return
	}
	now := time.Now()
	for i := 0; i < 3; i++ {
		ds.level.NotePollFailure(now)
	}
}

// DualBinarySensor composes two binary CC-impls keyed by different
// classes so routing by class alone disambiguates them without
// multi-channel encapsulation (spec.md §4.8).
type DualBinarySensor struct {
	First, Second ccimpl.Impl
}

func NewDualBinarySensor(u *Unit, first, second ccimpl.Impl) (*DualBinarySensor, error) {
	if first.ClassID() == second.ClassID() {
		return nil, fmt.Errorf("unit: dual binary sensor requires impls on different command classes, got 0x%02X twice", first.ClassID())
	}
	u.AddImpl(first)
	u.AddImpl(second)
	return &DualBinarySensor{First: first, Second: second}, nil
}

// NChannelOutlet composes one binary CC-impl per end point (1..N), using
// multi-channel encapsulation, with a user-configurable name suffix per
// outlet (spec.md §4.8).
type NChannelOutlet struct {
	Outlets []ccimpl.Impl
	Names   map[int]string
}

// NewNChannelOutlet validates startNum/count against the unit's
// advertised end-point count and registers one binary impl per outlet.
// The original Open Question (spec.md §9) over what to do when
// StartNum+Cnt-1 exceeds the advertised end-point count is resolved as a
// bind-time configuration error (DESIGN.md): the unit is not bound.
func NewNChannelOutlet(u *Unit, startNum, count int, makeOutlet func(endPoint byte) ccimpl.Impl) (*NChannelOutlet, error) {
	if startNum < 1 || startNum > 127 || count < 1 || startNum+count-1 > 127 {
		return nil, fmt.Errorf("unit: invalid N-channel outlet range start=%d count=%d", startNum, count)
	}
	if u.EndPointCount() > 0 && startNum+count-1 > u.EndPointCount() {
		return nil, fmt.Errorf("unit: outlet range start=%d count=%d exceeds advertised %d end points", startNum, count, u.EndPointCount())
	}
	nc := &NChannelOutlet{Names: make(map[int]string)}
	for i := 0; i < count; i++ {
		ep := byte(startNum + i)
		impl := makeOutlet(ep)
		u.AddImpl(impl)
		nc.Outlets = append(nc.Outlets, impl)
	}
	return nc, nil
}

// MultiChannelComboEntry is one row of a multi-channel combo's table
// (spec.md §4.8 "Multi-channel combo").
type MultiChannelComboEntry struct {
	EndPointID   byte
	SemanticType string
	Primary      *ccimpl.Binary
	Notify       *ccimpl.Binary // optional
}

// MultiChannelCombo keeps a primary impl and an optional notify impl in
// sync per entry without creating a routing loop: Program-source changes
// never re-trigger cross-mirroring (spec.md §4.8).
type MultiChannelCombo struct {
	u       *Unit
	Entries []MultiChannelComboEntry
}

// NewMultiChannelCombo registers every entry's impls and wires mirroring:
// an ImplChangeHook drives MirrorFromPrimary/MirrorFromNotify whenever an
// entry's primary or notify impl reports a SourceUnit change, so device
// reports stay in sync without the unit itself knowing about composition.
func NewMultiChannelCombo(u *Unit, entries []MultiChannelComboEntry) *MultiChannelCombo {
	for _, e := range entries {
		u.AddImpl(e.Primary)
		if e.Notify != nil {
			u.AddImpl(e.Notify)
		}
	}
	c := &MultiChannelCombo{u: u, Entries: entries}
	u.AddImplChangeHook(func(implID int, source ccimpl.Source, wasInError bool) {
		if source != ccimpl.SourceUnit {
			return
		}
		for i, e := range c.Entries {
			if implID == e.Primary.ImplID() {
				c.MirrorFromPrimary(i)
				return
			}
			if e.Notify != nil && implID == e.Notify.ImplID() {
				c.MirrorFromNotify(i)
				return
			}
		}
	})
	return c
}

// MirrorFromNotify pushes the notify impl's value into the primary impl
// with SourceProgram, per spec.md §4.8.
func (c *MultiChannelCombo) MirrorFromNotify(entryIdx int) {
	e := c.Entries[entryIdx]
	if e.Notify == nil {
		return
	}
	v, known := e.Notify.Value()
	if !known {
		return
	}
	e.Primary.SetValue(v, ccimpl.SourceProgram)
}

// MirrorFromPrimary pushes the primary impl's value into the notify impl
// with SourceProgram.
func (c *MultiChannelCombo) MirrorFromPrimary(entryIdx int) {
	e := c.Entries[entryIdx]
	if e.Notify == nil {
		return
	}
	v, known := e.Primary.Value()
	if !known {
		return
	}
	e.Notify.SetValue(v, ccimpl.SourceProgram)
}

// Thermostat composes a current-temperature sensor with optional
// low/high setpoints and an optional mode enum, sharing a temperature
// scale option (spec.md §4.8).
type Thermostat struct {
	CurrentTemp *ccimpl.MultiLevelSensorImpl
	LowSetPoint *ccimpl.ThermostatSetPointImpl
	HighSetPoint *ccimpl.ThermostatSetPointImpl
	Mode        *ccimpl.ThermostatModeImpl
	Scale       string // "F" or "C", from the TempScale unit option
}

func NewThermostat(u *Unit, currentTemp *ccimpl.MultiLevelSensorImpl, low, high *ccimpl.ThermostatSetPointImpl, mode *ccimpl.ThermostatModeImpl, scale string) *Thermostat {
	u.AddImpl(currentTemp)
	if low != nil {
		u.AddImpl(low)
	}
	if high != nil {
		u.AddImpl(high)
	}
	if mode != nil {
		u.AddImpl(mode)
	}
	if scale == "" {
		scale = "F"
	}
	return &Thermostat{CurrentTemp: currentTemp, LowSetPoint: low, HighSetPoint: high, Mode: mode, Scale: scale}
}

// SceneActivator wraps a SceneActivationImpl, firing a UserAction trigger
// through the owning unit on every handled Scene Set (spec.md §4.8).
type SceneActivator struct {
	u    *Unit
	impl *ccimpl.SceneActivationImpl
}

// NewSceneActivator registers impl and wires an InboundHook that fires a
// UserAction trigger whenever a Scene Activation frame is handled, since
// SceneActivationImpl itself holds no trigger sink reference
// (host.TriggerSink lives on Unit).
func NewSceneActivator(u *Unit, impl *ccimpl.SceneActivationImpl) *SceneActivator {
	u.AddImpl(impl)
	s := &SceneActivator{u: u, impl: impl}
	u.AddInboundHook(func(class, cmd byte, res ccimpl.CommResult) {
		if class == protocol.ClassSceneActivation && res != ccimpl.Unhandled {
			s.NotifySceneFired()
		}
	})
	return s
}

// NotifySceneFired emits the UserAction trigger for the scene most
// recently handled by impl.
func (s *SceneActivator) NotifySceneFired() {
	s.u.EmitUserAction(s.impl.LastScene())
}
