// Package host declares the interfaces the controller uses to reach the
// host driver's own subsystems. Per spec.md §1, the field database,
// user-configuration persistence, and trace sink are external
// collaborators: this package contains types only, never a concrete
// implementation.
package host

// FieldType enumerates the host field database's value kinds.
type FieldType int

const (
	FieldBool FieldType = iota
	FieldCard
	FieldInt
	FieldFloat
	FieldString
)

// FieldAccess mirrors a CC-impl's access_flags (spec.md §3).
type FieldAccess int

const (
	AccessRead FieldAccess = 1 << iota
	AccessWrite
	AccessReadOnWake
	AccessReadAfterWrite
)

// FieldDef is one field a CC-impl declares via declare_fields (spec.md
// §4.7).
type FieldDef struct {
	Name         string
	Type         FieldType
	Access       FieldAccess
	SemanticType string // e.g. "Motion", "Door", "Smoke" for sensors
	Min, Max     float64
	Limited      bool
}

// FieldID is the id the host assigns a declared field; opaque to the
// controller.
type FieldID uint32

// FieldValue is a host field write, read back as whichever concrete type
// the field was declared with.
type FieldValue struct {
	Bool   bool
	Card   uint32
	Int    int32
	Float  float64
	String string
}

// FieldRegistry is the host-owed half of declare_fields/store_field_ids
// (spec.md §4.7): register fields, then accept the assigned ids back.
type FieldRegistry interface {
	RegisterFields(unitID byte, defs []FieldDef) (map[int]FieldID, error)
}

// FieldWriter is the host-owed half of routing a CC-impl's observed value
// into the field database, and of delivering host-originated writes back
// to on_field_written.
type FieldWriter interface {
	WriteField(id FieldID, v FieldValue) error
	SetFieldInError(id FieldID, inError bool) error
}

// TriggerType enumerates the event triggers spec.md §4.8 names.
type TriggerType int

const (
	TriggerMotion TriggerType = iota
	TriggerLoadChange
	TriggerLockStatus
	TriggerUserAction
)

// Trigger is one emitted event (spec.md §4.8 "Event triggers").
type Trigger struct {
	Type     TriggerType
	UnitID   byte
	Started  bool // Motion: start vs end; LoadChange: on vs off; LockStatus: locked vs unlocked
	UserCode string
	SceneID  byte
}

// TriggerSink accepts event triggers emitted by units.
type TriggerSink interface {
	Emit(t Trigger)
}

// TraceSink is the structured trace/logging collaborator; production
// wiring uses logrus directly instead (see pkgs/zwave/*'s constructors),
// but interfaces that cross the host boundary still route through this
// so the controller never assumes a concrete logging backend.
type TraceSink interface {
	Tracef(component string, format string, args ...interface{})
}

// ConfigStore is the user-configuration persistence collaborator (unit
// options, per-unit overrides) named in spec.md §1/§6.
type ConfigStore interface {
	UnitOption(unitID byte, key string) (string, bool)
	SetUnitOption(unitID byte, key, value string) error
}
