package app

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/host"
)

// FieldStore is a minimal in-process implementation of the host field
// database, trigger sink and config store interfaces (pkgs/zwave/host),
// standing in for the external host process spec.md §1 names as a
// collaborator. It exists so the CLI can drive field reads/writes
// standalone, without requiring an embedding application.
type FieldStore struct {
	mu sync.Mutex

	log logrus.FieldLogger

	nextID host.FieldID
	byID   map[host.FieldID]fieldEntry
	byName map[byte]map[string]host.FieldID

	options map[byte]map[string]string
}

type fieldEntry struct {
	unitID byte
	def    host.FieldDef
	value  host.FieldValue
	known  bool
	inErr  bool
}

func NewFieldStore(log logrus.FieldLogger) *FieldStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FieldStore{
		log:     log.WithField("component", "fieldstore"),
		nextID:  1,
		byID:    make(map[host.FieldID]fieldEntry),
		byName:  make(map[byte]map[string]host.FieldID),
		options: make(map[byte]map[string]string),
	}
}

// RegisterFields implements host.FieldRegistry.
func (s *FieldStore) RegisterFields(unitID byte, defs []host.FieldDef) (map[int]host.FieldID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byName[unitID] == nil {
		s.byName[unitID] = make(map[string]host.FieldID)
	}

	out := make(map[int]host.FieldID, len(defs))
	for i, def := range defs {
		id := s.nextID
		s.nextID++
		s.byID[id] = fieldEntry{unitID: unitID, def: def}
		s.byName[unitID][def.Name] = id
		out[i] = id
	}
	return out, nil
}

// WriteField implements host.FieldWriter: records the last-observed
// value reported by a CC-impl.
func (s *FieldStore) WriteField(id host.FieldID, v host.FieldValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("fieldstore: unknown field id %d", id)
	}
	e.value = v
	e.known = true
	s.byID[id] = e
	return nil
}

// SetFieldInError implements host.FieldWriter.
func (s *FieldStore) SetFieldInError(id host.FieldID, inError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("fieldstore: unknown field id %d", id)
	}
	e.inErr = inError
	s.byID[id] = e
	return nil
}

// Emit implements host.TriggerSink by logging the event; a real host
// would route it into its own event/automation layer.
func (s *FieldStore) Emit(t host.Trigger) {
	s.log.WithFields(logrus.Fields{
		"unit_id": t.UnitID,
		"type":    t.Type,
		"started": t.Started,
	}).Info("trigger")
}

// UnitOption implements host.ConfigStore.
func (s *FieldStore) UnitOption(unitID byte, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.options[unitID][key]
	return v, ok
}

// SetUnitOption implements host.ConfigStore.
func (s *FieldStore) SetUnitOption(unitID byte, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options[unitID] == nil {
		s.options[unitID] = make(map[string]string)
	}
	s.options[unitID][key] = value
	return nil
}

// Field looks up a unit's field by its declared name, returning the
// last-known value and whether one has ever been reported.
func (s *FieldStore) Field(unitID byte, name string) (host.FieldDef, host.FieldValue, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[unitID][name]
	if !ok {
		return host.FieldDef{}, host.FieldValue{}, false, false
	}
	e := s.byID[id]
	return e.def, e.value, e.known, true
}

// FieldID resolves a unit/name pair to the id the registry assigned it.
func (s *FieldStore) FieldID(unitID byte, name string) (host.FieldID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[unitID][name]
	return id, ok
}
