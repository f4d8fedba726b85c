package ccimpl

import (
	"fmt"
	"time"

	"github.com/keskad/zwctl/pkgs/zwave/host"
	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

const (
	cmdGet        byte = 0x02
	cmdReport     byte = 0x03
	cmdSet        byte = 0x01
)

// BasicImpl implements Basic (0x20): a generic on/off/level report used
// both standalone and as a fallback for devices that echo state changes
// only via Basic Report.
type BasicImpl struct{ *Binary }

func NewBasic(base Base) *BasicImpl { return &BasicImpl{Binary: NewBinary(base)} }

func (b *BasicImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassBasic {
		return Unhandled
	}
	switch cmdID {
	case cmdReport:
		if len(in.CCBytes()) < 1 {
			return Unhandled
		}
		b.SetValue(in.CCBytes()[0] != 0, SourceUnit)
		b.NotePollSuccess(timeNow())
		return HandledValue
	}
	return Unhandled
}

func (b *BasicImpl) SendValueQuery() {
	m := b.Owner.NewOutbound(protocol.ClassBasic, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(b.FreqListener, b.Secure, false)
	b.Owner.Submit(m)
}

func (b *BasicImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	val := byte(0)
	if v.Bool {
		val = 0xFF
	}
	m := b.Owner.NewOutbound(protocol.ClassBasic, cmdSet, 0, 3, protocol.PriorityCommand)
	_ = m.AppendByte(val)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(b.FreqListener, b.Secure, false)
	b.Owner.Submit(m)
	b.SetValue(v.Bool, SourceDriver)
	return HandledValue
}

// BinarySwitchImpl implements BinarySwitch (0x25).
type BinarySwitchImpl struct{ *Binary }

func NewBinarySwitch(base Base) *BinarySwitchImpl { return &BinarySwitchImpl{Binary: NewBinary(base)} }

func (b *BinarySwitchImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassBinarySwitch || cmdID != cmdReport {
		return Unhandled
	}
	if len(in.CCBytes()) < 1 {
		return Unhandled
	}
	b.SetValue(in.CCBytes()[0] != 0, SourceUnit)
	b.NotePollSuccess(timeNow())
	return HandledValue
}

func (b *BinarySwitchImpl) SendValueQuery() {
	m := b.Owner.NewOutbound(protocol.ClassBinarySwitch, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(b.FreqListener, b.Secure, false)
	b.Owner.Submit(m)
}

func (b *BinarySwitchImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	val := byte(0)
	if v.Bool {
		val = 0xFF
	}
	m := b.Owner.NewOutbound(protocol.ClassBinarySwitch, cmdSet, 0, 3, protocol.PriorityCommand)
	_ = m.AppendByte(val)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(b.FreqListener, b.Secure, false)
	b.Owner.Submit(m)
	b.SetValue(v.Bool, SourceDriver)
	return HandledValue
}

// MultiLevelSwitchImpl implements MultiLevelSwitch (0x26): a dimmer's
// 0-99 wire level surfaced as a 0-100 percent field, the actuator
// counterpart to MultiLevelSensorImpl's read-only sensor (spec.md §4.8
// "Dimmer / switch").
type MultiLevelSwitchImpl struct{ *Level }

const (
	multiLevelSwitchCmdSet byte = 0x01
)

func NewMultiLevelSwitch(base Base) *MultiLevelSwitchImpl {
	lv := NewLevel(base)
	lv.SetRange(0, 100)
	return &MultiLevelSwitchImpl{Level: lv}
}

func (m *MultiLevelSwitchImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassMultiLevelSwitch || cmdID != cmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 1 {
		return Unhandled
	}
	pct := dimToPercent(cc[0])
	if pct < 0 {
		// "restore last/on" sentinel carries no new level information.
		return HandledNoValue
	}
	m.SetValue(pct, SourceUnit)
	m.NotePollSuccess(timeNow())
	return HandledValue
}

func (m *MultiLevelSwitchImpl) SendValueQuery() {
	om := m.Owner.NewOutbound(protocol.ClassMultiLevelSwitch, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = om.AppendTransOpts(true)
	_ = om.AppendCallback(false)
	_ = om.Finalize(m.FreqListener, m.Secure, false)
	m.Owner.Submit(om)
}

func (m *MultiLevelSwitchImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	dim := percentToDim(int(v.Card))
	om := m.Owner.NewOutbound(protocol.ClassMultiLevelSwitch, multiLevelSwitchCmdSet, 0, 3, protocol.PriorityCommand)
	_ = om.AppendByte(dim)
	_ = om.AppendTransOpts(true)
	_ = om.AppendCallback(false)
	_ = om.Finalize(m.FreqListener, m.Secure, false)
	m.Owner.Submit(om)
	m.SetValue(int(v.Card), SourceDriver)
	return HandledValue
}

// BinarySensorImpl implements BinarySensor (0x30): read-only.
type BinarySensorImpl struct {
	*Binary
	SensorType string // e.g. Motion, Door, Smoke — from extra-info Type=
}

func NewBinarySensor(base Base) *BinarySensorImpl { return &BinarySensorImpl{Binary: NewBinary(base)} }

func (s *BinarySensorImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassBinarySensor || cmdID != cmdReport {
		return Unhandled
	}
	if len(in.CCBytes()) < 1 {
		return Unhandled
	}
	s.SetValue(in.CCBytes()[0] != 0, SourceUnit)
	s.NotePollSuccess(timeNow())
	return HandledValue
}

func (s *BinarySensorImpl) SendValueQuery() {
	m := s.Owner.NewOutbound(protocol.ClassBinarySensor, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(s.FreqListener, s.Secure, false)
	s.Owner.Submit(m)
}

func (s *BinarySensorImpl) ParseExtraInfo(kv map[string]string) error {
	if t, ok := kv["Type"]; ok {
		s.SensorType = t
	}
	return nil
}

// MultiLevelSensorImpl implements MultiLevelSensor (0x31): a typed
// floating-point value plus a wire scale byte.
type MultiLevelSensorImpl struct {
	Base
	value   float64
	set     bool
	sensorType byte
	scale   byte
}

func NewMultiLevelSensor(base Base) *MultiLevelSensorImpl { return &MultiLevelSensorImpl{Base: base} }

func (s *MultiLevelSensorImpl) Value() (float64, bool) { return s.value, s.set }

func (s *MultiLevelSensorImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Value", Type: host.FieldFloat, Access: s.Access})
}

func (s *MultiLevelSensorImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassMultiLevelSensor || cmdID != cmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 3 {
		return Unhandled
	}
	s.sensorType = cc[0]
	precision, scale, size := decodeLevelByte(cc[1])
	s.scale = scale
	if len(cc) < 2+int(size) {
		return Unhandled
	}
	raw := decodeSignedBigEndian(cc[2 : 2+int(size)])
	s.value = float64(raw) / pow10(precision)
	s.set = true
	s.NotePollSuccess(timeNow())
	if s.Owner != nil {
		s.Owner.ImplValueChanged(s.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (s *MultiLevelSensorImpl) SendValueQuery() {
	m := s.Owner.NewOutbound(protocol.ClassMultiLevelSensor, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(s.FreqListener, s.Secure, false)
	s.Owner.Submit(m)
}

// decodeLevelByte unpacks a Z-Wave multi-level "level" byte:
// bits 7-5 precision, bits 4-3 scale, bits 2-0 size in bytes.
func decodeLevelByte(b byte) (precision int, scale byte, size byte) {
	precision = int(b >> 5 & 0x07)
	scale = b >> 3 & 0x03
	size = b & 0x07
	return
}

func decodeSignedBigEndian(b []byte) int64 {
	var v int64
	neg := b[0]&0x80 != 0
	for _, x := range b {
		v = v<<8 | int64(x)
	}
	if neg {
		v -= 1 << (8 * uint(len(b)))
	}
	return v
}

func pow10(n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 10
	}
	return r
}

// MeterImpl implements Meter (0x32), structurally identical on the wire
// to MultiLevelSensor but with its own class id and a meter-type byte
// instead of a sensor-type byte.
type MeterImpl struct {
	Base
	value     float64
	set       bool
	meterType byte
}

func NewMeter(base Base) *MeterImpl { return &MeterImpl{Base: base} }

func (m *MeterImpl) Value() (float64, bool) { return m.value, m.set }

func (m *MeterImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Value", Type: host.FieldFloat, Access: m.Access})
}

func (m *MeterImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassMeter || cmdID != cmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 3 {
		return Unhandled
	}
	m.meterType = cc[0]
	precision, _, size := decodeLevelByte(cc[1])
	if len(cc) < 2+int(size) {
		return Unhandled
	}
	raw := decodeSignedBigEndian(cc[2 : 2+int(size)])
	m.value = float64(raw) / pow10(precision)
	m.set = true
	m.NotePollSuccess(timeNow())
	if m.Owner != nil {
		m.Owner.ImplValueChanged(m.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (m *MeterImpl) SendValueQuery() {
	om := m.Owner.NewOutbound(protocol.ClassMeter, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = om.AppendTransOpts(true)
	_ = om.AppendCallback(false)
	_ = om.Finalize(m.FreqListener, m.Secure, false)
	m.Owner.Submit(om)
}

// ColorSwitchImpl implements ColorSwitch (0x33): per-component 0..255
// levels (Red/Green/Blue/Warm-white/Cold-white).
type ColorSwitchImpl struct {
	Base
	components map[byte]byte
}

const (
	colorCmdSet    byte = 0x05
	colorCmdGet    byte = 0x03
	colorCmdReport byte = 0x04
)

func NewColorSwitch(base Base) *ColorSwitchImpl {
	return &ColorSwitchImpl{Base: base, components: make(map[byte]byte)}
}

func (c *ColorSwitchImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Color", Type: host.FieldString, Access: c.Access})
}

func (c *ColorSwitchImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassColorSwitch || cmdID != colorCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 2 {
		return Unhandled
	}
	c.components[cc[0]] = cc[1]
	c.NotePollSuccess(timeNow())
	if c.Owner != nil {
		c.Owner.ImplValueChanged(c.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (c *ColorSwitchImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	m := c.Owner.NewOutbound(protocol.ClassColorSwitch, colorCmdSet, 0, 3+2*len(c.components), protocol.PriorityCommand)
	_ = m.StartCounter()
	for comp, val := range c.components {
		_ = m.AppendByte(comp)
		_ = m.AppendByte(val)
	}
	_ = m.EndCounter()
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(c.FreqListener, c.Secure, false)
	c.Owner.Submit(m)
	return HandledValue
}

// ThermostatModeImpl implements ThermostatMode (0x40): a small enum.
type ThermostatModeImpl struct {
	Base
	mode byte
	set  bool
}

func NewThermostatMode(base Base) *ThermostatModeImpl { return &ThermostatModeImpl{Base: base} }

func (t *ThermostatModeImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Mode", Type: host.FieldString, Access: t.Access})
}

func (t *ThermostatModeImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassThermostatMode || cmdID != cmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 1 {
		return Unhandled
	}
	t.mode = cc[0] & 0x1F
	t.set = true
	t.NotePollSuccess(timeNow())
	if t.Owner != nil {
		t.Owner.ImplValueChanged(t.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (t *ThermostatModeImpl) SendValueQuery() {
	m := t.Owner.NewOutbound(protocol.ClassThermostatMode, cmdGet, cmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(t.FreqListener, t.Secure, false)
	t.Owner.Submit(m)
}

const thermostatModeCmdSet byte = 0x01

func (t *ThermostatModeImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	mode := byte(v.Card) & 0x1F
	m := t.Owner.NewOutbound(protocol.ClassThermostatMode, thermostatModeCmdSet, 0, 3, protocol.PriorityCommand)
	_ = m.AppendByte(mode)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(t.FreqListener, t.Secure, false)
	t.Owner.Submit(m)
	t.mode = mode
	t.set = true
	return HandledValue
}

// ThermostatSetPointImpl implements ThermostatSetPoint (0x43): a
// per-setpoint-type (low/high) floating value, same wire shape as
// MultiLevelSensor's level byte.
type ThermostatSetPointImpl struct {
	Base
	setpointType byte
	value        float64
	set          bool
}

func NewThermostatSetPoint(base Base, setpointType byte) *ThermostatSetPointImpl {
	return &ThermostatSetPointImpl{Base: base, setpointType: setpointType}
}

func (t *ThermostatSetPointImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: fmt.Sprintf("SetPoint%d", t.setpointType), Type: host.FieldFloat, Access: t.Access})
}

const thermostatSetPointCmdSet byte = 0x01

func (t *ThermostatSetPointImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassThermostatSetPoint || cmdID != cmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 3 || cc[0] != t.setpointType {
		return Unhandled
	}
	precision, _, size := decodeLevelByte(cc[1])
	if len(cc) < 2+int(size) {
		return Unhandled
	}
	raw := decodeSignedBigEndian(cc[2 : 2+int(size)])
	t.value = float64(raw) / pow10(precision)
	t.set = true
	t.NotePollSuccess(timeNow())
	if t.Owner != nil {
		t.Owner.ImplValueChanged(t.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (t *ThermostatSetPointImpl) SendValueQuery() {
	m := t.Owner.NewOutbound(protocol.ClassThermostatSetPoint, cmdGet, cmdReport, 3, protocol.PriorityQuery)
	_ = m.AppendByte(t.setpointType)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(t.FreqListener, t.Secure, false)
	t.Owner.Submit(m)
}

func (t *ThermostatSetPointImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	m := t.Owner.NewOutbound(protocol.ClassThermostatSetPoint, thermostatSetPointCmdSet, 0, 6, protocol.PriorityCommand)
	_ = m.AppendByte(t.setpointType)
	_ = m.AppendByte(0x22) // precision=1, scale=0, size=2
	hi := int16(v.Float * 10)
	_ = m.AppendByte(byte(hi >> 8))
	_ = m.AppendByte(byte(hi))
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(t.FreqListener, t.Secure, false)
	t.Owner.Submit(m)
	return HandledValue
}

// DoorLockImpl implements DoorLock (0x62).
type DoorLockImpl struct {
	Base
	locked bool
	set    bool
}

const (
	doorLockCmdSet    byte = 0x01
	doorLockCmdGet    byte = 0x02
	doorLockCmdReport byte = 0x03
)

func NewDoorLock(base Base) *DoorLockImpl { return &DoorLockImpl{Base: base} }

func (d *DoorLockImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Locked", Type: host.FieldBool, Access: d.Access})
}

func (d *DoorLockImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassDoorLock || cmdID != doorLockCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 1 {
		return Unhandled
	}
	d.locked = cc[0] == 0xFF
	d.set = true
	d.NotePollSuccess(timeNow())
	if d.Owner != nil {
		d.Owner.ImplValueChanged(d.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (d *DoorLockImpl) SendValueQuery() {
	m := d.Owner.NewOutbound(protocol.ClassDoorLock, doorLockCmdGet, doorLockCmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(d.FreqListener, d.Secure, false)
	d.Owner.Submit(m)
}

func (d *DoorLockImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	val := byte(0)
	if v.Bool {
		val = 0xFF
	}
	m := d.Owner.NewOutbound(protocol.ClassDoorLock, doorLockCmdSet, 0, 3, protocol.PriorityCommand)
	_ = m.AppendByte(val)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(d.FreqListener, d.Secure, false)
	d.Owner.Submit(m)
	return HandledValue
}

// ConfigurationImpl implements Configuration (0x70): parameter number →
// signed integer value, used by auto-config and host-driven tuning.
type ConfigurationImpl struct {
	Base
	values map[byte]int32
}

const (
	configCmdSet    byte = 0x04
	configCmdGet    byte = 0x05
	configCmdReport byte = 0x06
)

func NewConfiguration(base Base) *ConfigurationImpl {
	return &ConfigurationImpl{Base: base, values: make(map[byte]int32)}
}

func (c *ConfigurationImpl) DeclareFields(into *[]host.FieldDef) {}

func (c *ConfigurationImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassConfiguration || cmdID != configCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 3 {
		return Unhandled
	}
	param := cc[0]
	size := cc[1] & 0x07
	if len(cc) < int(2+size) {
		return Unhandled
	}
	c.values[param] = int32(decodeSignedBigEndian(cc[2 : 2+int(size)]))
	return HandledValue
}

// SetParameter builds and submits a Configuration Set for param, per the
// auto-config `<CfgParm>` directives applied on initial bind.
func (c *ConfigurationImpl) SetParameter(param byte, value int32, size byte) {
	m := c.Owner.NewOutbound(protocol.ClassConfiguration, configCmdSet, 0, int(4+size), protocol.PriorityCommand)
	_ = m.AppendByte(param)
	_ = m.AppendByte(size)
	for i := int(size) - 1; i >= 0; i-- {
		_ = m.AppendByte(byte(value >> (8 * uint(i))))
	}
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(c.FreqListener, c.Secure, false)
	c.Owner.Submit(m)
}

// NotificationImpl implements Notification (0x71): a report's event byte
// is matched against the OnEvents/OffEvents code sets. ParseExtraInfo
// reads only NIdType and EvType; NotID, OnEvents and OffEvents are not
// filled from extra-info, so they stay empty unless set on the struct,
// and a report whose event is in neither set is Unhandled.
type NotificationImpl struct {
	Base
	NotID     byte
	NIDType   string
	EvType    string
	OffEvents []byte
	OnEvents  []byte
	active    bool
	userCode  string
}

const notificationCmdReport byte = 0x05

func NewNotification(base Base) *NotificationImpl { return &NotificationImpl{Base: base} }

func (n *NotificationImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Notification", Type: host.FieldBool, Access: n.Access})
}

func (n *NotificationImpl) ParseExtraInfo(kv map[string]string) error {
	if v, ok := kv["NIdType"]; ok {
		n.NIDType = v
	}
	if v, ok := kv["EvType"]; ok {
		n.EvType = v
	}
	return nil
}

func (n *NotificationImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassNotification || cmdID != notificationCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 7 {
		return Unhandled
	}
	event := cc[5]
	isOn := containsByte(n.OnEvents, event)
	isOff := containsByte(n.OffEvents, event)
	if !isOn && !isOff {
		return Unhandled
	}
	n.active = isOn
	if len(cc) > 7 && cc[6] > 0 {
		n.userCode = fmt.Sprintf("%x", cc[7:7+int(cc[6])])
	}
	n.NotePollSuccess(timeNow())
	if n.Owner != nil {
		n.Owner.ImplValueChanged(n.Impl, SourceUnit, false)
	}
	return HandledValue
}

func containsByte(hay []byte, b byte) bool {
	for _, x := range hay {
		if x == b {
			return true
		}
	}
	return false
}

// ManufacturerSpecificImpl implements ManufacturerSpecific (0x72): a
// one-shot identity read used to resolve the device-info catalog key.
type ManufacturerSpecificImpl struct {
	Base
	ManufacturerID uint16
	ProductType    uint16
	ProductID      uint16
	set            bool
}

const (
	mfgSpecificCmdGet    byte = 0x04
	mfgSpecificCmdReport byte = 0x05
)

func NewManufacturerSpecific(base Base) *ManufacturerSpecificImpl {
	return &ManufacturerSpecificImpl{Base: base}
}

func (m *ManufacturerSpecificImpl) DeclareFields(into *[]host.FieldDef) {}

func (m *ManufacturerSpecificImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassManufacturerSpecific || cmdID != mfgSpecificCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 6 {
		return Unhandled
	}
	m.ManufacturerID = uint16(cc[0])<<8 | uint16(cc[1])
	m.ProductType = uint16(cc[2])<<8 | uint16(cc[3])
	m.ProductID = uint16(cc[4])<<8 | uint16(cc[5])
	m.set = true
	return HandledValue
}

func (m *ManufacturerSpecificImpl) SendValueQuery() {
	om := m.Owner.NewOutbound(protocol.ClassManufacturerSpecific, mfgSpecificCmdGet, mfgSpecificCmdReport, 2, protocol.PriorityQuery)
	_ = om.AppendTransOpts(true)
	_ = om.AppendCallback(false)
	_ = om.Finalize(m.FreqListener, m.Secure, false)
	m.Owner.Submit(om)
}

// NodeNamingImpl implements NodeNaming (0x77): a free-form device name.
type NodeNamingImpl struct {
	Base
	name string
}

const (
	nodeNamingCmdSet    byte = 0x01
	nodeNamingCmdGet    byte = 0x02
	nodeNamingCmdReport byte = 0x03
)

func NewNodeNaming(base Base) *NodeNamingImpl { return &NodeNamingImpl{Base: base} }

func (n *NodeNamingImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Name", Type: host.FieldString, Access: n.Access})
}

func (n *NodeNamingImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassNodeNaming || cmdID != nodeNamingCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 2 {
		return Unhandled
	}
	n.name = string(cc[2:])
	return HandledValue
}

func (n *NodeNamingImpl) OnFieldWritten(fieldID host.FieldID, v host.FieldValue) CommResult {
	m := n.Owner.NewOutbound(protocol.ClassNodeNaming, nodeNamingCmdSet, 0, 4+len(v.String), protocol.PriorityCommand)
	_ = m.AppendByte(0) // char presentation: ASCII
	_ = m.AppendByte(0)
	_ = m.AppendBytes([]byte(v.String), len(v.String))
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(n.FreqListener, n.Secure, false)
	n.Owner.Submit(m)
	n.name = v.String
	return HandledValue
}

// BatteryImpl implements Battery (0x80): a percent-charged read, with a
// read-accessibility policy from extra-info (Read, Wakeup, or Notify).
type BatteryImpl struct {
	Base
	percent int
	set     bool
	ReadAcc string
}

const batteryCmdReport byte = 0x03

func NewBattery(base Base) *BatteryImpl { return &BatteryImpl{Base: base} }

func (b *BatteryImpl) DeclareFields(into *[]host.FieldDef) {
	*into = append(*into, host.FieldDef{Name: "Battery", Type: host.FieldCard, Access: b.Access, Min: 0, Max: 100, Limited: true})
}

func (b *BatteryImpl) ParseExtraInfo(kv map[string]string) error {
	if v, ok := kv["ReadAcc"]; ok {
		b.ReadAcc = v
	}
	return nil
}

func (b *BatteryImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassBattery || cmdID != batteryCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 1 {
		return Unhandled
	}
	if cc[0] == 0xFF {
		b.percent = 0
	} else {
		b.percent = int(cc[0])
	}
	b.set = true
	b.NotePollSuccess(timeNow())
	if b.Owner != nil {
		b.Owner.ImplValueChanged(b.Impl, SourceUnit, false)
	}
	return HandledValue
}

func (b *BatteryImpl) SendValueQuery() {
	if b.ReadAcc == "Wakeup" {
		return
	}
	m := b.Owner.NewOutbound(protocol.ClassBattery, cmdGet, batteryCmdReport, 2, protocol.PriorityQuery)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(b.FreqListener, b.Secure, false)
	b.Owner.Submit(m)
}

// WakeupImpl implements Wakeup (0x84): tracks the interval and exposes
// the "no more information" close-out the scheduler needs.
type WakeupImpl struct {
	Base
	IntervalSecs uint32
}

func NewWakeup(base Base) *WakeupImpl { return &WakeupImpl{Base: base} }

func (w *WakeupImpl) DeclareFields(into *[]host.FieldDef) {}

func (w *WakeupImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassWakeup || cmdID != protocol.CmdWakeupNotification {
		return Unhandled
	}
	return HandledNoValue
}

// SendNoMoreInformation builds the Wakeup No More Information message
// the scheduler sends once a sleeper's pending queue drains (spec.md
// §4.5).
func (w *WakeupImpl) SendNoMoreInformation() *message.Outbound {
	m := w.Owner.NewOutbound(protocol.ClassWakeup, protocol.CmdWakeupNoMoreInformation, 0, 2, protocol.PriorityAsync)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(true)
	_ = m.Finalize(w.FreqListener, w.Secure, false)
	return m
}

// AssociationImpl implements Association (0x85) and, with
// multiChannel=true, MultiChannelAssociation (0x8E) — used by auto-config
// `<Grp>` directives to bind groups back to the controller.
type AssociationImpl struct {
	Base
	multiChannel bool
	groups       map[byte][]byte
}

const (
	assocCmdSet byte = 0x01
	assocCmdGet byte = 0x02
)

func NewAssociation(base Base, multiChannel bool) *AssociationImpl {
	return &AssociationImpl{Base: base, multiChannel: multiChannel, groups: make(map[byte][]byte)}
}

func (a *AssociationImpl) DeclareFields(into *[]host.FieldDef) {}

func (a *AssociationImpl) classID() byte {
	if a.multiChannel {
		return protocol.ClassMultiChannelAssociation
	}
	return protocol.ClassAssociation
}

// Bind builds an Association Set adding nodeID (typically the controller
// itself) to groupID, for the auto-config `<Grp>` directive.
func (a *AssociationImpl) Bind(groupID byte, nodeID byte) {
	m := a.Owner.NewOutbound(a.classID(), assocCmdSet, 0, 4, protocol.PriorityCommand)
	_ = m.AppendByte(groupID)
	_ = m.AppendByte(nodeID)
	_ = m.AppendTransOpts(true)
	_ = m.AppendCallback(false)
	_ = m.Finalize(a.FreqListener, a.Secure, false)
	a.Owner.Submit(m)
	a.groups[groupID] = append(a.groups[groupID], nodeID)
}

// VersionImpl implements Version (0x86): per-CC version negotiation
// (supplemented feature, see SPEC_FULL.md §11).
type VersionImpl struct {
	Base
	LibraryType byte
	ProtocolVersion byte
	AppVersion byte
}

const versionCmdReport byte = 0x12

func NewVersion(base Base) *VersionImpl { return &VersionImpl{Base: base} }

func (v *VersionImpl) DeclareFields(into *[]host.FieldDef) {}

func (v *VersionImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassVersion || cmdID != versionCmdReport {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 3 {
		return Unhandled
	}
	v.LibraryType, v.ProtocolVersion, v.AppVersion = cc[0], cc[1], cc[2]
	return HandledValue
}

// SceneActivationImpl implements SceneActivation (0x2B): no host field,
// fires a UserAction trigger on Scene Set (spec.md §4.8).
type SceneActivationImpl struct {
	Base
	lastScene    byte
	fireOnChangeOnly bool
}

const sceneActivationCmdSet byte = 0x01

func NewSceneActivation(base Base, fireOnChangeOnly bool) *SceneActivationImpl {
	return &SceneActivationImpl{Base: base, fireOnChangeOnly: fireOnChangeOnly}
}

func (s *SceneActivationImpl) DeclareFields(into *[]host.FieldDef) {}

func (s *SceneActivationImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassSceneActivation || cmdID != sceneActivationCmdSet {
		return Unhandled
	}
	cc := in.CCBytes()
	if len(cc) < 1 || cc[0] == 0 {
		return Unhandled
	}
	if s.fireOnChangeOnly && cc[0] == s.lastScene {
		return HandledNoValue
	}
	s.lastScene = cc[0]
	return HandledValue
}

func (s *SceneActivationImpl) LastScene() byte { return s.lastScene }

// SecurityImpl implements Security (0x98) control-plane commands at the
// CC-impl layer: version report and scheme support, distinct from the
// encrypt/decrypt data plane owned by pkgs/zwave/security.
type SecurityImpl struct {
	Base
	Supported []byte
}

const securityCmdSupportedReport byte = 0x03

func NewSecurity(base Base) *SecurityImpl { return &SecurityImpl{Base: base} }

func (s *SecurityImpl) DeclareFields(into *[]host.FieldDef) {}

func (s *SecurityImpl) HandleCCMsg(classID, cmdID byte, in *message.Inbound) CommResult {
	if classID != protocol.ClassSecurity || cmdID != securityCmdSupportedReport {
		return Unhandled
	}
	s.Supported = append([]byte(nil), in.CCBytes()...)
	return HandledValue
}

// timeNow is overridable for tests that need deterministic poll timing.
var timeNow = time.Now
