// Package message implements the outbound Z-Wave command-class message
// builder and the decoded inbound message shape (spec.md §4.4 / §4.3).
package message

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/keskad/zwctl/pkgs/zwave/protocol"
)

// State is the lifecycle state of an Outbound message (spec.md §3).
type State int

const (
	StateWorking State = iota
	StateWaitEncrypt
	StateReadyToSend
)

const maxCounterDepth = 4

var (
	ErrNotWorking      = errors.New("message: append not legal outside Working state")
	ErrUnbalancedCount = errors.New("message: start_counter/end_counter unbalanced")
	ErrCounterDepth    = errors.New("message: counter stack exceeds max depth")
	ErrAlreadyFinal    = errors.New("message: finalize is one-way")
	ErrEncapOrder      = errors.New("message: end_point_encap requires a finalized, unencrypted message")
	ErrEncryptState    = errors.New("message: encrypt is only legal in WaitEncrypt")
	ErrCallbackTaken   = errors.New("message: callback slot already reserved")
)

// idGen mints process-global callback ids (1..254, cycling) and ack ids
// (monotonic uint32), guarded by one mutex. Mirrors the original driver's
// static TCriticalSection-protected counters in ZWaveUSB3Sh_OutMsg.cpp.
type idGen struct {
	mu        sync.Mutex
	nextCB    byte
	nextAck   uint32
}

var globalIDs = &idGen{nextCB: 1, nextAck: 1}

func (g *idGen) nextCallbackID() byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextCB
	g.nextCB++
	if g.nextCB == 0 || g.nextCB == 0xFF {
		g.nextCB = 1
	}
	return id
}

func (g *idGen) nextAckID() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextAck
	g.nextAck++
	if g.nextAck == 0 {
		g.nextAck = 1
	}
	return id
}

// Outbound is a building-block message under construction: a raw byte
// buffer plus the bookkeeping spec.md §3 "Outbound message" names.
type Outbound struct {
	buf []byte

	msgType      protocol.MsgType
	funcID       byte
	targetID     byte
	ccClass      byte
	ccCmd        byte
	replyClass   byte
	replyCmd     byte

	callbackOfs  int // -1 if not reserved
	transOptsOfs int // -1 if not appended

	priority    protocol.Priority
	state       State
	secure      bool
	reqNonce    bool
	freqListener bool

	ackID     uint32
	sendCost  int
	sendCount int

	counterStack []int // offsets of pending start_counter calls

	// orig holds the pre-encryption copy, set by MarkEncrypted.
	orig *Outbound
}

// New allocates an Outbound with its ack id assigned, matching the
// original's "ack-id attached at construction" rule (spec.md §3).
func New() *Outbound {
	return &Outbound{
		callbackOfs:  -1,
		transOptsOfs: -1,
		ackID:        globalIDs.nextAckID(),
		state:        StateWorking,
	}
}

// AckID returns the monotonic correlation id assigned at construction.
func (m *Outbound) AckID() uint32 { return m.ackID }

// Priority returns the scheduler priority this message was reset with.
func (m *Outbound) Priority() protocol.Priority { return m.priority }

// State returns the current lifecycle state.
func (m *Outbound) State() State { return m.state }

// Secure reports whether this message must be encrypted before send.
func (m *Outbound) Secure() bool { return m.secure }

// FreqListener reports whether the scheduler should use a beam-style wait.
func (m *Outbound) FreqListener() bool { return m.freqListener }

// ReplyExpectation returns the (class, cmd) the scheduler should wait for,
// or (0,0) if this message expects no specific CC reply.
func (m *Outbound) ReplyExpectation() (class, cmd byte) { return m.replyClass, m.replyCmd }

// TargetID returns the destination node id.
func (m *Outbound) TargetID() byte { return m.targetID }

// CCClassCmd returns the command-class id and command id this message
// carries.
func (m *Outbound) CCClassCmd() (class, cmd byte) { return m.ccClass, m.ccCmd }

// CCPayload returns the command-class payload bytes, excluding the
// class/cmd bytes themselves, per the byte count recorded at byte[4].
func (m *Outbound) CCPayload() []byte {
	if len(m.buf) < 7 {
		return nil
	}
	n := int(m.buf[4]) - 2
	if n <= 0 {
		return nil
	}
	end := 7 + n
	if end > len(m.buf) {
		end = len(m.buf)
	}
	return m.buf[7:end]
}

// Bytes returns the current raw buffer (read-only view; callers must not
// mutate the returned slice).
func (m *Outbound) Bytes() []byte { return m.buf }

// resetCommon lays down the shared header all four Reset overloads share:
// [0=len-placeholder | 1=type | 2=funcID]. Matches byte offsets captured
// from ZWaveUSB3Sh_OutMsg.cpp::Reset.
func (m *Outbound) resetCommon(msgType protocol.MsgType, funcID byte) {
	m.buf = make([]byte, 0, 32)
	m.buf = append(m.buf, 0, typeByte(msgType), funcID)
	m.msgType = msgType
	m.funcID = funcID
	m.callbackOfs = -1
	m.transOptsOfs = -1
	m.state = StateWorking
	m.counterStack = m.counterStack[:0]
}

func typeByte(t protocol.MsgType) byte {
	if t == protocol.MsgResponse {
		return protocol.TypeResponse
	}
	return protocol.TypeRequest
}

// Reset begins a bare, non-CC request (e.g. MEMORY_GET_ID) with no target.
func (m *Outbound) Reset(funcID byte, priority protocol.Priority) {
	m.resetCommon(protocol.MsgRequest, funcID)
	m.priority = priority
}

// ResetTarget begins a bare request addressed to a target node but
// carrying no command-class payload (e.g. REQUEST_NODE_INFO).
func (m *Outbound) ResetTarget(targetID, funcID byte, priority protocol.Priority) {
	m.resetCommon(protocol.MsgRequest, funcID)
	m.targetID = targetID
	m.buf = append(m.buf, targetID)
	m.priority = priority
}

// ResetCC begins a CC request whose expected reply reuses the same class
// (spec.md §4.4 first `reset` overload). A replyCmd of 0 means no CC
// reply is expected, and ReplyExpectation then reports (0,0).
func (m *Outbound) ResetCC(targetID, class, cmd, replyCmd byte, ccByteCount int, priority protocol.Priority) {
	replyClass := class
	if replyCmd == 0 {
		replyClass = 0
	}
	m.ResetCCReply(targetID, class, cmd, replyClass, replyCmd, ccByteCount, priority)
}

// ResetCCReply begins a CC request whose expected reply uses a different
// class (spec.md §4.4 second `reset` overload). Both overloads write
// FUNC_ID_ZW_SEND_DATA as msgId and FUNC_ID_APPLICATION_COMMAND_HANDLER as
// the expected reply msgId, per ZWaveUSB3Sh_OutMsg.cpp::Reset.
func (m *Outbound) ResetCCReply(targetID, class, cmd, replyClass, replyCmd byte, ccByteCount int, priority protocol.Priority) {
	m.resetCommon(protocol.MsgRequest, protocol.FuncSendData)
	m.targetID = targetID
	m.ccClass = class
	m.ccCmd = cmd
	m.replyClass = replyClass
	m.replyCmd = replyCmd
	m.priority = priority
	// byte[3]=targetID, byte[4]=CC byte count, byte[5]=class, byte[6]=cmd
	m.buf = append(m.buf, targetID, byte(ccByteCount), class, cmd)
}

// AppendByte appends a single byte; legal only in Working state.
func (m *Outbound) AppendByte(b byte) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	m.buf = append(m.buf, b)
	return nil
}

// AppendBytes appends n bytes from buf; legal only in Working state.
func (m *Outbound) AppendBytes(buf []byte, n int) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	m.buf = append(m.buf, buf[:n]...)
	return nil
}

// AppendUint16LE appends a little-endian uint16, the teacher's packet-
// building idiom (binary.LittleEndian.PutUint16 into a growing buffer).
func (m *Outbound) AppendUint16LE(v uint16) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	m.buf = append(m.buf, tmp[:]...)
	return nil
}

// StartCounter pushes the current buffer length onto the counter stack, to
// be backpatched by EndCounter once the run's length is known.
func (m *Outbound) StartCounter() error {
	if len(m.counterStack) >= maxCounterDepth {
		return ErrCounterDepth
	}
	m.counterStack = append(m.counterStack, len(m.buf))
	// Reserve the count byte itself.
	m.buf = append(m.buf, 0)
	return nil
}

// EndCounter pops the matching StartCounter offset and backpatches the
// byte count of everything appended since (spec.md §4.4).
func (m *Outbound) EndCounter() error {
	n := len(m.counterStack)
	if n == 0 {
		return ErrUnbalancedCount
	}
	ofs := m.counterStack[n-1]
	m.counterStack = m.counterStack[:n-1]
	delta := len(m.buf) - ofs - 1
	m.buf[ofs] = byte(delta)
	return nil
}

// AppendTransOpts sets the transmit-options byte to the original driver's
// unconditional ACK|AUTO_ROUTE|EXPLORE combination, ignoring receiptAck —
// this matches the shipped ZWaveUSB3Sh_OutMsg.cpp::AppendTransOpts, whose
// `if (bReceiptAck)` guard is commented out in the original source. See
// DESIGN.md "AppendTransOpts ACK-bit bug" for why this is preserved rather
// than silently corrected.
func (m *Outbound) AppendTransOpts(receiptAck bool) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	m.transOptsOfs = len(m.buf)
	m.buf = append(m.buf, protocol.DefaultTransmitOptions)
	return nil
}

// AppendTransOptsHonored sets the transmit-options byte actually honoring
// receiptAck, for callers that want the behavior the parameter name
// implies rather than the shipped driver's always-on quirk.
func (m *Outbound) AppendTransOptsHonored(receiptAck bool) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	opts := protocol.TransmitOptionAutoRoute | protocol.TransmitOptionExplore
	if receiptAck {
		opts |= protocol.TransmitOptionACK
	}
	m.transOptsOfs = len(m.buf)
	m.buf = append(m.buf, opts)
	return nil
}

// AppendCallback reserves the next callback id (0xFF if nonBlocking) at
// the current offset. Exactly one callback slot is legal per CC message.
func (m *Outbound) AppendCallback(nonBlocking bool) error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	if m.callbackOfs >= 0 {
		return ErrCallbackTaken
	}
	m.callbackOfs = len(m.buf)
	if nonBlocking {
		m.buf = append(m.buf, 0xFF)
	} else {
		m.buf = append(m.buf, globalIDs.nextCallbackID())
	}
	return nil
}

// AppendNullCallback writes 0 at the callback slot: the message requires a
// callback byte but no actual correlation is wanted.
func (m *Outbound) AppendNullCallback() error {
	if m.state != StateWorking {
		return ErrNotWorking
	}
	if m.callbackOfs >= 0 {
		return ErrCallbackTaken
	}
	m.callbackOfs = len(m.buf)
	m.buf = append(m.buf, 0)
	return nil
}

// CallbackID returns the byte written at the callback slot, or -1 if no
// slot has been reserved yet.
func (m *Outbound) CallbackID() int {
	if m.callbackOfs < 0 {
		return -1
	}
	return int(m.buf[m.callbackOfs])
}

// EndPointEncap splices a Multi-Channel V2 encapsulation header in after
// byte 4, per spec.md §4.4. May be called only once, after Finalize and
// before Encrypt.
func (m *Outbound) EndPointEncap(srcEP, tarEP byte) error {
	if m.state == StateWorking {
		return ErrEncapOrder
	}
	if len(m.buf) < 7 {
		return ErrEncapOrder
	}
	ins := []byte{protocol.ClassMultiChannelV2, protocol.CmdMultiChannelEncapV2, srcEP, tarEP}
	out := make([]byte, 0, len(m.buf)+len(ins))
	out = append(out, m.buf[:5]...)
	out = append(out, ins...)
	out = append(out, m.buf[5:]...)
	m.buf = out

	if m.callbackOfs >= 5 {
		m.callbackOfs += len(ins)
	}
	if m.transOptsOfs >= 5 {
		m.transOptsOfs += len(ins)
	}
	// byte[4] is the CC byte count; bump it by the spliced length.
	m.buf[4] += byte(len(ins))
	// byte[0] is the total length; bump it too.
	m.buf[0] += byte(len(ins))
	// The Multi-Channel Encap header is now the outer command class;
	// CCClassCmd/CCPayload (and security.EncryptMessage) must see it,
	// not the encapsulated command underneath.
	m.ccClass = protocol.ClassMultiChannelV2
	m.ccCmd = protocol.CmdMultiChannelEncapV2
	return nil
}

// Finalize writes the LEN byte and transitions to WaitEncrypt (if secure)
// or ReadyToSend. One-way: calling it twice is an error.
func (m *Outbound) Finalize(freqListener, secure, reqNonce bool) error {
	if m.state != StateWorking {
		return ErrAlreadyFinal
	}
	if len(m.counterStack) != 0 {
		return ErrUnbalancedCount
	}
	m.freqListener = freqListener
	m.secure = secure
	m.reqNonce = reqNonce
	// LEN counts TYPE through CHECKSUM: the buffer minus the LEN byte,
	// plus the checksum frame.Encode appends.
	m.buf[0] = byte(len(m.buf))
	if secure {
		m.state = StateWaitEncrypt
	} else {
		m.state = StateReadyToSend
	}
	return nil
}

// MarkEncrypted rewrites a WaitEncrypt message in place as a Security
// Message Encap envelope wrapping secBody (the security engine's
// IV|cipherText|nonceId|MAC output), saving the pre-encryption copy as
// Original(). Called by pkgs/zwave/security, not by callers directly.
func (m *Outbound) MarkEncrypted(secBody []byte) error {
	if m.state != StateWaitEncrypt {
		return ErrEncryptState
	}
	var callbackByte byte
	hadCallback := m.callbackOfs >= 0
	if hadCallback {
		callbackByte = m.buf[m.callbackOfs]
	}
	var transOptsByte byte
	hadTransOpts := m.transOptsOfs >= 0
	if hadTransOpts {
		transOptsByte = m.buf[m.transOptsOfs]
	}

	origCopy := *m
	origCopy.orig = nil
	m.orig = &origCopy

	targetID := origCopy.targetID
	m.resetCommon(protocol.MsgRequest, protocol.FuncSendData)
	m.targetID = targetID
	m.ccClass = protocol.ClassSecurity
	m.ccCmd = protocol.CmdSecurityMessageEncap
	m.replyClass = origCopy.replyClass
	m.replyCmd = origCopy.replyCmd
	m.priority = origCopy.priority
	m.freqListener = origCopy.freqListener

	ccByteCount := 2 + len(secBody)
	m.buf = append(m.buf, targetID, byte(ccByteCount), m.ccClass, m.ccCmd)
	m.buf = append(m.buf, secBody...)

	if hadTransOpts {
		m.transOptsOfs = len(m.buf)
		m.buf = append(m.buf, transOptsByte)
	}
	if hadCallback {
		m.callbackOfs = len(m.buf)
		m.buf = append(m.buf, callbackByte)
	}

	m.secure = false
	m.reqNonce = false
	m.buf[0] = byte(len(m.buf))
	m.state = StateReadyToSend
	return nil
}

// Original returns the saved pre-encryption copy, or nil if this message
// was never encrypted.
func (m *Outbound) Original() *Outbound { return m.orig }

// NewPing builds a zero-byte Basic/NoOperation probe used to test unit
// reachability without affecting any field state (supplemented from
// TZWOutMsg::MakePing in the original driver; spec.md does not name this
// operation but does not exclude it either).
func NewPing(targetID byte, priority protocol.Priority) (*Outbound, error) {
	m := New()
	m.ResetCC(targetID, protocol.ClassBasic, protocol.CmdNoOperation, protocol.CmdNoOperation, 2, priority)
	if err := m.AppendTransOpts(true); err != nil {
		return nil, err
	}
	if err := m.AppendCallback(false); err != nil {
		return nil, err
	}
	if err := m.Finalize(false, false, false); err != nil {
		return nil, err
	}
	return m, nil
}
