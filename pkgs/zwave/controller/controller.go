// Package controller wires the frame codec, serial I/O worker, security
// engine, transaction scheduler and unit model into a single runtime
// object, equivalent to the original driver's "ThisFacility" glue layer
// (spec.md §1/§2).
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/devinfo"
	"github.com/keskad/zwctl/pkgs/zwave/frame"
	"github.com/keskad/zwctl/pkgs/zwave/host"
	"github.com/keskad/zwctl/pkgs/zwave/message"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
	"github.com/keskad/zwctl/pkgs/zwave/scheduler"
	"github.com/keskad/zwctl/pkgs/zwave/security"
	"github.com/keskad/zwctl/pkgs/zwave/serialio"
	"github.com/keskad/zwctl/pkgs/zwave/unit"
)

// Config carries everything the controller needs to open the stick and
// come up (spec.md §6, SPEC_FULL.md §8 "Configuration").
type Config struct {
	SerialPort string
	NetworkKey []byte // 16 bytes; empty disables the security engine
	DevInfoIndexPath string
}

// Controller owns the serial link, scheduler and the bound units, and is
// the only type host applications interact with (spec.md §1 "external
// collaborators accessed only through interfaces").
type Controller struct {
	mu sync.Mutex

	cfg Config
	log logrus.FieldLogger

	port  serialio.Port
	link  *serialio.Link
	sched *scheduler.Scheduler
	sec   *security.Engine
	index *devinfo.Index

	nodeID byte // this controller's own Z-Wave node id, from MemoryGetID

	units map[byte]*unit.Unit

	fields      host.FieldRegistry
	fieldWriter host.FieldWriter
	triggers    host.TriggerSink
	configStore host.ConfigStore

	responseWaiters chan chan frame.Frame

	done chan struct{}
}

// New builds a Controller; call Start to open the port and bring the
// runtime up.
func New(cfg Config, fields host.FieldRegistry, fieldWriter host.FieldWriter, triggers host.TriggerSink, configStore host.ConfigStore, log logrus.FieldLogger) (*Controller, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Controller{
		cfg:             cfg,
		log:             log.WithField("component", "controller"),
		units:           make(map[byte]*unit.Unit),
		fields:          fields,
		fieldWriter:     fieldWriter,
		triggers:        triggers,
		configStore:     configStore,
		responseWaiters: make(chan chan frame.Frame, 1),
		done:            make(chan struct{}),
	}

	if len(cfg.NetworkKey) != 0 {
		sec, err := security.NewEngine(cfg.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("controller: network key: %w", err)
		}
		c.sec = sec
	}

	if cfg.DevInfoIndexPath != "" {
		idx, err := devinfo.LoadIndex(cfg.DevInfoIndexPath)
		if err != nil {
			return nil, fmt.Errorf("controller: device-info index: %w", err)
		}
		c.index = idx
	}

	return c, nil
}

// Start opens the serial port, starts the reader/writer goroutines and
// the scheduler, and queries the stick's own node id via MemoryGetID
// (spec.md §4.2/§6).
func (c *Controller) Start() error {
	port, err := serialio.Open(c.cfg.SerialPort)
	if err != nil {
		return fmt.Errorf("controller: opening serial port: %w", err)
	}
	c.port = port
	c.link = serialio.NewLink(port, c.log)
	c.sched = scheduler.New(c.link, c.log)
	c.sched.SetSecureRequester(c)

	go func() {
		if err := c.link.Run(); err != nil {
			c.log.WithError(err).Debug("serial link reader stopped")
		}
	}()
	go c.sched.Run()
	go c.dispatchLoop()

	if err := c.queryNodeID(); err != nil {
		return fmt.Errorf("controller: MemoryGetID: %w", err)
	}
	c.log.WithField("node_id", c.nodeID).Info("controller up")
	return nil
}

// Stop tears down the scheduler and closes the serial port.
func (c *Controller) Stop() error {
	close(c.done)
	if c.sched != nil {
		c.sched.Stop()
	}
	if c.link != nil {
		return c.link.Close()
	}
	return nil
}

// NodeID returns the controller's own Z-Wave node id, valid after Start.
func (c *Controller) NodeID() byte { return c.nodeID }

// queryNodeID sends FuncMemoryGetID and blocks for its Response frame.
func (c *Controller) queryNodeID() error {
	m := message.New()
	m.Reset(protocol.FuncMemoryGetID, protocol.PrioritySpecialCmd)
	if err := m.Finalize(false, false, false); err != nil {
		return err
	}

	resp, err := c.sendAwaitResponse(m.Bytes())
	if err != nil {
		return err
	}
	// Response payload: home-id (4 bytes) + this node's id (1 byte).
	if len(resp.Payload) < 5 {
		return fmt.Errorf("controller: MemoryGetID response too short (%d bytes)", len(resp.Payload))
	}
	c.nodeID = resp.Payload[4]
	return nil
}

// sendAwaitResponse writes finalized directly over the link (bypassing
// the scheduler, which only tracks CC-level TransAck/reply correlation)
// and blocks for the next Response-type frame, for the handful of
// startup-time API calls that have no callback id of their own.
func (c *Controller) sendAwaitResponse(finalized []byte) (*frame.Frame, error) {
	waiter := make(chan frame.Frame, 1)
	select {
	case c.responseWaiters <- waiter:
	default:
		return nil, fmt.Errorf("controller: a response wait is already outstanding")
	}
	defer func() {
		select {
		case <-c.responseWaiters:
		default:
		}
	}()

	if err := c.link.Send(finalized, false); err != nil {
		return nil, err
	}

	select {
	case f := <-waiter:
		return &f, nil
	case <-time.After(4 * time.Second):
		return nil, fmt.Errorf("controller: timed out waiting for response")
	}
}

// dispatchLoop consumes decoded frames from the link and routes them to
// the scheduler (TransAck/reply correlation) or to the owning unit
// (application command handling), per spec.md §4.3/§4.5.
func (c *Controller) dispatchLoop() {
	for ev := range c.link.Events() {
		f := ev.Frame
		if f.IsControl {
			continue
		}

		if f.Type == protocol.MsgResponse {
			select {
			case waiter := <-c.responseWaiters:
				waiter <- f
				continue
			default:
			}
		}

		switch f.FuncID {
		case protocol.FuncSendData, protocol.FuncSendDataMulti:
			c.handleSendDataCallback(f)
		case protocol.FuncApplicationCommandHandler:
			c.handleApplicationCommand(f)
		case protocol.FuncApplicationUpdate:
			c.log.Debug("application update received")
		}
	}
}

// handleSendDataCallback parses the asynchronous [callbackID, txStatus]
// request that follows a SendData call and resolves the scheduler's
// in-flight entry (spec.md §4.5 item 4).
func (c *Controller) handleSendDataCallback(f frame.Frame) {
	if f.Type != protocol.MsgRequest || len(f.Payload) < 2 {
		return
	}
	c.sched.OnTransAck(f.Payload[0], f.Payload[1])
}

// handleApplicationCommand parses an APPLICATION_COMMAND_HANDLER payload,
// strips Multi-Channel and Security encapsulation, and dispatches the
// inner command to the owning unit (spec.md §4.3, §4.4, §4.6).
func (c *Controller) handleApplicationCommand(f frame.Frame) {
	if len(f.Payload) < 3 {
		return
	}
	srcID := f.Payload[1]
	length := int(f.Payload[2])
	if len(f.Payload) < 3+length {
		return
	}
	cc := f.Payload[3 : 3+length]

	in := &message.Inbound{Type: f.Type, FuncID: f.FuncID, Payload: cc, Received: time.Now(), SrcID: srcID}
	in = c.stripEncapsulation(in)
	if in == nil {
		return
	}

	c.sched.OnReply(srcID, in.CommandClass(), in.Command())

	c.mu.Lock()
	u, ok := c.units[srcID]
	c.mu.Unlock()
	if !ok {
		c.log.WithField("node_id", srcID).Debug("application command from unbound unit")
		return
	}

	if in.CommandClass() == protocol.ClassWakeup && in.Command() == protocol.CmdWakeupNotification {
		c.onUnitWakeup(u)
		return
	}

	u.HandleInbound(in)
}

// stripEncapsulation peels Multi-Channel V2 and Security encapsulation
// off an inbound frame, returning the innermost command-class payload.
// A Security Nonce Get request is answered directly and consumes the
// frame (returns nil).
func (c *Controller) stripEncapsulation(in *message.Inbound) *message.Inbound {
	for {
		class, cmd := in.CommandClass(), in.Command()

		if class == protocol.ClassMultiChannel && cmd == protocol.CmdMultiChannelEncap {
			body := in.CCBytes()
			if len(body) < 2 {
				return nil
			}
			in = &message.Inbound{
				Type: in.Type, FuncID: in.FuncID, Received: in.Received, SrcID: in.SrcID,
				MultiChannel: true, SrcEP: body[0], TarEP: body[1],
				Payload: body[2:], WasSecure: in.WasSecure,
			}
			continue
		}

		if class == protocol.ClassSecurity && cmd == protocol.CmdSecurityNonceGet {
			c.replyNonceReport(in.SrcID)
			return nil
		}

		if class == protocol.ClassSecurity && cmd == protocol.CmdSecurityNonceReport {
			c.onNonceReport(in.SrcID, in.CCBytes())
			return nil
		}

		if class == protocol.ClassSecurity && cmd == protocol.CmdSecurityMessageEncap {
			sec := c.secEngine()
			if sec == nil {
				c.log.WithField("node_id", in.SrcID).Warn("received secure frame with no network key configured")
				return nil
			}
			plain, err := sec.Decrypt(cmd, in.SrcID, c.nodeID, in.CCBytes())
			if err != nil {
				c.log.WithError(err).WithField("node_id", in.SrcID).Warn("security decrypt failed")
				return nil
			}
			orig := in
			in = &message.Inbound{
				Type: orig.Type, FuncID: orig.FuncID, Received: orig.Received, SrcID: orig.SrcID,
				MultiChannel: orig.MultiChannel, SrcEP: orig.SrcEP, TarEP: orig.TarEP,
				Payload: plain, WasSecure: true, Orig: orig,
			}
			continue
		}

		return in
	}
}

// replyNonceReport answers a Security Nonce Get with a freshly issued
// nonce (spec.md §4.6).
func (c *Controller) replyNonceReport(remoteID byte) {
	sec := c.secEngine()
	if sec == nil {
		return
	}
	nonce, _, err := sec.IssueNonce(remoteID)
	if err != nil {
		c.log.WithError(err).WithField("node_id", remoteID).Warn("cannot issue nonce")
		return
	}
	m := message.New()
	m.ResetCC(remoteID, protocol.ClassSecurity, protocol.CmdSecurityNonceReport, 0, 2+len(nonce), protocol.PrioritySpecialCmd)
	_ = m.AppendBytes(nonce[:], len(nonce))
	_ = m.AppendTransOpts(true)
	_ = m.AppendNullCallback()
	if err := m.Finalize(false, false, false); err != nil {
		c.log.WithError(err).Warn("cannot finalize nonce report")
		return
	}
	c.sched.Submit(m)
}

// onNonceReport completes one leg of the secure-send handshake: a node we
// asked for a nonce answered, so hand its parked message to the security
// engine and resubmit it encrypted (spec.md §4.6). The nonce's own first
// byte stands in for a wire-transmitted nonce identifier, since Nonce
// Report carries only the 8 raw nonce bytes (see DESIGN.md "nonce
// identifier convention").
func (c *Controller) onNonceReport(srcID byte, nonceBytes []byte) {
	sec := c.secEngine()
	if sec == nil || len(nonceBytes) < 8 {
		return
	}
	m, done, ok := c.sched.OnNonceReport(srcID)
	if !ok {
		return
	}
	var remoteNonce [8]byte
	copy(remoteNonce[:], nonceBytes)
	if err := security.EncryptMessage(sec, c.nodeID, m, remoteNonce, nonceBytes[0]); err != nil {
		c.log.WithError(err).WithField("node_id", srcID).Warn("cannot encrypt secure send")
		done <- scheduler.OutcomeCancelled
		return
	}
	c.sched.Resubmit(m, done)
}

// RequestNonce sends a Security Nonce Get to target, implementing
// scheduler.SecureRequester; the scheduler parks the waiting message
// itself and onNonceReport resumes it once the node answers.
func (c *Controller) RequestNonce(target byte) error {
	m := message.New()
	m.ResetCC(target, protocol.ClassSecurity, protocol.CmdSecurityNonceGet, protocol.CmdSecurityNonceReport, 2, protocol.PrioritySpecialCmd)
	if err := m.AppendTransOpts(true); err != nil {
		return err
	}
	if err := m.AppendNullCallback(); err != nil {
		return err
	}
	if err := m.Finalize(false, false, false); err != nil {
		return err
	}
	c.sched.Submit(m)
	return nil
}

// onUnitWakeup runs a unit's read-on-wake queries and drains its pending
// queue, then sends Wakeup No More Information once drained (spec.md
// §4.5/§4.7).
func (c *Controller) onUnitWakeup(u *unit.Unit) {
	noMoreInfo := message.New()
	noMoreInfo.ResetCC(u.NodeID(), protocol.ClassWakeup, protocol.CmdWakeupNoMoreInformation, 0, 2, protocol.PriorityCommand)
	_ = noMoreInfo.AppendTransOpts(true)
	_ = noMoreInfo.AppendNullCallback()
	freqListener := u.ListenerClass() == protocol.ListenerFrequent
	if err := noMoreInfo.Finalize(freqListener, false, false); err != nil {
		c.log.WithError(err).Warn("cannot finalize wakeup no-more-information")
		u.OnWakeup(nil)
		return
	}
	u.OnWakeup(noMoreInfo)
}

// BindUnit registers a new unit at nodeID with the scheduler and the
// controller's dispatch table (spec.md §4.8), then declares every bound
// impl's fields to the host field database and hands the assigned ids
// back to each impl (spec.md §4.7 declare_fields/store_field_ids).
func (c *Controller) BindUnit(nodeID byte, listenerClass protocol.ListenerClass) *unit.Unit {
	u := unit.New(nodeID, listenerClass, c.sched, c.triggers, c.fieldWriter, c.log)
	c.mu.Lock()
	c.units[nodeID] = u
	c.mu.Unlock()
	c.registerUnitFields(u)
	return u
}

// registerUnitFields walks u's impls, collects their declared fields and
// registers them with the host field registry, then distributes the
// assigned ids back to the owning impl in declaration order.
func (c *Controller) registerUnitFields(u *unit.Unit) {
	if c.fields == nil {
		return
	}
	for _, impl := range u.Impls() {
		var defs []host.FieldDef
		impl.DeclareFields(&defs)
		if len(defs) == 0 {
			continue
		}
		byIndex, err := c.fields.RegisterFields(u.NodeID(), defs)
		if err != nil {
			c.log.WithError(err).WithField("node_id", u.NodeID()).Warn("field registration failed")
			continue
		}
		ids := make([]host.FieldID, len(defs))
		for i := range defs {
			ids[i] = byIndex[i]
		}
		impl.StoreFieldIDs(ids)
	}
}

// Unit returns the bound unit for nodeID, if any.
func (c *Controller) Unit(nodeID byte) (*unit.Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[nodeID]
	return u, ok
}

// Units returns all bound units.
func (c *Controller) Units() []*unit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*unit.Unit, 0, len(c.units))
	for _, u := range c.units {
		out = append(out, u)
	}
	return out
}

// LookupDeviceInfo resolves and parses a unit's device-info record from
// the catalog index (spec.md §6).
func (c *Controller) LookupDeviceInfo(manufacturerID, productType, productID uint16) (*devinfo.Record, error) {
	if c.index == nil {
		return nil, fmt.Errorf("controller: no device-info index configured")
	}
	return c.index.LoadRecord(devinfo.Key(manufacturerID, productType, productID))
}

// ApplyAutoConfig runs a device-info record's auto-config associations
// and configuration parameters against u, intended to run once on a
// unit's initial bind (SPEC_FULL.md §11).
func (c *Controller) ApplyAutoConfig(u *unit.Unit, rec *devinfo.Record) {
	if rec == nil || rec.AutoConfig == nil {
		return
	}
	rec.AutoConfig.Apply(u, c.nodeID, c.log)
}

// secEngine returns the current security engine, if any, synchronized
// against SetNetworkKey rotating it from another goroutine.
func (c *Controller) secEngine() *security.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sec
}

// SetNetworkKey rotates the security engine's network key (spec.md §4.6).
// The `zwctl keys set` command does not call it; it only validates a key.
// Safe to call while the controller is
// running: stripEncapsulation/replyNonceReport/onNonceReport all read the
// engine through secEngine, never the field directly.
func (c *Controller) SetNetworkKey(key []byte) error {
	c.mu.Lock()
	sec := c.sec
	c.mu.Unlock()
	if sec == nil {
		sec, err := security.NewEngine(key)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sec = sec
		c.mu.Unlock()
		return nil
	}
	return sec.Rekey(key)
}
