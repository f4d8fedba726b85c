// Package app holds the controller-level actions the CLI drives: load
// configuration, bring the Z-Wave controller up, perform a single
// action (list/read/write/key check), tear the controller down. Mirrors the
// teacher's LocoApp shape ("Initialize", then one action method per
// command, printing only through the Printer interface).
package app

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/config"
	"github.com/keskad/zwctl/pkgs/output"
	"github.com/keskad/zwctl/pkgs/zwave/ccimpl"
	"github.com/keskad/zwctl/pkgs/zwave/controller"
	"github.com/keskad/zwctl/pkgs/zwave/host"
	"github.com/keskad/zwctl/pkgs/zwave/protocol"
	"github.com/keskad/zwctl/pkgs/zwave/security"
)

// Controller is the CLI's action-level object: everything a single
// command needs to do its job. Not to be confused with
// pkgs/zwave/controller.Controller, the runtime object this type owns.
type Controller struct {
	Config *config.Configuration
	ctrl   *controller.Controller
	store  *FieldStore

	// runtime parameters
	Debug bool
	P     output.Printer
}

// Initialize loads configuration after flag parsing, so the app knows
// how it's configured before doing anything else.
func (a *Controller) Initialize() error {
	if a.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	logrus.Debug("reading configuration file")
	cfg, err := config.NewConfig()
	a.Config = cfg
	if err != nil {
		return fmt.Errorf("cannot initialize app: %w", err)
	}
	return nil
}

// bringUp opens the serial port, starts the controller runtime, and
// binds every statically configured unit, applying its device-info
// auto-config on first bind.
func (a *Controller) bringUp() error {
	networkKey, err := a.Config.NetworkKeyBytes()
	if err != nil {
		return err
	}

	a.store = NewFieldStore(logrus.StandardLogger())

	ctrl, err := controller.New(controller.Config{
		SerialPort:       a.Config.Serial.Port,
		NetworkKey:       networkKey,
		DevInfoIndexPath: a.Config.DevInfo.Path,
	}, a.store, a.store, a.store, a.store, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("cannot build controller: %w", err)
	}
	a.ctrl = ctrl

	if err := a.ctrl.Start(); err != nil {
		return fmt.Errorf("cannot start controller: %w", err)
	}

	for _, uc := range a.Config.Units {
		listener, err := parseListenerClass(uc.Listener)
		if err != nil {
			return err
		}
		u := a.ctrl.BindUnit(uc.NodeID, listener)

		manufacturerID, productType, productID, ok, err := deviceKeyFor(uc)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		u.SetManufacturerInfo(manufacturerID, productType, productID)
		rec, err := a.ctrl.LookupDeviceInfo(manufacturerID, productType, productID)
		if err != nil {
			logrus.WithError(err).WithField("node_id", uc.NodeID).Warn("no device-info record for configured unit")
			continue
		}
		a.ctrl.ApplyAutoConfig(u, rec)
	}

	return nil
}

// CleanUp tears the controller runtime down, mirroring the teacher's
// `defer app.station.CleanUp()` shape.
func (a *Controller) CleanUp() {
	if a.ctrl != nil {
		if err := a.ctrl.Stop(); err != nil {
			logrus.WithError(err).Warn("error stopping controller")
		}
	}
}

func parseListenerClass(s string) (protocol.ListenerClass, error) {
	switch s {
	case "", "always_on":
		return protocol.ListenerAlwaysOn, nil
	case "frequent_listener":
		return protocol.ListenerFrequent, nil
	case "sleeping":
		return protocol.ListenerSleeper, nil
	default:
		return 0, fmt.Errorf("unknown listener class %q", s)
	}
}

func deviceKeyFor(uc config.UnitConfig) (manufacturerID, productType, productID uint16, ok bool, err error) {
	if uc.ManufacturerID == "" && uc.ProductType == "" && uc.ProductID == "" {
		return 0, 0, 0, false, nil
	}
	m, err := parseHexUint16(uc.ManufacturerID)
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("unit %d: manufacturer_id: %w", uc.NodeID, err)
	}
	t, err := parseHexUint16(uc.ProductType)
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("unit %d: product_type: %w", uc.NodeID, err)
	}
	p, err := parseHexUint16(uc.ProductID)
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("unit %d: product_id: %w", uc.NodeID, err)
	}
	return m, t, p, true, nil
}

func parseHexUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// StartAction brings the controller up and blocks until interrupted,
// the same "open device, run until signalled" shape as a long-lived
// command-station session.
func (a *Controller) StartAction() error {
	if err := a.bringUp(); err != nil {
		return err
	}
	defer a.CleanUp()

	a.P.Printf("controller up, node id %d\n", a.ctrl.NodeID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.P.Printf("shutting down\n")
	return nil
}

// UnitsListAction prints the statically configured units without
// opening the serial port, since the bound node list is driven by
// configuration rather than live discovery (spec.md §1's host-owned
// topology boundary).
func (a *Controller) UnitsListAction() error {
	for _, uc := range a.Config.Units {
		a.P.Printf("node=%d listener=%s\n", uc.NodeID, uc.Listener)
	}
	return nil
}

// UnitsReadAction brings the controller up, requests a fresh value for
// fieldName on nodeID, waits briefly for the reply to land, and prints
// the last known value.
func (a *Controller) UnitsReadAction(nodeID uint8, fieldName string, settle time.Duration) error {
	if err := a.bringUp(); err != nil {
		return err
	}
	defer a.CleanUp()

	u, ok := a.ctrl.Unit(nodeID)
	if !ok {
		return fmt.Errorf("no such unit: node %d", nodeID)
	}

	if _, ok := a.store.FieldID(nodeID, fieldName); !ok {
		return fmt.Errorf("node %d has no field %q", nodeID, fieldName)
	}

	for _, impl := range u.Impls() {
		impl.SendValueQuery()
	}
	time.Sleep(settle)

	def, v, known, _ := a.store.Field(nodeID, fieldName)
	if !known {
		return fmt.Errorf("node %d field %q: no value received", nodeID, fieldName)
	}
	a.P.Printf("%s\n", formatFieldValue(def, v))
	return nil
}

// UnitsWriteAction brings the controller up, parses raw per the target
// field's declared type, and routes the write to the owning impl via
// on_field_written (spec.md §4.7).
func (a *Controller) UnitsWriteAction(nodeID uint8, fieldName, raw string) error {
	if err := a.bringUp(); err != nil {
		return err
	}
	defer a.CleanUp()

	u, ok := a.ctrl.Unit(nodeID)
	if !ok {
		return fmt.Errorf("no such unit: node %d", nodeID)
	}

	id, ok := a.store.FieldID(nodeID, fieldName)
	if !ok {
		return fmt.Errorf("node %d has no field %q", nodeID, fieldName)
	}
	def, _, _, _ := a.store.Field(nodeID, fieldName)
	if def.Access&host.AccessWrite == 0 {
		return fmt.Errorf("node %d field %q is read-only", nodeID, fieldName)
	}

	v, err := parseFieldValue(def, raw)
	if err != nil {
		return err
	}

	for _, impl := range u.Impls() {
		for _, owned := range implFieldIDs(impl) {
			if owned == id {
				result := impl.OnFieldWritten(id, v)
				if result == ccimpl.Unhandled {
					return fmt.Errorf("node %d field %q: write not handled", nodeID, fieldName)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("node %d field %q: owning impl not found", nodeID, fieldName)
}

// fieldIDLister is satisfied by every concrete impl through its
// embedded ccimpl.Base, which is the only thing that actually retains
// the ids StoreFieldIDs handed it (the Impl interface itself does not
// expose them).
type fieldIDLister interface {
	FieldIDs() []host.FieldID
}

func implFieldIDs(impl ccimpl.Impl) []host.FieldID {
	lister, ok := impl.(fieldIDLister)
	if !ok {
		return nil
	}
	return lister.FieldIDs()
}

func formatFieldValue(def host.FieldDef, v host.FieldValue) string {
	switch def.Type {
	case host.FieldBool:
		return strconv.FormatBool(v.Bool)
	case host.FieldCard:
		return strconv.FormatUint(uint64(v.Card), 10)
	case host.FieldInt:
		return strconv.FormatInt(int64(v.Int), 10)
	case host.FieldFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return v.String
	}
}

func parseFieldValue(def host.FieldDef, raw string) (host.FieldValue, error) {
	switch def.Type {
	case host.FieldBool:
		b, err := strconv.ParseBool(raw)
		return host.FieldValue{Bool: b}, err
	case host.FieldCard:
		n, err := strconv.ParseUint(raw, 10, 32)
		return host.FieldValue{Card: uint32(n)}, err
	case host.FieldInt:
		n, err := strconv.ParseInt(raw, 10, 32)
		return host.FieldValue{Int: int32(n)}, err
	case host.FieldFloat:
		f, err := strconv.ParseFloat(raw, 64)
		return host.FieldValue{Float: f}, err
	default:
		return host.FieldValue{String: raw}, nil
	}
}

// KeysSetAction checks a new S0 network key by exercising the same AES
// key-derivation path the controller itself uses (spec.md §4.6), without
// requiring the serial port to be open, and prints the value to put in
// .zwctl.yaml. It neither rewrites the config file nor changes the key of
// a running controller.
func (a *Controller) KeysSetAction(hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("invalid hex key: %w", err)
	}
	if _, err := security.NewEngine(key); err != nil {
		return fmt.Errorf("invalid network key: %w", err)
	}
	a.P.Printf("network key valid, %d bytes\n", len(key))
	a.P.Printf("update network.key in .zwctl.yaml to %s and restart\n", hexKey)
	return nil
}
