// Package devinfo loads the device-info XML catalog: an index mapping
// (manufacturer id, product type, product id) to a per-model capability
// file, and the per-model file's supported-class list, `<ExtraInfo>`
// key/value grammar, and `<AutoCfg>` associations/configuration
// parameters applied on initial bind (spec.md §6).
package devinfo

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/keskad/zwctl/pkgs/zwave/ccimpl"
	"github.com/keskad/zwctl/pkgs/zwave/unit"
)

// indexXML is the root element of the catalog index file:
//
//	<DevInfoIndex>
//	  <Entry Key="000100040006" File="acme-binary-switch.xml"/>
//	</DevInfoIndex>
type indexXML struct {
	XMLName xml.Name     `xml:"DevInfoIndex"`
	Entries []entryXML   `xml:"Entry"`
}

type entryXML struct {
	Key  string `xml:"Key,attr"`
	File string `xml:"File,attr"`
}

// Index resolves a 48-bit manufacturer/type/product key to a catalog file
// path, relative to the directory the index itself was loaded from.
type Index struct {
	dir     string
	byKey   map[string]string
}

// Key packs a manufacturer id, product type and product id into the
// catalog's 12-hex-digit index key (spec.md §6).
func Key(manufacturerID, productType, productID uint16) string {
	return fmt.Sprintf("%04X%04X%04X", manufacturerID, productType, productID)
}

// LoadIndex reads the index XML file at path.
func LoadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devinfo: open index: %w", err)
	}
	defer f.Close()

	var root indexXML
	if err := xml.NewDecoder(f).Decode(&root); err != nil {
		return nil, fmt.Errorf("devinfo: parse index %s: %w", path, err)
	}

	idx := &Index{dir: filepath.Dir(path), byKey: make(map[string]string, len(root.Entries))}
	for _, e := range root.Entries {
		key := strings.ToUpper(strings.TrimSpace(e.Key))
		if len(key) != 12 {
			return nil, fmt.Errorf("devinfo: index entry %q has malformed key %q (want 12 hex digits)", e.File, e.Key)
		}
		idx.byKey[key] = e.File
	}
	return idx, nil
}

// Resolve returns the absolute file path for the given catalog key, or
// false when the manufacturer/type/product combination is unknown.
func (idx *Index) Resolve(key string) (string, bool) {
	file, ok := idx.byKey[strings.ToUpper(key)]
	if !ok {
		return "", false
	}
	return filepath.Join(idx.dir, file), true
}

// LoadRecord resolves key through the index and parses the per-model
// file it points to.
func (idx *Index) LoadRecord(key string) (*Record, error) {
	path, ok := idx.Resolve(key)
	if !ok {
		return nil, fmt.Errorf("devinfo: no catalog entry for key %s", key)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devinfo: open record %s: %w", path, err)
	}
	defer f.Close()
	return ParseRecord(f)
}

// --- per-model record ------------------------------------------------------

// recordXML is the root element of a per-model capability file:
//
//	<DevInfo Name="Acme Binary Switch">
//	  <Class Id="0x25" Version="1" Secure="false">
//	    <ExtraInfo Name="Default" Value="ReadAfterWrite=1" EndPnt="255"/>
//	  </Class>
//	  <AutoCfg WI="0">
//	    <Grp N="1" D="1" EP="0"/>
//	    <CfgParm N="5" V="10" C="1" D="wink duration"/>
//	  </AutoCfg>
//	</DevInfo>
type recordXML struct {
	XMLName xml.Name    `xml:"DevInfo"`
	Name    string      `xml:"Name,attr"`
	Classes []classXML  `xml:"Class"`
	AutoCfg *autoCfgXML `xml:"AutoCfg"`
}

type classXML struct {
	ID        string        `xml:"Id,attr"`
	Version   int           `xml:"Version,attr"`
	Secure    bool          `xml:"Secure,attr"`
	ExtraInfo []extraInfoXML `xml:"ExtraInfo"`
}

type extraInfoXML struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
	// EndPnt defaults to 0xFF (root/unencapsulated) when absent.
	EndPnt string `xml:"EndPnt,attr"`
}

type autoCfgXML struct {
	// WI is the wait-interval (seconds) between Z-Wave bind and auto-config
	// application, named after the original driver's field of the same name.
	WI       int         `xml:"WI,attr"`
	Groups   []grpXML    `xml:"Grp"`
	CfgParms []cfgParmXML `xml:"CfgParm"`
}

type grpXML struct {
	N  byte `xml:"N,attr"`
	D  byte `xml:"D,attr"`
	EP byte `xml:"EP,attr"`
}

type cfgParmXML struct {
	N byte   `xml:"N,attr"`
	V int32  `xml:"V,attr"`
	C byte   `xml:"C,attr"` // byte size of V: 1, 2 or 4
	D string `xml:"D,attr"`
}

// ClassRecord is one supported command class entry, with its per-CC extra
// info resolved from the flat key=value grammar.
type ClassRecord struct {
	ClassID byte
	Version byte
	Secure  bool
	// ExtraInfo maps end point (0xFF for root) to its parsed key/value
	// pairs, since the same class can carry distinct extra info per
	// end point under multi-channel encapsulation (spec.md §6).
	ExtraInfo map[byte]map[string]string
}

// AssocGroup is one `<Grp>` auto-config association: bind group N to
// device D, end point EP.
type AssocGroup struct {
	Group    byte
	DestNode byte
	DestEP   byte
}

// CfgParam is one `<CfgParm>` auto-config configuration parameter to send
// on initial bind.
type CfgParam struct {
	Num   byte
	Value int32
	Size  byte
	Desc  string
}

// AutoConfig holds the association groups and configuration parameters a
// device's record wants applied once, the first time a unit binds to it
// (spec.md §6, SPEC_FULL.md §11 "Auto-config on initial bind").
type AutoConfig struct {
	WaitInterval int
	Groups       []AssocGroup
	CfgParams    []CfgParam
}

// Record is a fully parsed per-model capability file.
type Record struct {
	Name       string
	Classes    []ClassRecord
	AutoConfig *AutoConfig
}

// ParseRecord decodes a per-model XML file from r.
func ParseRecord(r io.Reader) (*Record, error) {
	var root recordXML
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("devinfo: parse record: %w", err)
	}

	rec := &Record{Name: root.Name}
	for _, c := range root.Classes {
		classID, err := parseHexByte(c.ID)
		if err != nil {
			return nil, fmt.Errorf("devinfo: class %q: %w", c.ID, err)
		}
		cr := ClassRecord{
			ClassID:   classID,
			Version:   byte(c.Version),
			Secure:    c.Secure,
			ExtraInfo: make(map[byte]map[string]string),
		}
		for _, xi := range c.ExtraInfo {
			ep := byte(0xFF)
			if xi.EndPnt != "" {
				n, err := strconv.ParseUint(xi.EndPnt, 10, 8)
				if err != nil {
					return nil, fmt.Errorf("devinfo: class 0x%02X ExtraInfo %q: invalid EndPnt %q: %w", classID, xi.Name, xi.EndPnt, err)
				}
				ep = byte(n)
			}
			kv, err := ParseExtraInfoBlob(xi.Value)
			if err != nil {
				return nil, fmt.Errorf("devinfo: class 0x%02X ExtraInfo %q: %w", classID, xi.Name, err)
			}
			if cr.ExtraInfo[ep] == nil {
				cr.ExtraInfo[ep] = make(map[string]string)
			}
			for k, v := range kv {
				cr.ExtraInfo[ep][k] = v
			}
		}
		rec.Classes = append(rec.Classes, cr)
	}

	if root.AutoCfg != nil {
		ac := &AutoConfig{WaitInterval: root.AutoCfg.WI}
		for _, g := range root.AutoCfg.Groups {
			ac.Groups = append(ac.Groups, AssocGroup{Group: g.N, DestNode: g.D, DestEP: g.EP})
		}
		for _, p := range root.AutoCfg.CfgParms {
			if p.C != 1 && p.C != 2 && p.C != 4 {
				return nil, fmt.Errorf("devinfo: CfgParm N=%d has invalid size C=%d (want 1, 2 or 4)", p.N, p.C)
			}
			ac.CfgParams = append(ac.CfgParams, CfgParam{Num: p.N, Value: p.V, Size: p.C, Desc: p.D})
		}
		rec.AutoConfig = ac
	}

	return rec, nil
}

func parseHexByte(s string) (byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}

// Apply sends the record's auto-config association binds and
// configuration parameter sets to u, intended to run once on a unit's
// initial bind (spec.md §6, SPEC_FULL.md §11). Each `<Grp>` entry binds
// its group to the entry's DestNode; an entry whose DestNode is 0 binds
// the controller node id instead, associating the controller into the
// device's group.
func (ac *AutoConfig) Apply(u *unit.Unit, controllerNodeID byte, log logrus.FieldLogger) {
	if ac == nil {
		return
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "devinfo").WithField("node_id", u.NodeID())

	var assoc *ccimpl.AssociationImpl
	var cfg *ccimpl.ConfigurationImpl
	for _, impl := range u.Impls() {
		switch v := impl.(type) {
		case *ccimpl.AssociationImpl:
			if assoc == nil {
				assoc = v
			}
		case *ccimpl.ConfigurationImpl:
			cfg = v
		}
	}

	for _, g := range ac.Groups {
		if assoc == nil {
			log.Warn("auto-config association group requested but unit has no AssociationImpl")
			continue
		}
		if g.DestEP != 0 {
			log.WithField("group", g.Group).Warn("auto-config Grp targets a non-root end point; multi-channel association destinations are not supported")
		}
		dest := g.DestNode
		if dest == 0 {
			dest = controllerNodeID
		}
		assoc.Bind(g.Group, dest)
	}

	for _, p := range ac.CfgParams {
		if cfg == nil {
			log.Warn("auto-config parameter requested but unit has no ConfigurationImpl")
			continue
		}
		cfg.SetParameter(p.Num, p.Value, p.Size)
	}
}

// ParseExtraInfoBlob tokenizes an `<ExtraInfo Value="...">` attribute into
// its flat key=value pairs, in the style of the teacher's
// pkgs/syntax/outputmap line-oriented parser: whitespace-separated
// tokens, each `key=value`, malformed tokens rejected with an error that
// names the token rather than silently dropped.
func ParseExtraInfoBlob(raw string) (map[string]string, error) {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		tok := scanner.Text()
		eq := strings.IndexByte(tok, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed extra-info token %q, want key=value", tok)
		}
		kv[tok[:eq]] = tok[eq+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}
