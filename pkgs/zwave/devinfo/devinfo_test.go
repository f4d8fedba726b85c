package devinfo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseExtraInfoBlob(t *testing.T) {
	kv, err := ParseExtraInfoBlob("ReadAfterWrite=1 Min=0 Max=99")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{"ReadAfterWrite": "1", "Min": "0", "Max": "99"}
	for k, v := range want {
		if kv[k] != v {
			t.Fatalf("key %s: got %q want %q", k, kv[k], v)
		}
	}
}

func TestParseExtraInfoBlobRejectsMalformedToken(t *testing.T) {
	if _, err := ParseExtraInfoBlob("NoEquals"); err == nil {
		t.Fatalf("expected error for token without '='")
	}
}

func TestParseRecordClassesAndAutoCfg(t *testing.T) {
	xmlDoc := `<DevInfo Name="Acme Binary Switch">
  <Class Id="0x25" Version="1" Secure="false">
    <ExtraInfo Name="Default" Value="ReadAfterWrite=1" EndPnt="255"/>
  </Class>
  <AutoCfg WI="5">
    <Grp N="1" D="0" EP="0"/>
    <CfgParm N="5" V="10" C="1" D="wink duration"/>
  </AutoCfg>
</DevInfo>`

	rec, err := ParseRecord(strings.NewReader(xmlDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Name != "Acme Binary Switch" {
		t.Fatalf("unexpected name %q", rec.Name)
	}
	if len(rec.Classes) != 1 || rec.Classes[0].ClassID != 0x25 {
		t.Fatalf("unexpected classes: %+v", rec.Classes)
	}
	if rec.Classes[0].ExtraInfo[0xFF]["ReadAfterWrite"] != "1" {
		t.Fatalf("expected root end point extra info, got %+v", rec.Classes[0].ExtraInfo)
	}
	if rec.AutoConfig == nil || rec.AutoConfig.WaitInterval != 5 {
		t.Fatalf("unexpected auto-config: %+v", rec.AutoConfig)
	}
	if len(rec.AutoConfig.Groups) != 1 || rec.AutoConfig.Groups[0].Group != 1 {
		t.Fatalf("unexpected groups: %+v", rec.AutoConfig.Groups)
	}
	if len(rec.AutoConfig.CfgParams) != 1 || rec.AutoConfig.CfgParams[0].Value != 10 {
		t.Fatalf("unexpected cfg params: %+v", rec.AutoConfig.CfgParams)
	}
}

func TestParseRecordRejectsInvalidCfgParmSize(t *testing.T) {
	xmlDoc := `<DevInfo Name="Bad">
  <AutoCfg WI="0">
    <CfgParm N="1" V="1" C="3" D="bad size"/>
  </AutoCfg>
</DevInfo>`
	if _, err := ParseRecord(strings.NewReader(xmlDoc)); err == nil {
		t.Fatalf("expected error for CfgParm with invalid size")
	}
}

func TestIndexLoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "acme-switch.xml")
	if err := os.WriteFile(modelPath, []byte(`<DevInfo Name="Acme"/>`), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}

	key := Key(0x0001, 0x0004, 0x0006)
	indexPath := filepath.Join(dir, "index.xml")
	indexDoc := `<DevInfoIndex><Entry Key="` + key + `" File="acme-switch.xml"/></DevInfoIndex>`
	if err := os.WriteFile(indexPath, []byte(indexDoc), 0o644); err != nil {
		t.Fatalf("write index file: %v", err)
	}

	idx, err := LoadIndex(indexPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := idx.LoadRecord(key)
	if err != nil {
		t.Fatalf("unexpected error loading record: %v", err)
	}
	if rec.Name != "Acme" {
		t.Fatalf("unexpected record name %q", rec.Name)
	}

	if _, ok := idx.Resolve("FFFFFFFFFFFFFFFF"); ok {
		t.Fatalf("expected unknown key to not resolve")
	}
}

func TestIndexRejectsMalformedKey(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.xml")
	indexDoc := `<DevInfoIndex><Entry Key="BADKEY" File="x.xml"/></DevInfoIndex>`
	if err := os.WriteFile(indexPath, []byte(indexDoc), 0o644); err != nil {
		t.Fatalf("write index file: %v", err)
	}
	if _, err := LoadIndex(indexPath); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
