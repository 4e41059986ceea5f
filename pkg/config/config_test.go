package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresStandardVersion(t *testing.T) {
	t.Setenv("AIMO_STANDARD_VERSION", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when AIMO_STANDARD_VERSION is unset")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("AIMO_STANDARD_VERSION", "1.0.0")
	t.Setenv("AIMO_DB_PATH", "/tmp/custom.db")
	t.Setenv("AIMO_DISABLE_LLM", "1")
	t.Setenv("AIMO_CLASSIFIER", "stub")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("env override ignored, got %s", cfg.DBPath)
	}
	if cfg.OutputDir != "./output" {
		t.Fatalf("default output dir wrong, got %s", cfg.OutputDir)
	}
	if !cfg.DisableLLM {
		t.Fatalf("AIMO_DISABLE_LLM=1 not honored")
	}
	if !cfg.UsingStubClassifier() {
		t.Fatalf("AIMO_CLASSIFIER=stub not detected")
	}
}

func TestLoadRejectsMissingAPIKeyForRealProvider(t *testing.T) {
	t.Setenv("AIMO_STANDARD_VERSION", "1.0.0")
	t.Setenv("AIMO_LLM_PROVIDER", "acme")
	t.Setenv("AIMO_LLM_API_KEY", "")
	t.Setenv("AIMO_DISABLE_LLM", "")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for real provider without api key")
	}

	t.Setenv("AIMO_DISABLE_LLM", "true")
	if _, err := Load(); err != nil {
		t.Fatalf("disabled llm should not require an api key: %v", err)
	}
}

func TestIsTruthySpelling(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "TRUE", "Yes"} {
		if !isTruthy(v) {
			t.Fatalf("%q should be truthy", v)
		}
	}
	for _, v := range []string{"", "0", "false", "on", "2"} {
		if isTruthy(v) {
			t.Fatalf("%q should not be truthy", v)
		}
	}
}

func TestLoadVendorMappingFromProfile(t *testing.T) {
	dir := t.TempDir()
	doc := `vendor: paloalto
timestamp_fields: [receive_time]
url_fields: [url]
user_id_fields: [srcuser]
bytes_sent_fields: [bytes_sent]
action_fields: [action]
action_map:
  allow: allow
  deny: deny
default_action: unknown
`
	if err := os.WriteFile(filepath.Join(dir, "mapping_paloalto.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	m, err := LoadVendorMapping(dir, "PaloAlto")
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	if m.Vendor != "paloalto" {
		t.Fatalf("vendor wrong: %s", m.Vendor)
	}
	if len(m.TimestampFields) != 1 || m.TimestampFields[0] != "receive_time" {
		t.Fatalf("timestamp fields wrong: %v", m.TimestampFields)
	}
	if m.ActionMap["deny"] != "deny" {
		t.Fatalf("action map not loaded")
	}

	if _, err := LoadVendorMapping(dir, "nosuchvendor"); err == nil {
		t.Fatalf("expected error for missing vendor mapping")
	}
}

func TestLoadLLMPricingTable(t *testing.T) {
	dir := t.TempDir()
	doc := `providers:
  - provider: acme
    model: acme-large
    input_price_per_1k: 0.5
    output_price_per_1k: 1.5
`
	if err := os.WriteFile(filepath.Join(dir, "llm_pricing.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write pricing: %v", err)
	}

	table, err := LoadLLMPricingTable(dir)
	if err != nil {
		t.Fatalf("load pricing: %v", err)
	}
	p, ok := table["acme"]
	if !ok {
		t.Fatalf("provider acme missing from table")
	}
	if p.InputPricePer1K != 0.5 || p.OutputPricePer1K != 1.5 {
		t.Fatalf("pricing wrong: %+v", p)
	}
}
