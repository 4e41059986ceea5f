package reporting

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleRows() []SanitizedRow {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []SanitizedRow{
		{
			Timestamp:    at,
			DestDomain:   "openai.com",
			URLSignature: "sig1",
			ServiceName:  "ChatGPT / OpenAI",
			UsageType:    "genai",
			RiskLevel:    "high",
			BytesSent:    5 << 10,
			Action:       "allow",
			UserID:       "alice@example.com",
		},
		{
			Timestamp:    at.Add(time.Hour),
			DestDomain:   "dropbox.com",
			URLSignature: "sig2",
			BytesSent:    1 << 20,
			UserID:       "bob",
		},
	}
}

func TestSanitizedCSVCarriesNoForbiddenColumnsOrEmails(t *testing.T) {
	anon, err := NewAnonymizer("test-salt")
	if err != nil {
		t.Fatalf("new anonymizer: %v", err)
	}
	path := filepath.Join(t.TempDir(), "export.csv")
	n, err := WriteSanitizedCSV(path, sampleRows(), anon, 0)
	if err != nil {
		t.Fatalf("write sanitized csv: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows written, got %d", n)
	}

	problems, err := ValidateSanitized(path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("sanitized export must be clean, got %v", problems)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(data), "alice@example.com") {
		t.Fatalf("raw user identity leaked into sanitized export")
	}
}

func TestAnonymizerIsDeterministicAndSaltKeyed(t *testing.T) {
	a1, _ := NewAnonymizer("salt-one")
	a2, _ := NewAnonymizer("salt-two")

	if a1.Anonymize("alice") != a1.Anonymize("alice") {
		t.Fatalf("same salt + same value must hash identically")
	}
	if a1.Anonymize("alice") == a2.Anonymize("alice") {
		t.Fatalf("different salts must produce different hashes")
	}
	if a1.Anonymize("") != "" {
		t.Fatalf("empty value must stay empty, not hash to a constant")
	}
	if _, err := NewAnonymizer(""); err == nil {
		t.Fatalf("empty salt must be rejected")
	}
}

func TestWriteSanitizedCSVRespectsMaxRows(t *testing.T) {
	anon, _ := NewAnonymizer("s")
	path := filepath.Join(t.TempDir(), "export.csv")
	n, err := WriteSanitizedCSV(path, sampleRows(), anon, 1)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected cap at 1 row, got %d", n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 { // header + 1 row
		t.Fatalf("expected header plus one row, got %d records", len(records))
	}
}

func TestKPISummaryRendersEveryField(t *testing.T) {
	var buf bytes.Buffer
	err := WriteKPISummary(&buf, KPISummary{
		RunID:            "abc123",
		InputRows:        100,
		UniqueSignatures: 7,
		CacheHits:        3,
		CountA:           2,
		CountB:           4,
		CountC:           1,
		BudgetSpentUSD:   0.42,
		BudgetCapUSD:     25,
		BundlePath:       "/out/evidence_bundle",
		ValidationPassed: true,
		ValidationStatus: "pass",
		Elapsed:          "1.5s",
	})
	if err != nil {
		t.Fatalf("write kpi: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"abc123", "100", "2 / 4 / 1", "$0.4200", "/out/evidence_bundle", "passed=true"} {
		if !strings.Contains(out, want) {
			t.Fatalf("kpi output missing %q:\n%s", want, out)
		}
	}
}
