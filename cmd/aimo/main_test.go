package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aimo-labs/evidence-engine/pkg/evidence"
	"github.com/aimo-labs/evidence-engine/pkg/standard"
)

func TestUsageErrorWithoutInputFile(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run(nil, &out, &errOut)
	if code != exitFailure {
		t.Fatalf("expected exit %d without an input file, got %d", exitFailure, code)
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Fatalf("expected usage on stderr, got: %s", errOut.String())
	}
}

func TestSkipPinCheckWithoutAuthorizationExits3(t *testing.T) {
	t.Setenv(standard.SkipPinningCheckEnvVar, "")
	var out, errOut bytes.Buffer
	code := Run([]string{"--skip-pin-check", "input.csv"}, &out, &errOut)
	if code != exitSkipMisuse {
		t.Fatalf("expected exit %d for unauthorized --skip-pin-check, got %d", exitSkipMisuse, code)
	}

	t.Setenv(standard.SkipPinningCheckEnvVar, "0")
	code = Run([]string{"--skip-pin-check", "input.csv"}, &out, &errOut)
	if code != exitSkipMisuse {
		t.Fatalf("expected exit %d when the env var holds a non-truthy value, got %d", exitSkipMisuse, code)
	}
}

// writeStandardTree lays down a minimal Standard artifact tree: the taxonomy
// dictionary with one active code per dimension.
func writeStandardTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var b strings.Builder
	b.WriteString("code,dimension,dimension_name,label,definition,status\n")
	for _, dim := range standard.Dimensions {
		b.WriteString(dim + "-001," + dim + ",Name,Label,Definition,active\n")
	}
	if err := os.WriteFile(filepath.Join(dir, "taxonomy.csv"), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write taxonomy: %v", err)
	}
	return dir
}

// TestStubRunProducesValidBundle drives the whole pipeline end to end with
// the deterministic stub classifier and LLM calls disabled: one CSV row with
// no matching rule must still yield a bundle whose validation passes and
// whose taxonomy assignment carries all eight dimensions.
func TestStubRunProducesValidBundle(t *testing.T) {
	work := t.TempDir()
	input := filepath.Join(work, "proxy.csv")
	csvData := "receive_time,srcuser,url,bytes_sent,action,http_method,category\n" +
		"2026-01-15T10:23:45Z,u1,https://api.example-genai.com/v1/chat/completions,5120,allow,POST,GenAI\n"
	if err := os.WriteFile(input, []byte(csvData), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	outDir := filepath.Join(work, "out")
	t.Setenv("AIMO_STANDARD_VERSION", "1.0.0")
	t.Setenv("AIMO_STANDARD_DIR", writeStandardTree(t))
	t.Setenv("AIMO_STANDARD_CACHE_DIR", filepath.Join(work, "cache"))
	t.Setenv("AIMO_PROFILES_DIR", filepath.Join(work, "profiles"))
	t.Setenv("AIMO_DISABLE_LLM", "1")
	t.Setenv("AIMO_CLASSIFIER", "stub")
	t.Setenv("AIMO_REDIS_ADDR", "")
	t.Setenv(standard.SkipPinningCheckEnvVar, "")

	var out, errOut bytes.Buffer
	code := Run([]string{
		"--db-path", filepath.Join(work, "aimo.db"),
		"--output-dir", outDir,
		input,
	}, &out, &errOut)
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d\nstdout:\n%s\nstderr:\n%s", code, out.String(), errOut.String())
	}

	root := filepath.Join(outDir, evidence.DirName)

	var result struct {
		Passed bool   `json:"passed"`
		Status string `json:"status"`
	}
	readJSON(t, filepath.Join(root, evidence.ValidationResultFile), &result)
	if !result.Passed {
		t.Fatalf("bundle validation must pass, got status %s", result.Status)
	}

	var assignments []evidence.TaxonomyAssignmentRecord
	readJSON(t, filepath.Join(root, evidence.TaxonomyAssignmentsFile), &assignments)
	if len(assignments) != 1 {
		t.Fatalf("expected exactly one classified signature, got %d", len(assignments))
	}
	if err := assignments[0].Taxonomy.Validate(); err != nil {
		t.Fatalf("stub taxonomy assignment invalid: %v", err)
	}

	var sums evidence.Checksums
	readJSON(t, filepath.Join(root, evidence.ChecksumsFile), &sums)
	if len(sums.Files) == 0 {
		t.Fatalf("checksums.json must list the bundle's content files")
	}
	for rel := range sums.Files {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Fatalf("checksummed file %s missing: %v", rel, err)
		}
	}

	if !strings.Contains(out.String(), "validation:") {
		t.Fatalf("kpi block missing from stdout:\n%s", out.String())
	}

	// Re-running with identical inputs resolves the same run and succeeds.
	out.Reset()
	errOut.Reset()
	code = Run([]string{
		"--db-path", filepath.Join(work, "aimo.db"),
		"--output-dir", outDir,
		input,
	}, &out, &errOut)
	if code != exitOK {
		t.Fatalf("resume run failed with %d:\n%s", code, errOut.String())
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
