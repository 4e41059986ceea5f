package validator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
	"github.com/aimo-labs/evidence-engine/pkg/evidence"
	"github.com/aimo-labs/evidence-engine/pkg/standard"
)

func emitTestBundle(t *testing.T, assignments []evidence.TaxonomyAssignmentRecord) string {
	t.Helper()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	root, err := evidence.Emit(context.Background(), evidence.BundleInput{
		OutDir: t.TempDir(),
		Manifest: evidence.RunManifest{
			RunID:      "run1",
			StartedAt:  started,
			FinishedAt: started.Add(time.Minute),
			AimoStandard: evidence.StandardRef{
				Version: "1.0.0", Commit: "deadbeef", ArtifactsDirSHA256: "cafe",
			},
		},
		AgentActivity:       evidence.AgentActivityRecord{RecordID: evidence.NewRecordID(), RunID: "run1"},
		TaxonomyAssignments: assignments,
	})
	require.NoError(t, err)
	return root
}

func validAssignment() evidence.TaxonomyAssignmentRecord {
	return evidence.TaxonomyAssignmentRecord{
		URLSignature: "sig1",
		ServiceName:  "svc",
		UsageType:    "genai",
		RiskLevel:    "high",
		Taxonomy: contracts.TaxonomyAssignment{
			FS: "FS-001", IM: "IM-001",
			UC: []string{"UC-001"}, DT: []string{"DT-001"}, CH: []string{"CH-001"},
			RS: []string{"RS-001"}, EV: []string{"EV-001"},
		},
	}
}

func testTaxonomy(t *testing.T) *standard.Taxonomy {
	t.Helper()
	var b strings.Builder
	b.WriteString("code,dimension,dimension_name,label,definition,status\n")
	for _, dim := range standard.Dimensions {
		b.WriteString(dim + "-001," + dim + ",Name,Label,Definition,active\n")
	}
	tax, err := standard.ParseTaxonomyCSV(strings.NewReader(b.String()))
	require.NoError(t, err)
	return tax
}

func TestValidBundlePasses(t *testing.T) {
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{validAssignment()})

	res, err := Validate(context.Background(), Input{
		BundleRoot:      root,
		StandardVersion: "1.0.0",
		Taxonomy:        testTaxonomy(t),
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, "1.0.0", res.AimoStandardVersion)
	assert.Zero(t, res.ErrorCount)
	assert.Equal(t, "fallback", res.Source)
}

func TestCardinalityViolationFails(t *testing.T) {
	bad := validAssignment()
	bad.Taxonomy.UC = nil
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{bad})

	res, err := Validate(context.Background(), Input{BundleRoot: root, StandardVersion: "1.0.0"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, StatusFail, res.Status)
	assert.NotZero(t, res.ErrorCount)
}

func TestUnknownCodeFailsMembership(t *testing.T) {
	bad := validAssignment()
	bad.Taxonomy.FS = "FS-999"
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{bad})

	res, err := Validate(context.Background(), Input{
		BundleRoot:      root,
		StandardVersion: "1.0.0",
		Taxonomy:        testTaxonomy(t),
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "FS-999") {
			found = true
		}
	}
	assert.True(t, found, "membership error must name the unknown code, got %v", res.Errors)
}

func TestMissingEvidenceFileFails(t *testing.T) {
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{validAssignment()})
	require.NoError(t, os.Remove(filepath.Join(root, evidence.AgentActivityFile)))

	res, err := Validate(context.Background(), Input{BundleRoot: root, StandardVersion: "1.0.0"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, evidence.AgentActivityFile) {
			found = true
		}
	}
	assert.True(t, found, "missing file must be reported, got %v", res.Errors)
}

func TestSchemaValidationRunsWhenLoaded(t *testing.T) {
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{validAssignment()})

	schemas, err := standard.NewSchemaSet(map[string][]byte{
		"evidence_pack_manifest": []byte(`{
			"type": "object",
			"required": ["run_id", "aggregate_codes", "evidence_files"]
		}`),
	})
	require.NoError(t, err)

	res, err := Validate(context.Background(), Input{
		BundleRoot:      root,
		StandardVersion: "1.0.0",
		Schemas:         schemas,
		Taxonomy:        testTaxonomy(t),
	})
	require.NoError(t, err)
	assert.True(t, res.Passed, "errors: %v", res.Errors)

	strict, err := standard.NewSchemaSet(map[string][]byte{
		"evidence_pack_manifest": []byte(`{
			"type": "object",
			"required": ["a_field_the_manifest_never_has"]
		}`),
	})
	require.NoError(t, err)
	res, err = Validate(context.Background(), Input{
		BundleRoot:      root,
		StandardVersion: "1.0.0",
		Schemas:         strict,
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestExternalValidatorEnvelopeIsAuthoritative(t *testing.T) {
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{validAssignment()})

	binDir := t.TempDir()
	bin := filepath.Join(binDir, "fake-validate")
	script := "#!/bin/sh\necho '{\"passed\": true, \"errors\": [], \"aimo_standard_version\": \"2.0.0\"}'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	t.Setenv(ValidatorBinaryEnv, bin)

	res, err := Validate(context.Background(), Input{BundleRoot: root, StandardVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "2.0.0", res.AimoStandardVersion, "the external validator's reported version wins")
	assert.True(t, strings.HasPrefix(res.Source, "external:"))
}

func TestNonConformantExternalValidatorFallsBack(t *testing.T) {
	root := emitTestBundle(t, []evidence.TaxonomyAssignmentRecord{validAssignment()})

	binDir := t.TempDir()
	bin := filepath.Join(binDir, "fake-validate")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho not-json\n"), 0o755))
	t.Setenv(ValidatorBinaryEnv, bin)

	res, err := Validate(context.Background(), Input{
		BundleRoot:      root,
		StandardVersion: "1.0.0",
		Taxonomy:        testTaxonomy(t),
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Source)
	assert.True(t, res.Passed)
}
