package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimo-labs/evidence-engine/pkg/canonicalize"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

func sampleInput(outDir string) BundleInput {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return BundleInput{
		OutDir: outDir,
		Manifest: RunManifest{
			RunID:             "abc123",
			RunKey:            "abc123def456",
			InputManifestHash: "f00d",
			StartedAt:         started,
			FinishedAt:        started.Add(time.Minute),
			AimoStandard: StandardRef{
				Version:            "1.0.0",
				Commit:             "deadbeef",
				ArtifactsDirSHA256: "cafe",
			},
			EngineVersions: map[string]string{"engine": "1.0.0"},
		},
		ShadowAIDiscoveries: []ShadowAIDiscoveryRecord{{
			RecordID:  NewRecordID(),
			EventTime: started,
			ActorID:   "aggregate:3-users",
			AIService: "ChatGPT / OpenAI",
			Decision:  "block",
		}},
		AgentActivity: AgentActivityRecord{RecordID: NewRecordID(), RunID: "abc123", Action: "analyze_proxy_logs"},
		TaxonomyAssignments: []TaxonomyAssignmentRecord{{
			URLSignature: "sig1",
			ServiceName:  "ChatGPT / OpenAI",
			UsageType:    "genai",
			RiskLevel:    "high",
			Taxonomy: contracts.TaxonomyAssignment{
				FS: "FS-001", IM: "IM-002",
				UC: []string{"UC-001"}, DT: []string{"DT-003"}, CH: []string{"CH-001"},
				RS: []string{"RS-002"}, EV: []string{"EV-001"}, OB: []string{"OB-001"},
			},
		}},
	}
}

func TestEmitWritesAllBundleFiles(t *testing.T) {
	out := t.TempDir()
	root, err := Emit(context.Background(), sampleInput(out))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, DirName), root)

	for _, rel := range []string{
		RunManifestFile, EvidencePackManifestFile, ShadowAIDiscoveryFile,
		AgentActivityFile, TaxonomyAssignmentsFile, ChecksumsFile,
	} {
		_, err := os.Stat(filepath.Join(root, rel))
		assert.NoError(t, err, "bundle file %s", rel)
	}

	entries, err := filepath.Glob(filepath.Join(root, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files may survive an emit")
}

func TestChecksumsCoverEveryContentFile(t *testing.T) {
	out := t.TempDir()
	root, err := Emit(context.Background(), sampleInput(out))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, ChecksumsFile))
	require.NoError(t, err)
	var sums Checksums
	require.NoError(t, json.Unmarshal(data, &sums))
	assert.Equal(t, "SHA-256", sums.Algorithm)

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		require.NoError(t, walkErr)
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		rel = filepath.ToSlash(rel)
		if rel == ChecksumsFile {
			return nil
		}
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, canonicalize.HashBytes(content), sums.Files[rel], "checksum for %s", rel)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, sums.Files, 5)
}

func TestPackManifestAggregatesAndFallsBack(t *testing.T) {
	out := t.TempDir()
	in := sampleInput(out)
	root, err := Emit(context.Background(), in)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, EvidencePackManifestFile))
	require.NoError(t, err)
	var m EvidencePackManifest
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, []string{"FS-001"}, m.AggregateCodes["FS"])
	assert.Equal(t, []string{"UC-001"}, m.AggregateCodes["UC"])
	assert.Equal(t, []string{"OB-001"}, m.AggregateCodes["OB"])
	assert.Equal(t, 1, m.SignatureCount)
	require.NotEmpty(t, m.EvidenceFiles)
	for _, f := range m.EvidenceFiles {
		_, err := os.Stat(filepath.Join(root, f.Filename))
		assert.NoError(t, err, "evidence file %s must exist", f.Filename)
	}

	// An empty run still carries a fallback code per required dimension.
	emptyOut := t.TempDir()
	empty := in
	empty.OutDir = emptyOut
	empty.TaxonomyAssignments = nil
	root, err = Emit(context.Background(), empty)
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, EvidencePackManifestFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, []string{"FS-000"}, m.AggregateCodes["FS"])
	assert.Empty(t, m.AggregateCodes["OB"], "OB has no fallback, it may be empty")
}

func TestDecisionFromRisk(t *testing.T) {
	assert.Equal(t, "needs_review", DecisionFromRisk("high", 0.3))
	assert.Equal(t, "block", DecisionFromRisk("high", 0.9))
	assert.Equal(t, "block", DecisionFromRisk("critical", 0.9))
	assert.Equal(t, "allow", DecisionFromRisk("low", 0.9))
	assert.Equal(t, "allow", DecisionFromRisk("medium", 0.8))
}

func TestWriteValidationResult(t *testing.T) {
	out := t.TempDir()
	root, err := Emit(context.Background(), sampleInput(out))
	require.NoError(t, err)

	require.NoError(t, WriteValidationResult(root, map[string]any{"passed": true}))

	data, err := os.ReadFile(filepath.Join(root, ValidationResultFile))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, true, got["passed"])
}

func TestEmitIsDeterministicForIdenticalInput(t *testing.T) {
	in := sampleInput("")

	read := func() map[string]string {
		dir := t.TempDir()
		in.OutDir = dir
		root, err := Emit(context.Background(), in)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(root, ChecksumsFile))
		require.NoError(t, err)
		var sums Checksums
		require.NoError(t, json.Unmarshal(data, &sums))
		return sums.Files
	}

	assert.Equal(t, read(), read(), "identical input must produce identical content hashes")
}
