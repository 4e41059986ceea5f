package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

func TestInputManifestHashIsPathSortedAndStable(t *testing.T) {
	a := InputFileFingerprint{Path: "a.csv", Size: 10, ModTime: time.Unix(100, 0).UTC(), SHA256: "aa"}
	b := InputFileFingerprint{Path: "b.csv", Size: 20, ModTime: time.Unix(200, 0).UTC(), SHA256: "bb"}

	h1 := InputManifestHash([]InputFileFingerprint{a, b})
	h2 := InputManifestHash([]InputFileFingerprint{b, a})
	assert.Equal(t, h1, h2, "manifest hash must not depend on input order")

	c := b
	c.Size = 21
	assert.NotEqual(t, h1, InputManifestHash([]InputFileFingerprint{a, c}))
}

func TestRunKeyAndRunIDDeterminism(t *testing.T) {
	v := VersionSet{
		TargetRange:         "all",
		SignatureVersion:    "v1",
		RuleVersion:         "r1",
		PromptVersion:       "p1",
		TaxonomyVersion:     "1.0.0",
		EvidencePackVersion: "1.0",
		EngineSpecVersion:   "1.0.0",
	}
	k1 := RunKey("f00d", v)
	k2 := RunKey("f00d", v)
	require.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
	assert.Equal(t, k1[:16], RunID(k1))

	v2 := v
	v2.PromptVersion = "p2"
	assert.NotEqual(t, k1, RunKey("f00d", v2), "any version component change must change run_key")
}

func TestFingerprintHashesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(path, []byte("ts,user\n1,u1\n"), 0o644))

	fp, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, path, fp.Path)
	assert.EqualValues(t, 13, fp.Size)
	assert.Len(t, fp.SHA256, 64)
}

// fakeStore records orchestration calls so tests can assert on checkpoint
// behavior without a real database.
type fakeStore struct {
	run       contracts.Run
	advanced  []contracts.Stage
	finalized []contracts.RunStatus
	flushes   int
}

func (s *fakeStore) GetOrCreateRun(ctx context.Context, r contracts.Run) (*contracts.Run, error) {
	if s.run.RunID == "" {
		s.run = r
	}
	cp := s.run
	return &cp, nil
}

func (s *fakeStore) AdvanceStage(ctx context.Context, runID string, stage contracts.Stage) error {
	s.advanced = append(s.advanced, stage)
	return nil
}

func (s *fakeStore) FinalizeRun(ctx context.Context, runID string, status contracts.RunStatus, finishedAt time.Time) error {
	s.finalized = append(s.finalized, status)
	return nil
}

func (s *fakeStore) Flush(ctx context.Context) error {
	s.flushes++
	return nil
}

func noopStage(calls *[]string, name string) StageFunc {
	return func(ctx context.Context, run contracts.Run) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestPipelineRunsEveryStageInOrder(t *testing.T) {
	store := &fakeStore{}
	var calls []string
	p := &Pipeline{
		Store:  store,
		Ingest: noopStage(&calls, "ingest"),
		Detect: noopStage(&calls, "detect"),
		Rule:   noopStage(&calls, "rule"),
		LLM:    noopStage(&calls, "llm"),
		Report: noopStage(&calls, "report"),
	}

	run, err := p.Run(context.Background(), contracts.Run{RunID: "r1", RunKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ingest", "detect", "rule", "llm", "report"}, calls)
	assert.Equal(t, contracts.StageReport, run.LastCompletedStage)
	assert.Equal(t, []contracts.RunStatus{contracts.RunStatusSucceeded}, store.finalized)
	assert.Equal(t, 5, store.flushes, "each stage flushes before its checkpoint advances")
}

func TestPipelineResumeSkipsCompletedStages(t *testing.T) {
	store := &fakeStore{run: contracts.Run{
		RunID: "r1", RunKey: "k1", LastCompletedStage: contracts.StageNormalizeABCPersist,
	}}
	var calls []string
	p := &Pipeline{
		Store:  store,
		Ingest: noopStage(&calls, "ingest"),
		Detect: noopStage(&calls, "detect"),
		Rule:   noopStage(&calls, "rule"),
		LLM:    noopStage(&calls, "llm"),
		Report: noopStage(&calls, "report"),
	}

	_, err := p.Run(context.Background(), contracts.Run{RunID: "r1", RunKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rule", "llm", "report"}, calls, "stages at or below the checkpoint must be skipped")
}

func TestPipelineStageFailureFinalizesFailed(t *testing.T) {
	store := &fakeStore{}
	var calls []string
	boom := errors.New("detector exploded")
	p := &Pipeline{
		Store:  store,
		Ingest: noopStage(&calls, "ingest"),
		Detect: func(ctx context.Context, run contracts.Run) error { return boom },
		Rule:   noopStage(&calls, "rule"),
		Report: noopStage(&calls, "report"),
	}

	_, err := p.Run(context.Background(), contracts.Run{RunID: "r1", RunKey: "k1"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"ingest"}, calls, "no stage after the failure may run")
	assert.Equal(t, []contracts.Stage{contracts.StageIngest}, store.advanced)
	assert.Equal(t, []contracts.RunStatus{contracts.RunStatusFailed}, store.finalized)
}
