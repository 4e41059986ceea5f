// Package orchestrator implements C8: the Orchestrator. It computes a
// deterministic run identity from input fingerprints and versions, drives
// the pipeline's checkpointed stages in order, and guarantees that
// resuming a run with identical inputs re-executes only the stages past
// its last completed checkpoint.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// InputFileFingerprint is one entry of the input manifest: a file's path,
// size, modification time, and content hash.
type InputFileFingerprint struct {
	Path    string
	Size    int64
	ModTime time.Time
	SHA256  string
}

// Fingerprint stats and hashes a file at path for manifest construction.
func Fingerprint(path string) (InputFileFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return InputFileFingerprint{}, fmt.Errorf("orchestrator: stat %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return InputFileFingerprint{}, fmt.Errorf("orchestrator: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return InputFileFingerprint{}, fmt.Errorf("orchestrator: hash %s: %w", path, err)
	}

	return InputFileFingerprint{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// InputManifestHash computes sha256 over a newline-joined, path-sorted list
// of "path|size|mtime|sha256(content)" entries.
// Hashing may parallelize per-file by callers building the fingerprint
// slice; this function itself is a pure, order-independent reduction.
func InputManifestHash(files []InputFileFingerprint) string {
	sorted := make([]InputFileFingerprint, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var lines []string
	for _, f := range sorted {
		lines = append(lines, fmt.Sprintf("%s|%d|%d|%s", f.Path, f.Size, f.ModTime.Unix(), f.SHA256))
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// VersionSet names every version component folded into run_key, beyond the
// input manifest hash.
type VersionSet struct {
	TargetRange         string
	SignatureVersion    string
	RuleVersion         string
	PromptVersion       string
	TaxonomyVersion     string
	EvidencePackVersion string
	EngineSpecVersion   string
}

// RunKey computes run_key = sha256(input_manifest_hash | target_range |
// signature_version | rule_version | prompt_version | taxonomy_version |
// evidence_pack_version | engine_spec_version).
func RunKey(inputManifestHash string, v VersionSet) string {
	joined := strings.Join([]string{
		inputManifestHash, v.TargetRange, v.SignatureVersion, v.RuleVersion,
		v.PromptVersion, v.TaxonomyVersion, v.EvidencePackVersion, v.EngineSpecVersion,
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// RunID derives the primary key from run_key: its first 16 hex characters.
func RunID(runKey string) string {
	if len(runKey) < 16 {
		return runKey
	}
	return runKey[:16]
}

// RunStore is the subset of the persistence gateway the orchestrator needs
// for run identity and checkpointing.
type RunStore interface {
	GetOrCreateRun(ctx context.Context, r contracts.Run) (*contracts.Run, error)
	AdvanceStage(ctx context.Context, runID string, stage contracts.Stage) error
	FinalizeRun(ctx context.Context, runID string, status contracts.RunStatus, finishedAt time.Time) error
	Flush(ctx context.Context) error
}

// StageFunc executes one stage's work for a resolved run. It must itself be
// idempotent with respect to the gateway's upsert semantics, since a
// crash-and-resume may re-enter the stage that was running at the time of
// interruption if the checkpoint write never completed.
type StageFunc func(ctx context.Context, run contracts.Run) error

// Pipeline names the StageFunc for each of the five post-init stages, run in
// strict sequence; stage N+1 starts only after stage N's writer flush
// completes.
type Pipeline struct {
	Store   RunStore
	Ingest  StageFunc
	Detect  StageFunc
	Rule    StageFunc
	LLM     StageFunc
	Report  StageFunc
	Logger  *slog.Logger
	Clock   func() time.Time
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) clock() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// stages lists the ordered (stage number, function) pairs beyond StageInit.
func (p *Pipeline) stages() []struct {
	stage contracts.Stage
	fn    StageFunc
	name  string
} {
	return []struct {
		stage contracts.Stage
		fn    StageFunc
		name  string
	}{
		{contracts.StageIngest, p.Ingest, "ingest"},
		{contracts.StageNormalizeABCPersist, p.Detect, "normalize+abc+persist-stats"},
		{contracts.StageRuleClassify, p.Rule, "rule-classify"},
		{contracts.StageLLMClassify, p.LLM, "llm-classify"},
		{contracts.StageReport, p.Report, "report"},
	}
}

// Run executes get_or_create_run followed by every stage whose number
// exceeds the run's last_completed_stage, advancing the checkpoint after
// each success and finalizing run status on completion or failure.
func (p *Pipeline) Run(ctx context.Context, identity contracts.Run) (contracts.Run, error) {
	log := p.logger()

	run, err := p.Store.GetOrCreateRun(ctx, identity)
	if err != nil {
		return contracts.Run{}, fmt.Errorf("orchestrator: get_or_create_run: %w", err)
	}
	log.Info("orchestrator: run resolved", "run_id", run.RunID, "last_completed_stage", run.LastCompletedStage)

	for _, s := range p.stages() {
		if run.LastCompletedStage >= s.stage {
			log.Info("orchestrator: skipping completed stage", "run_id", run.RunID, "stage", s.name)
			continue
		}
		if s.fn == nil {
			continue
		}

		started := p.clock()
		log.Info("orchestrator: stage starting", "run_id", run.RunID, "stage", s.name)
		if err := s.fn(ctx, *run); err != nil {
			log.Error("orchestrator: stage failed", "run_id", run.RunID, "stage", s.name, "error", err)
			if finErr := p.Store.FinalizeRun(ctx, run.RunID, contracts.RunStatusFailed, p.clock()); finErr != nil {
				log.Error("orchestrator: finalize-on-failure also failed", "run_id", run.RunID, "error", finErr)
			}
			return *run, fmt.Errorf("orchestrator: stage %s: %w", s.name, err)
		}

		if err := p.Store.Flush(ctx); err != nil {
			return *run, fmt.Errorf("orchestrator: flush after stage %s: %w", s.name, err)
		}
		if err := p.Store.AdvanceStage(ctx, run.RunID, s.stage); err != nil {
			return *run, fmt.Errorf("orchestrator: advance stage %s: %w", s.name, err)
		}
		run.LastCompletedStage = s.stage
		log.Info("orchestrator: stage completed", "run_id", run.RunID, "stage", s.name, "elapsed", p.clock().Sub(started))
	}

	if err := p.Store.FinalizeRun(ctx, run.RunID, contracts.RunStatusSucceeded, p.clock()); err != nil {
		log.Warn("orchestrator: finalize-on-success failed, last_completed_stage still authoritative", "run_id", run.RunID, "error", err)
	}
	return *run, nil
}
