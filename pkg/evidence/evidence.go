// Package evidence implements C9: the Evidence Bundle Emitter. It writes
// the Standard-conformant evidence bundle — run manifest, shadow-AI and
// agent-activity logs, taxonomy assignments, and a content-addressed
// checksum manifest — with every file written atomically (temp file then
// rename) and checksums computed only after every content file is fsynced.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aimo-labs/evidence-engine/pkg/canonicalize"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// Layout names the bundle's fixed file tree under <out>/evidence_bundle/.
const (
	DirName                   = "evidence_bundle"
	RunManifestFile           = "run_manifest.json"
	EvidencePackManifestFile  = "evidence_pack_manifest.json"
	ShadowAIDiscoveryFile     = "logs/shadow_ai_discovery.jsonl"
	AgentActivityFile         = "logs/agent_activity.jsonl"
	TaxonomyAssignmentsFile   = "analysis/taxonomy_assignments.json"
	ChecksumsFile             = "checksums.json"
	ValidationResultFile      = "validation_result.json"
)

// RunManifest is run_manifest.json: run identity, resolved Standard
// version, engine versions, and the extraction parameters a run used.
type RunManifest struct {
	RunID               string                      `json:"run_id"`
	RunKey              string                      `json:"run_key"`
	InputManifestHash   string                      `json:"input_manifest_hash"`
	TargetRange         string                      `json:"target_range"`
	StartedAt           time.Time                   `json:"started_at"`
	FinishedAt          time.Time                   `json:"finished_at"`
	AimoStandard        StandardRef                 `json:"aimo_standard"`
	EngineVersions      map[string]string           `json:"engine_versions"`
	ExtractionParameters map[string]any              `json:"extraction_parameters"`
}

// StandardRef is the run_manifest.aimo_standard block: version, commit,
// and directory SHA must be non-empty and equal the resolver's output.
type StandardRef struct {
	Version            string `json:"version"`
	Commit             string `json:"commit"`
	ArtifactsDirSHA256 string `json:"artifacts_dir_sha256"`
	ArtifactsZipSHA256 string `json:"artifacts_zip_sha256,omitempty"`
}

// EvidenceFileRef is one entry of evidence_pack_manifest.evidence_files.
type EvidenceFileRef struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	EvType   string `json:"ev_type"`
}

// EvidencePackManifest is evidence_pack_manifest.json: aggregate taxonomy
// codes observed across every signature, by dimension, plus the file index.
type EvidencePackManifest struct {
	RunID          string              `json:"run_id"`
	GeneratedAt    time.Time           `json:"generated_at"`
	AggregateCodes map[string][]string `json:"aggregate_codes"`
	EvidenceFiles  []EvidenceFileRef   `json:"evidence_files"`
	SignatureCount int                 `json:"signature_count"`
}

// ShadowAIDiscoveryRecord is one logs/shadow_ai_discovery.jsonl line: a
// GenAI-classified signature rendered in the Standard's mandated shape.
type ShadowAIDiscoveryRecord struct {
	RecordID          string    `json:"record_id"`
	EventTime         time.Time `json:"event_time"`
	ActorID           string    `json:"actor_id"`
	AIService         string    `json:"ai_service"`
	DataClassification string   `json:"data_classification"`
	Decision          string    `json:"decision"`
	EvidenceRef       string    `json:"evidence_ref"`
	URLSignature      string    `json:"url_signature"`
	RiskLevel         string    `json:"risk_level"`
	Confidence        float64   `json:"confidence"`
}

// AgentActivityRecord is the single logs/agent_activity.jsonl line
// describing this run as an agent action, per the Standard's agent-activity
// shape.
type AgentActivityRecord struct {
	RecordID    string    `json:"record_id"`
	RunID       string    `json:"run_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	InputCount  int       `json:"input_count"`
	OutputCount int       `json:"output_count"`
}

// TaxonomyAssignmentRecord is one analysis/taxonomy_assignments.json entry:
// a signature's full classification result.
type TaxonomyAssignmentRecord struct {
	URLSignature         string                       `json:"url_signature"`
	ServiceName          string                       `json:"service_name"`
	Category             string                       `json:"category"`
	UsageType            string                       `json:"usage_type"`
	RiskLevel            string                       `json:"risk_level"`
	Confidence           float64                      `json:"confidence"`
	ClassificationSource string                       `json:"classification_source"`
	Taxonomy             contracts.TaxonomyAssignment `json:"taxonomy"`
}

// Checksums is checksums.json: the SHA-256 of every other file in the
// bundle, keyed by its path relative to the bundle root.
type Checksums struct {
	Algorithm string            `json:"algorithm"`
	Files     map[string]string `json:"files"`
}

// BundleInput is everything the emitter needs to produce a complete
// evidence bundle for one run.
type BundleInput struct {
	OutDir               string
	Manifest             RunManifest
	ShadowAIDiscoveries  []ShadowAIDiscoveryRecord
	AgentActivity        AgentActivityRecord
	TaxonomyAssignments  []TaxonomyAssignmentRecord
}

// DecisionFromRisk derives the shadow_ai_discovery "decision" field from
// risk_level and confidence: low-confidence rows go to needs_review
// regardless of risk, high-risk rows are blocked, everything else is
// allowed.
func DecisionFromRisk(riskLevel string, confidence float64) string {
	if confidence < 0.5 {
		return "needs_review"
	}
	if riskLevel == "high" || riskLevel == "critical" {
		return "block"
	}
	return "allow"
}

// NewRecordID mints a record_id for bundle entries that require one.
func NewRecordID() string { return uuid.NewString() }

// Emit writes the complete bundle under in.OutDir/evidence_bundle, atomically
// per file, then computes and writes checksums.json over every content
// file. validation_result.json is written separately by the validator once
// every other file is in place.
func Emit(ctx context.Context, in BundleInput) (string, error) {
	root := filepath.Join(in.OutDir, DirName)
	if err := os.MkdirAll(filepath.Join(root, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("evidence: mkdir logs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "analysis"), 0o755); err != nil {
		return "", fmt.Errorf("evidence: mkdir analysis: %w", err)
	}

	if err := writeJSONAtomic(filepath.Join(root, RunManifestFile), in.Manifest); err != nil {
		return "", err
	}

	packManifest := buildPackManifest(in)
	if err := writeJSONAtomic(filepath.Join(root, EvidencePackManifestFile), packManifest); err != nil {
		return "", err
	}

	if err := writeJSONLinesAtomic(filepath.Join(root, ShadowAIDiscoveryFile), toAnySlice(in.ShadowAIDiscoveries)); err != nil {
		return "", err
	}
	if err := writeJSONLinesAtomic(filepath.Join(root, AgentActivityFile), []any{in.AgentActivity}); err != nil {
		return "", err
	}
	if err := writeJSONAtomic(filepath.Join(root, TaxonomyAssignmentsFile), in.TaxonomyAssignments); err != nil {
		return "", err
	}

	if err := fsyncTree(root); err != nil {
		return "", err
	}

	sums, err := computeChecksums(root)
	if err != nil {
		return "", err
	}
	if err := writeJSONAtomic(filepath.Join(root, ChecksumsFile), sums); err != nil {
		return "", err
	}

	return root, nil
}

// WriteValidationResult writes validation_result.json into an already-emitted
// bundle with the same atomic temp-then-rename discipline as every other
// bundle file. It is the validator's one write into the bundle and happens
// after checksums.json, which deliberately does not cover it.
func WriteValidationResult(bundleRoot string, result any) error {
	return writeJSONAtomic(filepath.Join(bundleRoot, ValidationResultFile), result)
}

// dimensions mirrors standard.Dimensions; kept local so evidence does not
// need to import pkg/standard just for this constant list.
var dimensions = []string{"FS", "IM", "UC", "DT", "CH", "RS", "EV", "OB"}

func buildPackManifest(in BundleInput) EvidencePackManifest {
	agg := make(map[string][]string, len(dimensions))
	for _, dim := range dimensions {
		set := make(map[string]bool)
		for _, t := range in.TaxonomyAssignments {
			for _, c := range codesForDimension(t.Taxonomy, dim) {
				set[c] = true
			}
		}
		var codes []string
		for c := range set {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		if len(codes) == 0 && dim != "OB" {
			// Required dimensions always carry a fallback code so the
			// aggregate block itself stays schema-valid even on an empty run.
			codes = []string{dim + "-000"}
		}
		agg[dim] = codes
	}

	files := []EvidenceFileRef{
		{FileID: contentID(RunManifestFile), Filename: RunManifestFile, EvType: "run_manifest"},
		{FileID: contentID(ShadowAIDiscoveryFile), Filename: ShadowAIDiscoveryFile, EvType: "shadow_ai_discovery"},
		{FileID: contentID(AgentActivityFile), Filename: AgentActivityFile, EvType: "agent_activity"},
		{FileID: contentID(TaxonomyAssignmentsFile), Filename: TaxonomyAssignmentsFile, EvType: "taxonomy_assignments"},
	}

	return EvidencePackManifest{
		RunID:          in.Manifest.RunID,
		GeneratedAt:    in.Manifest.FinishedAt,
		AggregateCodes: agg,
		EvidenceFiles:  files,
		SignatureCount: len(in.TaxonomyAssignments),
	}
}

func codesForDimension(t contracts.TaxonomyAssignment, dim string) []string {
	switch dim {
	case "FS":
		if t.FS == "" {
			return nil
		}
		return []string{t.FS}
	case "IM":
		if t.IM == "" {
			return nil
		}
		return []string{t.IM}
	case "UC":
		return t.UC
	case "DT":
		return t.DT
	case "CH":
		return t.CH
	case "RS":
		return t.RS
	case "EV":
		return t.EV
	case "OB":
		return t.OB
	default:
		return nil
	}
}

func contentID(relPath string) string {
	sum, _ := canonicalize.Hash(relPath)
	return sum
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshal %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

func writeJSONLinesAtomic(path string, items []any) error {
	var buf []byte
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("evidence: marshal jsonl %s: %w", path, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return writeAtomic(path, buf)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("evidence: write %s: %w", tmp, err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("evidence: reopen %s: %w", tmp, err)
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return fmt.Errorf("evidence: fsync %s: %w", tmp, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("evidence: close %s: %w", tmp, closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("evidence: rename %s: %w", tmp, err)
	}
	return nil
}

func fsyncTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return f.Sync()
	})
}

func computeChecksums(root string) (Checksums, error) {
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if filepath.ToSlash(rel) == ChecksumsFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = canonicalize.HashBytes(data)
		return nil
	})
	if err != nil {
		return Checksums{}, fmt.Errorf("evidence: compute checksums: %w", err)
	}
	return Checksums{Algorithm: "SHA-256", Files: files}, nil
}
