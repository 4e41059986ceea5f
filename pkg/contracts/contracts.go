// Package contracts defines the canonical data model shared across every
// pipeline stage: run identity, ingested events, signature aggregates, the
// classification cache, taxonomy assignments, and append-only metrics.
//
// Types here are plain records (no behavior beyond validation helpers) so
// that persistence, detection, and classification code can pass them by
// value through the single-writer gateway without hidden state.
package contracts

import (
	"fmt"
	"regexp"
	"time"
)

// RunStatus is the lifecycle state of one pipeline execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// Stage enumerates the orchestrator's checkpointed stages.
type Stage int

const (
	StageInit Stage = iota
	StageIngest
	StageNormalizeABCPersist
	StageRuleClassify
	StageLLMClassify
	StageReport
)

// Run is the identity and checkpoint record of one pipeline execution.
type Run struct {
	RunID               string
	RunKey              string
	InputManifestHash   string
	TargetRange         string
	SignatureVersion    string
	RuleVersion         string
	PromptVersion       string
	TaxonomyVersion     string
	EvidencePackVersion string
	EngineSpecVersion   string
	Status              RunStatus
	LastCompletedStage  Stage
	StartedAt           time.Time
	FinishedAt          time.Time
}

// InputFile records one ingested file's identity and lineage.
type InputFile struct {
	FileID   string
	RunID    string
	FilePath string
	FileSize int64
	FileHash string
	Vendor   string
	LogType  string
	RowCount int64
}

// CanonicalEvent is the normalized representation of one proxy/firewall log
// row. It is ephemeral: the pipeline does not require row-level persistence,
// only the aggregates derived from a stream of these.
type CanonicalEvent struct {
	EventTime   time.Time
	Vendor      string
	UserID      string
	UserDept    string
	DeviceID    string
	SrcIP       string
	DestHost    string
	DestDomain  string
	URLFull     string
	URLPath     string
	URLQuery    string
	HTTPMethod  string
	StatusCode  int
	Action      string
	AppName     string
	AppCategory string
	BytesSent   int64
	BytesRecv   int64
	ContentType string
	UserAgent   string

	// URLSignature is populated by the normalizer (C4) once the event has
	// been routed through it; empty until then.
	URLSignature string

	// CandidateFlags is the pipe-joined subset of {A,B,C,burst,cumulative,
	// sampled} assigned by the detector (C5).
	CandidateFlags string

	IngestLineageHash string
}

// HasFlag reports whether the event carries the given candidate flag.
func (e CanonicalEvent) HasFlag(flag string) bool {
	return hasPipeToken(e.CandidateFlags, flag)
}

func hasPipeToken(joined, token string) bool {
	if joined == "" {
		return false
	}
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == '|' {
			if joined[start:i] == token {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// SignatureStats is the per-run, per-signature aggregate row materialized in
// stage 2.
type SignatureStats struct {
	RunID            string
	URLSignature     string
	NormHost         string
	NormPathTemplate string
	BytesSentBucket  string
	AccessCount      int64
	UniqueUsers      int64
	BytesSentSum     int64
	BytesSentMax     int64
	FirstSeen        time.Time
	LastSeen         time.Time
	CandidateFlags   string
}

// ClassificationSource identifies which component produced a classification.
type ClassificationSource string

const (
	SourceRule  ClassificationSource = "RULE"
	SourceLLM   ClassificationSource = "LLM"
	SourceStub  ClassificationSource = "STUB"
	SourceHuman ClassificationSource = "HUMAN"
)

// CacheStatus is the lifecycle state of a classification cache row.
type CacheStatus string

const (
	CacheStatusActive         CacheStatus = "active"
	CacheStatusNeedsReview    CacheStatus = "needs_review"
	CacheStatusFailedPermanent CacheStatus = "failed_permanent"
)

// TaxonomyAssignment is the 8-dimension classification code set. FS and IM
// carry exactly one code each; UC, DT, CH, RS, EV carry at least one; OB may
// be empty. This type keeps codes in the order given; the persistence layer
// sorts and deduplicates the multi-code dimensions when it stores them.
type TaxonomyAssignment struct {
	FS string   `json:"FS"`
	IM string   `json:"IM"`
	UC []string `json:"UC"`
	DT []string `json:"DT"`
	CH []string `json:"CH"`
	RS []string `json:"RS"`
	EV []string `json:"EV"`
	OB []string `json:"OB,omitempty"`
}

var codePattern = regexp.MustCompile(`^[A-Z]{2}-\d{3}$`)

// singleValueDimensions carry exactly one code; the rest carry at least one
// (OB may be empty).
var singleValueDimensions = map[string]bool{"FS": true, "IM": true}
var atLeastOneDimensions = []string{"UC", "DT", "CH", "RS", "EV"}

// Validate enforces the taxonomy cardinality and code-format rules:
// FS/IM exactly one code, UC/DT/CH/RS/EV at least one code each, OB
// zero or more, every code matching ^[A-Z]{2}-\d{3}$ with its dimension
// prefix. It does not check that a code exists in the Standard's loaded
// dictionary — that membership check belongs to whichever caller holds a
// resolved Taxonomy.
func (t TaxonomyAssignment) Validate() error {
	if err := validateCode("FS", t.FS); err != nil {
		return err
	}
	if t.FS == "" {
		return fmt.Errorf("taxonomy: FS requires exactly one code")
	}
	if err := validateCode("IM", t.IM); err != nil {
		return err
	}
	if t.IM == "" {
		return fmt.Errorf("taxonomy: IM requires exactly one code")
	}

	byDim := map[string][]string{"UC": t.UC, "DT": t.DT, "CH": t.CH, "RS": t.RS, "EV": t.EV, "OB": t.OB}
	for _, dim := range atLeastOneDimensions {
		codes := byDim[dim]
		if len(codes) == 0 {
			return fmt.Errorf("taxonomy: %s requires at least one code", dim)
		}
		for _, c := range codes {
			if err := validateCode(dim, c); err != nil {
				return err
			}
		}
	}
	for _, c := range t.OB {
		if err := validateCode("OB", c); err != nil {
			return err
		}
	}
	return nil
}

func validateCode(dimension, code string) error {
	if code == "" {
		return nil
	}
	if !codePattern.MatchString(code) {
		return fmt.Errorf("taxonomy: code %q does not match ^[A-Z]{2}-\\d{3}$", code)
	}
	if code[:2] != dimension {
		return fmt.Errorf("taxonomy: code %q does not belong to dimension %s", code, dimension)
	}
	return nil
}

// CacheRow is the shared classification cache record, keyed by URLSignature
// alone (cross-run).
type CacheRow struct {
	URLSignature         string
	ServiceName          string
	Category             string
	UsageType            string
	RiskLevel            string
	Confidence           float64
	RationaleShort       string
	ClassificationSource ClassificationSource
	Taxonomy             TaxonomyAssignment
	SignatureVersion     string
	RuleVersion          string
	PromptVersion        string
	TaxonomySchemaVer    string
	Model                string
	Status               CacheStatus
	IsHumanVerified      bool
	FailureCount         int
	ErrorType            string
	ErrorReason          string
	LastErrorAt          time.Time
	AnalysisDate         time.Time
}

// PerformanceMetric is an append-only stage timing/count record.
type PerformanceMetric struct {
	RunID      string
	Stage      Stage
	MetricName string
	Value      float64
	Unit       string
	StartedAt  time.Time
	FinishedAt time.Time
	RecordedAt time.Time
}

// ApiCost is an append-only LLM spend record.
type ApiCost struct {
	RunID            string
	Provider         string
	Model            string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	CostUSDEstimated float64
}

// StandardArtifacts pins the resolved AIMO Standard used by a run.
type StandardArtifacts struct {
	Version            string
	Commit             string
	ArtifactsDirSHA256 string
	ArtifactsZipSHA256 string // optional, empty if not produced
}
