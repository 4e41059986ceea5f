// Package llmclassify implements C7: the LLM Classifier. For every
// signature not already resolved by the rule engine, it obtains a
// Standard-conformant classification from a pluggable Provider, subject to
// a daily token-bucket budget and a disciplined retry policy, and persists
// the result through the single-writer gateway.
package llmclassify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/aimo-labs/evidence-engine/pkg/budget"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// ErrLLMDisabled is returned by New when disabled is true, and by the
// engine's provider selection when it was started with AIMO_DISABLE_LLM=1
// and no stub classifier; callers should skip stage 4 or route to
// the stub classifier instead of treating this as a run failure.
var ErrLLMDisabled = errors.New("llmclassify: disabled via AIMO_DISABLE_LLM")

// ErrorCode names the provider error taxonomy.
type ErrorCode string

const (
	ErrInvalidAPIKey        ErrorCode = "invalid_api_key"
	ErrAuthentication       ErrorCode = "authentication_error"
	ErrInvalidRequest       ErrorCode = "invalid_request_error"
	ErrContextLengthExceeded ErrorCode = "context_length_exceeded"

	ErrRateLimit    ErrorCode = "rate_limit_error"
	ErrTimeout      ErrorCode = "timeout"
	ErrNetwork      ErrorCode = "network_error"
	ErrServer       ErrorCode = "server_error"
	ErrJSONSchema   ErrorCode = "json_schema_error"
)

var permanentCodes = map[ErrorCode]bool{
	ErrInvalidAPIKey:         true,
	ErrAuthentication:        true,
	ErrInvalidRequest:        true,
	ErrContextLengthExceeded: true,
}

// IsPermanent reports whether an error code never benefits from retry.
func (c ErrorCode) IsPermanent() bool { return permanentCodes[c] }

// ProviderError is the typed error a Provider must return so the classifier
// can apply the retry/permanent-error policy without parsing provider-
// specific wire errors itself.
type ProviderError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration // zero if the provider gave no hint
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llmclassify: provider error %s: %s", e.Code, e.Message)
}

// RequestItem is the PII-safe per-signature payload sent to the provider:
// aggregate fields only, nothing that could leak raw URLs or user
// identities.
type RequestItem struct {
	URLSignature     string `json:"url_signature"`
	NormHost         string `json:"norm_host"`
	NormPathTemplate string `json:"norm_path_template"`
	AccessCount      int64  `json:"access_count"`
	BytesSentSum     int64  `json:"bytes_sent_sum"`
}

// BatchRequest is one classification request, typically sized to ≤20
// signatures.
type BatchRequest struct {
	Model string
	Items []RequestItem
}

// RawClassification is the provider's per-signature response element,
// re-validated client-side against the 8-dimension schema regardless of
// whether the provider claims structured-output enforcement.
type RawClassification struct {
	URLSignature   string
	ServiceName    string
	Category       string
	UsageType      string
	RiskLevel      string
	Confidence     float64
	RationaleShort string
	Taxonomy       contracts.TaxonomyAssignment
}

// BatchResponse is a provider's reply to one BatchRequest.
type BatchResponse struct {
	Items []RawClassification
}

// Provider abstracts over a specific LLM vendor's wire protocol. Only the
// request/response contract and error taxonomy are specified here; HTTP
// transport, auth, and model selection are the provider implementation's
// concern.
type Provider interface {
	ClassifyBatch(ctx context.Context, req BatchRequest) (BatchResponse, error)
	Name() string
}

// CacheWriter is the subset of the persistence gateway the classifier needs:
// cache reads for the already-present/failed_permanent skip check, and
// protected writes for results.
type CacheWriter interface {
	GetCacheRow(ctx context.Context, urlSignature string) (*contracts.CacheRow, error)
	UpsertCacheRow(ctx context.Context, row contracts.CacheRow) error
}

// Config configures a Classifier.
type Config struct {
	Provider         Provider
	Cache            CacheWriter
	Budget           *budget.Controller
	SchemaValidate   func(contracts.TaxonomyAssignment) error // defaults to TaxonomyAssignment.Validate
	MaxRetries       int                                      // default 3 (capped at MaxRetries+1 attempts)
	BaseBackoff      time.Duration                            // default 500ms
	MaxBackoff       time.Duration                            // default 30s
	BatchSize        int                                      // default 20
	WorkerPoolSize   int                                      // default 4
	RateLimit        rate.Limit                                // requests/sec to the provider; default 5
	RateBurst        int                                       // default 5
	SignatureVersion string
	RuleVersion      string
	PromptVersion    string
	TaxonomySchemaVer string
	EstInputTokens   int64
	EstOutputTokens  int64
	InputPrice       float64
	OutputPrice      float64
	EstimationBuffer float64 // default 1.0
	Clock            func() time.Time
	Logger           *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.EstimationBuffer == 0 {
		c.EstimationBuffer = 1.0
	}
	if c.SchemaValidate == nil {
		c.SchemaValidate = func(t contracts.TaxonomyAssignment) error { return t.Validate() }
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Candidate is one signature awaiting classification, carrying the
// candidate_flags the budget controller needs to derive priority.
type Candidate struct {
	Signature      RequestItem
	CandidateFlags string
}

// Classifier drives C7 end to end: budget gate, batching, bounded-
// concurrency dispatch, retry, schema re-validation, and cache persistence.
type Classifier struct {
	cfg     Config
	limiter *rate.Limiter
}

// New constructs a Classifier. Returns ErrLLMDisabled immediately if
// disabled is true, so callers (the orchestrator) can skip stage 4 or swap
// in a stub without the caller needing to know the env var name.
func New(cfg Config, disabled bool) (*Classifier, error) {
	if disabled {
		return nil, ErrLLMDisabled
	}
	cfg.applyDefaults()
	return &Classifier{cfg: cfg, limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)}, nil
}

// Coverage summarizes the three pairwise-disjoint outcome sets every
// report counts signatures into.
type Coverage struct {
	Analyzed    int
	NeedsReview int
	Skipped     int
}

// ClassifyAll partitions candidates into batches, decides budget per
// signature, dispatches batches across a bounded worker pool, and persists
// every outcome. It returns once all candidates have reached a terminal
// decision for this run (analyzed, needs_review, or skipped).
func (c *Classifier) ClassifyAll(ctx context.Context, candidates []Candidate) (Coverage, error) {
	var cov Coverage
	var toAnalyze []decidedCandidate

	for _, cand := range candidates {
		existing, err := c.cfg.Cache.GetCacheRow(ctx, cand.Signature.URLSignature)
		if err != nil {
			return cov, fmt.Errorf("llmclassify: read cache: %w", err)
		}
		if existing != nil && (existing.Status == contracts.CacheStatusActive || existing.Status == contracts.CacheStatusFailedPermanent) {
			// Already resolved under the current prompt version; failed_permanent
			// is terminal within a prompt_version per the cache state table.
			if existing.Status == contracts.CacheStatusFailedPermanent && existing.PromptVersion == c.cfg.PromptVersion {
				cov.Skipped++
				continue
			}
			if existing.Status == contracts.CacheStatusActive {
				cov.Analyzed++
				continue
			}
		}

		priority := budget.PriorityFromFlags(cand.CandidateFlags)
		cost := budget.EstimateCost(c.cfg.EstInputTokens, c.cfg.EstOutputTokens, c.cfg.InputPrice, c.cfg.OutputPrice, c.cfg.EstimationBuffer)
		dec, err := c.cfg.Budget.Decide(ctx, priority, cost)
		if err != nil {
			return cov, fmt.Errorf("llmclassify: budget decide: %w", err)
		}
		c.cfg.Logger.Debug("llmclassify: budget decision",
			"url_signature", cand.Signature.URLSignature,
			"priority", priority, "reason", dec.Reason(), "remaining", dec.Remaining)
		if !dec.Analyze {
			if err := c.markSkipped(ctx, cand.Signature.URLSignature, dec.Reason()); err != nil {
				return cov, err
			}
			cov.Skipped++
			continue
		}
		if dec.OverBudget {
			c.cfg.Logger.Warn("llmclassify: analyzing signature over daily budget",
				"url_signature", cand.Signature.URLSignature, "priority", priority, "remaining", dec.Remaining)
		}
		toAnalyze = append(toAnalyze, decidedCandidate{item: cand.Signature, priority: priority, overBudget: dec.OverBudget})
	}

	batches := batchItems(toAnalyze, c.cfg.BatchSize)

	results := make(chan batchOutcome, len(batches))
	sem := make(chan struct{}, c.cfg.WorkerPoolSize)
	for _, b := range batches {
		b := b
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			results <- c.runBatch(ctx, b)
		}()
	}
	for range batches {
		out := <-results
		cov.Analyzed += out.analyzed
		cov.NeedsReview += out.needsReview
		cov.Skipped += out.skipped
	}

	return cov, nil
}

type batchOutcome struct {
	analyzed, needsReview, skipped int
}

// decidedCandidate is a signature the budget controller has cleared for
// analysis this run, carrying the priority it was decided under for
// diagnostics.
type decidedCandidate struct {
	item       RequestItem
	priority   budget.Priority
	overBudget bool
}

func batchItems(items []decidedCandidate, size int) [][]RequestItem {
	var out [][]RequestItem
	var cur []RequestItem
	for _, it := range items {
		cur = append(cur, it.item)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// runBatch dispatches one batch through the retry policy and persists the
// outcome for every signature in it.
func (c *Classifier) runBatch(ctx context.Context, batch []RequestItem) batchOutcome {
	resp, err := c.retryBatch(ctx, batch)
	if err != nil {
		var perr *ProviderError
		code := ErrorCode("unknown")
		if errors.As(err, &perr) {
			code = perr.Code
		}
		for _, item := range batch {
			_ = c.markNeedsReviewOrPermanent(ctx, item.URLSignature, code)
		}
		if code.IsPermanent() {
			return batchOutcome{skipped: len(batch)}
		}
		return batchOutcome{needsReview: len(batch)}
	}

	byID := make(map[string]RawClassification, len(resp.Items))
	for _, r := range resp.Items {
		byID[r.URLSignature] = r
	}

	out := batchOutcome{}
	for _, item := range batch {
		raw, ok := byID[item.URLSignature]
		if !ok {
			_ = c.markNeedsReviewOrPermanent(ctx, item.URLSignature, ErrJSONSchema)
			out.needsReview++
			continue
		}
		if err := c.cfg.SchemaValidate(raw.Taxonomy); err != nil {
			_ = c.markNeedsReviewOrPermanent(ctx, item.URLSignature, ErrJSONSchema)
			out.needsReview++
			continue
		}
		if err := c.persistActive(ctx, raw); err != nil {
			out.needsReview++
			continue
		}
		out.analyzed++
	}
	return out
}

// retryBatch runs the provider call through backoff/v5's generic retry
// driver, classifying permanent errors via backoff.Permanent so the loop
// stops immediately, and computing the exponential-plus-jitter
// delay (clamped to any provider Retry-After hint) for transient ones.
func (c *Classifier) retryBatch(ctx context.Context, batch []RequestItem) (BatchResponse, error) {
	bo := &specBackOff{base: c.cfg.BaseBackoff, max: c.cfg.MaxBackoff}
	currentBatch := batch

	op := func() (BatchResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return BatchResponse{}, backoff.Permanent(err)
		}
		resp, err := c.cfg.Provider.ClassifyBatch(ctx, BatchRequest{Items: currentBatch})
		if err == nil {
			return resp, nil
		}
		var perr *ProviderError
		if errors.As(err, &perr) {
			if perr.Code.IsPermanent() {
				return BatchResponse{}, backoff.Permanent(err)
			}
			if perr.Code == ErrRateLimit && perr.RetryAfter > 0 {
				bo.clampNext(perr.RetryAfter)
			}
			if perr.Code == ErrRateLimit && len(currentBatch) > 1 {
				currentBatch = currentBatch[:len(currentBatch)/2+len(currentBatch)%2]
			}
			return BatchResponse{}, err
		}
		return BatchResponse{}, err
	}

	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)))
}

// specBackOff implements backoff.BackOff with the engine's retry delay:
// base * 2^(attempt-1) + jitter in [0, 300ms], capped at MaxBackoff and
// clamped upward to any provider Retry-After hint for the next call.
type specBackOff struct {
	base, max time.Duration
	attempt   int
	minNext   time.Duration
}

func (b *specBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.base * time.Duration(int64(1)<<uint(b.attempt-1))
	d += time.Duration(rand.Int63n(int64(300 * time.Millisecond)))
	if d > b.max {
		d = b.max
	}
	if d < b.minNext {
		d = b.minNext
	}
	b.minNext = 0
	return d
}

func (b *specBackOff) clampNext(retryAfter time.Duration) {
	b.minNext = retryAfter
}

func (b *specBackOff) Reset() { b.attempt = 0; b.minNext = 0 }

func (c *Classifier) persistActive(ctx context.Context, raw RawClassification) error {
	source := contracts.SourceLLM
	if c.cfg.Provider.Name() == "stub" {
		source = contracts.SourceStub
	}
	row := contracts.CacheRow{
		URLSignature:         raw.URLSignature,
		ServiceName:          raw.ServiceName,
		Category:             raw.Category,
		UsageType:            raw.UsageType,
		RiskLevel:            raw.RiskLevel,
		Confidence:           raw.Confidence,
		RationaleShort:       truncate(raw.RationaleShort, 400),
		ClassificationSource: source,
		Taxonomy:             raw.Taxonomy,
		SignatureVersion:     c.cfg.SignatureVersion,
		RuleVersion:          c.cfg.RuleVersion,
		PromptVersion:        c.cfg.PromptVersion,
		TaxonomySchemaVer:    c.cfg.TaxonomySchemaVer,
		Status:               contracts.CacheStatusActive,
		AnalysisDate:         c.cfg.Clock(),
	}
	return c.cfg.Cache.UpsertCacheRow(ctx, row)
}

func (c *Classifier) markNeedsReviewOrPermanent(ctx context.Context, urlSignature string, code ErrorCode) error {
	status := contracts.CacheStatusNeedsReview
	if code.IsPermanent() {
		status = contracts.CacheStatusFailedPermanent
	}
	row := contracts.CacheRow{
		URLSignature:      urlSignature,
		ClassificationSource: contracts.SourceLLM,
		Status:            status,
		ErrorType:         string(code),
		PromptVersion:     c.cfg.PromptVersion,
		LastErrorAt:       c.cfg.Clock(),
		AnalysisDate:      c.cfg.Clock(),
	}
	return c.cfg.Cache.UpsertCacheRow(ctx, row)
}

func (c *Classifier) markSkipped(ctx context.Context, urlSignature, reason string) error {
	row := contracts.CacheRow{
		URLSignature:         urlSignature,
		ClassificationSource: contracts.SourceLLM,
		Status:               contracts.CacheStatusFailedPermanent,
		ErrorType:             reason,
		PromptVersion:         c.cfg.PromptVersion,
		LastErrorAt:           c.cfg.Clock(),
		AnalysisDate:          c.cfg.Clock(),
	}
	return c.cfg.Cache.UpsertCacheRow(ctx, row)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
