// Command aimo is the evidence engine's single entry point: it ingests one
// proxy/firewall log file, derives URL signatures and A/B/C candidates,
// classifies signatures by rule then by LLM under a daily budget, and emits
// a validated AIMO-Standard evidence bundle.
//
// Exit codes:
//
//	0 = success
//	1 = generic failure (including a bundle that fails validation)
//	2 = Standard pinning mismatch
//	3 = guarded-skip misuse (--skip-pin-check without authorization)
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aimo-labs/evidence-engine/pkg/budget"
	"github.com/aimo-labs/evidence-engine/pkg/config"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
	"github.com/aimo-labs/evidence-engine/pkg/detect"
	"github.com/aimo-labs/evidence-engine/pkg/evidence"
	"github.com/aimo-labs/evidence-engine/pkg/ingest"
	"github.com/aimo-labs/evidence-engine/pkg/llmclassify"
	"github.com/aimo-labs/evidence-engine/pkg/observability"
	"github.com/aimo-labs/evidence-engine/pkg/orchestrator"
	"github.com/aimo-labs/evidence-engine/pkg/persist"
	"github.com/aimo-labs/evidence-engine/pkg/reporting"
	"github.com/aimo-labs/evidence-engine/pkg/rules"
	"github.com/aimo-labs/evidence-engine/pkg/standard"
	"github.com/aimo-labs/evidence-engine/pkg/urlsig"
	"github.com/aimo-labs/evidence-engine/pkg/validator"
)

const (
	engineVersion       = "1.0.0"
	engineSpecVersion   = "1.0.0"
	promptVersion       = "p1"
	evidencePackVersion = "1.0"
)

// Pinned Standard trust anchor. Release builds inject these via -ldflags;
// a build with an empty pinnedStandardVersion carries no pin, so the
// resolver's equality-gated guard never engages.
var (
	pinnedStandardVersion = ""
	pinnedStandardCommit  = ""
	pinnedStandardDirSHA  = ""
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitPinning    = 2
	exitSkipMisuse = 3
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the testable entry point: flags in, exit code out.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("aimo", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		vendor          string
		dbPath          string
		outputDir       string
		standardVersion string
		skipPinCheck    bool
		profilesDir     string
	)
	fs.StringVar(&vendor, "vendor", "paloalto", "Vendor identifier for the input log format")
	fs.StringVar(&dbPath, "db-path", "", "Path to the embedded analysis database (default $AIMO_DB_PATH or ./aimo_evidence.db)")
	fs.StringVar(&outputDir, "output-dir", "", "Directory the evidence bundle is written under (default $AIMO_OUTPUT_DIR or ./output)")
	fs.StringVar(&standardVersion, "standard-version", "", "AIMO Standard version to resolve (default $AIMO_STANDARD_VERSION)")
	fs.BoolVar(&skipPinCheck, "skip-pin-check", false, "Skip the Standard pinning guard (requires AIMO_ALLOW_SKIP_PINNING=1)")
	fs.StringVar(&profilesDir, "profiles-dir", "", "Directory holding vendor mappings, rules, and pricing YAML (default $AIMO_PROFILES_DIR or ./profiles)")

	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: aimo [flags] <input_file>")
		fs.PrintDefaults()
		return exitFailure
	}
	inputPath := fs.Arg(0)

	if skipPinCheck && !isTruthy(os.Getenv(standard.SkipPinningCheckEnvVar)) {
		_, _ = fmt.Fprintf(stderr, "Error: --skip-pin-check requires %s=1\n", standard.SkipPinningCheckEnvVar)
		return exitSkipMisuse
	}

	if standardVersion != "" {
		_ = os.Setenv("AIMO_STANDARD_VERSION", standardVersion)
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if profilesDir != "" {
		cfg.ProfilesDir = profilesDir
	}

	log := newLogger(stderr, cfg)
	slog.SetDefault(log)

	ctx := context.Background()
	eng := &engine{
		cfg:          cfg,
		vendor:       strings.ToLower(vendor),
		inputPath:    inputPath,
		skipPinCheck: skipPinCheck,
		stdout:       stdout,
		log:          log,
	}

	code, err := eng.run(ctx)
	if err != nil {
		log.Error("run failed", "error", err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// engine holds everything one pipeline execution needs, constructed once per
// run and passed down, so nothing behaves as hidden global state.
type engine struct {
	cfg          *config.Config
	vendor       string
	inputPath    string
	skipPinCheck bool
	stdout       io.Writer
	log          *slog.Logger

	gw        *persist.Gateway
	resolver  *standard.Resolver
	resolved  contracts.StandardArtifacts
	taxonomy  *standard.Taxonomy
	schemas   *standard.SchemaSet
	ruleSet   *rules.Set
	mapping   ingest.Mapping
	pii       urlsig.PIIPatterns
	budgetSt  budget.Store
	obs       *observability.Provider
	startedAt time.Time

	// per-invocation pipeline state; repopulated on resume where needed
	fileID     string
	inputFP    orchestrator.InputFileFingerprint
	events     []contracts.CanonicalEvent
	sigComps   map[string]urlsig.Components
	detectMeta detect.Metadata
	cacheHits  int64
	coverage   llmclassify.Coverage
	spentUSD   float64
}

func (e *engine) run(ctx context.Context) (int, error) {
	e.startedAt = time.Now().UTC()

	if err := e.setup(ctx); err != nil {
		var pinErr *standard.PinningError
		if errors.As(err, &pinErr) {
			return exitPinning, err
		}
		return exitFailure, err
	}
	defer e.teardown(ctx)

	identity, err := e.runIdentity()
	if err != nil {
		return exitFailure, err
	}

	pipeline := &orchestrator.Pipeline{
		Store:  e.gw,
		Ingest: e.stageIngest,
		Detect: e.stageDetect,
		Rule:   e.stageRuleClassify,
		LLM:    e.stageLLMClassify,
		Report: e.stageReport,
		Logger: e.log,
	}
	if _, err := pipeline.Run(ctx, identity); err != nil {
		return exitFailure, err
	}
	return exitOK, nil
}

func (e *engine) setup(ctx context.Context) error {
	gw, err := persist.Open(persist.Config{
		Path:        e.cfg.DBPath,
		Logger:      e.log,
		TempDirBase: filepath.Dir(e.cfg.DBPath),
	})
	if err != nil {
		return err
	}
	e.gw = gw

	e.resolver, err = standard.NewResolver(standard.Config{
		Pinned: standard.Pinned{
			Version:   pinnedStandardVersion,
			Commit:    pinnedStandardCommit,
			DirSHA256: pinnedStandardDirSHA,
		},
		Tree:      standard.LocalDirTree{Root: e.cfg.StandardDir},
		CacheRoot: e.cfg.StandardCacheDir,
	})
	if err != nil {
		return err
	}

	e.resolved, err = e.resolver.Resolve(ctx, e.cfg.StandardVersion, e.cfg.StandardCommit,
		standard.ResolveOptions{SkipPinningCheck: e.skipPinCheck})
	if err != nil {
		return err
	}
	e.log.Info("standard resolved",
		"version", e.resolved.Version,
		"commit", e.resolved.Commit,
		"artifacts_dir_sha256", e.resolved.ArtifactsDirSHA256)

	if err := e.loadStandardArtifacts(ctx); err != nil {
		return err
	}

	e.mapping, err = e.loadMapping()
	if err != nil {
		return err
	}
	e.pii = compilePIIPatterns(e.mapping.PIIFieldPatternNames, e.log)

	e.ruleSet, err = e.loadRules()
	if err != nil {
		return err
	}

	if e.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: e.cfg.RedisAddr})
		e.budgetSt = budget.NewRedisBudgetStore(client, e.cfg.DailyBudgetUSD, "aimo")
	} else {
		e.budgetSt = budget.NewMemoryBudgetStore(e.cfg.DailyBudgetUSD)
	}

	e.obs, err = observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		return err
	}

	e.sigComps = make(map[string]urlsig.Components)
	return nil
}

func (e *engine) teardown(ctx context.Context) {
	if e.obs != nil {
		_ = e.obs.Shutdown(ctx)
	}
	if e.gw != nil {
		_ = e.gw.Close()
	}
}

// loadStandardArtifacts pulls the taxonomy dictionary and JSON Schemas out
// of the resolver's content-addressed mirror by their manifest paths.
func (e *engine) loadStandardArtifacts(ctx context.Context) error {
	files, err := e.resolver.ManifestFiles(e.resolved.Version)
	if err != nil {
		return err
	}

	var taxonomyHash string
	schemaRaw := make(map[string][]byte)
	for rel, hash := range files {
		base := filepath.Base(rel)
		switch {
		case strings.Contains(base, "taxonomy") && strings.HasSuffix(base, ".csv"):
			taxonomyHash = hash
		case strings.HasSuffix(base, ".schema.json") || strings.HasSuffix(base, ".json") && strings.Contains(rel, "schema"):
			data, err := e.resolver.Store().Get(ctx, hash)
			if err != nil {
				return fmt.Errorf("load schema %s: %w", rel, err)
			}
			schemaRaw[schemaName(base)] = data
		}
	}
	if taxonomyHash == "" {
		return fmt.Errorf("standard v%s mirror has no taxonomy CSV", e.resolved.Version)
	}

	e.taxonomy, err = standard.LoadTaxonomyDictionary(ctx, e.resolver.Store(), taxonomyHash)
	if err != nil {
		return err
	}

	if len(schemaRaw) > 0 {
		e.schemas, err = standard.NewSchemaSet(schemaRaw)
		if err != nil {
			return err
		}
		if missing := e.schemas.MissingKnownSchemas(); len(missing) > 0 {
			e.log.Warn("standard mirror missing known schemas", "missing", missing)
		}
	} else {
		e.log.Warn("standard mirror contains no JSON schemas; validator falls back to structural checks")
	}
	return nil
}

func schemaName(base string) string {
	name := strings.TrimSuffix(base, ".schema.json")
	return strings.TrimSuffix(name, ".json")
}

// loadMapping resolves the vendor's field mapping: a profiles-dir YAML file
// when present, else the built-in mapping for vendors the engine ships.
// A vendor with neither is fatal at startup.
func (e *engine) loadMapping() (ingest.Mapping, error) {
	m, err := config.LoadVendorMapping(e.cfg.ProfilesDir, e.vendor)
	if err == nil {
		return m, nil
	}
	if builtin, ok := builtinMappings[e.vendor]; ok {
		e.log.Info("using built-in vendor mapping", "vendor", e.vendor)
		return builtin, nil
	}
	return ingest.Mapping{}, fmt.Errorf("no mapping for vendor %q (profile load: %v)", e.vendor, err)
}

func (e *engine) loadRules() (*rules.Set, error) {
	path := filepath.Join(e.cfg.ProfilesDir, "rules.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			e.log.Warn("no rule file found; rule classification stage matches nothing", "path", path)
			return rules.NewSet(nil)
		}
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rules.LoadYAML(data)
}

func (e *engine) runIdentity() (contracts.Run, error) {
	fp, err := orchestrator.Fingerprint(e.inputPath)
	if err != nil {
		return contracts.Run{}, err
	}
	e.inputFP = fp
	e.fileID = sha256Hex(fmt.Sprintf("%s|%d|%d", fp.Path, fp.Size, fp.ModTime.Unix()))

	manifestHash := orchestrator.InputManifestHash([]orchestrator.InputFileFingerprint{fp})
	versions := orchestrator.VersionSet{
		TargetRange:         "all",
		SignatureVersion:    urlsig.SignatureVersion,
		RuleVersion:         e.ruleSet.Version(),
		PromptVersion:       promptVersion,
		TaxonomyVersion:     e.resolved.Version,
		EvidencePackVersion: evidencePackVersion,
		EngineSpecVersion:   engineSpecVersion,
	}
	runKey := orchestrator.RunKey(manifestHash, versions)

	return contracts.Run{
		RunID:               orchestrator.RunID(runKey),
		RunKey:              runKey,
		InputManifestHash:   manifestHash,
		TargetRange:         versions.TargetRange,
		SignatureVersion:    versions.SignatureVersion,
		RuleVersion:         versions.RuleVersion,
		PromptVersion:       versions.PromptVersion,
		TaxonomyVersion:     versions.TaxonomyVersion,
		EvidencePackVersion: versions.EvidencePackVersion,
		EngineSpecVersion:   versions.EngineSpecVersion,
		StartedAt:           e.startedAt,
	}, nil
}

// ensureEvents ingests the input file into memory if this invocation has not
// done so yet. Ingestion is deterministic, so a resumed run re-reading the
// same file reconstructs the identical event stream.
func (e *engine) ensureEvents(ctx context.Context, run contracts.Run) error {
	if e.events != nil {
		return nil
	}
	items, errCh := ingest.Ingest(run.RunID, e.fileID, e.vendor, e.inputPath, e.mapping)
	var events []contracts.CanonicalEvent
	for it := range items {
		if it.Warning != "" {
			e.log.Warn("ingest row skipped", "run_id", run.RunID, "warning", it.Warning)
			continue
		}
		events = append(events, *it.Event)
	}
	if err := <-errCh; err != nil {
		return err
	}
	e.events = events
	return nil
}

func (e *engine) stageIngest(ctx context.Context, run contracts.Run) error {
	done := e.obs.StageTimer(ctx, contracts.StageIngest, "ingest")
	err := e.ensureEvents(ctx, run)
	done(int64(len(e.events)), err)
	if err != nil {
		return err
	}

	return e.gw.Upsert(ctx, "input_files", map[string]any{
		"file_id":   e.fileID,
		"run_id":    run.RunID,
		"file_path": e.inputFP.Path,
		"file_size": e.inputFP.Size,
		"file_hash": e.inputFP.SHA256,
		"vendor":    e.vendor,
		"log_type":  "proxy",
		"row_count": int64(len(e.events)),
	}, []string{"file_id"})
}

func (e *engine) stageDetect(ctx context.Context, run contracts.Run) error {
	done := e.obs.StageTimer(ctx, contracts.StageNormalizeABCPersist, "normalize+abc+persist-stats")
	err := e.detectAndPersist(ctx, run)
	done(int64(len(e.events)), err)
	return err
}

func (e *engine) detectAndPersist(ctx context.Context, run contracts.Run) error {
	if err := e.ensureEvents(ctx, run); err != nil {
		return err
	}

	for i := range e.events {
		ev := &e.events[i]
		comps := urlsig.Build(ev.URLFull, ev.HTTPMethod, ev.BytesSent, e.pii)
		ev.URLSignature = comps.URLSignature
		e.sigComps[comps.URLSignature] = comps
	}

	res := detect.Run(run.RunID, e.events, detect.Options{})
	for _, w := range res.Warnings {
		e.log.Warn("detect event skipped", "run_id", run.RunID, "warning", w)
	}
	e.events = res.Events
	e.detectMeta = res.Metadata

	for _, s := range res.Signatures {
		comps := e.sigComps[s.URLSignature]
		if err := e.gw.Upsert(ctx, "signature_stats", map[string]any{
			"run_id":             s.RunID,
			"url_signature":      s.URLSignature,
			"norm_host":          comps.NormHost,
			"norm_path_template": comps.NormPathTemplate,
			"bytes_sent_bucket":  comps.BytesBucket,
			"access_count":       s.AccessCount,
			"unique_users":       s.UniqueUsers,
			"bytes_sent_sum":     s.BytesSentSum,
			"bytes_sent_max":     s.BytesSentMax,
			"first_seen":         s.FirstSeen,
			"last_seen":          s.LastSeen,
			"candidate_flags":    s.CandidateFlags,
		}, []string{"run_id", "url_signature"}); err != nil {
			return err
		}
	}

	e.log.Info("detection complete",
		"run_id", run.RunID,
		"signatures", len(res.Signatures),
		"count_a", res.Metadata.CountA,
		"count_b", res.Metadata.CountB,
		"count_c", res.Metadata.CountC,
		"sample_rate", res.Metadata.SampleRate)
	return nil
}

func (e *engine) stageRuleClassify(ctx context.Context, run contracts.Run) error {
	done := e.obs.StageTimer(ctx, contracts.StageRuleClassify, "rule-classify")
	err := e.ruleClassify(ctx, run)
	done(0, err)
	return err
}

func (e *engine) ruleClassify(ctx context.Context, run contracts.Run) error {
	stats, err := e.gw.ListSignatureStats(ctx, run.RunID)
	if err != nil {
		return err
	}

	matched := 0
	for _, s := range stats {
		existing, err := e.gw.GetCacheRow(ctx, s.URLSignature)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == contracts.CacheStatusActive {
			e.cacheHits++
			continue
		}

		cls, ok := e.ruleSet.Classify(rules.Signature{
			URLSignature:     s.URLSignature,
			NormHost:         s.NormHost,
			NormPathTemplate: s.NormPathTemplate,
		})
		if !ok {
			continue
		}
		row := contracts.CacheRow{
			URLSignature:         s.URLSignature,
			ServiceName:          cls.ServiceName,
			Category:             cls.Category,
			UsageType:            cls.UsageType,
			RiskLevel:            cls.RiskLevel,
			Confidence:           cls.Confidence,
			RationaleShort:       fmt.Sprintf("rule %s (%s)", cls.RuleID, cls.MatchReason),
			ClassificationSource: cls.ClassificationSource,
			Taxonomy:             cls.Taxonomy,
			SignatureVersion:     run.SignatureVersion,
			RuleVersion:          run.RuleVersion,
			PromptVersion:        run.PromptVersion,
			TaxonomySchemaVer:    run.TaxonomyVersion,
			Status:               contracts.CacheStatusActive,
			AnalysisDate:         time.Now().UTC(),
		}
		if err := e.gw.UpsertCacheRow(ctx, row); err != nil {
			return err
		}
		matched++
	}
	e.log.Info("rule classification complete", "run_id", run.RunID, "matched", matched, "cache_hits", e.cacheHits)
	return nil
}

func (e *engine) stageLLMClassify(ctx context.Context, run contracts.Run) error {
	done := e.obs.StageTimer(ctx, contracts.StageLLMClassify, "llm-classify")
	err := e.llmClassify(ctx, run)
	done(0, err)
	return err
}

func (e *engine) llmClassify(ctx context.Context, run contracts.Run) error {
	provider, err := e.buildProvider()
	if err != nil {
		if errors.Is(err, llmclassify.ErrLLMDisabled) {
			e.log.Info("llm classification disabled, stage skipped", "run_id", run.RunID)
			return nil
		}
		return err
	}

	stats, err := e.gw.ListSignatureStats(ctx, run.RunID)
	if err != nil {
		return err
	}

	var candidates []llmclassify.Candidate
	for _, s := range stats {
		existing, err := e.gw.GetCacheRow(ctx, s.URLSignature)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == contracts.CacheStatusActive {
			continue
		}
		candidates = append(candidates, llmclassify.Candidate{
			Signature: llmclassify.RequestItem{
				URLSignature:     s.URLSignature,
				NormHost:         s.NormHost,
				NormPathTemplate: s.NormPathTemplate,
				AccessCount:      s.AccessCount,
				BytesSentSum:     s.BytesSentSum,
			},
			CandidateFlags: s.CandidateFlags,
		})
	}
	if len(candidates) == 0 {
		e.log.Info("no signatures need llm classification", "run_id", run.RunID)
		return nil
	}

	pricing := e.loadPricing(provider.Name())
	classifier, err := llmclassify.New(llmclassify.Config{
		Provider:          provider,
		Cache:             e.gw,
		Budget:            budget.NewController(e.budgetSt, nil),
		SignatureVersion:  run.SignatureVersion,
		RuleVersion:       run.RuleVersion,
		PromptVersion:     run.PromptVersion,
		TaxonomySchemaVer: run.TaxonomyVersion,
		EstInputTokens:    600,
		EstOutputTokens:   400,
		InputPrice:        pricing.InputPricePer1K / 1000,
		OutputPrice:       pricing.OutputPricePer1K / 1000,
		EstimationBuffer:  1.2,
		Logger:            e.log,
	}, false)
	if err != nil {
		return err
	}

	cov, err := classifier.ClassifyAll(ctx, candidates)
	if err != nil {
		return err
	}
	e.coverage = cov

	day := budget.UTCDay(time.Now())
	remaining, err := e.budgetSt.Remaining(ctx, day)
	if err == nil {
		e.spentUSD = e.cfg.DailyBudgetUSD - remaining
	}

	if err := e.gw.Insert(ctx, "api_costs", map[string]any{
		"run_id":             run.RunID,
		"provider":           provider.Name(),
		"model":              e.cfg.LLMModel,
		"request_count":      int64(cov.Analyzed + cov.NeedsReview),
		"input_tokens":       int64(cov.Analyzed+cov.NeedsReview) * 600,
		"output_tokens":      int64(cov.Analyzed+cov.NeedsReview) * 400,
		"cost_usd_estimated": e.spentUSD,
	}); err != nil {
		return err
	}

	e.log.Info("llm classification complete",
		"run_id", run.RunID,
		"llm_analyzed_count", cov.Analyzed,
		"needs_review_count", cov.NeedsReview,
		"skipped_count", cov.Skipped,
		"budget_spent_usd", e.spentUSD)
	return nil
}

// buildProvider resolves stage 4's classifier backend: the deterministic
// stub when injected via AIMO_CLASSIFIER=stub, a disabled-error when
// AIMO_DISABLE_LLM is set without a stub, the stub again when the configured
// provider name is "stub", else the configured HTTP provider.
func (e *engine) buildProvider() (llmclassify.Provider, error) {
	if e.cfg.UsingStubClassifier() {
		return &llmclassify.StubProvider{Taxonomy: e.taxonomy}, nil
	}
	if e.cfg.DisableLLM {
		return nil, llmclassify.ErrLLMDisabled
	}
	if e.cfg.LLMProvider == "stub" {
		return &llmclassify.StubProvider{Taxonomy: e.taxonomy}, nil
	}
	return &llmclassify.HTTPProvider{
		Endpoint:     e.cfg.LLMEndpoint,
		APIKey:       e.cfg.LLMAPIKey,
		Model:        e.cfg.LLMModel,
		ProviderName: e.cfg.LLMProvider,
		Timeout:      60 * time.Second,
	}, nil
}

func (e *engine) loadPricing(provider string) config.ProviderPricing {
	table, err := config.LoadLLMPricingTable(e.cfg.ProfilesDir)
	if err != nil {
		e.log.Warn("no llm pricing table; cost estimates are zero", "error", err)
		return config.ProviderPricing{Provider: provider}
	}
	if p, ok := table[provider]; ok {
		return p
	}
	return config.ProviderPricing{Provider: provider}
}

func (e *engine) stageReport(ctx context.Context, run contracts.Run) error {
	done := e.obs.StageTimer(ctx, contracts.StageReport, "report")
	err := e.report(ctx, run)
	done(0, err)
	return err
}

func (e *engine) report(ctx context.Context, run contracts.Run) error {
	stats, err := e.gw.ListSignatureStats(ctx, run.RunID)
	if err != nil {
		return err
	}

	finishedAt := time.Now().UTC()
	meta := e.detectMeta
	if meta.AMinBytes == 0 {
		// Resumed past stage 2 in this invocation: report the defaults the
		// original detection ran under.
		opt := detect.Options{}.ResolveDefaults()
		meta = detect.Metadata{
			AMinBytes:          opt.AMinBytes,
			BurstWindowSeconds: int64(opt.BurstWindow / time.Second),
			BurstCount:         opt.BurstCount,
			CumulativeBytes:    opt.CumulativeBytes,
			SampleRate:         opt.SampleRate,
		}
	}
	var assignments []evidence.TaxonomyAssignmentRecord
	var discoveries []evidence.ShadowAIDiscoveryRecord
	var sanitizedRows []reporting.SanitizedRow
	var countA, countB, countC int64

	for _, s := range stats {
		if strings.Contains("|"+s.CandidateFlags+"|", "|A|") {
			countA++
		}
		if strings.Contains("|"+s.CandidateFlags+"|", "|B|") {
			countB++
		}
		if strings.Contains("|"+s.CandidateFlags+"|", "|C|") {
			countC++
		}

		row, err := e.gw.GetCacheRow(ctx, s.URLSignature)
		if err != nil {
			return err
		}
		if row == nil || row.Status != contracts.CacheStatusActive {
			continue
		}

		assignments = append(assignments, evidence.TaxonomyAssignmentRecord{
			URLSignature:         s.URLSignature,
			ServiceName:          row.ServiceName,
			Category:             row.Category,
			UsageType:            row.UsageType,
			RiskLevel:            row.RiskLevel,
			Confidence:           row.Confidence,
			ClassificationSource: string(row.ClassificationSource),
			Taxonomy:             row.Taxonomy,
		})

		if strings.EqualFold(row.UsageType, "genai") {
			discoveries = append(discoveries, evidence.ShadowAIDiscoveryRecord{
				RecordID:           evidence.NewRecordID(),
				EventTime:          s.LastSeen,
				ActorID:            fmt.Sprintf("aggregate:%d-users", s.UniqueUsers),
				AIService:          row.ServiceName,
				DataClassification: dataClassificationFromRisk(row.RiskLevel),
				Decision:           evidence.DecisionFromRisk(row.RiskLevel, row.Confidence),
				EvidenceRef:        evidence.TaxonomyAssignmentsFile,
				URLSignature:       s.URLSignature,
				RiskLevel:          row.RiskLevel,
				Confidence:         row.Confidence,
			})
		}

		sanitizedRows = append(sanitizedRows, reporting.SanitizedRow{
			Timestamp:    s.LastSeen,
			DestDomain:   s.NormHost,
			URLSignature: s.URLSignature,
			ServiceName:  row.ServiceName,
			UsageType:    row.UsageType,
			RiskLevel:    row.RiskLevel,
			Category:     row.Category,
			BytesSent:    s.BytesSentSum,
		})
	}

	bundleRoot, err := evidence.Emit(ctx, evidence.BundleInput{
		OutDir: e.cfg.OutputDir,
		Manifest: evidence.RunManifest{
			RunID:             run.RunID,
			RunKey:            run.RunKey,
			InputManifestHash: run.InputManifestHash,
			TargetRange:       run.TargetRange,
			StartedAt:         run.StartedAt,
			FinishedAt:        finishedAt,
			AimoStandard: evidence.StandardRef{
				Version:            e.resolved.Version,
				Commit:             e.resolved.Commit,
				ArtifactsDirSHA256: e.resolved.ArtifactsDirSHA256,
				ArtifactsZipSHA256: e.resolved.ArtifactsZipSHA256,
			},
			EngineVersions: map[string]string{
				"engine":        engineVersion,
				"engine_spec":   engineSpecVersion,
				"signature":     run.SignatureVersion,
				"rules":         run.RuleVersion,
				"prompt":        run.PromptVersion,
				"evidence_pack": evidencePackVersion,
			},
			ExtractionParameters: map[string]any{
				"a_min_bytes":          meta.AMinBytes,
				"burst_window_seconds": meta.BurstWindowSeconds,
				"burst_count":          meta.BurstCount,
				"cumulative_bytes":     meta.CumulativeBytes,
				"sample_rate":          meta.SampleRate,
				"sampling_seed":        run.RunID,
				"vendor":               e.vendor,
			},
		},
		ShadowAIDiscoveries: discoveries,
		AgentActivity: evidence.AgentActivityRecord{
			RecordID:    evidence.NewRecordID(),
			RunID:       run.RunID,
			ActorID:     "aimo-evidence-engine/" + engineVersion,
			Action:      "analyze_proxy_logs",
			StartedAt:   run.StartedAt,
			FinishedAt:  finishedAt,
			InputCount:  len(e.events),
			OutputCount: len(assignments),
		},
		TaxonomyAssignments: assignments,
	})
	if err != nil {
		return err
	}

	result, err := validator.Validate(ctx, validator.Input{
		BundleRoot:      bundleRoot,
		StandardVersion: e.resolved.Version,
		Schemas:         e.schemas,
		Taxonomy:        e.taxonomy,
	})
	if err != nil {
		return err
	}
	if err := evidence.WriteValidationResult(bundleRoot, result); err != nil {
		return err
	}

	if e.cfg.SanitizeSalt != "" {
		anon, err := reporting.NewAnonymizer(e.cfg.SanitizeSalt)
		if err != nil {
			return err
		}
		csvPath := filepath.Join(e.cfg.OutputDir, "sanitized_signatures.csv")
		if _, err := reporting.WriteSanitizedCSV(csvPath, sanitizedRows, anon, 0); err != nil {
			return err
		}
	}

	if err := e.persistMetrics(ctx, run.RunID); err != nil {
		return err
	}

	var inputRows int64
	if e.events != nil {
		inputRows = int64(len(e.events))
	} else {
		_ = e.gw.ReadDB().QueryRowContext(ctx,
			`SELECT COALESCE(SUM(row_count), 0) FROM input_files WHERE run_id = ?`, run.RunID).Scan(&inputRows)
	}

	kpi := reporting.KPISummary{
		RunID:            run.RunID,
		InputRows:        inputRows,
		UniqueSignatures: int64(len(stats)),
		CacheHits:        e.cacheHits,
		CountA:           countA,
		CountB:           countB,
		CountC:           countC,
		BudgetSpentUSD:   e.spentUSD,
		BudgetCapUSD:     e.cfg.DailyBudgetUSD,
		BundlePath:       bundleRoot,
		ValidationPassed: result.Passed,
		ValidationStatus: result.Status,
		Elapsed:          time.Since(e.startedAt).Round(time.Millisecond).String(),
	}
	if err := reporting.WriteKPISummary(e.stdout, kpi); err != nil {
		return err
	}

	if !result.Passed {
		return fmt.Errorf("bundle validation failed: %d error(s), see %s",
			result.ErrorCount, filepath.Join(bundleRoot, evidence.ValidationResultFile))
	}
	return nil
}

func (e *engine) persistMetrics(ctx context.Context, runID string) error {
	metrics, err := e.obs.Collect(ctx, runID)
	if err != nil {
		return err
	}
	for _, m := range metrics {
		if err := e.gw.Insert(ctx, "performance_metrics", map[string]any{
			"run_id":      m.RunID,
			"stage":       int(m.Stage),
			"metric_name": m.MetricName,
			"value":       m.Value,
			"unit":        m.Unit,
			"started_at":  m.StartedAt,
			"finished_at": m.FinishedAt,
			"recorded_at": m.RecordedAt,
		}); err != nil {
			return err
		}
	}
	return e.gw.Flush(ctx)
}

func dataClassificationFromRisk(riskLevel string) string {
	switch strings.ToLower(riskLevel) {
	case "critical", "high":
		return "restricted"
	case "medium":
		return "confidential"
	default:
		return "internal"
	}
}

func compilePIIPatterns(patterns []string, log *slog.Logger) urlsig.PIIPatterns {
	var out urlsig.PIIPatterns
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn("skipping invalid pii pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// builtinMappings are the vendor field mappings the engine ships, used when
// the profiles directory has no mapping_<vendor>.yaml override.
var builtinMappings = map[string]ingest.Mapping{
	"paloalto": {
		Vendor:            "paloalto",
		TimestampFields:   []string{"receive_time", "time_generated", "timestamp"},
		BytesSentFields:   []string{"bytes_sent", "sent_bytes"},
		BytesRecvFields:   []string{"bytes_received", "received_bytes"},
		URLFields:         []string{"url", "misc", "uri"},
		UserIDFields:      []string{"srcuser", "source_user", "user"},
		SrcIPFields:       []string{"src", "src_ip", "source_address"},
		ActionFields:      []string{"action"},
		HTTPMethodFields:  []string{"http_method", "method"},
		StatusCodeFields:  []string{"http_status", "status"},
		AppCategoryFields: []string{"category", "app_category"},
		AppNameFields:     []string{"app", "application"},
		ContentTypeFields: []string{"content_type"},
		UserAgentFields:   []string{"user_agent"},
		RawEventIDFields:  []string{"serial", "seqno"},
		ActionMap: map[string]string{
			"allow": "allow", "alert": "allow",
			"deny": "deny", "drop": "deny", "block-url": "deny", "reset-both": "deny",
		},
		DefaultAction: "unknown",
	},
	"zscaler": {
		Vendor:            "zscaler",
		TimestampFields:   []string{"datetime", "time", "timestamp"},
		BytesSentFields:   []string{"reqsize", "bytes_out"},
		BytesRecvFields:   []string{"respsize", "bytes_in"},
		URLFields:         []string{"url", "eurl"},
		UserIDFields:      []string{"login", "user"},
		UserDeptFields:    []string{"dept", "department"},
		DeviceIDFields:    []string{"devicehostname", "device_id"},
		SrcIPFields:       []string{"cip", "client_ip"},
		ActionFields:      []string{"action"},
		HTTPMethodFields:  []string{"reqmethod", "method"},
		StatusCodeFields:  []string{"respcode", "status"},
		AppCategoryFields: []string{"appclass", "urlclass"},
		AppNameFields:     []string{"appname"},
		ContentTypeFields: []string{"contenttype"},
		UserAgentFields:   []string{"ua", "useragent"},
		RawEventIDFields:  []string{"recordid"},
		ActionMap: map[string]string{
			"allowed": "allow", "allow": "allow",
			"blocked": "deny", "block": "deny", "denied": "deny",
		},
		DefaultAction: "unknown",
	},
}
