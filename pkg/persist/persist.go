// Package persist implements C1: the Persistence Gateway. A single writer
// goroutine serializes every mutation of runs, input files, signature
// aggregates, the classification cache, and metrics onto one SQLite
// connection; reads go through a separate, concurrent read handle.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aimo-labs/evidence-engine/pkg/canonicalize"
	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// nonUpdatableColumns lists, per table, the columns an upsert may never
// place in its UPDATE clause — primary keys and the small set of
// indexed/immutable columns that must never change through a generic upsert.
var nonUpdatableColumns = map[string]map[string]bool{
	"runs": {
		"run_id": true,
		"status": true,
	},
	"classification_cache": {
		"url_signature":     true,
		"usage_type":        true,
		"is_human_verified": true,
	},
	"input_files": {
		"file_id": true,
	},
	"signature_stats": {
		"run_id":        true,
		"url_signature": true,
	},
}

// op is one queued write operation.
type op struct {
	kind      opKind
	table     string
	row       map[string]any
	conflict  []string
	predicate map[string]any
	result    chan error
}

type opKind int

const (
	opUpsert opKind = iota
	opInsert
	opUpdate
	opFlush
)

// ErrQueueFull is returned when the writer's queue cannot accept another
// operation before its deadline.
var ErrQueueFull = fmt.Errorf("persist: writer queue full")

// ErrNoUpdatableColumns is a design error: an upsert whose payload consists
// entirely of non-updatable columns can never express an update.
var ErrNoUpdatableColumns = fmt.Errorf("persist: upsert has no updatable columns")

// Gateway owns the single writer task and a concurrent read connection.
type Gateway struct {
	writeDB *sql.DB
	readDB  *sql.DB
	queue   chan op
	done    chan struct{}
	log     *slog.Logger
	tempDir string
}

// Config configures a Gateway.
type Config struct {
	Path        string // sqlite file path; ":memory:" is permitted for tests
	QueueSize   int    // default 1024
	FlushEvery  time.Duration
	Logger      *slog.Logger
	TempDirBase string // parent dir for the database-local temp area
}

// Open creates (or reuses) the SQLite database at cfg.Path, runs migrations,
// starts the writer goroutine, and returns a ready Gateway.
func Open(cfg Config) (*Gateway, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	writeDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("persist: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("persist: open read handle: %w", err)
	}

	g := &Gateway{
		writeDB: writeDB,
		readDB:  readDB,
		queue:   make(chan op, cfg.QueueSize),
		done:    make(chan struct{}),
		log:     cfg.Logger,
	}

	if err := g.migrate(); err != nil {
		return nil, err
	}

	tempDir, err := g.setupTempDir(cfg.TempDirBase)
	if err != nil {
		return nil, err
	}
	g.tempDir = tempDir
	g.log.Info("persist: temp area configured", "path", tempDir)

	go g.writerLoop()
	return g, nil
}

// TempDir returns the database-local temp directory configured at startup.
func (g *Gateway) TempDir() string { return g.tempDir }

// ReadDB exposes the concurrent read handle for query code outside this
// package (reporting, validator).
func (g *Gateway) ReadDB() *sql.DB { return g.readDB }

func (g *Gateway) setupTempDir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	dir, err := os.MkdirTemp(base, "aimo-persist-*")
	if err != nil {
		return "", fmt.Errorf("persist: create temp dir: %w", err)
	}
	return dir, nil
}

func (g *Gateway) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			run_key TEXT NOT NULL,
			input_manifest_hash TEXT,
			target_range TEXT,
			signature_version TEXT,
			rule_version TEXT,
			prompt_version TEXT,
			taxonomy_version TEXT,
			evidence_pack_version TEXT,
			engine_spec_version TEXT,
			status TEXT,
			last_completed_stage INTEGER,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS input_files (
			file_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			file_path TEXT,
			file_size INTEGER,
			file_hash TEXT,
			vendor TEXT,
			log_type TEXT,
			row_count INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS signature_stats (
			run_id TEXT NOT NULL,
			url_signature TEXT NOT NULL,
			norm_host TEXT,
			norm_path_template TEXT,
			bytes_sent_bucket TEXT,
			access_count INTEGER,
			unique_users INTEGER,
			bytes_sent_sum INTEGER,
			bytes_sent_max INTEGER,
			first_seen DATETIME,
			last_seen DATETIME,
			candidate_flags TEXT,
			PRIMARY KEY (run_id, url_signature)
		)`,
		`CREATE TABLE IF NOT EXISTS classification_cache (
			url_signature TEXT PRIMARY KEY,
			service_name TEXT,
			category TEXT,
			usage_type TEXT,
			risk_level TEXT,
			confidence REAL,
			rationale_short TEXT,
			classification_source TEXT,
			taxonomy_json TEXT,
			signature_version TEXT,
			rule_version TEXT,
			prompt_version TEXT,
			taxonomy_schema_version TEXT,
			model TEXT,
			status TEXT,
			is_human_verified INTEGER,
			failure_count INTEGER,
			error_type TEXT,
			error_reason TEXT,
			last_error_at DATETIME,
			analysis_date DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			run_id TEXT,
			stage INTEGER,
			metric_name TEXT,
			value REAL,
			unit TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			recorded_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS api_costs (
			run_id TEXT,
			provider TEXT,
			model TEXT,
			request_count INTEGER,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cost_usd_estimated REAL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := g.writeDB.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("persist: migrate: %w", err)
		}
	}
	return nil
}

// Close stops the writer goroutine after draining the queue and closes both
// connections.
func (g *Gateway) Close() error {
	close(g.queue)
	<-g.done
	if err := g.writeDB.Close(); err != nil {
		return err
	}
	return g.readDB.Close()
}

func (g *Gateway) writerLoop() {
	defer close(g.done)
	for o := range g.queue {
		var err error
		switch o.kind {
		case opUpsert:
			err = g.execUpsert(o.table, o.row, o.conflict)
		case opInsert:
			err = g.execInsert(o.table, o.row)
		case opUpdate:
			err = g.execUpdate(o.table, o.row, o.predicate)
		case opFlush:
			err = nil
		}
		if o.result != nil {
			o.result <- err
		}
	}
}

// enqueue submits an operation and blocks until the writer has processed it
// or the context is done.
func (g *Gateway) enqueue(ctx context.Context, o op) error {
	o.result = make(chan error, 1)
	select {
	case g.queue <- o:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
	select {
	case err := <-o.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

// Upsert queues an insert-or-on-conflict-update keyed by conflictCols.
// Conflict columns and any column named in nonUpdatableColumns for the table
// are excluded from the UPDATE clause. If that leaves no updatable columns,
// ErrNoUpdatableColumns is returned without touching the database.
func (g *Gateway) Upsert(ctx context.Context, table string, row map[string]any, conflictCols []string) error {
	updatable := updatableColumns(table, row, conflictCols)
	if len(updatable) == 0 {
		return fmt.Errorf("%w: table=%s", ErrNoUpdatableColumns, table)
	}
	return g.enqueue(ctx, op{kind: opUpsert, table: table, row: row, conflict: conflictCols})
}

// Insert queues a plain insert (used for append-only tables: metrics, costs).
func (g *Gateway) Insert(ctx context.Context, table string, row map[string]any) error {
	return g.enqueue(ctx, op{kind: opInsert, table: table, row: row})
}

// Update queues a direct UPDATE of the columns in row for every row matching
// predicate (column = value, AND-joined). Unlike Upsert it may touch columns
// in nonUpdatableColumns — it is the escape hatch for deliberate transitions
// of otherwise-immutable columns (run status), and it never inserts.
func (g *Gateway) Update(ctx context.Context, table string, row map[string]any, predicate map[string]any) error {
	if len(row) == 0 {
		return fmt.Errorf("%w: table=%s", ErrNoUpdatableColumns, table)
	}
	return g.enqueue(ctx, op{kind: opUpdate, table: table, row: row, predicate: predicate})
}

// Flush blocks until every operation queued before this call has been
// processed by the writer.
func (g *Gateway) Flush(ctx context.Context) error {
	return g.enqueue(ctx, op{kind: opFlush})
}

func updatableColumns(table string, row map[string]any, conflictCols []string) []string {
	excluded := make(map[string]bool)
	for _, c := range conflictCols {
		excluded[c] = true
	}
	for c := range nonUpdatableColumns[table] {
		excluded[c] = true
	}
	var out []string
	for col := range row {
		if !excluded[col] {
			out = append(out, col)
		}
	}
	return out
}

func (g *Gateway) execInsert(table string, row map[string]any) error {
	cols, args := orderedColumns(row)
	placeholders := placeholderList(len(cols))
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinCols(cols), placeholders)
	_, err := g.writeDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("persist: insert into %s: %w", table, err)
	}
	return nil
}

func (g *Gateway) execUpsert(table string, row map[string]any, conflictCols []string) error {
	cols, args := orderedColumns(row)
	placeholders := placeholderList(len(cols))
	updatable := updatableColumns(table, row, conflictCols)

	updateClauses := make([]string, 0, len(updatable))
	for _, c := range updatable {
		updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, joinCols(cols), placeholders, joinCols(conflictCols), joinCols(updateClauses),
	)
	_, err := g.writeDB.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("persist: upsert into %s: %w", table, err)
	}
	return nil
}

func (g *Gateway) execUpdate(table string, row map[string]any, predicate map[string]any) error {
	setCols, setArgs := orderedColumns(row)
	setClauses := make([]string, 0, len(setCols))
	for _, c := range setCols {
		setClauses = append(setClauses, c+" = ?")
	}

	query := fmt.Sprintf("UPDATE %s SET %s", table, joinCols(setClauses))
	args := setArgs
	if len(predicate) > 0 {
		whereCols, whereArgs := orderedColumns(predicate)
		whereClauses := make([]string, 0, len(whereCols))
		for _, c := range whereCols {
			whereClauses = append(whereClauses, c+" = ?")
		}
		query += " WHERE " + joinWith(whereClauses, " AND ")
		args = append(args, whereArgs...)
	}

	if _, err := g.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("persist: update %s: %w", table, err)
	}
	return nil
}

func joinWith(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func orderedColumns(row map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	// Stable, deterministic column order: sort so generated SQL (and thus
	// placeholder/arg pairing) is reproducible across runs for the same row
	// shape, which matters for golden-query tests.
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j-1] > cols[j]; j-- {
			cols[j-1], cols[j] = cols[j], cols[j-1]
		}
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return cols, args
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func placeholderList(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

// DedupeUpserts collapses a batch of (table, conflictKey) -> row writes so
// that within one flushed batch, multiple upserts targeting the same primary
// key collapse to the last one. Order of first appearance is preserved for
// the surviving rows.
func DedupeUpserts(rows []map[string]any, keyCols []string) []map[string]any {
	order := make([]string, 0, len(rows))
	latest := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		key := compositeKey(row, keyCols)
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = row
	}
	out := make([]map[string]any, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

func compositeKey(row map[string]any, keyCols []string) string {
	key := ""
	for i, c := range keyCols {
		if i > 0 {
			key += "\x00"
		}
		key += fmt.Sprintf("%v", row[c])
	}
	return key
}

// GetCacheRow reads the current classification cache row for a signature, or
// nil if none exists.
func (g *Gateway) GetCacheRow(ctx context.Context, urlSignature string) (*contracts.CacheRow, error) {
	row := g.readDB.QueryRowContext(ctx, `
		SELECT url_signature, service_name, category, usage_type, risk_level, confidence,
		       rationale_short, classification_source, taxonomy_json, signature_version, rule_version,
		       prompt_version, taxonomy_schema_version, model, status, is_human_verified,
		       failure_count, error_type, error_reason, last_error_at, analysis_date
		FROM classification_cache WHERE url_signature = ?`, urlSignature)

	var c contracts.CacheRow
	var humanVerified int
	var model, errType, errReason, taxonomyJSON sql.NullString
	var lastErrorAt sql.NullTime
	err := row.Scan(&c.URLSignature, &c.ServiceName, &c.Category, &c.UsageType, &c.RiskLevel,
		&c.Confidence, &c.RationaleShort, &c.ClassificationSource, &taxonomyJSON, &c.SignatureVersion,
		&c.RuleVersion, &c.PromptVersion, &c.TaxonomySchemaVer, &model, &c.Status,
		&humanVerified, &c.FailureCount, &errType, &errReason, &lastErrorAt, &c.AnalysisDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get cache row: %w", err)
	}
	c.Model = model.String
	c.ErrorType = errType.String
	c.ErrorReason = errReason.String
	if lastErrorAt.Valid {
		c.LastErrorAt = lastErrorAt.Time
	}
	c.IsHumanVerified = humanVerified != 0
	if taxonomyJSON.Valid && taxonomyJSON.String != "" {
		if err := json.Unmarshal([]byte(taxonomyJSON.String), &c.Taxonomy); err != nil {
			return nil, fmt.Errorf("persist: decode taxonomy_json for %s: %w", urlSignature, err)
		}
	}
	return &c, nil
}

// ListSignatureStats reads every signature_stats row for a run, ordered by
// url_signature for deterministic iteration by downstream stages.
func (g *Gateway) ListSignatureStats(ctx context.Context, runID string) ([]contracts.SignatureStats, error) {
	rows, err := g.readDB.QueryContext(ctx, `
		SELECT run_id, url_signature, norm_host, norm_path_template, bytes_sent_bucket,
		       access_count, unique_users, bytes_sent_sum, bytes_sent_max, first_seen, last_seen, candidate_flags
		FROM signature_stats WHERE run_id = ? ORDER BY url_signature`, runID)
	if err != nil {
		return nil, fmt.Errorf("persist: list signature stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.SignatureStats
	for rows.Next() {
		var s contracts.SignatureStats
		if err := rows.Scan(&s.RunID, &s.URLSignature, &s.NormHost, &s.NormPathTemplate, &s.BytesSentBucket,
			&s.AccessCount, &s.UniqueUsers, &s.BytesSentSum, &s.BytesSentMax, &s.FirstSeen, &s.LastSeen, &s.CandidateFlags); err != nil {
			return nil, fmt.Errorf("persist: scan signature stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertCacheRow writes a classification cache row, honoring human-verified
// protection: if the existing row is human-verified, only last_error_at is
// written and the attempt is logged as discarded.
func (g *Gateway) UpsertCacheRow(ctx context.Context, row contracts.CacheRow) error {
	existing, err := g.GetCacheRow(ctx, row.URLSignature)
	if err != nil {
		return err
	}

	payload := cacheRowToMap(row)

	if existing != nil && existing.IsHumanVerified {
		g.log.Warn("persist: discarding write to human-verified cache row",
			"url_signature", row.URLSignature,
			"attempted_status", row.Status,
			"preserved_status", existing.Status,
		)
		return g.Upsert(ctx, "classification_cache", map[string]any{
			"url_signature": row.URLSignature,
			"last_error_at": row.LastErrorAt,
		}, []string{"url_signature"})
	}

	return g.Upsert(ctx, "classification_cache", payload, []string{"url_signature"})
}

func cacheRowToMap(row contracts.CacheRow) map[string]any {
	taxonomyJSON, _ := marshalTaxonomy(row.Taxonomy)
	return map[string]any{
		"url_signature":           row.URLSignature,
		"service_name":            row.ServiceName,
		"category":                row.Category,
		"usage_type":              row.UsageType,
		"risk_level":              row.RiskLevel,
		"confidence":              row.Confidence,
		"rationale_short":         row.RationaleShort,
		"classification_source":   string(row.ClassificationSource),
		"taxonomy_json":           taxonomyJSON,
		"signature_version":       row.SignatureVersion,
		"rule_version":            row.RuleVersion,
		"prompt_version":          row.PromptVersion,
		"taxonomy_schema_version": row.TaxonomySchemaVer,
		"model":                   row.Model,
		"status":                  string(row.Status),
		"is_human_verified":       boolToInt(row.IsHumanVerified),
		"failure_count":           row.FailureCount,
		"error_type":              row.ErrorType,
		"error_reason":            row.ErrorReason,
		"last_error_at":           row.LastErrorAt,
		"analysis_date":           row.AnalysisDate,
	}
}

// GetRun reads a run by run_id, or nil if it does not exist.
func (g *Gateway) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	row := g.readDB.QueryRowContext(ctx, `
		SELECT run_id, run_key, input_manifest_hash, target_range, signature_version,
		       rule_version, prompt_version, taxonomy_version, evidence_pack_version,
		       engine_spec_version, status, last_completed_stage, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)

	var r contracts.Run
	var stage int
	var finishedAt sql.NullTime
	err := row.Scan(&r.RunID, &r.RunKey, &r.InputManifestHash, &r.TargetRange, &r.SignatureVersion,
		&r.RuleVersion, &r.PromptVersion, &r.TaxonomyVersion, &r.EvidencePackVersion,
		&r.EngineSpecVersion, &r.Status, &stage, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get run: %w", err)
	}
	r.LastCompletedStage = contracts.Stage(stage)
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}
	return &r, nil
}

// GetOrCreateRun implements the idempotent run-creation contract: if a row
// with this run_id already exists, its run_key must match exactly (a
// mismatch is a collision error that cannot happen under determinism and is
// therefore a design violation, never a recoverable condition). Otherwise a
// fresh, stage-0 row is inserted.
func (g *Gateway) GetOrCreateRun(ctx context.Context, r contracts.Run) (*contracts.Run, error) {
	existing, err := g.GetRun(ctx, r.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.RunKey != r.RunKey {
			return nil, fmt.Errorf("persist: run_id %s collision: stored run_key %q != computed %q (design violation)",
				r.RunID, existing.RunKey, r.RunKey)
		}
		return existing, nil
	}

	r.Status = contracts.RunStatusRunning
	r.LastCompletedStage = contracts.StageInit
	row := map[string]any{
		"run_id":                r.RunID,
		"run_key":               r.RunKey,
		"input_manifest_hash":   r.InputManifestHash,
		"target_range":          r.TargetRange,
		"signature_version":     r.SignatureVersion,
		"rule_version":          r.RuleVersion,
		"prompt_version":        r.PromptVersion,
		"taxonomy_version":      r.TaxonomyVersion,
		"evidence_pack_version": r.EvidencePackVersion,
		"engine_spec_version":   r.EngineSpecVersion,
		"status":                string(r.Status),
		"last_completed_stage":  int(r.LastCompletedStage),
		"started_at":            r.StartedAt,
	}
	if err := g.Insert(ctx, "runs", row); err != nil {
		return nil, fmt.Errorf("persist: create run: %w", err)
	}
	return &r, nil
}

// AdvanceStage records that stage completed successfully for runID by
// updating last_completed_stage on the runs row GetOrCreateRun created. It
// is a queued UPDATE rather than an upsert, since a partial runs row cannot
// satisfy the table's NOT NULL columns; it is queued independently of any
// status update, so a failed status update is non-fatal as long as
// last_completed_stage advances.
func (g *Gateway) AdvanceStage(ctx context.Context, runID string, stage contracts.Stage) error {
	return g.Update(ctx, "runs", map[string]any{
		"last_completed_stage": int(stage),
	}, map[string]any{"run_id": runID})
}

// FinalizeRun transitions the non-updatable status column through the queued
// Update path. Storage engines that forbid upserting indexed columns need a
// drop-and-recreate-the-index workaround here; SQLite has no such
// restriction, so this is a plain queued UPDATE, kept as its own explicit
// method (not folded into the generic upsert) so that status transitions
// stay auditable as a distinct operation. Callers decide whether a failure
// is fatal — a run whose last_completed_stage advanced is still resumable.
func (g *Gateway) FinalizeRun(ctx context.Context, runID string, status contracts.RunStatus, finishedAt time.Time) error {
	err := g.Update(ctx, "runs", map[string]any{
		"status":      string(status),
		"finished_at": finishedAt,
	}, map[string]any{"run_id": runID})
	if err != nil {
		g.log.Warn("persist: status update failed, last_completed_stage still authoritative",
			"run_id", runID, "error", err)
		return fmt.Errorf("persist: finalize run %s: %w", runID, err)
	}
	return nil
}

// marshalTaxonomy produces the canonical (sorted, minimal-whitespace) JSON
// form of a taxonomy assignment for storage, with each multi-code dimension
// sorted and deduplicated, so that stored taxonomy_json values are stable
// and directly hashable alongside the bundle's other content-addressed
// artifacts.
func marshalTaxonomy(t contracts.TaxonomyAssignment) (string, error) {
	for _, codes := range []*[]string{&t.UC, &t.DT, &t.CH, &t.RS, &t.EV, &t.OB} {
		if len(*codes) == 0 {
			continue
		}
		sorted := append([]string(nil), (*codes)...)
		sort.Strings(sorted)
		out := sorted[:1]
		for _, c := range sorted[1:] {
			if c != out[len(out)-1] {
				out = append(out, c)
			}
		}
		*codes = out
	}
	return canonicalize.String(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
