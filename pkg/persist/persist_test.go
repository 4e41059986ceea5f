package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()
	g, err := Open(Config{Path: filepath.Join(dir, "test.db"), TempDirBase: dir})
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGetOrCreateRunIsIdempotent(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	r := contracts.Run{RunID: "run1", RunKey: "key1", StartedAt: time.Now().UTC()}
	created, err := g.GetOrCreateRun(ctx, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.LastCompletedStage != contracts.StageInit {
		t.Fatalf("expected fresh run to start at stage init")
	}

	again, err := g.GetOrCreateRun(ctx, r)
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if again.RunID != created.RunID {
		t.Fatalf("expected idempotent return of the same run")
	}
}

func TestGetOrCreateRunCollisionErrors(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	if _, err := g.GetOrCreateRun(ctx, contracts.Run{RunID: "run1", RunKey: "key1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.GetOrCreateRun(ctx, contracts.Run{RunID: "run1", RunKey: "key-different"}); err == nil {
		t.Fatalf("expected collision error when run_key differs for an existing run_id")
	}
}

func TestAdvanceStageAndFinalize(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	if _, err := g.GetOrCreateRun(ctx, contracts.Run{RunID: "run1", RunKey: "key1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AdvanceStage(ctx, "run1", contracts.StageIngest); err != nil {
		t.Fatalf("advance stage: %v", err)
	}
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r, err := g.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.LastCompletedStage != contracts.StageIngest {
		t.Fatalf("expected stage to have advanced, got %v", r.LastCompletedStage)
	}

	if err := g.FinalizeRun(ctx, "run1", contracts.RunStatusSucceeded, time.Now().UTC()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	r, err = g.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("get run after finalize: %v", err)
	}
	if r.Status != contracts.RunStatusSucceeded {
		t.Fatalf("expected succeeded status, got %v", r.Status)
	}
}

func TestUpdateTouchesOnlyPredicateMatchedRows(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	for _, id := range []string{"run1", "run2"} {
		if _, err := g.GetOrCreateRun(ctx, contracts.Run{RunID: id, RunKey: "key-" + id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	// Update may transition columns an upsert must never touch.
	if err := g.Update(ctx, "runs", map[string]any{"status": "failed"}, map[string]any{"run_id": "run1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r1, err := g.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("get run1: %v", err)
	}
	if r1.Status != contracts.RunStatusFailed {
		t.Fatalf("expected run1 status updated, got %v", r1.Status)
	}
	r2, err := g.GetRun(ctx, "run2")
	if err != nil {
		t.Fatalf("get run2: %v", err)
	}
	if r2.Status != contracts.RunStatusRunning {
		t.Fatalf("expected run2 untouched by run1's predicate, got %v", r2.Status)
	}
}

func TestUpdateRejectsEmptyPayload(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	if err := g.Update(ctx, "runs", map[string]any{}, map[string]any{"run_id": "r1"}); err == nil {
		t.Fatalf("expected error for an update with nothing to set")
	}
}

func TestUpsertRejectsAllNonUpdatableColumns(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	err := g.Upsert(ctx, "runs", map[string]any{"run_id": "r1", "status": "running"}, []string{"run_id"})
	if err == nil {
		t.Fatalf("expected ErrNoUpdatableColumns when payload is entirely non-updatable columns")
	}
}

func TestHumanVerifiedRowProtectedFromOverwrite(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	verified := contracts.CacheRow{
		URLSignature:    "sig1",
		ServiceName:     "orig-service",
		Status:          contracts.CacheStatusActive,
		IsHumanVerified: true,
		AnalysisDate:    time.Now().UTC(),
	}
	if err := g.UpsertCacheRow(ctx, verified); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	attempt := contracts.CacheRow{
		URLSignature:    "sig1",
		ServiceName:     "automated-overwrite",
		Status:          contracts.CacheStatusActive,
		IsHumanVerified: false,
		LastErrorAt:     time.Now().UTC(),
		AnalysisDate:    time.Now().UTC(),
	}
	if err := g.UpsertCacheRow(ctx, attempt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := g.GetCacheRow(ctx, "sig1")
	if err != nil {
		t.Fatalf("get cache row: %v", err)
	}
	if got.ServiceName != "orig-service" {
		t.Fatalf("expected human-verified row to be protected, got service_name=%q", got.ServiceName)
	}
	if !got.IsHumanVerified {
		t.Fatalf("expected is_human_verified to remain true")
	}
}

func TestDedupeUpsertsLastWriteWinsIntraBatch(t *testing.T) {
	rows := []map[string]any{
		{"run_id": "r1", "url_signature": "s1", "access_count": 1},
		{"run_id": "r1", "url_signature": "s2", "access_count": 5},
		{"run_id": "r1", "url_signature": "s1", "access_count": 99},
	}
	deduped := DedupeUpserts(rows, []string{"run_id", "url_signature"})
	if len(deduped) != 2 {
		t.Fatalf("expected 2 rows after dedup, got %d", len(deduped))
	}
	var s1 map[string]any
	for _, r := range deduped {
		if r["url_signature"] == "s1" {
			s1 = r
		}
	}
	if s1 == nil || s1["access_count"] != 99 {
		t.Fatalf("expected last-write-wins for composite key s1, got %+v", s1)
	}
}
