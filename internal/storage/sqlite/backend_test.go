package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

func openTestBackend(t *testing.T) storage.Backend {
	t.Helper()

	ctx := context.Background()
	b, err := New(ctx, storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(b.Close)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	return b
}

func rec(id string, qty float64) schema.Record {
	return schema.Record{
		"id":  schema.TextValue(id),
		"qty": schema.NumericValue(qty),
	}
}

// TestUpsertRecordsCounts verifies insert/update classification across
// loads, including in-file duplicates and the idempotent replay case.
func TestUpsertRecordsCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)
	key := []string{"id"}

	res, err := b.UpsertRecords(ctx, "run1", key, []schema.Record{
		rec("a1", 1), rec("a2", 2), rec("a1", 3),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// a1 appears twice: first is an insert, the repeat is an update.
	if res.Inserts != 2 || res.Updates != 1 {
		t.Fatalf("first load = %+v, want 2 inserts / 1 update", res)
	}

	// Identical replay: every key already exists.
	res, err = b.UpsertRecords(ctx, "run2", key, []schema.Record{
		rec("a1", 1), rec("a2", 2),
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Inserts != 0 || res.Updates != 2 {
		t.Fatalf("replay = %+v, want 0 inserts / 2 updates", res)
	}
}

// TestUpsertOverwritesByKey verifies the stored row reflects the latest
// upsert for a key.
func TestUpsertOverwritesByKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)
	key := []string{"id"}

	if _, err := b.UpsertRecords(ctx, "run1", key, []schema.Record{rec("a1", 1)}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := b.UpsertRecords(ctx, "run2", key, []schema.Record{rec("a1", 42)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := b.Records(ctx, 0, 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(rows) != 1 || rows[0].DedupKey != "a1" || rows[0].RunID != "run2" {
		t.Fatalf("rows = %+v, want one a1 row from run2", rows)
	}
	var stored map[string]any
	if err := json.Unmarshal(rows[0].Data, &stored); err != nil {
		t.Fatalf("decode stored data: %v", err)
	}
	if stored["qty"] != 42.0 {
		t.Fatalf("stored qty = %v, want 42", stored["qty"])
	}
}

// TestRecordsPaging verifies dedup-key ordering and limit/offset windows.
func TestRecordsPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)

	if _, err := b.UpsertRecords(ctx, "run1", []string{"id"}, []schema.Record{
		rec("c3", 3), rec("a1", 1), rec("b2", 2),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := b.Records(ctx, 0, 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(rows) != 3 || rows[0].DedupKey != "a1" || rows[2].DedupKey != "c3" {
		t.Fatalf("rows = %+v, want a1..c3 in key order", rows)
	}

	page, err := b.Records(ctx, 1, 1)
	if err != nil {
		t.Fatalf("records page: %v", err)
	}
	if len(page) != 1 || page[0].DedupKey != "b2" {
		t.Fatalf("page = %+v, want only b2", page)
	}

	empty, err := b.Records(ctx, 10, 10)
	if err != nil {
		t.Fatalf("records past end: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("past-end rows = %+v", empty)
	}
}

// TestUpsertRequiresKey verifies the loader refuses a keyless load instead
// of silently inserting unkeyed rows.
func TestUpsertRequiresKey(t *testing.T) {
	t.Parallel()

	b := openTestBackend(t)
	if _, err := b.UpsertRecords(context.Background(), "run1", nil, []schema.Record{rec("a1", 1)}); err == nil {
		t.Fatalf("keyless upsert succeeded")
	}
}

// TestSchemaRoundTrip verifies ActiveSchema returns the most recent run's
// columns in order.
func TestSchemaRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)

	if got, err := b.ActiveSchema(ctx); err != nil || got != nil {
		t.Fatalf("empty ActiveSchema = %v, %v", got, err)
	}

	first := []schema.ColumnSchema{
		{Name: "id", OriginalName: "ID", Type: schema.TypeText},
	}
	second := []schema.ColumnSchema{
		{Name: "id", OriginalName: "ID", Type: schema.TypeText},
		{Name: "order_date", OriginalName: "Order Date", Type: schema.TypeDate},
		{Name: "qty", OriginalName: "Qty", Type: schema.TypeNumeric},
	}
	if err := b.SaveSchema(ctx, "run1", first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := b.SaveSchema(ctx, "run2", second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := b.ActiveSchema(ctx)
	if err != nil {
		t.Fatalf("ActiveSchema: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("active schema = %+v, want run2's 3 columns", got)
	}
	for i, c := range second {
		if got[i] != c {
			t.Fatalf("column %d = %+v, want %+v", i, got[i], c)
		}
	}
}

// TestQuarantineRoundTrip verifies rejected rows persist with raw cells,
// line numbers and reasons intact.
func TestQuarantineRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)

	rejected := []transform.RejectedRow{
		{Line: 2, Raw: []string{"a2", "bogus", "6"}, Reason: "INVALID_DATE:date"},
		{Line: 5, Raw: []string{"a5"}, Reason: "SCHEMA_MISMATCH"},
	}
	headers := []string{"ID", "Date", "Qty"}
	if err := b.Quarantine(ctx, "run1", "sales.csv", headers, rejected); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	batches, err := b.ListBatches(ctx)
	if err != nil || len(batches) != 1 {
		t.Fatalf("batches = %v (err %v)", batches, err)
	}
	qb := batches[0]
	if qb.RunID != "run1" || qb.FileName != "sales.csv" || qb.RowCount != 2 {
		t.Fatalf("batch = %+v", qb)
	}
	if len(qb.Headers) != 3 || qb.Headers[1] != "Date" {
		t.Fatalf("batch headers = %v", qb.Headers)
	}
	if qb.CreatedAt.IsZero() {
		t.Fatalf("batch missing created_at")
	}

	gotBatch, rows, err := b.BatchRows(ctx, "run1")
	if err != nil {
		t.Fatalf("BatchRows: %v", err)
	}
	if gotBatch.RunID != "run1" || len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0].Line != 2 || rows[0].Reason != "INVALID_DATE:date" || rows[0].Raw[1] != "bogus" {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[1].Line != 5 || rows[1].Reason != "SCHEMA_MISMATCH" {
		t.Fatalf("row 1 = %+v", rows[1])
	}

	if _, _, err := b.BatchRows(ctx, "unknown"); err == nil {
		t.Fatalf("unknown batch: err = nil")
	}
}

// TestRunStoreRoundTrip verifies run snapshots persist and list newest
// first with paging.
func TestRunStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := runs.Run{
			ID:            []string{"r0", "r1", "r2"}[i],
			FileName:      "sales.csv",
			Status:        runs.StatusSuccess,
			TotalRead:     10,
			TotalValid:    8,
			TotalRejected: 2,
			DBInserts:     5,
			DBUpdates:     3,
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			FinishedAt:    base.Add(time.Duration(i)*time.Hour + time.Minute),
			Duration:      time.Minute,
		}
		if err := b.UpsertRun(ctx, r); err != nil {
			t.Fatalf("upsert run: %v", err)
		}
	}

	got, ok, err := b.GetRun(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Status != runs.StatusSuccess || got.TotalValid != 8 || got.Duration != time.Minute {
		t.Fatalf("round-tripped run = %+v", got)
	}
	if !got.StartedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("started_at = %v", got.StartedAt)
	}

	if _, ok, err := b.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing run: ok=%v err=%v", ok, err)
	}

	list, err := b.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r2" || list[1].ID != "r1" {
		t.Fatalf("list = %+v", list)
	}
	list, err = b.ListRuns(ctx, 2, 2)
	if err != nil || len(list) != 1 || list[0].ID != "r0" {
		t.Fatalf("page 2 = %+v (err %v)", list, err)
	}
}

// TestRunUpsertTransitions verifies repeated upserts of the same id follow
// the run through its lifecycle.
func TestRunUpsertTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := openTestBackend(t)

	r := runs.Run{ID: "r1", FileName: "sales.csv", Status: runs.StatusPending}
	if err := b.UpsertRun(ctx, r); err != nil {
		t.Fatalf("pending: %v", err)
	}

	r.Status = runs.StatusRunning
	r.StartedAt = time.Now().UTC()
	if err := b.UpsertRun(ctx, r); err != nil {
		t.Fatalf("running: %v", err)
	}

	r.Status = runs.StatusFailed
	r.Error = "load records: disk full"
	if err := b.UpsertRun(ctx, r); err != nil {
		t.Fatalf("failed: %v", err)
	}

	got, ok, err := b.GetRun(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Status != runs.StatusFailed || got.Error != "load records: disk full" {
		t.Fatalf("final run = %+v", got)
	}
}
