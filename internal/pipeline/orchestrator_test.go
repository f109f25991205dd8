package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"csvetl/internal/logbridge"
	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

// memBackend is an in-memory storage.Backend for orchestrator tests, with
// upsert semantics keyed like the real backends and injectable load
// failures.
type memBackend struct {
	mu sync.Mutex

	rows    map[string]schema.Record
	schemas map[string][]schema.ColumnSchema
	lastRun string

	quarantine map[string][]storage.QuarantineRow
	runsTable  map[string]runs.Run

	loadErr error
}

func newMemBackend() *memBackend {
	return &memBackend{
		rows:       make(map[string]schema.Record),
		schemas:    make(map[string][]schema.ColumnSchema),
		quarantine: make(map[string][]storage.QuarantineRow),
		runsTable:  make(map[string]runs.Run),
	}
}

func (m *memBackend) Init(context.Context) error { return nil }
func (m *memBackend) Close()                     {}

func (m *memBackend) SaveSchema(_ context.Context, runID string, cols []schema.ColumnSchema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[runID] = cols
	m.lastRun = runID
	return nil
}

func (m *memBackend) ActiveSchema(context.Context) ([]schema.ColumnSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemas[m.lastRun], nil
}

func (m *memBackend) UpsertRecords(_ context.Context, _ string, keyColumns []string, recs []schema.Record) (storage.LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return storage.LoadResult{}, m.loadErr
	}
	var res storage.LoadResult
	for _, rec := range recs {
		k := rec.KeyString(keyColumns)
		if _, ok := m.rows[k]; ok {
			res.Updates++
		} else {
			res.Inserts++
		}
		m.rows[k] = rec
	}
	return res, nil
}

func (m *memBackend) Records(context.Context, int, int) ([]storage.DatasetRow, error) {
	return nil, nil
}

func (m *memBackend) Quarantine(_ context.Context, runID, _ string, _ []string, rejected []transform.RejectedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rejected {
		m.quarantine[runID] = append(m.quarantine[runID], storage.QuarantineRow{Line: r.Line, Raw: r.Raw, Reason: r.Reason})
	}
	return nil
}

func (m *memBackend) ListBatches(context.Context) ([]storage.QuarantineBatch, error) {
	return nil, nil
}

func (m *memBackend) BatchRows(_ context.Context, runID string) (storage.QuarantineBatch, []storage.QuarantineRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.quarantine[runID]
	if len(rows) == 0 {
		return storage.QuarantineBatch{}, nil, nil
	}
	return storage.QuarantineBatch{RunID: runID, RowCount: len(rows)}, rows, nil
}

func (m *memBackend) UpsertRun(_ context.Context, r runs.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsTable[r.ID] = r
	return nil
}

func (m *memBackend) ListRuns(context.Context, int, int) ([]runs.Run, error) { return nil, nil }

func (m *memBackend) GetRun(_ context.Context, id string) (runs.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runsTable[id]
	return r, ok, nil
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func newTestOrchestrator(backend storage.Backend, opt Options) *Orchestrator {
	registry := runs.NewRegistry(backend, nil)
	return New(backend, registry, logbridge.New(), nil, nil, nil, opt)
}

const sampleCSV = "ID,Date,Qty\n" +
	"a1,2024-01-15,5\n" +
	"a2,not-a-date,6\n" +
	"a3,2024-01-16,7\n"

// TestRunSuccess verifies a full run: counts, terminal status, loaded rows
// and quarantined rejects.
func TestRunSuccess(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	orc := newTestOrchestrator(backend, Options{})
	path := writeCSV(t, t.TempDir(), "sales.csv", sampleCSV)

	r := orc.Launch(context.Background(), path, false)
	if r.ID == "" || r.Status != runs.StatusPending || r.FileName != "sales.csv" {
		t.Fatalf("launch snapshot = %+v", r)
	}
	orc.Wait()

	got, _ := orc.Registry().Get(r.ID)
	if got.Status != runs.StatusSuccess {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if got.TotalRead != 3 || got.TotalValid != 2 || got.TotalRejected != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", got.TotalRead, got.TotalValid, got.TotalRejected)
	}
	if got.DBInserts != 2 || got.DBUpdates != 0 {
		t.Fatalf("load counts = %d/%d, want 2/0", got.DBInserts, got.DBUpdates)
	}

	_, qrows, err := backend.BatchRows(context.Background(), r.ID)
	if err != nil || len(qrows) != 1 {
		t.Fatalf("quarantine rows = %v (err %v)", qrows, err)
	}
	if qrows[0].Reason != "INVALID_DATE:date" {
		t.Fatalf("quarantine reason = %q", qrows[0].Reason)
	}
}

// TestRunIdempotent verifies replaying the same file turns every row into an
// update.
func TestRunIdempotent(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	orc := newTestOrchestrator(backend, Options{})
	path := writeCSV(t, t.TempDir(), "sales.csv", sampleCSV)

	first := orc.Launch(context.Background(), path, false)
	orc.Wait()
	second := orc.Launch(context.Background(), path, false)
	orc.Wait()

	got, _ := orc.Registry().Get(second.ID)
	if got.DBInserts != 0 || got.DBUpdates != 2 {
		t.Fatalf("replay load counts = %d/%d, want 0/2", got.DBInserts, got.DBUpdates)
	}
	if first.ID == second.ID {
		t.Fatalf("run ids reused")
	}
}

// TestDryRunSkipsLoad verifies dry runs report counts but persist nothing.
func TestDryRunSkipsLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	qdir := filepath.Join(dir, "quarantine")
	backend := newMemBackend()
	orc := newTestOrchestrator(backend, Options{QuarantineDir: qdir})
	path := writeCSV(t, dir, "sales.csv", sampleCSV)

	r := orc.Launch(context.Background(), path, true)
	orc.Wait()

	got, _ := orc.Registry().Get(r.ID)
	if got.Status != runs.StatusSuccess || !got.DryRun {
		t.Fatalf("dry run = %+v", got)
	}
	if got.TotalValid != 2 || got.TotalRejected != 1 {
		t.Fatalf("dry run counts = %d/%d, want 2/1", got.TotalValid, got.TotalRejected)
	}
	if got.DBInserts != 0 || got.DBUpdates != 0 {
		t.Fatalf("dry run loaded rows: %d/%d", got.DBInserts, got.DBUpdates)
	}
	if len(backend.rows) != 0 {
		t.Fatalf("dry run persisted %d rows", len(backend.rows))
	}
	// Counts still report the reject, but nothing is written for it.
	if len(backend.quarantine) != 0 {
		t.Fatalf("dry run persisted quarantine batches: %v", backend.quarantine)
	}
	if entries, err := os.ReadDir(qdir); err == nil && len(entries) != 0 {
		t.Fatalf("dry run wrote quarantine files: %v", entries)
	}
}

// TestExtractFailureFailsRun verifies a missing source produces FAILED with
// an error message and zero counts.
func TestExtractFailureFailsRun(t *testing.T) {
	t.Parallel()

	orc := newTestOrchestrator(newMemBackend(), Options{})
	r := orc.Launch(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), false)
	orc.Wait()

	got, _ := orc.Registry().Get(r.ID)
	if got.Status != runs.StatusFailed || got.Error == "" {
		t.Fatalf("missing source run = %+v", got)
	}
	if got.TotalRead != 0 {
		t.Fatalf("counts on extract failure = %d", got.TotalRead)
	}
}

// TestLoadFailureKeepsCounts verifies a loader error fails the run but the
// transform counts recorded before the failure survive.
func TestLoadFailureKeepsCounts(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	backend.loadErr = fmt.Errorf("disk full")
	orc := newTestOrchestrator(backend, Options{})
	path := writeCSV(t, t.TempDir(), "sales.csv", sampleCSV)

	r := orc.Launch(context.Background(), path, false)
	orc.Wait()

	got, _ := orc.Registry().Get(r.ID)
	if got.Status != runs.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TotalRead != 3 || got.TotalValid != 2 || got.TotalRejected != 1 {
		t.Fatalf("partial counts lost: %d/%d/%d", got.TotalRead, got.TotalValid, got.TotalRejected)
	}
}

// TestLogStreamLifecycle verifies subscribers get the run's events and the
// stream ends when the run finishes.
func TestLogStreamLifecycle(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	orc := newTestOrchestrator(backend, Options{})
	path := writeCSV(t, t.TempDir(), "sales.csv", sampleCSV)

	r := orc.Launch(context.Background(), path, false)
	sub := orc.Bridge().Subscribe(r.ID)

	var events int
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if events == 0 {
					// Raced the whole run; acceptable for a live stream.
					t.Skip("run finished before subscription")
				}
				return
			}
			events++
		case <-deadline:
			t.Fatalf("stream never closed")
		}
	}
}

// TestConcurrentLaunches verifies independent runs execute in parallel
// without sharing state.
func TestConcurrentLaunches(t *testing.T) {
	t.Parallel()

	backend := newMemBackend()
	orc := newTestOrchestrator(backend, Options{})
	dir := t.TempDir()

	var launched []runs.Run
	for i := 0; i < 5; i++ {
		csv := fmt.Sprintf("ID,Qty\nrow%d,1\n", i)
		path := writeCSV(t, dir, fmt.Sprintf("f%d.csv", i), csv)
		launched = append(launched, orc.Launch(context.Background(), path, false))
	}
	orc.Wait()

	for _, r := range launched {
		got, _ := orc.Registry().Get(r.ID)
		if got.Status != runs.StatusSuccess {
			t.Fatalf("run %s status = %s (%s)", r.ID, got.Status, got.Error)
		}
		if got.TotalValid != 1 {
			t.Fatalf("run %s valid = %d", r.ID, got.TotalValid)
		}
	}
	if len(backend.rows) != 5 {
		t.Fatalf("loaded rows = %d, want 5", len(backend.rows))
	}
}

// TestQuarantineCSVWritten verifies the optional per-run reject file lands
// in the configured directory.
func TestQuarantineCSVWritten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	qdir := filepath.Join(dir, "quarantine")
	orc := newTestOrchestrator(newMemBackend(), Options{QuarantineDir: qdir})
	path := writeCSV(t, dir, "sales.csv", sampleCSV)

	orc.Launch(context.Background(), path, false)
	orc.Wait()

	entries, err := os.ReadDir(qdir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("quarantine dir entries = %v (err %v)", entries, err)
	}
}

// TestDetectLatestSource verifies newest-by-embedded-date selection and the
// empty-directory error.
func TestDetectLatestSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCSV(t, dir, "sales_20240110.csv", "a\n1\n")
	writeCSV(t, dir, "sales_20240301.csv", "a\n1\n")
	writeCSV(t, dir, "sales_20231231.csv", "a\n1\n")
	writeCSV(t, dir, "notes.txt", "not a source")

	got, err := DetectLatestSource(dir)
	if err != nil {
		t.Fatalf("DetectLatestSource: %v", err)
	}
	if filepath.Base(got) != "sales_20240301.csv" {
		t.Fatalf("detected %s, want sales_20240301.csv", filepath.Base(got))
	}

	if _, err := DetectLatestSource(t.TempDir()); err == nil {
		t.Fatalf("empty dir: err = nil, want error")
	}
}
