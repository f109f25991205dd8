package runs

import (
	"context"
	"strconv"
	"sync"
	"testing"
)

// fakeStore records persisted snapshots for write-through assertions.
type fakeStore struct {
	mu    sync.Mutex
	byID  map[string]Run
	fails bool
}

func newFakeStore() *fakeStore { return &fakeStore{byID: make(map[string]Run)} }

func (s *fakeStore) UpsertRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails {
		return context.DeadlineExceeded
	}
	s.byID[r.ID] = r
	return nil
}

func (s *fakeStore) ListRuns(_ context.Context, limit, offset int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	SortNewestFirst(out)
	return out, nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	return r, ok, nil
}

// TestLifecycle verifies the PENDING -> RUNNING -> terminal state walk with
// counts recorded along the way.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewRegistry(nil, nil)

	r := g.Create(ctx, "r1", "sales.csv", false)
	if r.Status != StatusPending || r.FileName != "sales.csv" {
		t.Fatalf("created run = %+v", r)
	}

	g.Start(ctx, "r1")
	got, ok := g.Get("r1")
	if !ok || got.Status != StatusRunning || got.StartedAt.IsZero() {
		t.Fatalf("after Start: %+v", got)
	}

	g.SetCounts(ctx, "r1", 10, 8, 2)
	g.SetLoadCounts(ctx, "r1", 5, 3)
	g.Finish(ctx, "r1", StatusSuccess, "")

	got, _ = g.Get("r1")
	if got.Status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", got.Status)
	}
	if got.TotalRead != 10 || got.TotalValid != 8 || got.TotalRejected != 2 {
		t.Fatalf("counts = %d/%d/%d", got.TotalRead, got.TotalValid, got.TotalRejected)
	}
	if got.DBInserts != 5 || got.DBUpdates != 3 {
		t.Fatalf("load counts = %d/%d", got.DBInserts, got.DBUpdates)
	}
	if got.FinishedAt.IsZero() || got.Duration <= 0 {
		t.Fatalf("finish stamp missing: %+v", got)
	}
}

// TestTerminalImmutable verifies no update can touch a finished run.
func TestTerminalImmutable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewRegistry(nil, nil)
	g.Create(ctx, "r1", "a.csv", false)
	g.Start(ctx, "r1")
	g.SetCounts(ctx, "r1", 4, 4, 0)
	g.Finish(ctx, "r1", StatusFailed, "boom")

	g.SetCounts(ctx, "r1", 99, 99, 99)
	g.SetLoadCounts(ctx, "r1", 99, 99)
	g.Finish(ctx, "r1", StatusSuccess, "")
	g.Start(ctx, "r1")

	got, _ := g.Get("r1")
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Fatalf("terminal run mutated: %+v", got)
	}
	if got.TotalRead != 4 || got.DBInserts != 0 {
		t.Fatalf("terminal counts mutated: %+v", got)
	}
}

// TestSnapshotAtomicity verifies a reader never observes a terminal status
// without its finish stamp.
func TestSnapshotAtomicity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewRegistry(nil, nil)
	g.Create(ctx, "r1", "a.csv", false)
	g.Start(ctx, "r1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if r, ok := g.Get("r1"); ok && r.Status.Terminal() && r.FinishedAt.IsZero() {
				t.Errorf("terminal run without finish stamp: %+v", r)
				return
			}
		}
	}()

	g.Finish(ctx, "r1", StatusSuccess, "")
	<-done
}

// TestListPagination verifies newest-first ordering with limit and offset.
func TestListPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewRegistry(nil, nil)
	for i := 0; i < 5; i++ {
		g.Create(ctx, "r"+strconv.Itoa(i), "f.csv", false)
	}

	got := g.List(2, 0)
	if len(got) != 2 || got[0].ID != "r4" || got[1].ID != "r3" {
		t.Fatalf("page 1 = %v", ids(got))
	}
	got = g.List(2, 2)
	if len(got) != 2 || got[0].ID != "r2" || got[1].ID != "r1" {
		t.Fatalf("page 2 = %v", ids(got))
	}
	got = g.List(2, 4)
	if len(got) != 1 || got[0].ID != "r0" {
		t.Fatalf("last page = %v", ids(got))
	}
	if got := g.List(2, 10); len(got) != 0 {
		t.Fatalf("past the end = %v", ids(got))
	}
}

func ids(rs []Run) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

// TestWriteThrough verifies every mutation lands in the store and that a
// failing store never breaks the in-memory path.
func TestWriteThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	g := NewRegistry(store, nil)

	g.Create(ctx, "r1", "a.csv", true)
	g.Start(ctx, "r1")
	g.Finish(ctx, "r1", StatusSuccess, "")

	persisted, ok, err := store.GetRun(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("run not persisted: ok=%v err=%v", ok, err)
	}
	if persisted.Status != StatusSuccess || !persisted.DryRun {
		t.Fatalf("persisted = %+v", persisted)
	}

	// Store failures are swallowed; the registry stays authoritative.
	store.fails = true
	g.Create(ctx, "r2", "b.csv", false)
	if _, ok := g.Get("r2"); !ok {
		t.Fatalf("run lost when store failed")
	}
}
