// Package runs owns pipeline run lifecycle state.
//
// The Registry is the only place run state is mutated. The orchestrator's
// execution goroutine is the single writer per run; everyone else (status
// pollers, the server adapter) reads snapshots. Field groups that must be
// observed together (status + finished_at + duration) change under one lock,
// so a reader can never see a SUCCESS run with a stale finish time.
package runs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is a run's lifecycle state. PENDING and RUNNING are transient;
// SUCCESS and FAILED are terminal and freeze the run.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Run is one pipeline execution. Snapshots returned by the registry are
// copies; mutating them affects nothing.
type Run struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	DryRun   bool   `json:"dry_run"`
	Status   Status `json:"status"`

	TotalRead     int `json:"total_read"`
	TotalValid    int `json:"total_valid"`
	TotalRejected int `json:"total_rejected"`
	DBInserts     int `json:"db_inserts"`
	DBUpdates     int `json:"db_updates"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration"`

	Error string `json:"error_message,omitempty"`
}

// Store persists run records for history across restarts. Implemented by the
// storage backends; the registry treats persistence as write-through and
// best-effort (a failed history write never fails the run itself).
type Store interface {
	UpsertRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	GetRun(ctx context.Context, id string) (Run, bool, error)
}

// Logger is the minimal logging seam, satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Registry tracks every run launched by this process, newest first.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Run
	order []string // insertion order, oldest first

	store  Store
	logger Logger
}

// NewRegistry returns a registry. store may be nil (no durable history);
// logger may be nil (persistence failures stay silent).
func NewRegistry(store Store, logger Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Run),
		store:  store,
		logger: logger,
	}
}

func (g *Registry) persist(ctx context.Context, r Run) {
	if g.store == nil {
		return
	}
	if err := g.store.UpsertRun(ctx, r); err != nil && g.logger != nil {
		g.logger.Printf("runs: persist run %s: %v", r.ID, err)
	}
}

// Create registers a new run in PENDING. The id must be fresh; run ids are
// never reused.
func (g *Registry) Create(ctx context.Context, id, fileName string, dryRun bool) Run {
	g.mu.Lock()
	r := &Run{
		ID:       id,
		FileName: fileName,
		DryRun:   dryRun,
		Status:   StatusPending,
	}
	g.byID[id] = r
	g.order = append(g.order, id)
	snap := *r
	g.mu.Unlock()

	g.persist(ctx, snap)
	return snap
}

// Start transitions a PENDING run to RUNNING and stamps StartedAt.
func (g *Registry) Start(ctx context.Context, id string) {
	g.update(ctx, id, func(r *Run) {
		r.Status = StatusRunning
		r.StartedAt = time.Now()
	})
}

// SetCounts records transform counts. Partial counts on a run that later
// fails are kept, so operators can see how far it got.
func (g *Registry) SetCounts(ctx context.Context, id string, read, valid, rejected int) {
	g.update(ctx, id, func(r *Run) {
		r.TotalRead = read
		r.TotalValid = valid
		r.TotalRejected = rejected
	})
}

// SetLoadCounts records the loader-reported insert/update counts. These are
// actual persisted counts, never intended ones.
func (g *Registry) SetLoadCounts(ctx context.Context, id string, inserts, updates int) {
	g.update(ctx, id, func(r *Run) {
		r.DBInserts = inserts
		r.DBUpdates = updates
	})
}

// Finish moves the run to a terminal status, stamping FinishedAt and
// Duration in the same field group. After Finish the run is immutable.
func (g *Registry) Finish(ctx context.Context, id string, status Status, errMsg string) {
	g.update(ctx, id, func(r *Run) {
		r.Status = status
		r.Error = errMsg
		r.FinishedAt = time.Now()
		if !r.StartedAt.IsZero() {
			r.Duration = r.FinishedAt.Sub(r.StartedAt)
		}
	})
}

func (g *Registry) update(ctx context.Context, id string, fn func(*Run)) {
	g.mu.Lock()
	r, ok := g.byID[id]
	if !ok || r.Status.Terminal() {
		g.mu.Unlock()
		return
	}
	fn(r)
	snap := *r
	g.mu.Unlock()

	g.persist(ctx, snap)
}

// Get returns a snapshot of one run.
func (g *Registry) Get(id string) (Run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.byID[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// List returns up to limit snapshots, newest first, skipping offset.
func (g *Registry) List(limit, offset int) []Run {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	n := len(g.order)
	out := make([]Run, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *g.byID[g.order[i]])
	}
	return out
}

// History reads persisted runs, newest first. Unlike List it survives
// restarts; it returns only what the store has.
func (g *Registry) History(ctx context.Context, limit, offset int) ([]Run, error) {
	if g.store == nil {
		return g.List(limit, offset), nil
	}
	return g.store.ListRuns(ctx, limit, offset)
}

// SortNewestFirst orders rs by StartedAt descending, in place. Helper for
// store implementations that read unordered rows.
func SortNewestFirst(rs []Run) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].StartedAt.After(rs[j].StartedAt) })
}
