// Package storage defines the persistence boundary of the pipeline core.
//
// The core never talks to a database directly; it emits intent through three
// narrow interfaces (DatasetLoader, QuarantineSink, runs.Store) and a
// backend implements all of them for one engine. Backends register
// themselves with the factory under a kind string, mirroring how pipeline
// configs select an engine by name.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/transform"
)

// Config selects and connects a backend.
type Config struct {
	// Kind names a registered backend ("sqlite", "postgres", "mssql").
	Kind string
	// DSN is backend-specific and passed through untouched.
	DSN string
}

// LoadResult reports what a loader actually persisted, not what the core
// intended. On a partial failure the counts reflect the rows that made it.
type LoadResult struct {
	Inserts int
	Updates int
}

// DatasetRow is one persisted record as stored: its dedup key, the run that
// last wrote it, and the record body as JSON.
type DatasetRow struct {
	DedupKey    string          `json:"dedup_key"`
	RunID       string          `json:"run_id"`
	Data        json.RawMessage `json:"data"`
	LastUpdated time.Time       `json:"last_updated"`
}

// DatasetLoader persists valid records with upsert semantics keyed by the
// dedup key. Implementations must be idempotent when replayed with the same
// key set: the second identical load yields zero inserts.
type DatasetLoader interface {
	// SaveSchema persists the run's column schema as a side table, ordered.
	SaveSchema(ctx context.Context, runID string, cols []schema.ColumnSchema) error

	// UpsertRecords loads records in input order. keyColumns is the dedup
	// key; a record whose key already exists becomes an UPDATE, otherwise
	// an INSERT. Returned counts are actual.
	UpsertRecords(ctx context.Context, runID string, keyColumns []string, recs []schema.Record) (LoadResult, error)

	// ActiveSchema returns the column schema of the most recent run that
	// persisted one, in column order.
	ActiveSchema(ctx context.Context) ([]schema.ColumnSchema, error)

	// Records pages through stored rows in dedup-key order. limit <= 0
	// means a backend default.
	Records(ctx context.Context, limit, offset int) ([]DatasetRow, error)
}

// QuarantineBatch summarizes the rejects of one run.
type QuarantineBatch struct {
	RunID     string    `json:"run_id"`
	FileName  string    `json:"file_name"`
	RowCount  int       `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
	// Headers is the dynamic column set of the batch's source file.
	Headers []string `json:"headers"`
}

// QuarantineRow is one rejected row as stored: raw cells plus reason.
type QuarantineRow struct {
	Line   int      `json:"line"`
	Raw    []string `json:"raw"`
	Reason string   `json:"reason"`
}

// QuarantineSink durably stores rejected rows for audit, scoped per run.
type QuarantineSink interface {
	Quarantine(ctx context.Context, runID, fileName string, headers []string, rejected []transform.RejectedRow) error
	ListBatches(ctx context.Context) ([]QuarantineBatch, error)
	BatchRows(ctx context.Context, runID string) (QuarantineBatch, []QuarantineRow, error)
}

// Backend is a full storage engine: loader, quarantine and run history in
// one connection.
type Backend interface {
	DatasetLoader
	QuarantineSink
	runs.Store

	// Init creates tables as needed; idempotent, called once at startup.
	Init(ctx context.Context) error
	Close()
}

type factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register adds a backend factory under kind. Called from backend package
// init(); duplicate registration panics to fail fast on ambiguous wiring.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs the backend registered for cfg.Kind.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing backend kind")
	}

	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported backend kind %q", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, for error messages and CLI help.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
