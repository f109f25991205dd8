// Package postgres implements storage.Backend on PostgreSQL via pgx.
//
// Types map naturally here: timestamps are TIMESTAMPTZ, record payloads are
// JSONB, and upserts use ON CONFLICT against the dedup-key primary key.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

const keyBatch = 500

type backend struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New connects a pgx pool to cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &backend{pool: pool}, nil
}

func (b *backend) Close() { b.pool.Close() }

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		file_name TEXT NOT NULL,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		total_read BIGINT NOT NULL DEFAULT 0,
		total_valid BIGINT NOT NULL DEFAULT 0,
		total_rejected BIGINT NOT NULL DEFAULT 0,
		db_inserts BIGINT NOT NULL DEFAULT 0,
		db_updates BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_rows (
		dedup_key TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		data JSONB NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dataset_rows_run ON dataset_rows(run_id)`,
	`CREATE TABLE IF NOT EXISTS dataset_schema (
		run_id TEXT NOT NULL,
		column_order INT NOT NULL,
		column_name TEXT NOT NULL,
		column_type TEXT NOT NULL,
		original_name TEXT NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, column_order)
	)`,
	`CREATE TABLE IF NOT EXISTS quarantine_batches (
		run_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		headers JSONB NOT NULL,
		row_count BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quarantine_rows (
		run_id TEXT NOT NULL,
		row_index BIGINT NOT NULL,
		line BIGINT NOT NULL,
		raw JSONB NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (run_id, row_index)
	)`,
}

func (b *backend) Init(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := b.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// ---- DatasetLoader ----

func (b *backend) SaveSchema(ctx context.Context, runID string, cols []schema.ColumnSchema) error {
	batch := &pgx.Batch{}
	for i, c := range cols {
		batch.Queue(
			`INSERT INTO dataset_schema (run_id, column_order, column_name, column_type, original_name)
			 VALUES ($1, $2, $3, $4, $5)`,
			runID, i, c.Name, string(c.Type), c.OriginalName,
		)
	}
	return b.pool.SendBatch(ctx, batch).Close()
}

func (b *backend) ActiveSchema(ctx context.Context) ([]schema.ColumnSchema, error) {
	var runID string
	err := b.pool.QueryRow(ctx,
		`SELECT run_id FROM dataset_schema ORDER BY saved_at DESC, run_id LIMIT 1`,
	).Scan(&runID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.pool.Query(ctx,
		`SELECT column_name, column_type, original_name
		 FROM dataset_schema WHERE run_id = $1 ORDER BY column_order`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.ColumnSchema
	for rows.Next() {
		var c schema.ColumnSchema
		var typ string
		if err := rows.Scan(&c.Name, &typ, &c.OriginalName); err != nil {
			return nil, err
		}
		c.Type = schema.ColumnType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *backend) UpsertRecords(ctx context.Context, runID string, keyColumns []string, recs []schema.Record) (storage.LoadResult, error) {
	var res storage.LoadResult
	if len(recs) == 0 {
		return res, nil
	}
	if len(keyColumns) == 0 {
		return res, fmt.Errorf("postgres: upsert requires a dedup key")
	}

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.KeyString(keyColumns)
	}

	existing, err := b.existingKeys(ctx, keys)
	if err != nil {
		return res, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return res, fmt.Errorf("postgres: encode record: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO dataset_rows (dedup_key, run_id, data, last_updated)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (dedup_key) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				data = EXCLUDED.data,
				last_updated = EXCLUDED.last_updated`,
			keys[i], runID, data, now,
		); err != nil {
			return res, fmt.Errorf("postgres: upsert row: %w", err)
		}
		if existing[keys[i]] {
			res.Updates++
		} else {
			res.Inserts++
			existing[keys[i]] = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.LoadResult{}, err
	}
	return res, nil
}

func (b *backend) Records(ctx context.Context, limit, offset int) ([]storage.DatasetRow, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := b.pool.Query(ctx,
		`SELECT dedup_key, run_id, data, last_updated
		 FROM dataset_rows ORDER BY dedup_key LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DatasetRow
	for rows.Next() {
		var dr storage.DatasetRow
		var data []byte
		if err := rows.Scan(&dr.DedupKey, &dr.RunID, &data, &dr.LastUpdated); err != nil {
			return nil, err
		}
		dr.Data = json.RawMessage(data)
		out = append(out, dr)
	}
	return out, rows.Err()
}

func (b *backend) existingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for start := 0; start < len(keys); start += keyBatch {
		end := start + keyBatch
		if end > len(keys) {
			end = len(keys)
		}
		rows, err := b.pool.Query(ctx,
			`SELECT dedup_key FROM dataset_rows WHERE dedup_key = ANY($1)`, keys[start:end])
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			out[k] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// ---- QuarantineSink ----

func (b *backend) Quarantine(ctx context.Context, runID, fileName string, headers []string, rejected []transform.RejectedRow) error {
	if len(rejected) == 0 {
		return nil
	}

	hdrJSON, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO quarantine_batches (run_id, file_name, headers, row_count, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		runID, fileName, hdrJSON, len(rejected), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("postgres: quarantine batch: %w", err)
	}

	for i, rr := range rejected {
		raw, err := json.Marshal(rr.Raw)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO quarantine_rows (run_id, row_index, line, raw, reason)
			 VALUES ($1, $2, $3, $4, $5)`,
			runID, i, rr.Line, raw, rr.Reason,
		); err != nil {
			return fmt.Errorf("postgres: quarantine row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (b *backend) ListBatches(ctx context.Context) ([]storage.QuarantineBatch, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT run_id, file_name, headers, row_count, created_at
		 FROM quarantine_batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.QuarantineBatch
	for rows.Next() {
		var qb storage.QuarantineBatch
		var headers []byte
		if err := rows.Scan(&qb.RunID, &qb.FileName, &headers, &qb.RowCount, &qb.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(headers, &qb.Headers); err != nil {
			return nil, err
		}
		out = append(out, qb)
	}
	return out, rows.Err()
}

func (b *backend) BatchRows(ctx context.Context, runID string) (storage.QuarantineBatch, []storage.QuarantineRow, error) {
	var qb storage.QuarantineBatch
	var headers []byte
	err := b.pool.QueryRow(ctx,
		`SELECT run_id, file_name, headers, row_count, created_at
		 FROM quarantine_batches WHERE run_id = $1`, runID,
	).Scan(&qb.RunID, &qb.FileName, &headers, &qb.RowCount, &qb.CreatedAt)
	if err == pgx.ErrNoRows {
		return qb, nil, fmt.Errorf("postgres: no quarantine batch for run %s", runID)
	}
	if err != nil {
		return qb, nil, err
	}
	if err := json.Unmarshal(headers, &qb.Headers); err != nil {
		return qb, nil, err
	}

	rows, err := b.pool.Query(ctx,
		`SELECT line, raw, reason FROM quarantine_rows WHERE run_id = $1 ORDER BY row_index`, runID)
	if err != nil {
		return qb, nil, err
	}
	defer rows.Close()

	var out []storage.QuarantineRow
	for rows.Next() {
		var qr storage.QuarantineRow
		var raw []byte
		if err := rows.Scan(&qr.Line, &raw, &qr.Reason); err != nil {
			return qb, nil, err
		}
		if err := json.Unmarshal(raw, &qr.Raw); err != nil {
			return qb, nil, err
		}
		out = append(out, qr)
	}
	return qb, out, rows.Err()
}

// ---- runs.Store ----

func (b *backend) UpsertRun(ctx context.Context, r runs.Run) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO pipeline_runs
			(id, status, file_name, dry_run, started_at, finished_at, duration_ms,
			 total_read, total_valid, total_rejected, db_inserts, db_updates, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			total_read = EXCLUDED.total_read,
			total_valid = EXCLUDED.total_valid,
			total_rejected = EXCLUDED.total_rejected,
			db_inserts = EXCLUDED.db_inserts,
			db_updates = EXCLUDED.db_updates,
			error_message = EXCLUDED.error_message`,
		r.ID, string(r.Status), r.FileName, r.DryRun,
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.Duration.Milliseconds(),
		r.TotalRead, r.TotalValid, r.TotalRejected, r.DBInserts, r.DBUpdates, r.Error,
	)
	return err
}

func (b *backend) GetRun(ctx context.Context, id string) (runs.Run, bool, error) {
	row := b.pool.QueryRow(ctx, selectRun+` WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return runs.Run{}, false, nil
	}
	if err != nil {
		return runs.Run{}, false, err
	}
	return r, true, nil
}

func (b *backend) ListRuns(ctx context.Context, limit, offset int) ([]runs.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := b.pool.Query(ctx,
		selectRun+` ORDER BY started_at DESC NULLS LAST LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runs.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRun = `SELECT id, status, file_name, dry_run, started_at, finished_at, duration_ms,
	total_read, total_valid, total_rejected, db_inserts, db_updates, error_message
	FROM pipeline_runs`

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(s rowScanner) (runs.Run, error) {
	var r runs.Run
	var status string
	var started, finished *time.Time
	var durMS int64
	if err := s.Scan(&r.ID, &status, &r.FileName, &r.DryRun, &started, &finished, &durMS,
		&r.TotalRead, &r.TotalValid, &r.TotalRejected, &r.DBInserts, &r.DBUpdates, &r.Error); err != nil {
		return r, err
	}
	r.Status = runs.Status(status)
	r.Duration = time.Duration(durMS) * time.Millisecond
	if started != nil {
		r.StartedAt = *started
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
