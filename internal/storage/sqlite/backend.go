// Package sqlite implements storage.Backend on SQLite via modernc.org/sqlite.
//
// Notes that differ from the other engines:
//   - SQLite has no real timestamp type; all times are stored as RFC3339Nano
//     TEXT for reliable round-trips and easy debugging.
//   - Upserts use INSERT ... ON CONFLICT, which requires the dedup key to be
//     the table's primary key.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

const timeLayout = time.RFC3339Nano

// keyBatch bounds the IN (...) lists used to classify inserts vs updates.
const keyBatch = 200

type backend struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (or creates) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Concurrent readers share one file with the single writer goroutine;
	// modernc's driver serializes statements, but keep one connection to
	// avoid SQLITE_BUSY on overlapping runs.
	db.SetMaxOpenConns(1)
	return &backend{db: db}, nil
}

func (b *backend) Close() { _ = b.db.Close() }

var ddl = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		file_name TEXT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		total_read INTEGER NOT NULL DEFAULT 0,
		total_valid INTEGER NOT NULL DEFAULT 0,
		total_rejected INTEGER NOT NULL DEFAULT 0,
		db_inserts INTEGER NOT NULL DEFAULT 0,
		db_updates INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_rows (
		dedup_key TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		data TEXT NOT NULL,
		last_updated TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dataset_rows_run ON dataset_rows(run_id)`,
	`CREATE TABLE IF NOT EXISTS dataset_schema (
		run_id TEXT NOT NULL,
		column_order INTEGER NOT NULL,
		column_name TEXT NOT NULL,
		column_type TEXT NOT NULL,
		original_name TEXT NOT NULL,
		PRIMARY KEY (run_id, column_order)
	)`,
	`CREATE TABLE IF NOT EXISTS quarantine_batches (
		run_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		headers TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quarantine_rows (
		run_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		line INTEGER NOT NULL,
		raw TEXT NOT NULL,
		reason TEXT NOT NULL,
		PRIMARY KEY (run_id, row_index)
	)`,
}

func (b *backend) Init(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// ---- DatasetLoader ----

func (b *backend) SaveSchema(ctx context.Context, runID string, cols []schema.ColumnSchema) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, c := range cols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dataset_schema (run_id, column_order, column_name, column_type, original_name)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, i, c.Name, string(c.Type), c.OriginalName,
		); err != nil {
			return fmt.Errorf("sqlite: save schema: %w", err)
		}
	}
	return tx.Commit()
}

func (b *backend) ActiveSchema(ctx context.Context) ([]schema.ColumnSchema, error) {
	var runID string
	err := b.db.QueryRowContext(ctx,
		`SELECT run_id FROM dataset_schema ORDER BY rowid DESC LIMIT 1`,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT column_name, column_type, original_name
		 FROM dataset_schema WHERE run_id = ? ORDER BY column_order`,
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
		return res, fmt.Errorf("sqlite: upsert requires a dedup key")
	}

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.KeyString(keyColumns)
	}

	existing, err := b.existingKeys(ctx, keys)
	if err != nil {
		return res, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dataset_rows (dedup_key, run_id, data, last_updated)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO UPDATE SET
			run_id = excluded.run_id,
			data = excluded.data,
			last_updated = excluded.last_updated`,
	)
	if err != nil {
		return res, err
	}
	defer stmt.Close()

	for i, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return res, fmt.Errorf("sqlite: encode record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, keys[i], runID, string(data), now); err != nil {
			return res, fmt.Errorf("sqlite: upsert row: %w", err)
		}
		// Intent per record: a key that existed before this point is an
		// UPDATE, a first-seen key is an INSERT. Marking the key as seen
		// makes in-file duplicates count as updates, matching what the
		// engine actually did.
		if existing[keys[i]] {
			res.Updates++
		} else {
			res.Inserts++
			existing[keys[i]] = true
		}
	}

	if err := tx.Commit(); err != nil {
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
	rows, err := b.db.QueryContext(ctx,
		`SELECT dedup_key, run_id, data, last_updated
		 FROM dataset_rows ORDER BY dedup_key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DatasetRow
	for rows.Next() {
		var dr storage.DatasetRow
		var data, updated string
		if err := rows.Scan(&dr.DedupKey, &dr.RunID, &data, &updated); err != nil {
			return nil, err
		}
		dr.Data = json.RawMessage(data)
		if t, err := time.Parse(timeLayout, updated); err == nil {
			dr.LastUpdated = t
		}
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
		chunk := keys[start:end]

		ph := strings.TrimRight(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := b.db.QueryContext(ctx,
			`SELECT dedup_key FROM dataset_rows WHERE dedup_key IN (`+ph+`)`, args...)
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quarantine_batches (run_id, file_name, headers, row_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, fileName, string(hdrJSON), len(rejected), time.Now().UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("sqlite: quarantine batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quarantine_rows (run_id, row_index, line, raw, reason) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rr := range rejected {
		raw, err := json.Marshal(rr.Raw)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, i, rr.Line, string(raw), rr.Reason); err != nil {
			return fmt.Errorf("sqlite: quarantine row: %w", err)
		}
	}
	return tx.Commit()
}

func (b *backend) ListBatches(ctx context.Context) ([]storage.QuarantineBatch, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, file_name, headers, row_count, created_at
		 FROM quarantine_batches ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.QuarantineBatch
	for rows.Next() {
		qb, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qb)
	}
	return out, rows.Err()
}

func (b *backend) BatchRows(ctx context.Context, runID string) (storage.QuarantineBatch, []storage.QuarantineRow, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT run_id, file_name, headers, row_count, created_at
		 FROM quarantine_batches WHERE run_id = ?`, runID)
	qb, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return storage.QuarantineBatch{}, nil, fmt.Errorf("sqlite: no quarantine batch for run %s", runID)
	}
	if err != nil {
		return storage.QuarantineBatch{}, nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT line, raw, reason FROM quarantine_rows WHERE run_id = ? ORDER BY row_index`, runID)
	if err != nil {
		return storage.QuarantineBatch{}, nil, err
	}
	defer rows.Close()

	var out []storage.QuarantineRow
	for rows.Next() {
		var qr storage.QuarantineRow
		var raw string
		if err := rows.Scan(&qr.Line, &raw, &qr.Reason); err != nil {
			return storage.QuarantineBatch{}, nil, err
		}
		if err := json.Unmarshal([]byte(raw), &qr.Raw); err != nil {
			return storage.QuarantineBatch{}, nil, err
		}
		out = append(out, qr)
	}
	return qb, out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanBatch(s rowScanner) (storage.QuarantineBatch, error) {
	var qb storage.QuarantineBatch
	var headers, created string
	if err := s.Scan(&qb.RunID, &qb.FileName, &headers, &qb.RowCount, &created); err != nil {
		return qb, err
	}
	if err := json.Unmarshal([]byte(headers), &qb.Headers); err != nil {
		return qb, err
	}
	if t, err := time.Parse(timeLayout, created); err == nil {
		qb.CreatedAt = t
	}
	return qb, nil
}

// ---- runs.Store ----

func (b *backend) UpsertRun(ctx context.Context, r runs.Run) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs
			(id, status, file_name, dry_run, started_at, finished_at, duration_ms,
			 total_read, total_valid, total_rejected, db_inserts, db_updates, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			total_read = excluded.total_read,
			total_valid = excluded.total_valid,
			total_rejected = excluded.total_rejected,
			db_inserts = excluded.db_inserts,
			db_updates = excluded.db_updates,
			error_message = excluded.error_message`,
		r.ID, string(r.Status), r.FileName, boolInt(r.DryRun),
		timeText(r.StartedAt), timeText(r.FinishedAt), r.Duration.Milliseconds(),
		r.TotalRead, r.TotalValid, r.TotalRejected, r.DBInserts, r.DBUpdates, r.Error,
	)
	return err
}

func (b *backend) GetRun(ctx context.Context, id string) (runs.Run, bool, error) {
	row := b.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
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
	rows, err := b.db.QueryContext(ctx,
		selectRun+` ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
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

func scanRun(s rowScanner) (runs.Run, error) {
	var r runs.Run
	var status, started, finished string
	var dry, durMS int64
	if err := s.Scan(&r.ID, &status, &r.FileName, &dry, &started, &finished, &durMS,
		&r.TotalRead, &r.TotalValid, &r.TotalRejected, &r.DBInserts, &r.DBUpdates, &r.Error); err != nil {
		return r, err
	}
	r.Status = runs.Status(status)
	r.DryRun = dry != 0
	r.Duration = time.Duration(durMS) * time.Millisecond
	if t, err := time.Parse(timeLayout, started); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(timeLayout, finished); err == nil {
		r.FinishedAt = t
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
