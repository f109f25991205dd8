// Package mssql implements storage.Backend on SQL Server.
//
// SQL Server has no ON CONFLICT; upserts use MERGE against the dedup-key
// primary key. DDL is guarded with OBJECT_ID checks because CREATE TABLE IF
// NOT EXISTS does not exist here.
package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

const keyBatch = 200

type backend struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New opens a SQL Server connection for cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &backend{db: db}, nil
}

func (b *backend) Close() { _ = b.db.Close() }

var ddl = []string{
	`IF OBJECT_ID('pipeline_runs', 'U') IS NULL
	CREATE TABLE pipeline_runs (
		id NVARCHAR(64) PRIMARY KEY,
		status NVARCHAR(16) NOT NULL,
		file_name NVARCHAR(512) NOT NULL,
		dry_run BIT NOT NULL DEFAULT 0,
		started_at DATETIMEOFFSET NULL,
		finished_at DATETIMEOFFSET NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		total_read BIGINT NOT NULL DEFAULT 0,
		total_valid BIGINT NOT NULL DEFAULT 0,
		total_rejected BIGINT NOT NULL DEFAULT 0,
		db_inserts BIGINT NOT NULL DEFAULT 0,
		db_updates BIGINT NOT NULL DEFAULT 0,
		error_message NVARCHAR(MAX) NOT NULL DEFAULT ''
	)`,
	`IF OBJECT_ID('dataset_rows', 'U') IS NULL
	CREATE TABLE dataset_rows (
		dedup_key NVARCHAR(450) PRIMARY KEY,
		run_id NVARCHAR(64) NOT NULL,
		data NVARCHAR(MAX) NOT NULL,
		last_updated DATETIMEOFFSET NOT NULL
	)`,
	`IF OBJECT_ID('dataset_schema', 'U') IS NULL
	CREATE TABLE dataset_schema (
		run_id NVARCHAR(64) NOT NULL,
		column_order INT NOT NULL,
		column_name NVARCHAR(128) NOT NULL,
		column_type NVARCHAR(16) NOT NULL,
		original_name NVARCHAR(512) NOT NULL,
		saved_at DATETIMEOFFSET NOT NULL DEFAULT SYSDATETIMEOFFSET(),
		PRIMARY KEY (run_id, column_order)
	)`,
	`IF OBJECT_ID('quarantine_batches', 'U') IS NULL
	CREATE TABLE quarantine_batches (
		run_id NVARCHAR(64) PRIMARY KEY,
		file_name NVARCHAR(512) NOT NULL,
		headers NVARCHAR(MAX) NOT NULL,
		row_count BIGINT NOT NULL,
		created_at DATETIMEOFFSET NOT NULL
	)`,
	`IF OBJECT_ID('quarantine_rows', 'U') IS NULL
	CREATE TABLE quarantine_rows (
		run_id NVARCHAR(64) NOT NULL,
		row_index BIGINT NOT NULL,
		line BIGINT NOT NULL,
		raw NVARCHAR(MAX) NOT NULL,
		reason NVARCHAR(256) NOT NULL,
		PRIMARY KEY (run_id, row_index)
	)`,
}

func (b *backend) Init(ctx context.Context) error {
	for _, q := range ddl {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: init: %w", err)
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
			 VALUES (@p1, @p2, @p3, @p4, @p5)`,
			runID, i, c.Name, string(c.Type), c.OriginalName,
		); err != nil {
			return fmt.Errorf("mssql: save schema: %w", err)
		}
	}
	return tx.Commit()
}

func (b *backend) ActiveSchema(ctx context.Context) ([]schema.ColumnSchema, error) {
	var runID string
	err := b.db.QueryRowContext(ctx,
		`SELECT TOP 1 run_id FROM dataset_schema ORDER BY saved_at DESC`,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT column_name, column_type, original_name
		 FROM dataset_schema WHERE run_id = @p1 ORDER BY column_order`,
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
		return res, fmt.Errorf("mssql: upsert requires a dedup key")
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

	now := time.Now().UTC()
	for i, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return res, fmt.Errorf("mssql: encode record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`MERGE dataset_rows AS t
			 USING (SELECT @p1 AS dedup_key) AS s ON t.dedup_key = s.dedup_key
			 WHEN MATCHED THEN UPDATE SET run_id = @p2, data = @p3, last_updated = @p4
			 WHEN NOT MATCHED THEN INSERT (dedup_key, run_id, data, last_updated)
				VALUES (@p1, @p2, @p3, @p4);`,
			keys[i], runID, string(data), now,
		); err != nil {
			return res, fmt.Errorf("mssql: upsert row: %w", err)
		}
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
		 FROM dataset_rows ORDER BY dedup_key
		 OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DatasetRow
	for rows.Next() {
		var dr storage.DatasetRow
		var data string
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
		chunk := keys[start:end]

		ph := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, k := range chunk {
			ph[i] = fmt.Sprintf("@p%d", i+1)
			args[i] = k
		}
		rows, err := b.db.QueryContext(ctx,
			`SELECT dedup_key FROM dataset_rows WHERE dedup_key IN (`+strings.Join(ph, ",")+`)`,
			args...)
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
		 VALUES (@p1, @p2, @p3, @p4, @p5)`,
		runID, fileName, string(hdrJSON), len(rejected), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("mssql: quarantine batch: %w", err)
	}

	for i, rr := range rejected {
		raw, err := json.Marshal(rr.Raw)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine_rows (run_id, row_index, line, raw, reason)
			 VALUES (@p1, @p2, @p3, @p4, @p5)`,
			runID, i, rr.Line, string(raw), rr.Reason,
		); err != nil {
			return fmt.Errorf("mssql: quarantine row: %w", err)
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
		var qb storage.QuarantineBatch
		var headers string
		if err := rows.Scan(&qb.RunID, &qb.FileName, &headers, &qb.RowCount, &qb.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headers), &qb.Headers); err != nil {
			return nil, err
		}
		out = append(out, qb)
	}
	return out, rows.Err()
}

func (b *backend) BatchRows(ctx context.Context, runID string) (storage.QuarantineBatch, []storage.QuarantineRow, error) {
	var qb storage.QuarantineBatch
	var headers string
	err := b.db.QueryRowContext(ctx,
		`SELECT run_id, file_name, headers, row_count, created_at
		 FROM quarantine_batches WHERE run_id = @p1`, runID,
	).Scan(&qb.RunID, &qb.FileName, &headers, &qb.RowCount, &qb.CreatedAt)
	if err == sql.ErrNoRows {
		return qb, nil, fmt.Errorf("mssql: no quarantine batch for run %s", runID)
	}
	if err != nil {
		return qb, nil, err
	}
	if err := json.Unmarshal([]byte(headers), &qb.Headers); err != nil {
		return qb, nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT line, raw, reason FROM quarantine_rows WHERE run_id = @p1 ORDER BY row_index`, runID)
	if err != nil {
		return qb, nil, err
	}
	defer rows.Close()

	var out []storage.QuarantineRow
	for rows.Next() {
		var qr storage.QuarantineRow
		var raw string
		if err := rows.Scan(&qr.Line, &raw, &qr.Reason); err != nil {
			return qb, nil, err
		}
		if err := json.Unmarshal([]byte(raw), &qr.Raw); err != nil {
			return qb, nil, err
		}
		out = append(out, qr)
	}
	return qb, out, rows.Err()
}

// ---- runs.Store ----

func (b *backend) UpsertRun(ctx context.Context, r runs.Run) error {
	_, err := b.db.ExecContext(ctx,
		`MERGE pipeline_runs AS t
		 USING (SELECT @p1 AS id) AS s ON t.id = s.id
		 WHEN MATCHED THEN UPDATE SET
			status = @p2, started_at = @p5, finished_at = @p6, duration_ms = @p7,
			total_read = @p8, total_valid = @p9, total_rejected = @p10,
			db_inserts = @p11, db_updates = @p12, error_message = @p13
		 WHEN NOT MATCHED THEN INSERT
			(id, status, file_name, dry_run, started_at, finished_at, duration_ms,
			 total_read, total_valid, total_rejected, db_inserts, db_updates, error_message)
			VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13);`,
		r.ID, string(r.Status), r.FileName, r.DryRun,
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.Duration.Milliseconds(),
		r.TotalRead, r.TotalValid, r.TotalRejected, r.DBInserts, r.DBUpdates, r.Error,
	)
	return err
}

func (b *backend) GetRun(ctx context.Context, id string) (runs.Run, bool, error) {
	row := b.db.QueryRowContext(ctx, selectRun+` WHERE id = @p1`, id)
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
		selectRun+` ORDER BY started_at DESC OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY`,
		offset, limit)
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
	var started, finished sql.NullTime
	var durMS int64
	if err := s.Scan(&r.ID, &status, &r.FileName, &r.DryRun, &started, &finished, &durMS,
		&r.TotalRead, &r.TotalValid, &r.TotalRejected, &r.DBInserts, &r.DBUpdates, &r.Error); err != nil {
		return r, err
	}
	r.Status = runs.Status(status)
	r.Duration = time.Duration(durMS) * time.Millisecond
	if started.Valid {
		r.StartedAt = started.Time
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
