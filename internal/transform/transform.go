// Package transform validates and normalizes raw CSV rows against an
// inferred schema.
//
// The per-row transform is a pure function from (schema, raw row) to
// (record, reason): it never mutates its input, which is what makes the
// worker-pool path in Apply safe and the unit tests trivial. Rejection
// reasons form a closed, enumerable set; every rejected row carries one.
package transform

import (
	"strings"

	"csvetl/internal/infer"
	"csvetl/internal/schema"
)

// Reason code prefixes. Column-scoped reasons append ":<column_name>".
const (
	ReasonSchemaMismatch  = "SCHEMA_MISMATCH"
	ReasonInvalidNumeric  = "INVALID_NUMERIC"
	ReasonInvalidDate     = "INVALID_DATE"
	ReasonMissingRequired = "MISSING_REQUIRED"
	ReasonDuplicateKey    = "DUPLICATE_KEY"
)

func columnReason(prefix, column string) string { return prefix + ":" + column }

// DuplicatePolicy decides what happens when two rows normalize to the same
// dedup key within one file.
type DuplicatePolicy string

const (
	// DuplicateUpsert passes duplicates through to the loader, which applies
	// update semantics. This is the default.
	DuplicateUpsert DuplicatePolicy = "upsert"
	// DuplicateReject quarantines every duplicate after the first occurrence.
	DuplicateReject DuplicatePolicy = "reject"
)

// Options configures one transformation pass. The zero value is usable:
// default numeric locale, auto-selected dedup key, upsert duplicates.
type Options struct {
	// Numbers is the numeric locale for the whole run. One consistent rule
	// is applied to every row; per-row re-detection is deliberately not
	// supported.
	Numbers infer.NumberFormat

	// DedupKey is the column slug (or slugs) treated as row identity.
	// Empty means auto-select: a column slugged "id" if present, else the
	// first column.
	DedupKey []string

	// Duplicates selects the in-file duplicate policy.
	Duplicates DuplicatePolicy

	// Required lists column slugs where an empty cell rejects the row.
	// Nil means the dedup key columns are required.
	Required []string
}

func (o Options) numbers() infer.NumberFormat {
	if o.Numbers == (infer.NumberFormat{}) {
		return infer.DefaultNumberFormat
	}
	return o.Numbers
}

// DedupKeyFor resolves the effective dedup key for a schema: the configured
// key when set, else a column slugged "id", else the first column. Returns
// nil for an empty schema.
func DedupKeyFor(cols []schema.ColumnSchema, configured []string) []string {
	if len(configured) > 0 {
		out := make([]string, len(configured))
		copy(out, configured)
		return out
	}
	for _, c := range cols {
		if c.Name == "id" {
			return []string{"id"}
		}
	}
	if len(cols) > 0 {
		return []string{cols[0].Name}
	}
	return nil
}

// RejectedRow is one quarantined input row with its reason code.
type RejectedRow struct {
	// Line is the 1-based data row number within the source (header not
	// counted). Zero when unknown (undecodable lines).
	Line   int
	Raw    []string
	Reason string
}

// Result is the outcome of transforming one file. Ordering within Valid and
// Rejected matches input order; Read == len(Valid) + len(Rejected) always.
type Result struct {
	Schema   []schema.ColumnSchema
	DedupKey []string

	Valid    []schema.Record
	Rejected []RejectedRow

	Read int
}

// ValidCount returns len(Valid).
func (r *Result) ValidCount() int { return len(r.Valid) }

// RejectedCount returns len(Rejected).
func (r *Result) RejectedCount() int { return len(r.Rejected) }

// Row transforms one raw row. It returns the normalized record and an empty
// reason, or a nil record and the rejection reason. raw is never mutated.
//
// A cell-count mismatch rejects immediately without per-cell work: a wrong
// field count usually means an unescaped delimiter, and per-cell reasons
// derived from misaligned cells would only mislead.
func Row(cols []schema.ColumnSchema, raw []string, required map[string]bool, nf infer.NumberFormat) (schema.Record, string) {
	if len(raw) != len(cols) {
		return nil, ReasonSchemaMismatch
	}

	rec := make(schema.Record, len(cols))
	for i, col := range cols {
		cell := strings.TrimSpace(raw[i])

		if cell == "" {
			if required[col.Name] {
				return nil, columnReason(ReasonMissingRequired, col.Name)
			}
			rec[col.Name] = schema.NullValue(col.Type)
			continue
		}

		switch col.Type {
		case schema.TypeNumeric:
			v, ok := infer.ParseNumber(cell, nf)
			if !ok {
				if required[col.Name] {
					return nil, columnReason(ReasonInvalidNumeric, col.Name)
				}
				rec[col.Name] = schema.NullValue(col.Type)
				continue
			}
			rec[col.Name] = schema.NumericValue(v)

		case schema.TypeDate:
			t, ok := infer.ParseDate(cell)
			if !ok {
				return nil, columnReason(ReasonInvalidDate, col.Name)
			}
			rec[col.Name] = schema.DateValue(t)

		default:
			rec[col.Name] = schema.TextValue(cell)
		}
	}
	return rec, ""
}

// outcome is the per-row result of the parallel pass, indexed by input
// position so ordering survives the worker fan-out.
type outcome struct {
	rec    schema.Record
	reason string
}

// Apply transforms every row of a file against cols.
//
// workers > 1 splits the per-row work across goroutines; results land in an
// index-addressed slice so output order always matches input order. The
// duplicate scan runs afterwards on the ordered outcomes because first-wins
// semantics are inherently sequential.
func Apply(cols []schema.ColumnSchema, rows [][]string, opt Options, workers int) *Result {
	key := DedupKeyFor(cols, opt.DedupKey)

	required := make(map[string]bool)
	if opt.Required != nil {
		for _, c := range opt.Required {
			required[c] = true
		}
	} else {
		for _, c := range key {
			required[c] = true
		}
	}

	nf := opt.numbers()
	outcomes := make([]outcome, len(rows))

	if workers <= 1 || len(rows) < 2 {
		for i, raw := range rows {
			rec, reason := Row(cols, raw, required, nf)
			outcomes[i] = outcome{rec: rec, reason: reason}
		}
	} else {
		if workers > len(rows) {
			workers = len(rows)
		}
		idx := make(chan int, workers)
		done := make(chan struct{})
		for w := 0; w < workers; w++ {
			go func() {
				for i := range idx {
					rec, reason := Row(cols, rows[i], required, nf)
					outcomes[i] = outcome{rec: rec, reason: reason}
				}
				done <- struct{}{}
			}()
		}
		for i := range rows {
			idx <- i
		}
		close(idx)
		for w := 0; w < workers; w++ {
			<-done
		}
	}

	res := &Result{
		Schema:   cols,
		DedupKey: key,
		Read:     len(rows),
	}

	var seen map[string]bool
	if opt.Duplicates == DuplicateReject && len(key) > 0 {
		seen = make(map[string]bool, len(rows))
	}

	for i, oc := range outcomes {
		line := i + 1
		if oc.reason != "" {
			res.Rejected = append(res.Rejected, RejectedRow{Line: line, Raw: rows[i], Reason: oc.reason})
			continue
		}
		if seen != nil {
			ks := oc.rec.KeyString(key)
			if seen[ks] {
				res.Rejected = append(res.Rejected, RejectedRow{
					Line:   line,
					Raw:    rows[i],
					Reason: columnReason(ReasonDuplicateKey, strings.Join(key, ",")),
				})
				continue
			}
			seen[ks] = true
		}
		res.Valid = append(res.Valid, oc.rec)
	}
	return res
}
