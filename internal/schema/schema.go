// Package schema defines the dynamic column model shared by inference,
// transformation and storage.
//
// A dataset has no compile-time row struct: every source file brings its own
// columns. The package models that with ColumnSchema (one per column, with a
// stable slug name) and Value (a small closed sum over the three supported
// semantic types). Keeping the sum closed is what lets downstream code stay
// type-safe while the column set varies per file.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ColumnType is the semantic type assigned to a column by inference.
type ColumnType string

const (
	TypeNumeric ColumnType = "numeric"
	TypeDate    ColumnType = "date"
	TypeText    ColumnType = "text"
)

// Valid reports whether t is one of the three supported types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeNumeric, TypeDate, TypeText:
		return true
	}
	return false
}

// ColumnSchema describes one column of a dataset.
//
// Name is a stable, collision-free slug derived from OriginalName. Once a
// dataset's schema is persisted the slug is immutable; OriginalName is kept
// only for display.
type ColumnSchema struct {
	Name         string     `json:"column_name"`
	OriginalName string     `json:"original_name"`
	Type         ColumnType `json:"column_type"`
}

// DateLayout is the canonical storage form for date values.
const DateLayout = "2006-01-02"

// Value is a tagged cell value. Exactly one representation is meaningful,
// selected by Kind; Null marks true absence (an empty source cell), which is
// distinct from zero, "false" or empty text that was actually present.
type Value struct {
	Kind ColumnType
	Null bool

	Num  float64
	Time time.Time
	Text string
}

// NullValue returns the null value for a column of type t.
func NullValue(t ColumnType) Value { return Value{Kind: t, Null: true} }

// NumericValue returns a non-null numeric Value.
func NumericValue(f float64) Value { return Value{Kind: TypeNumeric, Num: f} }

// DateValue returns a non-null date Value.
func DateValue(t time.Time) Value { return Value{Kind: TypeDate, Time: t} }

// TextValue returns a non-null text Value.
func TextValue(s string) Value { return Value{Kind: TypeText, Text: s} }

// String renders the value in its canonical external form: numerics without
// trailing zeros, dates as YYYY-MM-DD, null as the empty string.
func (v Value) String() string {
	if v.Null {
		return ""
	}
	switch v.Kind {
	case TypeNumeric:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case TypeDate:
		return v.Time.Format(DateLayout)
	default:
		return v.Text
	}
}

// MarshalJSON writes the underlying value, not the tag wrapper, so persisted
// records read back as plain JSON objects.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Null {
		return []byte("null"), nil
	}
	switch v.Kind {
	case TypeNumeric:
		return json.Marshal(v.Num)
	case TypeDate:
		return json.Marshal(v.Time.Format(DateLayout))
	default:
		return json.Marshal(v.Text)
	}
}

// Record maps column slugs to typed values. Records are append/upsert targets
// for the loader; nothing in the core holds on to one past hand-off.
type Record map[string]Value

// KeyString derives the canonical dedup-key string for a record over the given
// key columns. Values are joined with a unit separator so composite keys
// cannot collide on concatenation.
func (r Record) KeyString(keyColumns []string) string {
	if len(keyColumns) == 1 {
		return r[keyColumns[0]].String()
	}
	parts := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		parts[i] = r[c].String()
	}
	return strings.Join(parts, "\x1f")
}

const maxSlugLen = 63

// Slugify converts an arbitrary header into a safe lowercase identifier:
// lower-cased, separator runs collapsed to a single underscore, everything
// outside [a-z0-9_] dropped. Empty results fall back to "column".
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		default:
			// Drop everything else.
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "column"
	}
	return truncateSlug(out)
}

func truncateSlug(s string) string {
	if len(s) <= maxSlugLen {
		return s
	}
	b := []byte(s)
	cut := maxSlugLen
	for cut > 0 && !utf8.Valid(b[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:maxSlugLen]
	}
	return string(b[:cut])
}

// SlugifyAll slugifies every header and disambiguates collisions with a
// numeric suffix, preserving input order. The first occurrence keeps the bare
// slug; later duplicates become slug_2, slug_3, ...
func SlugifyAll(headers []string) []string {
	out := make([]string, len(headers))
	used := make(map[string]bool, len(headers))
	for i, h := range headers {
		slug := Slugify(h)
		if used[slug] {
			// A suffixed candidate can itself collide with a real header
			// (e.g. "id", "id_2", "id"), so keep bumping until free.
			for n := 2; ; n++ {
				cand := fmt.Sprintf("%s_%d", slug, n)
				if !used[cand] {
					slug = cand
					break
				}
			}
		}
		used[slug] = true
		out[i] = slug
	}
	return out
}
