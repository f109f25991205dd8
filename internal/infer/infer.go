// Package infer assigns a semantic type to every column of a sampled CSV.
//
// Inference is best-effort and never fails: a column that matches nothing
// degrades to text, which is always representable. The package also owns the
// date layouts and the numeric locale used for parsing, so that inference and
// row transformation apply one consistent rule across a whole run.
package infer

import (
	"strconv"
	"strings"
	"time"

	"csvetl/internal/schema"
)

// DefaultSampleSize bounds how many non-empty values per column are examined.
const DefaultSampleSize = 200

// dateLayouts are tried in order for every candidate value. The compact
// 20060102 layout is included deliberately: a column of tokens like 20240119
// must type as date, which is why the date test runs before the numeric one.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"02.01.2006",
	"2006/01/02",
	"20060102",
}

// ParseDate parses s against the accepted layout set.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NumberFormat is the single numeric locale applied to a whole run.
// Re-detecting per row would let "1.234" parse as 1.234 in one row and 1234
// in another; the format is therefore fixed up front.
type NumberFormat struct {
	ThousandsSep rune
	DecimalSep   rune
}

// DefaultNumberFormat is the US/ISO convention: "1,234.56".
var DefaultNumberFormat = NumberFormat{ThousandsSep: ',', DecimalSep: '.'}

// stripCurrency removes a leading currency marker: one of the common
// symbols, or a 3-letter code that must be followed by a space ("USD 500").
// Letters glued directly to digits are NOT a currency marker; "a1" is an
// identifier, not the number 1.
func stripCurrency(s string) string {
	for _, sym := range []string{"$", "€", "£"} {
		if rest, ok := strings.CutPrefix(s, sym); ok {
			return strings.TrimSpace(rest)
		}
	}
	if len(s) >= 5 && s[3] == ' ' && isASCIILetters(s[:3]) {
		return strings.TrimSpace(s[4:])
	}
	return s
}

func isASCIILetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// ParseNumber parses s under the configured locale, tolerating one leading
// sign and a leading currency marker (e.g. "$1,200.00", "USD 500", "$-5").
// After the marker and sign only digits and the locale's separators are
// accepted; any other rune rejects the value.
func ParseNumber(s string, f NumberFormat) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	signed := false
	neg := false
	takeSign := func() {
		if !signed && len(s) > 0 && (s[0] == '-' || s[0] == '+') {
			signed = true
			neg = s[0] == '-'
			s = strings.TrimSpace(s[1:])
		}
	}
	takeSign()
	s = stripCurrency(s)
	takeSign()
	if s == "" {
		return 0, false
	}

	var b strings.Builder
	b.Grow(len(s))
	sawDigit := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			sawDigit = true
		case r == f.ThousandsSep:
			if !sawDigit {
				return 0, false
			}
			// Dropped: thousands separators are cosmetic.
		case r == f.DecimalSep:
			b.WriteByte('.')
		default:
			return 0, false
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// Options controls sampling and locale for one inference pass.
type Options struct {
	// SampleSize caps the number of non-empty values examined per column.
	// Zero means DefaultSampleSize.
	SampleSize int
	// Numbers is the numeric locale. Zero value means DefaultNumberFormat.
	Numbers NumberFormat
}

func (o Options) sampleSize() int {
	if o.SampleSize <= 0 {
		return DefaultSampleSize
	}
	return o.SampleSize
}

func (o Options) numbers() NumberFormat {
	if o.Numbers == (NumberFormat{}) {
		return DefaultNumberFormat
	}
	return o.Numbers
}

// Infer produces one ColumnSchema per header, in header order.
//
// Type promotion runs in a fixed priority: date first, then numeric, else
// text. The ordering matters (see dateLayouts). A column promotes when the
// dominant share of its sampled values parses as the candidate type; the
// stray values that do not are left for the transformer to reject row by
// row. An all-empty sample defaults to text. Column names are slugified
// with collision suffixes; the original header is retained for display.
func Infer(headers []string, rows [][]string, opt Options) []schema.ColumnSchema {
	slugs := schema.SlugifyAll(headers)
	nf := opt.numbers()
	limit := opt.sampleSize()

	out := make([]schema.ColumnSchema, len(headers))
	for col, h := range headers {
		out[col] = schema.ColumnSchema{
			Name:         slugs[col],
			OriginalName: h,
			Type:         inferColumn(rows, col, limit, nf),
		}
	}
	return out
}

func inferColumn(rows [][]string, col, limit int, nf NumberFormat) schema.ColumnType {
	seen, dates, nums := 0, 0, 0

	for _, r := range rows {
		if col >= len(r) {
			continue
		}
		v := strings.TrimSpace(r[col])
		if v == "" {
			continue
		}
		seen++

		if _, ok := ParseDate(v); ok {
			dates++
		}
		if _, ok := ParseNumber(v, nf); ok {
			nums++
		}
		if seen >= limit {
			break
		}
	}
	if seen == 0 {
		return schema.TypeText
	}

	// Tolerate a minority of unparseable values: one stray in a small
	// sample, up to a fifth of a large one. Those strays become per-row
	// rejects downstream; only a column that is mostly garbage for the
	// candidate type degrades to text.
	allowed := seen / 5
	if allowed < 1 {
		allowed = 1
	}
	switch {
	case dates > 0 && seen-dates <= allowed:
		return schema.TypeDate
	case nums > 0 && seen-nums <= allowed:
		return schema.TypeNumeric
	}
	return schema.TypeText
}
