// Package extract reads raw CSV sources into ordered header + row form.
//
// Extraction is deliberately forgiving at the record level (a malformed line
// becomes a reject downstream, never a run failure) and strict at the file
// level: an unreadable or empty source fails the run.
package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrEmptyFile is returned when the source contains no header row.
var ErrEmptyFile = errors.New("extract: empty source file")

// BadLine records a CSV record the parser could not decode at all. These are
// surfaced so the transformer can account for them as rejects; they are not
// extraction failures.
type BadLine struct {
	Line int
	Err  error
}

// File is one fully extracted source: the raw header row, every data row in
// input order (cell counts may disagree with the header; that is judged
// later), and any undecodable lines.
type File struct {
	Headers []string
	Rows    [][]string
	Bad     []BadLine
}

// Options controls CSV decoding.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
}

func (o Options) comma() rune {
	if o.Comma == 0 {
		return ','
	}
	return o.Comma
}

// ReadFile opens and extracts path. A missing or unreadable file is a fatal
// extraction error for the run.
func ReadFile(path string, opt Options) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extract: open source: %w", err)
	}
	defer f.Close()
	return Read(f, opt)
}

// Read extracts CSV from r. The byte stream is decoded as UTF-8 when valid,
// otherwise re-decoded as Latin-1 (the common fallback for legacy exports).
// A UTF-8 BOM is stripped.
func Read(r io.Reader, opt Options) (*File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("extract: read source: %w", err)
	}

	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	if !utf8.Valid(raw) {
		decoded, derr := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if derr != nil {
			return nil, fmt.Errorf("extract: decode source: %w", derr)
		}
		raw = decoded
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyFile
	}

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.Comma = opt.comma()
	cr.FieldsPerRecord = -1 // cell-count mismatches are judged by the transformer
	cr.LazyQuotes = true

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("extract: read header: %w", err)
	}
	headers := make([]string, len(hdr))
	for i, h := range hdr {
		headers[i] = strings.TrimSpace(h)
	}

	out := &File{Headers: headers}
	for {
		rec, err := readRec()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Bad = append(out.Bad, BadLine{Line: line, Err: err})
			continue
		}
		row := make([]string, len(rec))
		copy(row, rec)
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
