package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"csvetl/internal/transform"
)

// WriteQuarantineCSV writes one run's rejects as a CSV file under dir, for
// operators who want to eyeball or re-submit a batch without touching the
// database. The durable quarantine table stays the primary record; this file
// is convenience output and callers may treat failures as non-fatal.
//
// The file carries the batch's own dynamic columns plus a trailing
// reject_reason column. Short rows are padded so every record aligns.
func WriteQuarantineCSV(dir, runID string, headers []string, rejected []transform.RejectedRow) (string, error) {
	if len(rejected) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("quarantine dir: %w", err)
	}

	name := fmt.Sprintf("errors_%s_%s.csv", time.Now().Format("20060102_150405"), runID)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("quarantine file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	hdr := make([]string, 0, len(headers)+1)
	hdr = append(hdr, headers...)
	hdr = append(hdr, "reject_reason")
	if err := w.Write(hdr); err != nil {
		return "", err
	}

	for _, rr := range rejected {
		rec := make([]string, len(headers)+1)
		copy(rec, rr.Raw)
		rec[len(headers)] = rr.Reason
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return path, nil
}
