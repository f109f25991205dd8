package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var sourceNameRe = regexp.MustCompile(`^sales_(\d{8})\.csv$`)

// DetectLatestSource finds the newest dated source file in dir, by the date
// embedded in the name (sales_YYYYMMDD.csv), not by file mtime. Returns an
// error when the directory holds no matching file.
func DetectLatestSource(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("pipeline: scan input dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if sourceNameRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("pipeline: no sales_YYYYMMDD.csv files in %s", dir)
	}

	// Lexicographic order matches chronological order for YYYYMMDD.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
