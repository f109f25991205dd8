package main

import (
	"encoding/csv"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/encoding/charmap"

	"csvetl/internal/config"
)

// main generates a mock sales_YYYYMMDD.csv in the input directory, with a
// configurable share of dirty rows, for exercising the pipeline end to end.
func main() {
	settings := config.Load()

	var (
		out      string
		rows     int
		dirty    float64
		seed     int64
		encoding string
		date     string
	)
	flag.StringVar(&out, "out", settings.InputDir, "output directory")
	flag.IntVar(&rows, "rows", 500, "number of data rows")
	flag.Float64Var(&dirty, "dirty", 0.10, "fraction of rows with injected problems")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time-based)")
	flag.StringVar(&encoding, "encoding", "utf-8", "output encoding (utf-8, latin1)")
	flag.StringVar(&date, "date", time.Now().Format("20060102"), "date embedded in the file name (YYYYMMDD)")
	flag.Parse()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		log.Fatalf("output dir: %v", err)
	}
	path := filepath.Join(out, "sales_"+date+".csv")
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	switch encoding {
	case "", "utf-8":
	case "latin1":
		w = charmap.ISO8859_1.NewEncoder().Writer(f)
	default:
		log.Fatalf("unknown encoding %q", encoding)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(salesHeaders); err != nil {
		log.Fatalf("write header: %v", err)
	}
	if err := cw.WriteAll(generate(seed, rows, dirty)); err != nil {
		log.Fatalf("write rows: %v", err)
	}
	log.Printf("generated %s: %d rows, dirty=%.0f%%, encoding=%s, seed=%d",
		path, rows, dirty*100, encoding, seed)
}
