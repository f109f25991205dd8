package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"csvetl/internal/config"
	"csvetl/internal/infer"
	"csvetl/internal/logbridge"
	"csvetl/internal/metrics"
	"csvetl/internal/metrics/datadog"
	"csvetl/internal/notify"
	"csvetl/internal/pipeline"
	"csvetl/internal/runs"
	"csvetl/internal/storage"
	"csvetl/internal/transform"

	// register all backends with the storage factory.
	_ "csvetl/internal/storage/all"
)

// main is the entry point for the one-shot ETL binary: it runs a single
// pipeline over one source file and exits nonzero when the run fails.
func main() {
	settings := config.Load()

	var (
		file       string
		detect     bool
		dryRun     bool
		kind       string
		dsn        string
		dedupKey   string
		duplicates string
		required   string
		delimiter  string
		sampleSize int
		workers    int
		metricsFlg string
	)

	flag.StringVar(&file, "file", "", "source CSV path")
	flag.BoolVar(&detect, "detect", false, "auto-detect the newest sales_YYYYMMDD.csv in the input dir")
	flag.BoolVar(&dryRun, "dry-run", false, "execute extract/infer/transform but skip load and notification")
	flag.StringVar(&kind, "storage", settings.StorageKind, "storage backend kind ("+strings.Join(storage.Kinds(), ", ")+")")
	flag.StringVar(&dsn, "dsn", settings.StorageDSN, "storage DSN (path for sqlite)")
	flag.StringVar(&dedupKey, "dedup-key", "", "comma-separated dedup key column slugs (empty = auto)")
	flag.StringVar(&duplicates, "duplicates", string(transform.DuplicateUpsert), "in-file duplicate policy (upsert, reject)")
	flag.StringVar(&required, "required", "", "comma-separated required column slugs (empty = dedup key)")
	flag.StringVar(&delimiter, "delimiter", ",", "CSV field delimiter")
	flag.IntVar(&sampleSize, "sample-size", settings.SampleSize, "inference sample size per column (0 = default)")
	flag.IntVar(&workers, "workers", settings.TransformWorkers, "transform worker count (<=1 = sequential)")
	flag.StringVar(&metricsFlg, "metrics-backend", settings.MetricsBackend, "metrics backend (datadog, none)")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	ctx := context.Background()

	if detect {
		p, err := pipeline.DetectLatestSource(settings.InputDir)
		if err != nil {
			log.Fatalf("%v", err)
		}
		file = p
	}
	if file == "" {
		log.Fatalf("no source: pass -file or -detect")
	}

	backend, err := storage.Open(ctx, storage.Config{Kind: kind, DSN: dsn})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()
	if err := backend.Init(ctx); err != nil {
		log.Fatalf("storage init: %v", err)
	}

	var mb metrics.Backend = metrics.Nop{}
	switch metricsFlg {
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    "csvetl",
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			mb = b
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	case "", "none":
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", metricsFlg)
		}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", metricsFlg)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	registry := runs.NewRegistry(backend, logger)
	bridge := logbridge.New()
	notifier := notify.New(settings.Notify, logger)

	orc := pipeline.New(backend, registry, bridge, mb, notifier, logger, pipeline.Options{
		SampleSize:    sampleSize,
		Workers:       workers,
		Numbers:       infer.DefaultNumberFormat,
		DedupKey:      splitCSV(dedupKey),
		Duplicates:    transform.DuplicatePolicy(duplicates),
		Required:      splitCSV(required),
		Comma:         delimiterRune(delimiter),
		QuarantineDir: settings.QuarantineDir,
	})

	start := time.Now()
	launched := orc.Launch(ctx, file, dryRun)
	orc.Wait()

	final, _ := registry.Get(launched.ID)
	out, _ := json.MarshalIndent(final, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	if final.Status != runs.StatusSuccess {
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func delimiterRune(s string) rune {
	switch s {
	case "", ",":
		return ','
	case "\\t", "tab":
		return '\t'
	default:
		return []rune(s)[0]
	}
}
