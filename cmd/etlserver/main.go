// Package main is the entry point for the pipeline HTTP server: it exposes
// run launch, run/schema/quarantine queries, and live log streaming over
// WebSocket.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csvetl/internal/config"
	"csvetl/internal/infer"
	"csvetl/internal/logbridge"
	"csvetl/internal/metrics"
	"csvetl/internal/metrics/datadog"
	"csvetl/internal/notify"
	"csvetl/internal/pipeline"
	"csvetl/internal/runs"
	"csvetl/internal/server"
	"csvetl/internal/storage"

	// register all backends with the storage factory.
	_ "csvetl/internal/storage/all"
)

func main() {
	settings := config.Load()

	addr := flag.String("addr", settings.ListenAddr, "listen address")
	kind := flag.String("storage", settings.StorageKind, "storage backend kind")
	dsn := flag.String("dsn", settings.StorageDSN, "storage DSN (path for sqlite)")
	metricsFlg := flag.String("metrics-backend", settings.MetricsBackend, "metrics backend (datadog, none)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	backend, err := storage.Open(ctx, storage.Config{Kind: *kind, DSN: *dsn})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()
	if err := backend.Init(ctx); err != nil {
		log.Fatalf("storage init: %v", err)
	}

	var mb metrics.Backend = metrics.Nop{}
	if *metricsFlg == "datadog" {
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    "csvetl",
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			mb = b
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}
	}

	registry := runs.NewRegistry(backend, logger)
	bridge := logbridge.New()
	notifier := notify.New(settings.Notify, logger)

	orc := pipeline.New(backend, registry, bridge, mb, notifier, logger, pipeline.Options{
		SampleSize:    settings.SampleSize,
		Workers:       settings.TransformWorkers,
		Numbers:       infer.DefaultNumberFormat,
		QuarantineDir: settings.QuarantineDir,
	})

	srv := &http.Server{
		Addr:    *addr,
		Handler: server.New(orc, backend, notifier, settings.InputDir, logger).Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Printf("shutting down...")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("server shutdown: %v", err)
		}
		// Let in-flight runs finish before the process exits.
		orc.Wait()
	}()

	logger.Printf("etlserver listening on %s (storage=%s)", *addr, *kind)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	orc.Wait()
}
