// Package pipeline drives full ETL runs: extract, infer, transform,
// quarantine, load, notify.
//
// Launch returns immediately with a fresh run id; one goroutine per run
// executes the stages and is the sole writer of that run's registry state.
// Failures after the transform stage keep the partial counts already
// recorded, so a FAILED run still tells the operator how far it got.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"csvetl/internal/extract"
	"csvetl/internal/infer"
	"csvetl/internal/logbridge"
	"csvetl/internal/metrics"
	"csvetl/internal/notify"
	"csvetl/internal/runs"
	"csvetl/internal/schema"
	"csvetl/internal/storage"
	"csvetl/internal/transform"
)

// Logger is the minimal logging seam, satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures run execution. The zero value works: default sample
// size, sequential transform, auto-selected dedup key, upserted duplicates,
// no quarantine directory.
type Options struct {
	// SampleSize caps schema-inference sampling per column.
	SampleSize int
	// Workers sizes the transform worker pool; <=1 means sequential.
	Workers int
	// Numbers is the numeric locale applied to the whole run.
	Numbers infer.NumberFormat
	// DedupKey overrides dedup key auto-selection.
	DedupKey []string
	// Duplicates is the in-file duplicate policy.
	Duplicates transform.DuplicatePolicy
	// Required lists column slugs that must be non-empty.
	Required []string
	// Comma is the CSV delimiter. Zero means ','.
	Comma rune
	// QuarantineDir, when set, additionally writes rejects of each run to a
	// CSV file there. Database quarantine happens regardless.
	QuarantineDir string
}

// Orchestrator launches and tracks pipeline runs.
type Orchestrator struct {
	backend  storage.Backend
	registry *runs.Registry
	bridge   *logbridge.Bridge
	metrics  metrics.Backend
	notifier *notify.Notifier
	logger   Logger
	opt      Options

	wg sync.WaitGroup
}

// New wires an orchestrator. metrics may be nil (treated as no-op); notifier
// may be nil (no reports); logger may be nil.
func New(backend storage.Backend, registry *runs.Registry, bridge *logbridge.Bridge, mb metrics.Backend, notifier *notify.Notifier, logger Logger, opt Options) *Orchestrator {
	if mb == nil {
		mb = metrics.Nop{}
	}
	return &Orchestrator{
		backend:  backend,
		registry: registry,
		bridge:   bridge,
		metrics:  mb,
		notifier: notifier,
		logger:   logger,
		opt:      opt,
	}
}

// Registry exposes run state for read-side adapters.
func (o *Orchestrator) Registry() *runs.Registry { return o.registry }

// Bridge exposes the log stream for read-side adapters.
func (o *Orchestrator) Bridge() *logbridge.Bridge { return o.bridge }

// Launch starts a run over the file at path and returns its PENDING snapshot
// immediately. Execution happens on a dedicated goroutine; concurrent
// launches never share mutable state. When dryRun is set the run executes
// every stage except load and notification.
func (o *Orchestrator) Launch(ctx context.Context, path string, dryRun bool) runs.Run {
	id := uuid.NewString()
	r := o.registry.Create(ctx, id, fileBase(path), dryRun)
	o.bridge.Open(id)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(id, path, dryRun)
	}()
	return r
}

// Wait blocks until every launched run has finished. For graceful shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) logf(format string, v ...any) {
	if o.logger != nil {
		o.logger.Printf(format, v...)
	}
}

func (o *Orchestrator) publish(runID string, level logbridge.Level, format string, v ...any) {
	text := fmt.Sprintf(format, v...)
	o.bridge.Publish(runID, logbridge.Event{Level: level, Text: text})
	o.logf("run %s: %s", runID, text)
}

// execute runs the pipeline stages for one run. Runs are executed on a
// background context: a launch outlives the HTTP request (or CLI flag parse)
// that triggered it.
func (o *Orchestrator) execute(runID, path string, dryRun bool) {
	ctx := context.Background()
	started := time.Now()

	o.registry.Start(ctx, runID)
	o.publish(runID, logbridge.LevelInfo, "starting pipeline for %s (dry_run=%v)", fileBase(path), dryRun)

	fail := func(err error) {
		o.publish(runID, logbridge.LevelError, "pipeline failed: %v", err)
		o.registry.Finish(ctx, runID, runs.StatusFailed, err.Error())
		o.metrics.IncCounter(metrics.CounterRunsFailed, 1)
		o.metrics.ObserveDuration(metrics.SampleRunDuration, time.Since(started).Seconds())
		o.afterFinish(ctx, runID, dryRun)
	}

	// Extract.
	src, err := extract.ReadFile(path, extract.Options{Comma: o.opt.Comma})
	if err != nil {
		fail(fmt.Errorf("extract %s: %w", fileBase(path), err))
		return
	}
	o.publish(runID, logbridge.LevelInfo, "extracted %d rows, %d columns", len(src.Rows), len(src.Headers))

	// Infer.
	cols := infer.Infer(src.Headers, src.Rows, infer.Options{
		SampleSize: o.opt.SampleSize,
		Numbers:    o.opt.Numbers,
	})
	o.publish(runID, logbridge.LevelInfo, "inferred schema: %s", schemaSummary(cols))

	// Transform.
	res := transform.Apply(cols, src.Rows, transform.Options{
		Numbers:    o.opt.Numbers,
		DedupKey:   o.opt.DedupKey,
		Duplicates: o.opt.Duplicates,
		Required:   o.opt.Required,
	}, o.opt.Workers)

	// Lines the CSV parser could not decode at all count as read and
	// rejected, like any other bad row.
	for _, bad := range src.Bad {
		res.Read++
		res.Rejected = append(res.Rejected, transform.RejectedRow{
			Line:   bad.Line,
			Reason: transform.ReasonSchemaMismatch,
		})
	}

	o.registry.SetCounts(ctx, runID, res.Read, res.ValidCount(), res.RejectedCount())
	o.metrics.IncCounter(metrics.CounterRowsRead, float64(res.Read))
	o.metrics.IncCounter(metrics.CounterRowsValid, float64(res.ValidCount()))
	o.metrics.IncCounter(metrics.CounterRowsRejected, float64(res.RejectedCount()))
	o.publish(runID, logbridge.LevelInfo, "transformed: %d valid, %d rejected of %d read",
		res.ValidCount(), res.RejectedCount(), res.Read)

	// Quarantine. Never fatal: losing the reject audit trail is worth a
	// warning, not a failed load of the valid rows. Dry runs only report
	// counts; they leave no quarantine rows or files behind.
	if len(res.Rejected) > 0 && !dryRun {
		if err := o.backend.Quarantine(ctx, runID, fileBase(path), src.Headers, res.Rejected); err != nil {
			o.publish(runID, logbridge.LevelWarning, "quarantine store failed: %v", err)
		}
		if o.opt.QuarantineDir != "" {
			if p, err := storage.WriteQuarantineCSV(o.opt.QuarantineDir, runID, src.Headers, res.Rejected); err != nil {
				o.publish(runID, logbridge.LevelWarning, "quarantine file failed: %v", err)
			} else {
				o.publish(runID, logbridge.LevelInfo, "quarantined %d rows to %s", len(res.Rejected), fileBase(p))
			}
		}
	}

	// Load.
	if dryRun {
		o.publish(runID, logbridge.LevelSuccess, "dry run complete: %d rows would load", res.ValidCount())
	} else {
		if err := o.backend.SaveSchema(ctx, runID, cols); err != nil {
			fail(fmt.Errorf("save schema: %w", err))
			return
		}
		lr, err := o.backend.UpsertRecords(ctx, runID, res.DedupKey, res.Valid)
		// Loader counts are actuals; record whatever made it even on error.
		o.registry.SetLoadCounts(ctx, runID, lr.Inserts, lr.Updates)
		o.metrics.IncCounter(metrics.CounterDBInserts, float64(lr.Inserts))
		o.metrics.IncCounter(metrics.CounterDBUpdates, float64(lr.Updates))
		if err != nil {
			fail(fmt.Errorf("load records: %w", err))
			return
		}
		o.publish(runID, logbridge.LevelSuccess, "loaded %d inserts, %d updates", lr.Inserts, lr.Updates)
	}

	o.registry.Finish(ctx, runID, runs.StatusSuccess, "")
	o.metrics.IncCounter(metrics.CounterRunsSuccess, 1)
	o.metrics.ObserveDuration(metrics.SampleRunDuration, time.Since(started).Seconds())
	o.afterFinish(ctx, runID, dryRun)
}

// afterFinish closes the log stream and, for real runs, fires the completion
// report. Notification failures are logged inside the notifier and never
// change the run outcome.
func (o *Orchestrator) afterFinish(ctx context.Context, runID string, dryRun bool) {
	o.bridge.Close(runID)
	if dryRun || o.notifier == nil {
		return
	}
	if r, ok := o.registry.Get(runID); ok {
		o.notifier.SendReport(ctx, r)
	}
}

func fileBase(path string) string { return filepath.Base(path) }

func schemaSummary(cols []schema.ColumnSchema) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", c.Name, c.Type)
	}
	return b.String()
}
