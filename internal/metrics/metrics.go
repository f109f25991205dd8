// Package metrics defines the minimal metrics seam the pipeline emits into.
//
// The core depends only on Backend; concrete backends (Datadog, none) live
// in subpackages and are selected at startup. Keeping the interface tiny is
// deliberate: the pipeline should not carry vendor-specific metric code.
package metrics

// Backend receives pipeline counters and duration samples.
//
// Implementations must be safe for concurrent use: overlapping runs emit
// from their own goroutines.
type Backend interface {
	// IncCounter adds delta to the named counter.
	IncCounter(name string, delta float64)

	// ObserveDuration records one duration sample, in seconds.
	ObserveDuration(name string, seconds float64)

	// Flush submits buffered metrics now.
	Flush() error

	// Close stops background flushing and submits one final time.
	Close() error
}

// Counter and sample names emitted by the pipeline.
const (
	CounterRowsRead     = "etl.rows.read"
	CounterRowsValid    = "etl.rows.valid"
	CounterRowsRejected = "etl.rows.rejected"
	CounterDBInserts    = "etl.db.inserts"
	CounterDBUpdates    = "etl.db.updates"
	CounterRunsSuccess  = "etl.runs.success"
	CounterRunsFailed   = "etl.runs.failed"
	SampleRunDuration   = "etl.run.duration_seconds"
)

// Nop discards everything. Used when no metrics backend is configured.
type Nop struct{}

func (Nop) IncCounter(string, float64)      {}
func (Nop) ObserveDuration(string, float64) {}
func (Nop) Flush() error                    { return nil }
func (Nop) Close() error                    { return nil }
