// Package ledger tracks a worker execution context's estimated resource
// consumption. The estimate is a proxy derived from observed I/O byte
// counts; it exists to decide when a context is close to its ceiling, not
// to be exact.
package ledger

import "sync"

// Band classifies the estimate against the configured ceiling.
type Band int

const (
	// BandHealthy is below the warning fraction of the ceiling.
	BandHealthy Band = iota
	// BandWarning is at or above 80% of the ceiling.
	BandWarning
	// BandCritical is at or above 95% of the ceiling.
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandWarning:
		return "warning"
	case BandCritical:
		return "critical"
	default:
		return "healthy"
	}
}

const (
	// bytesPerUnit converts accumulated bytes to consumption units.
	bytesPerUnit = 4

	// baselinePromptBytes accounts for the rendered instruction payload
	// the worker receives before emitting any event.
	baselinePromptBytes = 24000

	// estimatedBytesPerLine substitutes for write events that report no
	// explicit size, so large edits are never silently under-counted.
	estimatedBytesPerLine = 40

	warningFraction  = 0.80
	criticalFraction = 0.95
)

// Snapshot is the persisted form of a Ledger.
type Snapshot struct {
	ReadBytes        int64 `json:"read_bytes"`
	WrittenBytes     int64 `json:"written_bytes"`
	WorkerTextBytes  int64 `json:"worker_text_bytes"`
	ShellOutputBytes int64 `json:"shell_output_bytes"`
}

// Ledger accumulates byte counts for exactly one worker execution context.
// It is safe for concurrent use; the loop records from the event-consuming
// goroutine while the monitor reads totals.
type Ledger struct {
	mu      sync.Mutex
	counts  Snapshot
	ceiling int
}

// New creates a Ledger with the given ceiling in consumption units.
func New(ceilingUnits int) *Ledger {
	return &Ledger{ceiling: ceilingUnits}
}

// RecordRead adds bytes of content read by the worker.
func (l *Ledger) RecordRead(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts.ReadBytes += bytes
}

// RecordWrite adds bytes of content written by the worker. When bytes is
// zero, lines is used to estimate the size instead.
func (l *Ledger) RecordWrite(bytes int64, lines int) {
	if bytes == 0 {
		bytes = int64(lines) * estimatedBytesPerLine
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts.WrittenBytes += bytes
}

// RecordWorkerText adds bytes of assistant output text.
func (l *Ledger) RecordWorkerText(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts.WorkerTextBytes += bytes
}

// RecordShellOutput adds bytes of shell stdout/stderr text.
func (l *Ledger) RecordShellOutput(bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts.ShellOutputBytes += bytes
}

// Estimate returns the consumption estimate in units: the baseline prompt
// size plus all recorded bytes, divided by the bytes-per-unit divisor.
func (l *Ledger) Estimate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := baselinePromptBytes +
		l.counts.ReadBytes +
		l.counts.WrittenBytes +
		l.counts.WorkerTextBytes +
		l.counts.ShellOutputBytes
	return total / bytesPerUnit
}

// Status classifies the current estimate against the ceiling.
func (l *Ledger) Status() Band {
	estimate := float64(l.Estimate())
	ceiling := float64(l.ceiling)
	switch {
	case estimate >= ceiling*criticalFraction:
		return BandCritical
	case estimate >= ceiling*warningFraction:
		return BandWarning
	default:
		return BandHealthy
	}
}

// Snapshot returns a copy of the current counters for persistence.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

// Restore replaces the counters from a persisted snapshot. Used when the
// controller restarts mid-context.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = s
}

// ResetForNewContext zeroes all counters. It must run exactly once per new
// worker execution context, strictly before that context's first event is
// recorded; the estimate afterwards depends only on the new context's
// events.
func (l *Ledger) ResetForNewContext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = Snapshot{}
}
