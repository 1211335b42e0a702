// Package gutter detects unproductive worker patterns: the same shell
// command failing repeatedly, and repeated writes to the same file within a
// short window ("thrashing"). Both are heuristics and fail open; the
// detector raises signals, it never stops the loop itself.
package gutter

import (
	"fmt"
	"time"
)

// Risk is the derived gutter-risk flag.
type Risk int

const (
	// RiskLow means no sustained thrashing has been observed.
	RiskLow Risk = iota
	// RiskHigh latches once lifetime thrashing incidents exceed the
	// incident threshold. It clears only on ResetForNewContext.
	RiskHigh
)

func (r Risk) String() string {
	if r == RiskHigh {
		return "high"
	}
	return "low"
}

const (
	// commandFailureThreshold is the identical-command failure count at
	// which a gutter hint fires. The count is a lifetime count per
	// command string, not a strictly consecutive run; the leniency is
	// deliberate.
	commandFailureThreshold = 3

	// thrashWindow is the trailing window for same-path write counting.
	thrashWindow = 600 * time.Second

	// thrashWriteThreshold is the same-path write count within the
	// window that records one thrashing incident.
	thrashWriteThreshold = 5

	// incidentThreshold is the lifetime incident count beyond which
	// gutter risk goes high.
	incidentThreshold = 2
)

// FailureKind distinguishes the two failure-record flavours.
type FailureKind string

const (
	FailureShell  FailureKind = "shell_failure"
	FailureThrash FailureKind = "thrashing"
)

// FailureRecord is one append-only failure log entry.
type FailureRecord struct {
	Kind      FailureKind `json:"kind"`
	Command   string      `json:"command,omitempty"`
	Path      string      `json:"path,omitempty"`
	Count     int         `json:"count"`
	Timestamp time.Time   `json:"timestamp"`
}

// Guardrail is a persistent advisory rule surfaced to the worker at the
// start of each iteration. Guardrails are appended, never deleted.
type Guardrail struct {
	Trigger     string    `json:"trigger"`
	Instruction string    `json:"instruction"`
	AddedAfter  string    `json:"added_after"`
	AddedAt     time.Time `json:"added_at"`
}

// Sink receives failure records and guardrails as the detector emits them.
// The state store implements this; tests use an in-memory collector.
type Sink interface {
	AppendFailure(FailureRecord) error
	AppendGuardrail(Guardrail) error
}

// Detector watches one worker execution context's operations.
type Detector struct {
	sink Sink

	shellFailures map[string]int
	writeLog      map[string][]time.Time
	incidents     int
	hintFired     map[string]bool
}

// NewDetector creates a Detector emitting into sink. A nil sink is valid;
// records are then only reflected in the in-memory state.
func NewDetector(sink Sink) *Detector {
	return &Detector{
		sink:          sink,
		shellFailures: make(map[string]int),
		writeLog:      make(map[string][]time.Time),
		hintFired:     make(map[string]bool),
	}
}

// ObserveShellResult records a shell command outcome. It returns true when
// the command's failure count has just reached the gutter-hint threshold;
// the hint fires once per command per context.
func (d *Detector) ObserveShellResult(command string, exitCode int) bool {
	if exitCode == 0 {
		return false
	}

	d.shellFailures[command]++
	count := d.shellFailures[command]

	if d.sink != nil {
		_ = d.sink.AppendFailure(FailureRecord{
			Kind:      FailureShell,
			Command:   command,
			Count:     count,
			Timestamp: time.Now().UTC(),
		})
	}

	if count >= commandFailureThreshold && !d.hintFired[command] {
		d.hintFired[command] = true
		return true
	}
	return false
}

// ObserveFileWrite records a write to path at ts. When the same path has
// been written thrashWriteThreshold times within the trailing window, one
// thrashing incident is recorded and the path's window restarts, so a
// qualifying window yields exactly one incident rather than one per write.
func (d *Detector) ObserveFileWrite(path string, ts time.Time) {
	cutoff := ts.Add(-thrashWindow)

	entries := d.writeLog[path]
	kept := entries[:0]
	for _, e := range entries {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, ts)

	if len(kept) < thrashWriteThreshold {
		d.writeLog[path] = kept
		return
	}

	// Window crossed: record the incident and restart the window.
	d.writeLog[path] = nil
	d.incidents++

	if d.sink != nil {
		_ = d.sink.AppendFailure(FailureRecord{
			Kind:      FailureThrash,
			Path:      path,
			Count:     d.incidents,
			Timestamp: ts.UTC(),
		})
	}

	if d.incidents == incidentThreshold+1 && d.sink != nil {
		_ = d.sink.AppendGuardrail(Guardrail{
			Trigger:     fmt.Sprintf("%d writes to %s within %s", thrashWriteThreshold, path, thrashWindow),
			Instruction: fmt.Sprintf("Repeated rewrites of %s suggest an unproductive loop. Re-read the file, state the intended change first, and make one edit per iteration.", path),
			AddedAfter:  "thrashing incidents exceeded the lifetime threshold",
			AddedAt:     ts.UTC(),
		})
	}
}

// Incidents returns the lifetime thrashing incident count.
func (d *Detector) Incidents() int {
	return d.incidents
}

// Risk returns the current gutter risk. High latches until reset.
func (d *Detector) Risk() Risk {
	if d.incidents > incidentThreshold {
		return RiskHigh
	}
	return RiskLow
}

// RiskFromRecords derives the gutter risk from a persisted failure log.
// Each thrashing record carries its context's incident count at the time
// it fired, so the most recent one reflects the latest observed state.
func RiskFromRecords(records []FailureRecord) Risk {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind != FailureThrash {
			continue
		}
		if records[i].Count > incidentThreshold {
			return RiskHigh
		}
		return RiskLow
	}
	return RiskLow
}

// ResetForNewContext clears all per-context tracking, including the
// lifetime incident count and the latched risk.
func (d *Detector) ResetForNewContext() {
	d.shellFailures = make(map[string]int)
	d.writeLog = make(map[string][]time.Time)
	d.hintFired = make(map[string]bool)
	d.incidents = 0
}
