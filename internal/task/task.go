// Package task defines the task model, the queue status computation, and
// the instruction payload rendered for the worker. Selection among
// workable tasks is delegated to the worker; this package only decides
// which tasks are eligible at all.
package task

import (
	"fmt"
	"time"
)

// Category classifies a task. Advisory; the engine never branches on it.
type Category string

const (
	CategoryBackend  Category = "backend"
	CategoryFrontend Category = "frontend"
	CategoryData     Category = "data"
)

// Status is a task lifecycle state.
type Status string

const (
	// StatusPending is the initial state. An absent status field is
	// treated as pending.
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Priority is advisory only; the engine never uses it as a tie-break.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is one unit of work. Description doubles as the unique key within
// a queue partition.
type Task struct {
	Category     Category `json:"category"`
	Description  string   `json:"description"`
	Status       Status   `json:"status,omitempty"`
	Priority     Priority `json:"priority,omitempty"`
	Steps        []string `json:"steps,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Passes       int      `json:"passes"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// Workable reports whether the task is eligible for dispatch under the
// given pass ceiling. Eligibility is mechanical: status pending (or
// absent) or in_progress, and passes below the ceiling. This check is
// never delegated to the worker.
func (t Task) Workable(maxPasses int) bool {
	switch t.Status {
	case StatusPending, "", StatusInProgress:
		return t.Passes < maxPasses
	default:
		return false
	}
}

// MarkInProgress transitions the task into in_progress and charges one
// pass. Called once when the task is chosen for an iteration.
func (t *Task) MarkInProgress() {
	t.Status = StatusInProgress
	t.Passes++
}

// MarkCompleted transitions the task into completed and stamps the
// completion time.
func (t *Task) MarkCompleted(now time.Time) {
	t.Status = StatusCompleted
	t.CompletedAt = now.UTC().Format(time.RFC3339)
}

// ValidateQueue checks partition-level invariants: descriptions present
// and unique within the partition.
func ValidateQueue(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.Description == "" {
			return fmt.Errorf("task %d has an empty description", i)
		}
		if seen[t.Description] {
			return fmt.Errorf("duplicate task description %q", t.Description)
		}
		seen[t.Description] = true
	}
	return nil
}

// SweepCompleted partitions tasks into those still pending work and those
// completed. Completed tasks are returned in their original order for the
// batch move into the done partition; all other statuses are untouched.
func SweepCompleted(tasks []Task) (remaining, completed []Task) {
	for _, t := range tasks {
		if t.Status == StatusCompleted {
			completed = append(completed, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	return remaining, completed
}
