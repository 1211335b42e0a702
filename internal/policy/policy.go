// Package policy holds the stop/continuation decision function. It is
// pure: the loop feeds it the latched signal and current statuses, and
// it answers what to do next without touching any state itself.
package policy

import (
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/ledger"
	"github.com/droverhq/drover/internal/task"
)

// Action is what the loop should do after a worker session ends.
type Action int

const (
	// ActionContinue keeps the same session for the next iteration,
	// reusing the continuity token.
	ActionContinue Action = iota

	// ActionRotate terminates the current context and starts a fresh
	// one, remotely when possible.
	ActionRotate

	// ActionRepoll clears the continuity token and re-checks the queue
	// before the next dispatch.
	ActionRepoll

	// ActionIdle enters the polling sleep without dispatching.
	ActionIdle
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRotate:
		return "rotate"
	case ActionRepoll:
		return "repoll"
	case ActionIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Input is the latched view of one finished iteration.
type Input struct {
	Signal        events.Signal
	ResourceBand  ledger.Band
	Queue         task.QueueState
	TaskIteration int
	MaxIterations int
}

// Decision is the full outcome: the action plus the bookkeeping side
// effects the loop must apply before acting.
// The loop checkpoints unconditionally in Reconciling whenever the
// working tree is dirty, so no decision carries a checkpoint request.
type Decision struct {
	Action Action

	// ClearToken discards the worker-session continuity token so the
	// next dispatch starts a fresh conversation.
	ClearToken bool

	// ResetCounters resets per-task iteration counters.
	ResetCounters bool

	// BumpPass charges an extra pass against the active task.
	BumpPass bool

	// Reason is a short human-readable label for the progress log.
	Reason string
}

// Decide applies the decision table, first match wins. Critical
// resource pressure beats every task signal, including COMPLETE.
func Decide(in Input) Decision {
	if in.ResourceBand == ledger.BandCritical {
		return Decision{
			Action:     ActionRotate,
			ClearToken: true,
			Reason:     "context budget critical",
		}
	}

	switch in.Signal {
	case events.SignalComplete:
		return Decision{
			Action:        ActionRepoll,
			ClearToken:    true,
			ResetCounters: true,
			Reason:        "task completed",
		}
	case events.SignalGutter:
		return Decision{
			Action:     ActionRepoll,
			ClearToken: true,
			BumpPass:   true,
			Reason:     "worker reported gutter",
		}
	case events.SignalStalled:
		return Decision{Action: ActionIdle, Reason: "worker reported stall"}
	case events.SignalEmpty:
		return Decision{Action: ActionIdle, Reason: "worker reported empty queue"}
	}

	if in.Queue == task.QueueStalled {
		return Decision{Action: ActionIdle, Reason: "no workable tasks"}
	}
	if in.Queue == task.QueueEmpty {
		return Decision{Action: ActionIdle, Reason: "queue empty"}
	}

	if in.MaxIterations > 0 && in.TaskIteration >= in.MaxIterations {
		return Decision{
			Action:     ActionRepoll,
			ClearToken: true,
			BumpPass:   true,
			Reason:     "iteration ceiling reached",
		}
	}

	return Decision{Action: ActionContinue, Reason: "healthy, continuing"}
}
