package task

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/gutter"
)

// PayloadContext carries everything the payload renderer needs for one
// dispatch.
type PayloadContext struct {
	Iteration  int
	Queue      QueueStatus
	Guardrails []gutter.Guardrail
	// VerificationFailure is the trimmed output of a failed verify
	// command from a rejected completion claim, surfaced so the worker
	// can self-correct.
	VerificationFailure string
	// BranchIsolation and AutoPR are advisory feature flags passed
	// through to the worker.
	BranchIsolation bool
	AutoPR          bool
}

// RenderPayload builds the textual instruction payload for one worker
// dispatch: the workable task set, the selection rubric, active
// guardrails, and the signalling protocol.
func RenderPayload(pc PayloadContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Iteration %d\n\n", pc.Iteration)
	sb.WriteString("You are the worker for an autonomous task loop. ")
	sb.WriteString("Pick exactly one task from the workable set below and advance it as far as you can in this session.\n\n")

	sb.WriteString("## Workable tasks\n\n")
	for _, t := range pc.Queue.Workable {
		fmt.Fprintf(&sb, "- [%s] %s (passes: %d", t.Category, t.Description, t.Passes)
		if t.Priority != "" {
			fmt.Fprintf(&sb, ", priority: %s", t.Priority)
		}
		sb.WriteString(")\n")
		for _, step := range t.Steps {
			fmt.Fprintf(&sb, "    - %s\n", step)
		}
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&sb, "    depends on: %s\n", strings.Join(t.Dependencies, "; "))
		}
	}

	if n := pc.Queue.StalledCount(); n > 0 {
		fmt.Fprintf(&sb, "\n%d stalled task(s) are excluded and must not be attempted.\n", n)
	}

	sb.WriteString("\n## Selection rubric\n\n")
	sb.WriteString("1. Skip anything not listed above.\n")
	sb.WriteString("2. Prefer tasks that unblock the most other work.\n")
	sb.WriteString("3. Prefer tasks that are nearly complete.\n")
	sb.WriteString("4. Use the advisory priority only as a final tie-break.\n")

	if len(pc.Guardrails) > 0 {
		sb.WriteString("\n## Guardrails\n\n")
		for _, g := range pc.Guardrails {
			fmt.Fprintf(&sb, "- %s (added after: %s)\n", g.Instruction, g.AddedAfter)
		}
	}

	if pc.VerificationFailure != "" {
		sb.WriteString("\n## Previous verification failure\n\n")
		sb.WriteString("The last completion claim was rejected. Verification output:\n\n")
		sb.WriteString(pc.VerificationFailure)
		sb.WriteString("\n")
	}

	if pc.BranchIsolation || pc.AutoPR {
		sb.WriteString("\n## Workflow flags\n\n")
		if pc.BranchIsolation {
			sb.WriteString("- Work on an isolated branch.\n")
		}
		if pc.AutoPR {
			sb.WriteString("- Open a pull request when the task set completes.\n")
		}
	}

	sb.WriteString("\n## Signalling protocol\n\n")
	fmt.Fprintf(&sb, "Emit %s when every task is complete and verified.\n", events.Marker(events.SignalComplete))
	fmt.Fprintf(&sb, "Emit %s if you are stuck repeating the same failing approach.\n", events.Marker(events.SignalGutter))
	fmt.Fprintf(&sb, "Emit %s if no listed task can be advanced.\n", events.Marker(events.SignalStalled))
	fmt.Fprintf(&sb, "Emit %s if the task list above is empty.\n", events.Marker(events.SignalEmpty))
	sb.WriteString("Mark a finished task by setting its status to \"completed\" in the todo document.\n")

	return sb.String()
}
