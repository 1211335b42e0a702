package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/gutter"
	"github.com/droverhq/drover/internal/ledger"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, iteration, and context-budget state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return err
	}
	st := store.New(cwd)

	iteration, err := st.ReadIteration()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Iteration: %d\n", iteration)

	snap, err := st.ReadLedger()
	if err != nil {
		return err
	}
	led := ledger.New(cfg.Limits.ContextCeilingUnits)
	led.Restore(snap)
	fmt.Fprintf(out, "Context:   %d / %d units (%s)\n",
		led.Estimate(), cfg.Limits.ContextCeilingUnits, led.Status())

	fmt.Fprintln(out, "Queue:")
	for _, p := range store.Partitions {
		tasks, err := st.ReadQueue(p)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %-8s %d task(s)", p, len(tasks))
		if p == store.PartitionTodo {
			qs := task.CheckQueue(tasks, cfg.Limits.MaxPasses)
			line += fmt.Sprintf(" (%d workable, %d stalled)", qs.WorkableCount(), qs.StalledCount())
		}
		fmt.Fprintln(out, line)
	}

	failures, err := st.ReadFailures()
	if err != nil {
		return err
	}
	rails, err := st.ReadGuardrails()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Failures:  %d recorded, %d guardrail(s) active\n", len(failures), len(rails))
	fmt.Fprintf(out, "Gutter:    %s risk\n", gutter.RiskFromRecords(failures))

	lines, err := st.ReadProgress()
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		const show = 5
		start := len(lines) - show
		if start < 0 {
			start = 0
		}
		fmt.Fprintln(out, "Recent progress:")
		for _, l := range lines[start:] {
			fmt.Fprintf(out, "  %s\n", l)
		}
	}
	return nil
}
