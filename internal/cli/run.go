package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/checkpoint"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/loop"
	"github.com/droverhq/drover/internal/monitor"
	"github.com/droverhq/drover/internal/respawn"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/worker"
)

var (
	runMaxIterations   int
	runMaxPasses       int
	runModel           string
	runBranchIsolation bool
	runAutoPR          bool
	runYes             bool
	runMonitorPort     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the iteration loop until the queue drains",
	Long: `Dispatches one worker session per iteration against the todo queue,
streaming the worker's events into resource accounting and failure
detection, until every task completes or the loop stops cleanly.

Example:
  drover run
  drover run --model sonnet --max-passes 5
  drover run --yes --monitor-port 9090`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration ceiling per task (overrides config)")
	runCmd.Flags().IntVar(&runMaxPasses, "max-passes", 0, "pass ceiling before a task stalls (overrides config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "worker model identifier, passed through opaquely")
	runCmd.Flags().BoolVar(&runBranchIsolation, "branch-isolation", false, "advise the worker to work on an isolated branch")
	runCmd.Flags().BoolVar(&runAutoPR, "auto-pr", false, "advise the worker to open a PR on completion")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "skip the confirmation prompt")
	runCmd.Flags().IntVar(&runMonitorPort, "monitor-port", 0, "serve the observation endpoint on this port (overrides config)")

	rootCmd.AddCommand(runCmd)
}

// prerequisiteError carries a remediation hint for fatal startup
// failures.
type prerequisiteError struct {
	missing string
	hint    string
	err     error
}

func (e *prerequisiteError) Error() string {
	return fmt.Sprintf("missing prerequisite: %s", e.missing)
}

func (e *prerequisiteError) Unwrap() error { return e.err }

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyRunFlags(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	st := store.New(cwd)
	runner := worker.NewLocal(cfg.Worker.Command, cfg.Worker.ExtraArgs)

	if err := checkPrerequisites(cwd, st, runner); err != nil {
		var pe *prerequisiteError
		if errors.As(err, &pe) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", pe.missing)
			fmt.Fprintf(cmd.ErrOrStderr(), "Hint: %s\n", pe.hint)
		}
		return err
	}

	if !runYes && !confirm(cmd) {
		fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
		return nil
	}

	cp, err := checkpoint.New(cwd)
	if err != nil {
		return err
	}

	logger := logging.With("component", "run")

	if err := ensureIsolation(cp, cfg.Git.BranchIsolation, logger); err != nil {
		return err
	}

	var rotator loop.Rotator
	if cfg.Remote.Enabled {
		r, rerr := respawn.FromEnv(
			cfg.Remote.TokenEnv,
			cfg.Remote.NamePrefix,
			cfg.Remote.MaxChainDepth,
			time.Duration(cfg.Remote.PollIntervalSeconds)*time.Second,
			logger,
		)
		if rerr != nil {
			// Not fatal: rotation falls back to the local handoff.
			logger.Warn("remote respawn unavailable", "error", rerr)
		} else {
			rotator = r
		}
	}

	var observer loop.Observer
	if cfg.Monitor.Port > 0 {
		mon := monitor.NewServer(cfg.Monitor.Port, logging.With("component", "monitor"))
		go func() {
			if merr := mon.Start(ctx); merr != nil {
				logger.Warn("monitor server stopped", "error", merr)
			}
		}()
		observer = mon
	}

	controller := loop.New(loop.Options{
		Config:       cfg,
		Store:        st,
		Runner:       runner,
		Checkpointer: cp,
		Rotator:      rotator,
		Observer:     observer,
		Logger:       logger,
		ProjectDir:   cwd,
		ChainDepth:   respawn.ChainDepth(),
	})

	res, err := controller.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped after %d iteration(s): %s\n", res.Iterations, res.Reason)
	return nil
}

// isolationBranch is where checkpoints land under --branch-isolation,
// keeping the original branch untouched.
const isolationBranch = "drover/work"

// ensureIsolation switches to the isolation branch when branch
// isolation is enabled, creating it from the current HEAD on first use.
func ensureIsolation(cp *checkpoint.Checkpointer, enabled bool, logger *logging.Logger) error {
	if !enabled {
		return nil
	}
	if err := cp.EnsureBranch(isolationBranch); err != nil {
		return err
	}
	branch, err := cp.CurrentBranch()
	if err != nil {
		return err
	}
	logger.Info("working on isolated branch", "branch", branch)
	return nil
}

// applyRunFlags overlays command-line flags onto the loaded config.
func applyRunFlags(cfg *config.Config) {
	if runMaxIterations > 0 {
		cfg.Limits.MaxIterationsPerTask = runMaxIterations
	}
	if runMaxPasses > 0 {
		cfg.Limits.MaxPasses = runMaxPasses
	}
	if runModel != "" {
		cfg.Worker.Model = runModel
	}
	if runBranchIsolation {
		cfg.Git.BranchIsolation = true
	}
	if runAutoPR {
		cfg.Git.AutoPR = true
	}
	if runMonitorPort > 0 {
		cfg.Monitor.Port = runMonitorPort
	}
}

// checkPrerequisites verifies the hard startup requirements: state
// store access, well-formed task documents, the worker binary, and a
// git repository. Any failure aborts before the first iteration.
func checkPrerequisites(cwd string, st *store.Store, runner *worker.Local) error {
	if err := st.Init(); err != nil {
		return &prerequisiteError{
			missing: "state store is not writable",
			hint:    "check permissions on " + config.Dir + "/ or run drover init",
			err:     err,
		}
	}
	if err := st.ValidateLayout(); err != nil {
		return &prerequisiteError{
			missing: "malformed task document: " + err.Error(),
			hint:    "each queue file must hold a top-level JSON array of tasks",
			err:     err,
		}
	}
	for _, p := range store.Partitions {
		tasks, err := st.ReadQueue(p)
		if err != nil {
			return &prerequisiteError{
				missing: fmt.Sprintf("unreadable %s queue", p),
				hint:    "fix or remove the malformed partition file",
				err:     err,
			}
		}
		if err := task.ValidateQueue(tasks); err != nil {
			return &prerequisiteError{
				missing: fmt.Sprintf("invalid %s queue: %v", p, err),
				hint:    "task descriptions must be present and unique within a partition",
				err:     err,
			}
		}
	}
	if err := runner.Probe(); err != nil {
		return &prerequisiteError{
			missing: err.Error(),
			hint:    "install the worker binary or set worker.command in " + config.Dir + "/config.yaml",
			err:     err,
		}
	}
	if err := checkpoint.Probe(cwd); err != nil {
		return &prerequisiteError{
			missing: "no git repository at " + cwd,
			hint:    "run git init first; drover checkpoints progress as commits",
			err:     err,
		}
	}
	return nil
}

// confirm asks for an explicit go-ahead on stdin.
func confirm(cmd *cobra.Command) bool {
	fmt.Fprint(cmd.OutOrStdout(), "Start the loop? The worker will edit files in this directory. [y/N] ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
