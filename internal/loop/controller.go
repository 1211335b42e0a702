// Package loop runs the iteration controller: poll the queue, dispatch
// exactly one worker, stream its events into accounting and failure
// detection, then reconcile with the stop/continuation policy.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/gutter"
	"github.com/droverhq/drover/internal/ledger"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/respawn"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/worker"
)

// State is the controller's current phase, published to observers.
type State string

const (
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateAwaiting    State = "awaiting_worker"
	StateReconciling State = "reconciling"
	StateTerminated  State = "terminated"
)

// ExitReason says why Run returned.
type ExitReason int

const (
	ExitReasonUnknown ExitReason = iota
	// ExitReasonComplete means the queue drained and, when configured,
	// verification passed.
	ExitReasonComplete
	// ExitReasonRespawned means a remote controller took over.
	ExitReasonRespawned
	// ExitReasonChainDepth means the rotation chain hit its depth guard.
	ExitReasonChainDepth
	// ExitReasonCancelled means the run context was cancelled.
	ExitReasonCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonComplete:
		return "all tasks complete"
	case ExitReasonRespawned:
		return "handed off to respawned context"
	case ExitReasonChainDepth:
		return "respawn chain depth exhausted"
	case ExitReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the outcome of a full controller run.
type Result struct {
	Reason     ExitReason
	Iterations int
}

// Checkpointer is the slice of the git layer the loop needs.
type Checkpointer interface {
	Dirty() (bool, error)
	Commit(message string) (string, error)
}

// Rotator is the remote context-rotation capability. Nil means the
// human-in-the-loop path is the only fallback.
type Rotator interface {
	Rotate(ctx context.Context, depth int, args ...string) (string, error)
}

// Status is a point-in-time view for observers.
type Status struct {
	State         State          `json:"state"`
	Iteration     int            `json:"iteration"`
	EstimateUnits int64          `json:"estimate_units"`
	Band          string         `json:"band"`
	Incidents     int            `json:"incidents"`
	Risk          string         `json:"risk"`
	Queue         map[string]int `json:"queue"`
	LastSignal    string         `json:"last_signal"`
	LastReason    string         `json:"last_reason"`
}

// Observer receives status updates as the controller moves. Nil is
// valid; observation is optional.
type Observer interface {
	Publish(Status)
}

// Options configures a Controller. Store, Config, Runner and
// Checkpointer are required.
type Options struct {
	Config       *config.Config
	Store        *store.Store
	Runner       worker.Runner
	Checkpointer Checkpointer
	Rotator      Rotator
	Observer     Observer
	Logger       *logging.Logger

	// ProjectDir is where the worker runs and the checkpointer commits.
	ProjectDir string

	// ChainDepth is this controller's position in the respawn chain.
	ChainDepth int

	// Verify runs the completion-verification command and returns its
	// combined output on failure. Defaults to a shell invocation.
	Verify func(ctx context.Context, command, dir string) (string, error)
}

// Controller drives the iteration loop for one workspace.
type Controller struct {
	cfg      *config.Config
	store    *store.Store
	runner   worker.Runner
	cp       Checkpointer
	rotator  Rotator
	observer Observer
	logger   *logging.Logger
	verify   func(ctx context.Context, command, dir string) (string, error)

	projectDir string
	chainDepth int

	ledger   *ledger.Ledger
	detector *gutter.Detector

	iteration      int
	taskIterations int
	token          string
	resumeToken    bool
	completedAll   bool
	verifyFailure  string
	idleNote       string
	lastSignal     events.Signal
	lastReason     string
}

// New builds a Controller from options.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	verify := opts.Verify
	if verify == nil {
		verify = runShellVerify
	}
	return &Controller{
		cfg:        opts.Config,
		store:      opts.Store,
		runner:     opts.Runner,
		cp:         opts.Checkpointer,
		rotator:    opts.Rotator,
		observer:   opts.Observer,
		logger:     logger,
		verify:     verify,
		projectDir: opts.ProjectDir,
		chainDepth: opts.ChainDepth,
		ledger:     ledger.New(opts.Config.Limits.ContextCeilingUnits),
		detector:   gutter.NewDetector(opts.Store),
	}
}

func runShellVerify(ctx context.Context, command, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Run executes the loop until completion, handoff, or cancellation.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	if err := c.restore(); err != nil {
		return Result{}, err
	}

	watcher := c.queueWatcher()
	if watcher != nil {
		defer watcher.Close()
	}

	for {
		if ctx.Err() != nil {
			return c.finish(ExitReasonCancelled), nil
		}

		todo, err := c.readTodo()
		if err != nil {
			return Result{}, err
		}
		status := task.CheckQueue(todo, c.cfg.Limits.MaxPasses)
		c.publish(StatePolling, status)

		if status.State != task.QueueWorkable {
			done, err := c.handleUnworkable(ctx, status)
			if err != nil {
				return Result{}, err
			}
			if done {
				return c.finish(ExitReasonComplete), nil
			}
			if !c.sleep(ctx, watcher) {
				return c.finish(ExitReasonCancelled), nil
			}
			continue
		}

		res, err := c.runIteration(ctx, todo, status)
		if err != nil {
			return Result{}, err
		}
		if res.Reason != ExitReasonUnknown {
			return res, nil
		}
	}
}

// restore loads persisted iteration and ledger state so a controller
// restart continues mid-context instead of double-counting.
func (c *Controller) restore() error {
	n, err := c.store.ReadIteration()
	if err != nil {
		return fmt.Errorf("failed to restore iteration record: %w", err)
	}
	c.iteration = n

	snap, err := c.store.ReadLedger()
	if err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	c.ledger.Restore(snap)
	return nil
}

// readTodo reads the active partition, failing open on a mid-run
// format error. Startup validation already rejected malformed files;
// a concurrent human edit should stall the loop, not kill it.
func (c *Controller) readTodo() ([]task.Task, error) {
	todo, err := c.store.ReadQueue(store.PartitionTodo)
	if err != nil {
		var fe *store.FormatError
		if errors.As(err, &fe) {
			c.logger.Warn("todo partition is malformed, treating as empty", "path", fe.Path)
			return nil, nil
		}
		return nil, err
	}
	return todo, nil
}

// handleUnworkable deals with an empty or stalled queue. It returns
// true when the run is fully complete.
func (c *Controller) handleUnworkable(ctx context.Context, status task.QueueStatus) (bool, error) {
	if status.State == task.QueueStalled {
		c.logger.Info("all tasks stalled, awaiting intervention", "stalled", status.StalledCount())
		return false, c.noteIdle("no workable tasks")
	}

	// Empty queue: completion needs a prior completed-all claim.
	if !c.completedAll {
		return false, c.noteIdle("queue empty")
	}

	if c.cfg.VerifyCommand != "" {
		out, err := c.verify(ctx, c.cfg.VerifyCommand, c.projectDir)
		if err != nil {
			// Rejected claim: revert to incomplete and surface the
			// output to the next worker.
			c.logger.Warn("verification rejected completion claim", "error", err)
			c.completedAll = false
			c.verifyFailure = trimOutput(out)
			c.lastReason = "verification failed"
			if perr := c.store.AppendProgress(c.iteration, "verification failed, completion reverted"); perr != nil {
				return false, perr
			}
			return false, nil
		}
	}

	return true, nil
}

// noteIdle records entry into an idle state in the progress log, once
// per distinct reason until the next dispatch.
func (c *Controller) noteIdle(reason string) error {
	c.lastReason = reason
	if c.idleNote == reason {
		return nil
	}
	c.idleNote = reason
	return c.store.AppendProgress(c.iteration, reason)
}

// runIteration performs one full dispatch/await/reconcile cycle. A
// non-zero Result.Reason terminates the outer loop.
func (c *Controller) runIteration(ctx context.Context, todo []task.Task, status task.QueueStatus) (Result, error) {
	// Dispatching: bookkeeping first, then the worker.
	c.idleNote = ""
	c.iteration++
	c.taskIterations++
	if err := c.store.WriteIteration(c.iteration); err != nil {
		return Result{}, err
	}
	if err := c.store.AppendProgress(c.iteration, "dispatching worker"); err != nil {
		return Result{}, err
	}

	// The first workable task is the bookkeeping anchor for pass and
	// iteration charges; the worker may still pick any listed task.
	active := c.markActive(todo, status)
	if err := c.store.WriteQueue(store.PartitionTodo, todo); err != nil {
		return Result{}, err
	}

	fresh := c.token == ""
	if fresh {
		// New context: counters must be zeroed strictly before the
		// first event of the new session is recorded.
		c.ledger.ResetForNewContext()
		c.detector.ResetForNewContext()
		c.token = uuid.NewString()
		c.resumeToken = false
	}

	guardrails, err := c.store.ReadGuardrails()
	if err != nil {
		return Result{}, err
	}
	payload := task.RenderPayload(task.PayloadContext{
		Iteration:           c.iteration,
		Queue:               status,
		Guardrails:          guardrails,
		VerificationFailure: c.verifyFailure,
		BranchIsolation:     c.cfg.Git.BranchIsolation,
		AutoPR:              c.cfg.Git.AutoPR,
	})
	c.verifyFailure = ""

	c.publish(StateDispatching, status)
	signal, err := c.await(ctx, payload)
	if err != nil {
		return Result{}, err
	}

	return c.reconcile(ctx, active, signal)
}

// markActive marks the first workable task in progress and returns its
// description.
func (c *Controller) markActive(todo []task.Task, status task.QueueStatus) string {
	if len(status.Workable) == 0 {
		return ""
	}
	desc := status.Workable[0].Description
	for i := range todo {
		if todo[i].Description == desc {
			todo[i].MarkInProgress()
			break
		}
	}
	return desc
}

// await runs the worker and consumes its event stream, returning the
// latched signal. Signals never kill the worker; the first one observed
// is latched and acted on after natural exit. A gutter hint from the
// failure detector latches like a worker-reported GUTTER.
func (c *Controller) await(ctx context.Context, payload string) (events.Signal, error) {
	c.publish(StateAwaiting, task.QueueStatus{})

	signal := events.SignalNone
	latch := func(sig events.Signal, source string) {
		if signal != events.SignalNone {
			return
		}
		signal = sig
		c.logger.Info("signal latched", "signal", sig, "source", source)
	}
	onEvent := func(ev events.Event) error {
		switch ev.Kind {
		case events.KindSessionStart:
			c.logger.Debug("worker session started", "worker_id", ev.WorkerID)
		case events.KindAssistantText:
			c.ledger.RecordWorkerText(int64(len(ev.Text)))
			if sig := events.ParseSignal(ev.Text); sig != events.SignalNone {
				latch(sig, "worker")
			}
		case events.KindToolResult:
			if c.recordTool(ev) {
				latch(events.SignalGutter, "detector")
			}
		case events.KindSessionEnd:
			c.logger.Debug("worker session ended", "duration_ms", ev.DurationMS)
		}
		return nil
	}

	req := worker.Request{
		Payload:         payload,
		Model:           c.cfg.Worker.Model,
		ContinuityToken: c.token,
		Resume:          c.resumeToken,
		Dir:             c.projectDir,
	}

	res, err := c.runner.Run(ctx, req, onEvent)
	if err != nil {
		return events.SignalNone, fmt.Errorf("worker execution failed: %w", err)
	}

	// Session done: flush accounting, then mark the session resumable.
	if err := c.store.WriteLedger(c.ledger.Snapshot()); err != nil {
		return events.SignalNone, err
	}
	c.resumeToken = true

	if res.ExitCode != 0 {
		// Natural, signal-less completion. Never fatal.
		c.logger.Warn("worker exited non-zero", "exit_code", res.ExitCode)
	}
	return signal, nil
}

// recordTool feeds one tool result into accounting and detection. It
// returns true when the failure detector raised a gutter hint.
func (c *Controller) recordTool(ev events.Event) bool {
	switch ev.Tool {
	case events.ToolRead:
		c.ledger.RecordRead(ev.Bytes)
	case events.ToolWrite:
		c.ledger.RecordWrite(ev.Bytes, ev.Lines)
		c.detector.ObserveFileWrite(ev.Path, time.Now())
	case events.ToolShell:
		c.ledger.RecordShellOutput(int64(len(ev.Output)))
		if c.detector.ObserveShellResult(ev.Command, ev.ExitCode) {
			c.logger.Warn("repeated command failure, gutter risk", "command", ev.Command)
			return true
		}
	}
	return false
}

// reconcile applies the sweep, the checkpoint, and the policy decision
// for one finished iteration.
func (c *Controller) reconcile(ctx context.Context, active string, signal events.Signal) (Result, error) {
	c.lastSignal = signal

	// Batch sweep: completed tasks move to done in one replace each.
	todo, err := c.readTodo()
	if err != nil {
		return Result{}, err
	}
	if err := c.sweep(todo); err != nil {
		return Result{}, err
	}

	todo, err = c.readTodo()
	if err != nil {
		return Result{}, err
	}
	status := task.CheckQueue(todo, c.cfg.Limits.MaxPasses)
	c.publish(StateReconciling, status)

	decision := policy.Decide(policy.Input{
		Signal:        signal,
		ResourceBand:  c.ledger.Status(),
		Queue:         status.State,
		TaskIteration: c.taskIterations,
		MaxIterations: c.cfg.Limits.MaxIterationsPerTask,
	})
	c.lastReason = decision.Reason
	c.logger.Info("iteration reconciled",
		"iteration", c.iteration,
		"signal", signal,
		"band", c.ledger.Status(),
		"action", decision.Action,
		"reason", decision.Reason,
	)

	// Checkpoint whenever the tree is dirty; the worker has exited, so
	// this never races an active edit.
	if err := c.checkpoint(); err != nil {
		return Result{}, err
	}

	if decision.BumpPass && active != "" {
		if err := c.bumpPass(todo, active); err != nil {
			return Result{}, err
		}
	}
	if decision.ResetCounters {
		c.taskIterations = 0
	}
	if decision.ClearToken {
		c.token = ""
		c.resumeToken = false
		c.taskIterations = 0
	}
	if signal == events.SignalComplete {
		c.completedAll = true
	}

	if err := c.store.AppendProgress(c.iteration, decision.Reason); err != nil {
		return Result{}, err
	}

	if decision.Action == policy.ActionRotate {
		return c.rotate(ctx)
	}
	return Result{}, nil
}

// sweep moves completed tasks from todo to done as a batch.
func (c *Controller) sweep(todo []task.Task) error {
	remaining, completed := task.SweepCompleted(todo)
	if len(completed) == 0 {
		return nil
	}

	now := time.Now()
	done, err := c.store.ReadQueue(store.PartitionDone)
	if err != nil {
		return err
	}
	for i := range completed {
		if completed[i].CompletedAt == "" {
			completed[i].MarkCompleted(now)
		}
	}
	done = append(done, completed...)

	if err := c.store.WriteQueue(store.PartitionDone, done); err != nil {
		return err
	}
	if err := c.store.WriteQueue(store.PartitionTodo, remaining); err != nil {
		return err
	}
	c.logger.Info("swept completed tasks", "count", len(completed))
	return nil
}

// bumpPass charges one extra pass against the active task.
func (c *Controller) bumpPass(todo []task.Task, active string) error {
	for i := range todo {
		if todo[i].Description == active {
			todo[i].Passes++
			return c.store.WriteQueue(store.PartitionTodo, todo)
		}
	}
	return nil
}

// checkpoint commits the working tree when dirty.
func (c *Controller) checkpoint() error {
	dirty, err := c.cp.Dirty()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	hash, err := c.cp.Commit(fmt.Sprintf("drover: checkpoint after iteration %d", c.iteration))
	if err != nil {
		return fmt.Errorf("failed to checkpoint working tree: %w", err)
	}
	c.logger.Info("checkpointed working tree", "commit", hash)
	return nil
}

// rotate terminates this context and starts a fresh one, remotely when
// a rotator is configured and reachable, otherwise by a local handoff
// to a fresh session.
func (c *Controller) rotate(ctx context.Context) (Result, error) {
	if c.rotator == nil {
		c.logger.Warn("no remote execution configured, rotating locally to a fresh session")
		return Result{}, nil
	}

	name, err := c.rotator.Rotate(ctx, c.chainDepth, "drover", "run", "--yes")
	if err != nil {
		if errors.Is(err, respawn.ErrChainDepthExhausted) {
			c.logger.Warn("respawn chain depth exhausted, stopping cleanly")
			return c.finish(ExitReasonChainDepth), nil
		}
		// Remote unreachable: recover with the local handoff.
		c.logger.Warn("remote respawn failed, rotating locally", "error", err)
		return Result{}, nil
	}

	c.logger.Info("handed off to respawned context", "name", name)
	return c.finish(ExitReasonRespawned), nil
}

// finish records the stop in the progress log, publishes the terminal
// state, and builds the run result. Every stop path goes through here,
// so the log always carries a trailing human-readable note.
func (c *Controller) finish(reason ExitReason) Result {
	c.lastReason = reason.String()
	if err := c.store.AppendProgress(c.iteration, reason.String()); err != nil {
		c.logger.Warn("failed to record stop note", "error", err)
	}
	c.publish(StateTerminated, task.QueueStatus{})
	c.logger.Info("controller stopped", "reason", reason, "iterations", c.iteration)
	return Result{Reason: reason, Iterations: c.iteration}
}

// queueWatcher tries to watch the queue directory so human edits wake
// an idle poll immediately. Watching is best-effort.
func (c *Controller) queueWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("queue watching unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(c.store.QueueDir()); err != nil {
		c.logger.Debug("queue watching unavailable", "error", err)
		watcher.Close()
		return nil
	}
	return watcher
}

// sleep blocks for the poll interval, waking early on a queue-file
// change. Returns false when ctx ended.
func (c *Controller) sleep(ctx context.Context, watcher *fsnotify.Watcher) bool {
	interval := time.Duration(c.cfg.Limits.PollIntervalSeconds) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var wake <-chan fsnotify.Event
	if watcher != nil {
		wake = watcher.Events
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case ev := <-wake:
		c.logger.Debug("queue changed, re-polling", "file", ev.Name)
		return true
	}
}

// publish pushes a status update to the observer, when one is set.
func (c *Controller) publish(state State, status task.QueueStatus) {
	if c.observer == nil {
		return
	}
	c.observer.Publish(Status{
		State:         state,
		Iteration:     c.iteration,
		EstimateUnits: c.ledger.Estimate(),
		Band:          c.ledger.Status().String(),
		Incidents:     c.detector.Incidents(),
		Risk:          c.detector.Risk().String(),
		Queue: map[string]int{
			"workable": status.WorkableCount(),
			"stalled":  status.StalledCount(),
		},
		LastSignal: c.lastSignal.String(),
		LastReason: c.lastReason,
	})
}

func trimOutput(out string) string {
	out = strings.TrimSpace(out)
	const limit = 4000
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
