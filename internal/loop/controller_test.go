package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/gutter"
	"github.com/droverhq/drover/internal/respawn"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/worker"
)

type fakeCheckpointer struct {
	dirty   bool
	commits []string
}

func (f *fakeCheckpointer) Dirty() (bool, error) { return f.dirty, nil }

func (f *fakeCheckpointer) Commit(message string) (string, error) {
	f.commits = append(f.commits, message)
	f.dirty = false
	return "abc1234", nil
}

type fakeRotator struct {
	err   error
	calls int
}

func (f *fakeRotator) Rotate(ctx context.Context, depth int, args ...string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "drover-test", nil
}

type statusRecorder struct {
	statuses []Status
}

func (r *statusRecorder) Publish(s Status) { r.statuses = append(r.statuses, s) }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Limits.PollIntervalSeconds = 0
	return &cfg
}

func newTestStore(t *testing.T, todo []task.Task) *store.Store {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.Init())
	require.NoError(t, st.WriteQueue(store.PartitionTodo, todo))
	return st
}

// completeTask marks the named task completed in the todo partition,
// standing in for the worker's own queue edit.
func completeTask(t *testing.T, st *store.Store, desc string) {
	t.Helper()
	todo, err := st.ReadQueue(store.PartitionTodo)
	require.NoError(t, err)
	for i := range todo {
		if todo[i].Description == desc {
			todo[i].Status = task.StatusCompleted
		}
	}
	require.NoError(t, st.WriteQueue(store.PartitionTodo, todo))
}

func TestRunToCompletion(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "build the thing"},
	})

	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			completeTask(t, st, "build the thing")
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "done <<DROVER:COMPLETE>>"}))
			return worker.Result{}, nil
		},
	}

	obs := &statusRecorder{}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
		Observer:     obs,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)
	assert.Equal(t, 1, res.Iterations)

	// The sweep moved the task into done with a timestamp.
	done, err := st.ReadQueue(store.PartitionDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, task.StatusCompleted, done[0].Status)
	assert.NotEmpty(t, done[0].CompletedAt)

	todo, err := st.ReadQueue(store.PartitionTodo)
	require.NoError(t, err)
	assert.Empty(t, todo)

	require.NotEmpty(t, obs.statuses)
	assert.Equal(t, StateTerminated, obs.statuses[len(obs.statuses)-1].State)
}

func TestVerificationFailureSurfacesInNextPayload(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "flaky task"},
	})

	var payloads []string
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			payloads = append(payloads, req.Payload)
			completeTask(t, st, "flaky task")
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			return worker.Result{}, nil
		},
	}

	cfg := testConfig()
	cfg.VerifyCommand = "run-checks"

	verifyCalls := 0
	c := New(Options{
		Config:       cfg,
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
		Verify: func(ctx context.Context, command, dir string) (string, error) {
			verifyCalls++
			if verifyCalls == 1 {
				// Reject once and push the task back so the loop
				// dispatches again with the failure attached.
				require.NoError(t, st.WriteQueue(store.PartitionTodo, []task.Task{
					{Category: task.CategoryBackend, Description: "flaky task"},
				}))
				return "FAIL: TestBroken", errors.New("exit status 1")
			}
			return "", nil
		},
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)
	assert.Equal(t, 2, verifyCalls)

	require.Len(t, payloads, 2)
	assert.NotContains(t, payloads[0], "FAIL: TestBroken")
	assert.Contains(t, payloads[1], "FAIL: TestBroken")
}

func TestCriticalRotatesRemotely(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "heavy task"},
	})

	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			// Enough read volume to push the estimate past critical.
			require.NoError(t, onEvent(events.Event{Kind: events.KindToolResult, Tool: events.ToolRead, Bytes: 4 * 80000}))
			return worker.Result{}, nil
		},
	}

	rot := &fakeRotator{}
	cp := &fakeCheckpointer{dirty: true}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: cp,
		Rotator:      rot,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonRespawned, res.Reason)
	assert.Equal(t, 1, rot.calls)
	assert.NotEmpty(t, cp.commits, "rotation checkpoints dirty work first")
}

func TestCriticalBeatsCompleteSignal(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "heavy task"},
	})

	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			require.NoError(t, onEvent(events.Event{Kind: events.KindToolResult, Tool: events.ToolRead, Bytes: 4 * 80000}))
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			return worker.Result{}, nil
		},
	}

	rot := &fakeRotator{}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
		Rotator:      rot,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonRespawned, res.Reason, "critical pressure wins over COMPLETE")
}

func TestChainDepthExhaustedStopsCleanly(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "heavy task"},
	})

	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			require.NoError(t, onEvent(events.Event{Kind: events.KindToolResult, Tool: events.ToolRead, Bytes: 4 * 80000}))
			return worker.Result{}, nil
		},
	}

	rot := &fakeRotator{err: fmt.Errorf("depth: %w", respawn.ErrChainDepthExhausted)}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
		Rotator:      rot,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err, "chain exhaustion is a clean stop, not an error")
	assert.Equal(t, ExitReasonChainDepth, res.Reason)
}

func TestRemoteFailureFallsBackLocally(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "heavy task"},
	})

	calls := 0
	var tokens []string
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			calls++
			tokens = append(tokens, req.ContinuityToken)
			if calls == 1 {
				require.NoError(t, onEvent(events.Event{Kind: events.KindToolResult, Tool: events.ToolRead, Bytes: 4 * 80000}))
			} else {
				completeTask(t, st, "heavy task")
				require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			}
			return worker.Result{}, nil
		},
	}

	rot := &fakeRotator{err: errors.New("sprite service unreachable")}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
		Rotator:      rot,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)
	assert.Equal(t, 2, calls, "loop recovered locally after the remote failure")
	require.Len(t, tokens, 2)
	assert.NotEqual(t, tokens[0], tokens[1], "rotation starts a fresh session")
}

func TestContinueReusesSession(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "slow task"},
	})

	runner := &worker.Mock{}
	calls := 0
	runner.RunFunc = func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
		calls++
		if calls == 2 {
			completeTask(t, st, "slow task")
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
		}
		return worker.Result{}, nil
	}

	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)

	require.Len(t, runner.Requests, 2)
	assert.False(t, runner.Requests[0].Resume, "first dispatch starts the session")
	assert.True(t, runner.Requests[1].Resume, "second dispatch resumes it")
	assert.Equal(t, runner.Requests[0].ContinuityToken, runner.Requests[1].ContinuityToken)
}

func TestWorkerCrashIsNotFatal(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "crashy task"},
	})

	calls := 0
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			calls++
			if calls == 1 {
				return worker.Result{ExitCode: 2}, nil
			}
			completeTask(t, st, "crashy task")
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			return worker.Result{}, nil
		},
	}

	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)
	assert.Equal(t, 2, calls)
}

func TestGutterSignalClearsToken(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "guttered task"},
	})

	calls := 0
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			calls++
			if calls == 1 {
				require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "stuck <<DROVER:GUTTER>>"}))
			} else {
				completeTask(t, st, "guttered task")
				require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			}
			return worker.Result{}, nil
		},
	}

	cp := &fakeCheckpointer{dirty: true}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: cp,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)

	require.Len(t, runner.Requests, 2)
	assert.False(t, runner.Requests[1].Resume, "gutter discards the session")
	assert.NotEqual(t, runner.Requests[0].ContinuityToken, runner.Requests[1].ContinuityToken)
	assert.NotEmpty(t, cp.commits, "gutter checkpoints partial work")

	// The gutter charged an extra pass on top of the dispatch charge.
	done, err := st.ReadQueue(store.PartitionDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.GreaterOrEqual(t, done[0].Passes, 3)
}

func TestDetectorHintLatchesGutter(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "looping task"},
	})

	calls := 0
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			calls++
			if calls == 1 {
				// The same command failing three times raises the
				// detector's gutter hint; no sentinel is emitted.
				for i := 0; i < 3; i++ {
					require.NoError(t, onEvent(events.Event{
						Kind:     events.KindToolResult,
						Tool:     events.ToolShell,
						Command:  "go test ./...",
						ExitCode: 1,
						Output:   "FAIL",
					}))
				}
			} else {
				completeTask(t, st, "looping task")
				require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			}
			return worker.Result{}, nil
		},
	}

	cp := &fakeCheckpointer{dirty: true}
	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: cp,
	})

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitReasonComplete, res.Reason)

	// The hint acts exactly like a worker-reported GUTTER: checkpoint,
	// extra pass, fresh session on the next dispatch.
	require.Len(t, runner.Requests, 2)
	assert.False(t, runner.Requests[1].Resume, "gutter hint discards the session")
	assert.NotEqual(t, runner.Requests[0].ContinuityToken, runner.Requests[1].ContinuityToken)
	assert.NotEmpty(t, cp.commits, "gutter hint checkpoints partial work")

	done, err := st.ReadQueue(store.PartitionDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.GreaterOrEqual(t, done[0].Passes, 3)
}

func TestIdleAndCancelLeaveProgressNotes(t *testing.T) {
	st := newTestStore(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       &worker.Mock{},
		Checkpointer: &fakeCheckpointer{},
	})

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitReasonCancelled, res.Reason)

	lines, err := st.ReadProgress()
	require.NoError(t, err)

	// One note per idle reason no matter how many polls, plus the stop.
	idle := 0
	for _, l := range lines {
		if strings.Contains(l, "queue empty") {
			idle++
		}
	}
	assert.Equal(t, 1, idle, "idle note written once per state change")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "cancelled")
}

func TestCancelledContextStops(t *testing.T) {
	st := newTestStore(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       &worker.Mock{},
		Checkpointer: &fakeCheckpointer{},
	})

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitReasonCancelled, res.Reason)
}

func guardrailFixture() gutter.Guardrail {
	return gutter.Guardrail{
		Trigger:     "5 writes to main.go within 10m0s",
		Instruction: "Re-read the file, state the intended change first, and make one edit per iteration.",
		AddedAfter:  "thrashing incidents exceeded the lifetime threshold",
	}
}

func TestGuardrailsAppearInPayload(t *testing.T) {
	st := newTestStore(t, []task.Task{
		{Category: task.CategoryBackend, Description: "guarded task"},
	})
	require.NoError(t, st.AppendGuardrail(guardrailFixture()))

	var payload string
	runner := &worker.Mock{
		RunFunc: func(ctx context.Context, req worker.Request, onEvent func(events.Event) error) (worker.Result, error) {
			payload = req.Payload
			completeTask(t, st, "guarded task")
			require.NoError(t, onEvent(events.Event{Kind: events.KindAssistantText, Text: "<<DROVER:COMPLETE>>"}))
			return worker.Result{}, nil
		},
	}

	c := New(Options{
		Config:       testConfig(),
		Store:        st,
		Runner:       runner,
		Checkpointer: &fakeCheckpointer{},
	})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, payload, "one edit per iteration")
}
