// Package worker launches the external coding agent and streams its
// event output back to the controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/events"
)

// Request describes one worker invocation.
type Request struct {
	// Payload is the full instruction document passed as the prompt.
	Payload string

	// Model is passed through opaquely when non-empty.
	Model string

	// ContinuityToken names the worker session. On a fresh dispatch it
	// seeds the new session's identity; with Resume set it resumes the
	// prior session instead.
	ContinuityToken string

	// Resume continues the session named by ContinuityToken.
	Resume bool

	// Dir is the working directory for the worker process.
	Dir string
}

// Result summarises how the worker process ended. A non-zero exit code
// is not an error at this layer; the controller treats it as a natural,
// signal-less completion.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner abstracts worker execution so the control loop can be tested
// without a real agent binary.
type Runner interface {
	Run(ctx context.Context, req Request, onEvent func(events.Event) error) (Result, error)
}

// Local runs the worker binary as a child process and decodes its
// stdout as an ndjson event stream.
type Local struct {
	// Command is the worker binary name or path.
	Command string

	// ExtraArgs are appended verbatim after the generated flags.
	ExtraArgs []string
}

// NewLocal returns a Local runner for the given worker command.
func NewLocal(command string, extraArgs []string) *Local {
	return &Local{Command: command, ExtraArgs: extraArgs}
}

// Probe verifies the worker binary is resolvable. Used as a startup
// prerequisite check.
func (l *Local) Probe() error {
	if strings.TrimSpace(l.Command) == "" {
		return errors.New("worker command is empty")
	}
	if _, err := exec.LookPath(l.Command); err != nil {
		return fmt.Errorf("worker binary %q not found: %w", l.Command, err)
	}
	return nil
}

// args builds the invocation for a request.
func (l *Local) args(req Request) []string {
	args := []string{
		"-p", req.Payload,
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ContinuityToken != "" {
		if req.Resume {
			args = append(args, "--resume", req.ContinuityToken)
		} else {
			args = append(args, "--session-id", req.ContinuityToken)
		}
	}
	return append(args, l.ExtraArgs...)
}

// Run starts the worker and feeds each decoded event to onEvent, while
// relaying the worker's stderr. It returns once the process has exited
// and both streams are drained. An onEvent error kills the process and
// is returned as-is.
func (l *Local) Run(ctx context.Context, req Request, onEvent func(events.Event) error) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, l.Command, l.args(req)...)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start worker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		derr := events.Decode(gctx, stdout, onEvent)
		if derr != nil {
			// Callback aborted the session; killing the process also
			// unblocks the stderr relay.
			_ = cmd.Process.Kill()
		}
		return derr
	})
	g.Go(func() error {
		// Diagnostics pass through; they are not part of the event stream.
		_, cerr := io.Copy(os.Stderr, stderr)
		return cerr
	})

	decodeErr := g.Wait()
	waitErr := cmd.Wait()
	res := Result{Duration: time.Since(start)}

	if decodeErr != nil {
		return res, decodeErr
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Worker crashes and non-zero exits are natural, signal-less
			// completions. Surface the code, not an error.
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("worker failed: %w", waitErr)
	}
	return res, nil
}

// Mock is a test double for Runner.
type Mock struct {
	// RunFunc is called when Run is invoked. If nil, Run returns a
	// zero Result.
	RunFunc func(ctx context.Context, req Request, onEvent func(events.Event) error) (Result, error)

	// Requests records every request Run received.
	Requests []Request
}

func (m *Mock) Run(ctx context.Context, req Request, onEvent func(events.Event) error) (Result, error) {
	m.Requests = append(m.Requests, req)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, req, onEvent)
	}
	return Result{}, nil
}
