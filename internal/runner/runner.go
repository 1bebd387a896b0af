package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"pricegate/internal/logger"
)

const defaultWaitDelay = 2 * time.Second

// ErrNoExecutor is reported when no candidate could be launched at all.
var ErrNoExecutor = errors.New("no executor available")

// Outcome classifies how a single executor attempt ended.
type Outcome string

const (
	OutcomeLaunchFailed            Outcome = "launch_failed"
	OutcomeExitedNonzeroNoOutput   Outcome = "exited_nonzero_no_output"
	OutcomeExitedNonzeroWithOutput Outcome = "exited_nonzero_with_output"
	OutcomeExitedZero              Outcome = "exited_zero"
)

// Attempt records one executor launch during a resolution pass.
type Attempt struct {
	Executor    string
	Outcome     Outcome
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	Err         error
	Interrupted bool
}

// usable reports whether the attempt ends the search.
func (a Attempt) usable() bool {
	return a.Outcome == OutcomeExitedZero || a.Outcome == OutcomeExitedNonzeroWithOutput
}

// Result is the output of the first usable attempt.
type Result struct {
	Executor string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Tried    int
}

// ExecutionError means no candidate produced a usable attempt.
type ExecutionError struct {
	Executor     string
	NoneLaunched bool
	Err          error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "no usable executor"
	if e.NoneLaunched {
		msg += ": " + ErrNoExecutor.Error()
	}
	if e.Executor != "" {
		msg += fmt.Sprintf(" (executor=%s)", e.Executor)
	}
	if e.Err != nil && !errors.Is(e.Err, ErrNoExecutor) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := []error{}
	if e.NoneLaunched {
		errs = append(errs, ErrNoExecutor)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Resolver runs a script through the first executor in Candidates that is
// present on the host and yields usable output. Candidates are tried one
// at a time; a candidate is abandoned only when it cannot be launched or
// when it exits non-zero without writing anything to stdout.
type Resolver struct {
	Candidates []string
	Dir        string
	Env        []string
	WaitDelay  time.Duration
	Logger     *slog.Logger
}

func New(candidates ...string) Resolver {
	return Resolver{Candidates: candidates}
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logger.L()
}

// Run executes `<candidate> script args...` and returns the first usable
// attempt. A non-zero exit with stdout present is returned as-is; deciding
// whether that output is valid belongs to the caller.
func (r Resolver) Run(ctx context.Context, script string, args ...string) (Result, error) {
	var (
		lastErr  error
		launched bool
	)
	for i, name := range r.Candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, &ExecutionError{Err: err}
		}
		a := r.attempt(ctx, name, script, args)
		r.logger().Debug("runner.attempt",
			"executor", name,
			"outcome", string(a.Outcome),
			"exit_code", a.ExitCode,
			"stdout_bytes", len(a.Stdout),
			"stderr_bytes", len(a.Stderr),
		)
		if a.Outcome != OutcomeLaunchFailed {
			launched = true
		}
		if a.Interrupted {
			return Result{}, &ExecutionError{Executor: name, Err: ctx.Err()}
		}
		if a.usable() {
			if a.Outcome == OutcomeExitedNonzeroWithOutput {
				r.logger().Warn("runner.nonzero_with_output", "executor", name, "exit_code", a.ExitCode, "stderr", truncate(a.Stderr, 512))
			}
			return Result{
				Executor: name,
				ExitCode: a.ExitCode,
				Stdout:   a.Stdout,
				Stderr:   a.Stderr,
				Tried:    i + 1,
			}, nil
		}
		r.logger().Info("runner.fallback", "executor", name, "outcome", string(a.Outcome), "error", a.Err)
		lastErr = a.Err
	}
	if lastErr == nil {
		lastErr = ErrNoExecutor
	}
	return Result{}, &ExecutionError{NoneLaunched: !launched, Err: lastErr}
}

func (r Resolver) attempt(ctx context.Context, name, script string, args []string) Attempt {
	a := Attempt{Executor: name}
	cmd := exec.CommandContext(ctx, name, append([]string{script}, args...)...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	// nil Stdin reads from the null device.
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		a.Outcome = OutcomeLaunchFailed
		a.ExitCode = -1
		a.Err = fmt.Errorf("launch %s: %w", name, err)
		return a
	}
	waitErr := cmd.Wait()
	a.Stdout = stdout.Bytes()
	a.Stderr = stderr.Bytes()
	a.ExitCode = -1
	if cmd.ProcessState != nil {
		a.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && ctx.Err() != nil {
		a.Interrupted = true
	}

	switch {
	case len(a.Stdout) > 0 && a.ExitCode != 0:
		a.Outcome = OutcomeExitedNonzeroWithOutput
	case len(a.Stdout) > 0:
		a.Outcome = OutcomeExitedZero
	case a.ExitCode != 0:
		a.Outcome = OutcomeExitedNonzeroNoOutput
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			a.Err = errors.New(msg)
		} else {
			a.Err = fmt.Errorf("%s exited with code %d", name, a.ExitCode)
		}
	default:
		a.Outcome = OutcomeExitedZero
	}
	return a
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
