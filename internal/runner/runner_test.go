package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skip on windows: stub executors are shell scripts")
	}
}

// stubExecutor writes an executable shell script acting as an interpreter.
// The script receives the validation script path as $1.
func stubExecutor(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// tripwire returns an executor that leaves a marker file when launched.
func tripwire(t *testing.T, dir, name string) (string, string) {
	t.Helper()
	marker := filepath.Join(dir, name+".ran")
	return stubExecutor(t, dir, name, "touch '"+marker+"'\necho '{}'"), marker
}

func TestRunSkipsExecutorsThatFailToLaunch(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	ok := stubExecutor(t, dir, "python3", `echo '{"status":"accept"}'`)
	later, marker := tripwire(t, dir, "py")
	r := New(filepath.Join(dir, "python"), filepath.Join(dir, "python2"), ok, later)

	res, err := r.Run(context.Background(), "price_model.py", "check", "{}")
	require.NoError(t, err)
	require.Equal(t, ok, res.Executor)
	require.Equal(t, 3, res.Tried)
	require.Equal(t, `{"status":"accept"}`, strings.TrimSpace(string(res.Stdout)))
	require.NoFileExists(t, marker)
}

func TestRunPrefersOutputOverExitCode(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	noisy := stubExecutor(t, dir, "python", `echo '{"status":"reject"}'
echo 'DeprecationWarning: old numpy' >&2
exit 3`)
	later, marker := tripwire(t, dir, "python3")

	res, err := New(noisy, later).Run(context.Background(), "price_model.py")
	require.NoError(t, err)
	require.Equal(t, noisy, res.Executor)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, string(res.Stderr), "DeprecationWarning")
	require.NoFileExists(t, marker)
}

func TestRunAdvancesPastSilentFailure(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	broken := stubExecutor(t, dir, "python", "echo 'ModuleNotFoundError: pandas' >&2\nexit 1")
	ok := stubExecutor(t, dir, "python3", `echo '{"status":"accept"}'`)

	res, err := New(broken, ok).Run(context.Background(), "price_model.py")
	require.NoError(t, err)
	require.Equal(t, ok, res.Executor)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 2, res.Tried)
}

func TestRunAllSilentFailures(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	first := stubExecutor(t, dir, "python", "echo first >&2\nexit 1")
	second := stubExecutor(t, dir, "python3", "exit 2")

	_, err := New(first, second).Run(context.Background(), "price_model.py")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.False(t, execErr.NoneLaunched)
	require.NotErrorIs(t, err, ErrNoExecutor)
	require.Contains(t, err.Error(), "exited with code 2")
}

func TestRunNothingLaunches(t *testing.T) {
	dir := t.TempDir()
	_, err := New(filepath.Join(dir, "python"), filepath.Join(dir, "py")).Run(context.Background(), "price_model.py")
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.True(t, execErr.NoneLaunched)
	require.ErrorIs(t, err, ErrNoExecutor)
	require.Contains(t, err.Error(), "launch")
}

func TestRunWithoutCandidates(t *testing.T) {
	_, err := New().Run(context.Background(), "price_model.py")
	require.ErrorIs(t, err, ErrNoExecutor)
}

func TestRunPassesScriptAndArgs(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	echo := stubExecutor(t, dir, "python", `printf '%s|%s|%s' "$1" "$2" "$3"`)

	res, err := New(echo).Run(context.Background(), "ml/price_model.py", "check", `{"market":"Patna Market"}`)
	require.NoError(t, err)
	require.Equal(t, `ml/price_model.py|check|{"market":"Patna Market"}`, string(res.Stdout))
}

func TestRunClosesStdin(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	reader := stubExecutor(t, dir, "python", "cat\necho done")

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		res, err = New(reader).Run(context.Background(), "price_model.py")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor blocked on stdin")
	}
	require.NoError(t, err)
	require.Equal(t, "done", strings.TrimSpace(string(res.Stdout)))
}

func TestRunExitZeroWithoutOutputStops(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	silent := stubExecutor(t, dir, "python", "exit 0")
	later, marker := tripwire(t, dir, "python3")

	res, err := New(silent, later).Run(context.Background(), "price_model.py")
	require.NoError(t, err)
	require.Equal(t, silent, res.Executor)
	require.Empty(t, res.Stdout)
	require.NoFileExists(t, marker)
}

func TestRunDeadlineKillsProcessAndStops(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	slow := stubExecutor(t, dir, "python", "sleep 30 &\nwait")
	later, marker := tripwire(t, dir, "python3")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Resolver{Candidates: []string{slow, later}, WaitDelay: time.Second}.Run(ctx, "price_model.py")
	require.Less(t, time.Since(start), 10*time.Second)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, slow, execErr.Executor)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NoFileExists(t, marker)
}
