package controller_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muxlabs/bpe/internal/bpe/clockpath"
	"github.com/muxlabs/bpe/internal/bpe/controller"
	"github.com/muxlabs/bpe/internal/bpe/executor"
	"github.com/muxlabs/bpe/internal/bpe/process"
	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newLocalTestController(t *testing.T, dir string, mutate func(*controller.Config)) (*controller.Controller, *registry.Registry) {
	t.Helper()
	local := executor.NewLocal(dir)

	cfg := controller.DefaultConfig()
	cfg.TailPollMs = 10
	cfg.ShutdownGraceMs = 200
	if mutate != nil {
		mutate(&cfg)
	}

	reg := registry.New()
	alloc := clockpath.NewDirAllocator(dir)
	c := controller.New(reg, local, clockpath.SystemClock{}, alloc, cfg, logger.Default(), "local")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c, reg
}

func waitForLocalTerminal(t *testing.T, reg *registry.Registry, id string, timeout time.Duration) process.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var status process.Status
	for time.Now().Before(deadline) {
		rec, ok := reg.Get(id)
		require.True(t, ok)
		status = rec.Status()
		if status.Terminal() {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for terminal status, last seen %s", status)
	return status
}

// End-to-end against a real shell: no faking of the executor or the
// filesystem, per S1 run to completion.
func TestController_Local_QuickSuccessEndToEnd(t *testing.T) {
	dir := t.TempDir()
	local := executor.NewLocal(dir)

	cfg := controller.DefaultConfig()
	cfg.TailPollMs = 10
	cfg.ShutdownGraceMs = 200

	reg := registry.New()
	alloc := clockpath.NewDirAllocator(dir)
	c := controller.New(reg, local, clockpath.SystemClock{}, alloc, cfg, logger.Default(), "local")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	}()

	id, err := c.Start(context.Background(), controller.StartRequest{
		WorkspaceID: "ws1",
		Script:      "echo stdout-line; echo stderr-line 1>&2",
		Cwd:         dir,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	var status process.Status
	for time.Now().Before(deadline) {
		rec, ok := reg.Get(id)
		require.True(t, ok)
		status = rec.Status()
		if status.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, process.StatusExited, status)

	out, err := c.GetOutput(id, controller.GetOutputQuery{})
	require.NoError(t, err)
	require.Contains(t, out.Text, "stdout-line")
	require.Contains(t, out.Text, "stderr-line")

	require.NoError(t, c.Dispose(context.Background(), id))
}

// S3: a cwd containing a space and an embedded single quote must survive
// ShellQuote's escaping and land the child exactly there, and a script
// fragment with its own embedded quoting runs as written.
func TestController_Local_QuotingWithSpacesAndEmbeddedQuotes(t *testing.T) {
	dir := t.TempDir()
	weirdCwd := filepath.Join(dir, "it's a dir with spaces")
	require.NoError(t, os.MkdirAll(weirdCwd, 0o755))

	c, reg := newLocalTestController(t, dir, nil)

	id, err := c.Start(context.Background(), controller.StartRequest{
		WorkspaceID: "ws1",
		Script:      `pwd && echo "it's a quoted word"`,
		Cwd:         weirdCwd,
	})
	require.NoError(t, err)

	status := waitForLocalTerminal(t, reg, id, 5*time.Second)
	require.Equal(t, process.StatusExited, status)

	out, err := c.GetOutput(id, controller.GetOutputQuery{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.Text), "\n")
	require.Equal(t, weirdCwd, lines[0])
	require.Contains(t, out.Text, "it's a quoted word")
}

// S4: a process with no TERM handler of its own dies to the first SIGTERM
// (the shell reports the conventional 128+signal status for its terminated
// child), landing the wrapper's own exit trap with code 143 well inside the
// grace window, before any SIGKILL escalation is needed.
func TestController_Local_TerminateGraceSIGTERM(t *testing.T) {
	dir := t.TempDir()
	c, reg := newLocalTestController(t, dir, func(cfg *controller.Config) {
		cfg.GraceSecs = 3
	})

	id, err := c.Start(context.Background(), controller.StartRequest{
		WorkspaceID: "ws1",
		Script:      "sleep 100",
		Cwd:         dir,
	})
	require.NoError(t, err)
	waitForStatus(t, reg, id, process.StatusRunning, time.Second)

	require.NoError(t, c.Terminate(context.Background(), id))

	status := waitForLocalTerminal(t, reg, id, 5*time.Second)
	require.Equal(t, process.StatusKilled, status)

	rec, ok := reg.Get(id)
	require.True(t, ok)
	snap := rec.Snapshot()
	require.NotNil(t, snap.ExitCode)
	require.Equal(t, 143, *snap.ExitCode)
}

// S5: a process that ignores TERM survives the grace window and is
// escalated to SIGKILL, resolving as killed with exit code 137.
func TestController_Local_TerminateEscalatesToSIGKILL(t *testing.T) {
	dir := t.TempDir()
	c, reg := newLocalTestController(t, dir, func(cfg *controller.Config) {
		cfg.GraceSecs = 1
	})

	id, err := c.Start(context.Background(), controller.StartRequest{
		WorkspaceID: "ws1",
		Script:      "trap '' TERM; while true; do sleep 1; done",
		Cwd:         dir,
	})
	require.NoError(t, err)
	waitForStatus(t, reg, id, process.StatusRunning, time.Second)

	require.NoError(t, c.Terminate(context.Background(), id))

	status := waitForLocalTerminal(t, reg, id, 8*time.Second)
	require.Equal(t, process.StatusKilled, status)

	rec, ok := reg.Get(id)
	require.True(t, ok)
	snap := rec.Snapshot()
	require.NotNil(t, snap.ExitCode)
	require.Equal(t, 137, *snap.ExitCode)
}

// S6: output exceeding MaxOutputBytes is retained as a truncated tail against
// the real executor, not just the fake one.
func TestController_Local_OutputRingTruncationEndToEnd(t *testing.T) {
	dir := t.TempDir()
	c, reg := newLocalTestController(t, dir, nil)

	id, err := c.Start(context.Background(), controller.StartRequest{
		WorkspaceID: "ws1",
		Script:      "yes x | head -c 2000000",
		Cwd:         dir,
	})
	require.NoError(t, err)

	status := waitForLocalTerminal(t, reg, id, 10*time.Second)
	require.Equal(t, process.StatusExited, status)

	out, err := c.GetOutput(id, controller.GetOutputQuery{})
	require.NoError(t, err)
	require.True(t, out.BufferTruncated)
	require.LessOrEqual(t, int64(len(out.Text)), int64(1<<20))
	require.True(t, out.TruncatedStart)
}
