// Package controller implements the Lifecycle Controller (C5): spawning,
// tailing, exit-code arbitration, termination, and disposal of
// ProcessRecords, driven by an injected Executor, Clock, and scratch-path
// Allocator so tests can run it deterministically.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/muxlabs/bpe/internal/bpe/bpeerr"
	"github.com/muxlabs/bpe/internal/bpe/clockpath"
	"github.com/muxlabs/bpe/internal/bpe/executor"
	"github.com/muxlabs/bpe/internal/bpe/history"
	"github.com/muxlabs/bpe/internal/bpe/process"
	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/bpe/shellscript"
	"github.com/muxlabs/bpe/internal/common/appctx"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/muxlabs/bpe/internal/common/stringutil"
	"github.com/muxlabs/bpe/internal/tracing"
	"go.uber.org/zap"
)

// maxArchivedOutputTailBytes bounds how much of a disposed record's final
// output is copied into the history archive.
const maxArchivedOutputTailBytes = 8 << 10

// maxArchivedDisplayNameLen bounds the archived display name; callers may
// pass arbitrarily long free-form text as DisplayName.
const maxArchivedDisplayNameLen = 200

// Controller is the engine's C5 Lifecycle Controller.
type Controller struct {
	cfg       Config
	registry  *registry.Registry
	executor  executor.Executor
	clock     clockpath.Clock
	scratch   clockpath.Allocator
	log       *logger.Logger
	workerTag string

	mu           sync.Mutex
	loopCancel   map[string]context.CancelFunc
	loopDone     map[string]chan struct{}
	forceTimers  map[string]*time.Timer
	tailFailures map[string]int
	shuttingDown bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	history *history.Store
}

// AttachHistory wires a history.Store (D1) so Dispose archives a terminal
// record before removing it from the Registry. Optional: a Controller with
// no attached store just drops the record on Dispose, as before.
func (c *Controller) AttachHistory(store *history.Store) {
	c.history = store
}

// New builds a Controller. workerTag is stamped onto every record's
// WorkerHost field for observability (e.g. "local", "ssh:build-1").
func New(reg *registry.Registry, exec executor.Executor, clock clockpath.Clock, scratch clockpath.Allocator, cfg Config, log *logger.Logger, workerTag string) *Controller {
	return &Controller{
		cfg:         cfg,
		registry:    reg,
		executor:    exec,
		clock:       clock,
		scratch:     scratch,
		log:         log,
		workerTag:   workerTag,
		loopCancel:  make(map[string]context.CancelFunc),
		loopDone:    make(map[string]chan struct{}),
		forceTimers: make(map[string]*time.Timer),
		shutdownCh:  make(chan struct{}),
	}
}

// Start allocates a new ProcessRecord, spawns it via the executor, and (on
// success) begins its tail/exit-probe loop. It returns the new ProcessId.
// Spawn failures are reflected asynchronously (record moves to "failed";
// Start itself still returns the id) per §7's propagation policy; only
// InvalidArgument is returned synchronously.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Script == "" {
		return "", bpeerr.New(bpeerr.InvalidArgument, "script must not be empty")
	}
	if !isAbs(req.Cwd) {
		return "", bpeerr.New(bpeerr.InvalidArgument, "cwd must be absolute")
	}

	id := uuid.New().String()
	scratch := c.scratch.Allocate(id)

	ctx, span := tracing.TraceProcessStart(ctx, id, req.WorkspaceID, c.workerTag)
	defer span.End()

	rec := process.New(id, req.WorkspaceID, req.Script, req.Cwd, req.Env, req.DisplayName, req.Niceness, c.cfg.MaxOutputBytes, scratch)
	rec.WorkerHost = c.workerTag
	rec.SetWasForeground(!req.RunInBackground)
	c.registry.Add(rec)

	if req.ToolCallID != "" && !req.RunInBackground {
		c.registry.AddForegroundToolCall(req.WorkspaceID, req.ToolCallID)
	}

	wrapper := shellscript.BuildWrapperScript(shellscript.WrapperScriptInput{
		ExitCodePath: scratch.ExitCodePath,
		Cwd:          req.Cwd,
		Env:          req.Env,
		Script:       req.Script,
	})
	spawnCmd := shellscript.BuildSpawnCommand(shellscript.SpawnCommandInput{
		WrapperScript: wrapper,
		StdoutPath:    scratch.StdoutPath,
		StderrPath:    scratch.StderrPath,
		Niceness:      req.Niceness,
	})

	res, err := c.executor.Spawn(ctx, spawnCmd)
	if err != nil {
		tracing.TraceProcessStartResult(span, "spawn_failed", err)
		c.failSpawn(rec, fmt.Sprintf("could not start: %v", err))
		return id, nil
	}

	pid, ok := shellscript.ParsePid(res.Stdout)
	if !ok {
		reason := res.Stderr
		if reason == "" {
			reason = res.Stdout
		}
		if reason == "" {
			reason = "unknown"
		}
		tracing.TraceProcessStartResult(span, "spawn_failed", fmt.Errorf("could not start: %s", reason))
		c.failSpawn(rec, "could not start: "+reason)
		return id, nil
	}

	rec.MarkRunning(pid, c.clock.Now())
	tracing.TraceProcessStartResult(span, "running", nil)
	c.registry.NotifyStatusChanged(id)
	c.startLoop(id, rec)

	return id, nil
}

func (c *Controller) failSpawn(rec *process.Record, reason string) {
	rec.MarkFailed(reason)
	c.registry.NotifyStatusChanged(rec.ID)
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// startLoop launches the combined tail+exit-probe goroutine for rec.
func (c *Controller) startLoop(id string, rec *process.Record) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.loopCancel[id] = cancel
	c.loopDone[id] = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.runLoop(loopCtx, id, rec)
	}()
}

// Terminate requests termination of id. Idempotent: repeated calls are safe
// even after the record has already exited.
func (c *Controller) Terminate(ctx context.Context, id string) error {
	ctx, span := tracing.TraceProcessTerminate(ctx, id)
	defer span.End()

	rec, ok := c.registry.Get(id)
	if !ok {
		err := bpeerr.New(bpeerr.NotFound, "no such process: "+id)
		span.RecordError(err)
		return err
	}
	if rec.Status().Terminal() {
		return nil
	}

	c.registry.MarkTerminating(id)

	cmd := shellscript.BuildTerminateCommand(rec.PID(), rec.ExitCodePath, c.cfg.GraceSecs, c.executor.QuotePath)
	go func() {
		// Detached from the request context (which may be long gone by the
		// time this lands) but still bounded by the shutdown stop channel
		// and the force-retry window, so it can't outlive the engine.
		execCtx, cancel := appctx.Detached(ctx, c.shutdownCh, c.cfg.terminateForceTimeout())
		defer cancel()
		if _, err := c.executor.Exec(execCtx, cmd, 0); err != nil {
			c.log.WithProcessID(id).Warn("terminate command failed", zap.Error(err))
		}
	}()

	c.scheduleForceRetry(id)
	return nil
}

// scheduleForceRetry re-issues terminate if the record is still non-terminal
// after TerminateForceTimeoutMs (§4.4 failure semantics).
func (c *Controller) scheduleForceRetry(id string) {
	c.mu.Lock()
	if t, ok := c.forceTimers[id]; ok {
		t.Stop()
	}
	c.forceTimers[id] = time.AfterFunc(c.cfg.terminateForceTimeout(), func() {
		rec, ok := c.registry.Get(id)
		if !ok || rec.Status().Terminal() {
			return
		}
		c.log.WithProcessID(id).Warn("terminate did not land within force timeout, retrying")
		_ = c.Terminate(context.Background(), id)
	})
	c.mu.Unlock()
}

func (c *Controller) cancelForceRetry(id string) {
	c.mu.Lock()
	if t, ok := c.forceTimers[id]; ok {
		t.Stop()
		delete(c.forceTimers, id)
	}
	c.mu.Unlock()
}

// SendToBackground demotes toolCallID from the foreground set for wsid. The
// underlying OS process is already detached; this is pure caller bookkeeping
// (§4.4 item 5).
func (c *Controller) SendToBackground(wsid, toolCallID string) {
	c.registry.RemoveForegroundToolCall(wsid, toolCallID)
}

// AutoBackgroundAll demotes every foreground tool call for wsid (§4.6).
func (c *Controller) AutoBackgroundAll(wsid string) {
	for _, toolCallID := range c.registry.ForegroundToolCalls(wsid) {
		c.SendToBackground(wsid, toolCallID)
	}
}

// GetOutput returns a point-in-time snapshot of id's output (§4.4 item 6).
func (c *Controller) GetOutput(id string, q GetOutputQuery) (OutputSnapshot, error) {
	rec, ok := c.registry.Get(id)
	if !ok {
		return OutputSnapshot{}, bpeerr.New(bpeerr.NotFound, "no such process: "+id)
	}

	obSnap := rec.Output.Read(0)
	switch {
	case q.TailBytes != nil:
		obSnap = rec.Output.TailBytes(*q.TailBytes)
	case q.FromOffset != nil:
		obSnap = rec.Output.Read(*q.FromOffset)
	}

	return OutputSnapshot{
		Status:          rec.Status(),
		Text:            string(obSnap.Text),
		NextOffset:      obSnap.NextOffset,
		TruncatedStart:  obSnap.TruncatedStart,
		BufferTruncated: obSnap.Truncated,
	}, nil
}

// Dispose removes id from the registry and best-effort deletes its scratch
// files. Only permitted once the record has reached a terminal state.
func (c *Controller) Dispose(ctx context.Context, id string) error {
	ctx, span := tracing.TraceProcessDispose(ctx, id)
	defer span.End()

	rec, ok := c.registry.Get(id)
	if !ok {
		return bpeerr.New(bpeerr.NotFound, "no such process: "+id)
	}
	if !rec.Status().Terminal() {
		return bpeerr.New(bpeerr.NotTerminal, "process is not in a terminal state: "+id)
	}

	c.cancelForceRetry(id)
	c.archiveToHistory(ctx, rec)
	c.deleteScratchFiles(ctx, rec)
	c.registry.Remove(id)
	return nil
}

// archiveToHistory best-effort archives rec into the attached history.Store.
// A failure here never blocks disposal; the Registry's removal is what
// callers actually depend on.
func (c *Controller) archiveToHistory(ctx context.Context, rec *process.Record) {
	if c.history == nil {
		return
	}

	tail := string(rec.Output.TailBytes(maxArchivedOutputTailBytes).Text)
	displayName := stringutil.TruncateStringWithEllipsis(rec.DisplayName, maxArchivedDisplayNameLen)
	snap := rec.Snapshot()
	snap.DisplayName = displayName

	archived := history.FromSnapshot(snap, rec.Env, tail, c.clock.Now())
	if err := c.history.Archive(ctx, archived); err != nil {
		c.log.WithProcessID(rec.ID).Warn("failed to archive process history", zap.Error(err))
	}
}

func (c *Controller) deleteScratchFiles(ctx context.Context, rec *process.Record) {
	for _, p := range []string{rec.StdoutPath, rec.StderrPath, rec.ExitCodePath} {
		if err := c.executor.DeleteFile(ctx, p); err != nil {
			c.log.WithProcessID(rec.ID).Warn("failed to delete scratch file during dispose", zap.String("path", p), zap.Error(err))
		}
	}
}

// Shutdown requests termination of every non-terminal record, waits up to
// ShutdownGraceMs for them to land, then abandons remaining scratch files
// (best effort) without further waiting (§5).
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.shuttingDown = true
	ids := make([]string, 0, len(c.loopDone))
	dones := make(map[string]chan struct{}, len(c.loopDone))
	for id, done := range c.loopDone {
		ids = append(ids, id)
		dones[id] = done
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.Terminate(ctx, id)
	}

	deadlineCtx, cancel := context.WithTimeout(context.Background(), c.cfg.shutdownGrace())
	defer cancel()

	// Fan in on every loop's completion concurrently rather than waiting on
	// them one at a time, so one slow-to-land record doesn't steal grace
	// period from its siblings.
	var abandonMu sync.Mutex
	var abandoned []string
	group, groupCtx := errgroup.WithContext(deadlineCtx)
	for _, id := range ids {
		id, done := id, dones[id]
		group.Go(func() error {
			select {
			case <-done:
			case <-groupCtx.Done():
				abandonMu.Lock()
				abandoned = append(abandoned, id)
				abandonMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(abandoned) > 0 {
		c.log.Warn("shutdown grace period elapsed, abandoning remaining processes",
			zap.Int("count", len(abandoned)))
		c.abandonLoops(abandoned)
	}
}

// abandonLoops cancels the tail/exit-probe loops for the given ids without
// waiting further, leaving their scratch files in place (best effort only,
// per §5's "abandons remaining scratch files").
func (c *Controller) abandonLoops(ids []string) {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := c.loopCancel[id]; ok {
			cancel()
		}
	}
}
