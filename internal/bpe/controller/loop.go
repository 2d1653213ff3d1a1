package controller

import (
	"context"
	"errors"
	"time"

	"github.com/muxlabs/bpe/internal/bpe/executor"
	"github.com/muxlabs/bpe/internal/bpe/process"
	"github.com/muxlabs/bpe/internal/bpe/shellscript"
	"go.uber.org/zap"
)

// streamTail tracks one of stdout/stderr's tail-read bookkeeping across
// ticks of runLoop.
type streamTail struct {
	path       string
	offset     int64
	isError    bool
	firstRead  bool
	failures   int
}

// runLoop is the combined tail+exit-probe loop for one record (§4.4 items 2
// and 3, folded into a single cadence as the spec permits). It runs until
// the record reaches a terminal state or ctx is cancelled.
func (c *Controller) runLoop(ctx context.Context, id string, rec *process.Record) {
	stdout := &streamTail{path: rec.StdoutPath, isError: false, firstRead: true}
	stderr := &streamTail{path: rec.StderrPath, isError: true, firstRead: true}

	ticker := time.NewTicker(c.cfg.tailPollInterval())
	defer ticker.Stop()

	for {
		if c.tick(ctx, id, rec, stdout, stderr) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one iteration of the loop; it returns true if the record
// reached a terminal state (or was forced to fail) and the loop should stop.
func (c *Controller) tick(ctx context.Context, id string, rec *process.Record, stdout, stderr *streamTail) bool {
	if !c.drainStream(ctx, id, rec, stdout) {
		return true
	}
	if !c.drainStream(ctx, id, rec, stderr) {
		return true
	}

	exists, err := c.executor.FileExists(ctx, rec.ExitCodePath)
	if err != nil {
		return c.recordTailFailure(id, rec, err)
	}
	if !exists {
		return false
	}

	return c.finalize(ctx, id, rec, stdout, stderr)
}

// drainStream reads any new bytes for one stream and appends them to the
// record's OutputBuffer. Returns false if the record was failed due to
// exhausted retries.
func (c *Controller) drainStream(ctx context.Context, id string, rec *process.Record, s *streamTail) bool {
	maxBytes := int64(0)
	if s.firstRead {
		maxBytes = c.cfg.InitialTailBytes
	}

	res, err := c.executor.ReadFile(ctx, s.path, s.offset, maxBytes)
	if err != nil {
		if errors.Is(err, executor.ErrNotExist) {
			s.firstRead = false
			return true
		}
		return !c.recordTailFailure(id, rec, err)
	}

	s.failures = 0
	s.firstRead = false
	c.resetFailureCount(id)

	if len(res.Bytes) > 0 {
		rec.Output.Append(res.Bytes, s.isError)
		c.registry.NotifyOutputAppended(id)
	}
	s.offset = res.NextOffset

	return true
}

// recordTailFailure counts a consecutive read failure and, past the
// configured threshold, transitions the record to failed. Returns true if
// the loop should stop (record failed).
func (c *Controller) recordTailFailure(id string, rec *process.Record, cause error) bool {
	c.log.WithProcessID(id).Debug("tail read failed", zap.Error(cause))

	n := c.bumpFailureCount(id)
	if n < c.cfg.MaxConsecutiveTailFailures {
		return false
	}

	if rec.MarkFailed("tail failure: " + cause.Error()) {
		c.registry.NotifyStatusChanged(id)
	}
	return true
}

func (c *Controller) bumpFailureCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tailFailures == nil {
		c.tailFailures = make(map[string]int)
	}
	c.tailFailures[id]++
	return c.tailFailures[id]
}

func (c *Controller) resetFailureCount(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tailFailures, id)
}

// finalize reads the exit-code file, performs one last flush of any
// straggling output, and transitions the record to exited or killed
// depending on whether a terminate was outstanding (§4.4 item 3).
func (c *Controller) finalize(ctx context.Context, id string, rec *process.Record, stdout, stderr *streamTail) bool {
	res, err := c.executor.ReadFile(ctx, rec.ExitCodePath, 0, 0)
	if err != nil {
		return c.recordTailFailure(id, rec, err)
	}

	code, ok := shellscript.ParseExitCode(string(res.Bytes))
	if !ok {
		// Trap may still be mid-write; try again next tick.
		return false
	}

	// One more flush so output up to the process's actual exit is captured.
	c.drainStream(ctx, id, rec, stdout)
	c.drainStream(ctx, id, rec, stderr)

	wasTerminating := c.registry.IsTerminating(id)
	wasKilled := wasTerminating && (code == 143 || code == 137)

	if rec.MarkFinished(code, c.clock.Now(), wasKilled) {
		c.registry.ClearTerminating(id)
		c.cancelForceRetry(id)
		c.resetFailureCount(id)
		c.registry.NotifyStatusChanged(id)
	}
	return true
}
