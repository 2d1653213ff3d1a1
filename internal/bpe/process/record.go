// Package process defines the Status sum type and ProcessRecord — the
// persistent state of one background process (§3, §4.4 of the engine's
// design).
package process

import (
	"sync"

	"github.com/muxlabs/bpe/internal/bpe/clockpath"
	"github.com/muxlabs/bpe/internal/bpe/outputbuffer"
)

// Status is the closed set of lifecycle states a ProcessRecord passes
// through. Once a record reaches a terminal status it never changes again.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusKilled   Status = "killed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is one of the sticky end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusExited, StatusKilled, StatusFailed:
		return true
	default:
		return false
	}
}

// Record is the persistent state of one background process. The Registry
// (C6) exclusively owns Records; the Controller (C5) holds ID-indexed weak
// references while its loops run. All mutable fields are guarded by mu so
// readers (getOutput, snapshots) never race the tail/exit-probe loops.
type Record struct {
	mu sync.Mutex

	ID          string
	WorkspaceID string
	Script      string
	DisplayName string
	Cwd         string
	Env         map[string]string
	Niceness    *int

	StdoutPath   string
	StderrPath   string
	ExitCodePath string

	// WorkerHost is the Controller's configured worker tag (engine.workerHost,
	// e.g. "local", "ssh:<host>"), not derived from the Executor in use —
	// informational only, never consulted by the state machine.
	WorkerHost string

	Output *outputbuffer.Buffer

	pid           int
	startedAt     int64
	status        Status
	exitCode      *int
	finishedAt    *int64
	lastError     string
	wasForeground bool
}

// New builds a Record in the "starting" state. Output is a fresh buffer
// capped at maxOutputBytes (outputbuffer.DefaultMaxTotalBytes if <= 0).
func New(id, workspaceID, script, cwd string, env map[string]string, displayName string, niceness *int, maxOutputBytes int64, scratch clockpath.ScratchPaths) *Record {
	return &Record{
		ID:           id,
		WorkspaceID:  workspaceID,
		Script:       script,
		Cwd:          cwd,
		Env:          env,
		DisplayName:  displayName,
		Niceness:     niceness,
		StdoutPath:   scratch.StdoutPath,
		StderrPath:   scratch.StderrPath,
		ExitCodePath: scratch.ExitCodePath,
		Output:       outputbuffer.New(maxOutputBytes),
		status:       StatusStarting,
	}
}

// MarkRunning transitions starting -> running, recording pid and startedAt.
// Returns false if the record was not in "starting".
func (r *Record) MarkRunning(pid int, startedAt int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusStarting {
		return false
	}
	r.pid = pid
	r.startedAt = startedAt
	r.status = StatusRunning
	return true
}

// MarkFailed transitions to "failed" with lastError, unless already
// terminal (terminal states are sticky).
func (r *Record) MarkFailed(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = StatusFailed
	r.lastError = reason
	return true
}

// MarkFinished transitions running -> exited|killed, recording exitCode and
// finishedAt. wasKilled selects between the two terminal statuses per the
// exit-probe loop's arbitration (§4.4 item 3). Unless already terminal.
func (r *Record) MarkFinished(exitCode int, finishedAt int64, wasKilled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.exitCode = &exitCode
	r.finishedAt = &finishedAt
	if wasKilled {
		r.status = StatusKilled
	} else {
		r.status = StatusExited
	}
	return true
}

// SetWasForeground records whether this record originated as a foreground
// run later handed off (§3 wasForeground; informational only).
func (r *Record) SetWasForeground(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wasForeground = v
}

// Status returns the current lifecycle status.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PID returns the OS process id of the session leader (0 before running).
func (r *Record) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Snapshot is the read-only view of a Record returned to callers (§6
// ProcessSnapshot).
type Snapshot struct {
	ID            string
	WorkspaceID   string
	PID           int
	Script        string
	DisplayName   string
	StartedAt     int64
	Status        Status
	ExitCode      *int
	FinishedAt    *int64
	LastError     string
	WasForeground bool
	WorkerHost    string
}

// Snapshot returns a consistent point-in-time copy of the record's fields.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:            r.ID,
		WorkspaceID:   r.WorkspaceID,
		PID:           r.pid,
		Script:        r.Script,
		DisplayName:   r.DisplayName,
		StartedAt:     r.startedAt,
		Status:        r.status,
		ExitCode:      r.exitCode,
		FinishedAt:    r.finishedAt,
		LastError:     r.lastError,
		WasForeground: r.wasForeground,
		WorkerHost:    r.WorkerHost,
	}
}
