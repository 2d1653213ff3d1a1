// Package executor defines the capability the engine consumes to run
// commands and touch scratch files, and provides local, SSH, and
// Docker-exec implementations of it.
package executor

import (
	"context"
	"path"
	"time"

	"github.com/muxlabs/bpe/internal/bpe/shellscript"
)

// ExecResult is the outcome of a short command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ReadResult is the outcome of a (possibly partial) file read.
type ReadResult struct {
	Bytes      []byte
	NextOffset int64
	Size       int64
}

// Executor is the capability set the Controller (C5) consumes. Local and
// remote (SSH, Docker-exec) implementations satisfy it identically from the
// Controller's point of view. Operations against the same path are ordered;
// concurrent calls against different paths may interleave.
type Executor interface {
	// Exec runs cmdText to completion (via the target shell) and returns its
	// result. timeout of zero means no timeout.
	Exec(ctx context.Context, cmdText string, timeout time.Duration) (ExecResult, error)

	// Spawn runs cmdText and returns once it has printed its PID and
	// returned (the detached child itself keeps running). Distinct from
	// Exec only in caller intent.
	Spawn(ctx context.Context, cmdText string) (ExecResult, error)

	// FileExists reports whether path exists on the target.
	FileExists(ctx context.Context, path string) (bool, error)

	// ReadFile reads up to maxBytes starting at fromOffset. maxBytes <= 0
	// means unbounded. It must tolerate a file that is still being appended
	// to (tail-like reads).
	ReadFile(ctx context.Context, path string, fromOffset int64, maxBytes int64) (ReadResult, error)

	// DeleteFile removes path. Missing path is success (idempotent).
	DeleteFile(ctx context.Context, path string) error

	// PathJoin joins path segments using the target's path semantics.
	PathJoin(segments ...string) string

	// TmpDir returns a scratch directory valid on the target.
	TmpDir() string

	// QuotePath quotes path for safe embedding in a command run on the
	// target shell. Defaults to shellscript.ShellQuote; remote targets may
	// override (e.g. to keep a leading ~ shell-expandable).
	QuotePath(path string) string
}

// defaultPathJoin and defaultQuotePath are shared by implementations that
// don't need anything target-specific.
func defaultPathJoin(segments ...string) string {
	return path.Join(segments...)
}

func defaultQuotePath(p string) string {
	return shellscript.ShellQuote(p)
}
