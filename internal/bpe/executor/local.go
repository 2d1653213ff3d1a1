package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/muxlabs/bpe/internal/common/stringutil"
	"github.com/muxlabs/bpe/internal/tracing"
)

const cmdPreviewLen = 80

// ErrNotExist is returned (wrapped) by ReadFile/FileExists-adjacent callers
// when the target path does not exist. Controllers treat it as "0 bytes so
// far" during the tail loop rather than a hard failure.
var ErrNotExist = errors.New("executor: file does not exist")

// Local runs commands via fork+exec on the host the engine itself is
// running on.
type Local struct {
	// ShellPath is the shell used to interpret cmdText, default "sh".
	ShellPath string
	// BaseTmpDir is returned by TmpDir, default os.TempDir().
	BaseTmpDir string

	mu sync.Mutex
}

// NewLocal builds a Local executor rooted at baseTmpDir (os.TempDir() if
// empty).
func NewLocal(baseTmpDir string) *Local {
	if baseTmpDir == "" {
		baseTmpDir = os.TempDir()
	}
	return &Local{ShellPath: "sh", BaseTmpDir: baseTmpDir}
}

func (l *Local) shell() string {
	if l.ShellPath == "" {
		return "sh"
	}
	return l.ShellPath
}

// Exec runs cmdText to completion via `sh -c` and captures stdout/stderr
// separately, enforcing timeout when positive.
func (l *Local) Exec(ctx context.Context, cmdText string, timeout time.Duration) (ExecResult, error) {
	preview := stringutil.TruncateStringWithEllipsis(cmdText, cmdPreviewLen)
	ctx, span := tracing.TraceExecutorRun(ctx, "local", preview)
	defer span.End()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, l.shell(), "-c", cmdText)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(nil)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		tracing.TraceExecutorRunResult(span, -1, err)
		return res, fmt.Errorf("exec %q: %w", cmdText, err)
	}
	tracing.TraceExecutorRunResult(span, res.ExitCode, nil)
	return res, nil
}

// Spawn runs cmdText via `sh -c` and returns once the shell itself exits —
// for spawn commands (built by shellscript.BuildSpawnCommand) the shell
// backgrounds the real child and returns immediately after printing its PID,
// so this does not wait for the detached child.
func (l *Local) Spawn(ctx context.Context, cmdText string) (ExecResult, error) {
	return l.Exec(ctx, cmdText, 0)
}

// FileExists reports whether path exists locally.
func (l *Local) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ReadFile reads up to maxBytes starting at fromOffset from a local file.
func (l *Local) ReadFile(ctx context.Context, path string, fromOffset int64, maxBytes int64) (ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadResult{}, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return ReadResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ReadResult{}, err
	}
	size := info.Size()

	if fromOffset >= size {
		return ReadResult{Bytes: nil, NextOffset: fromOffset, Size: size}, nil
	}

	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return ReadResult{}, err
	}

	var reader io.Reader = f
	if maxBytes > 0 {
		reader = io.LimitReader(f, maxBytes)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return ReadResult{}, err
	}

	return ReadResult{
		Bytes:      data,
		NextOffset: fromOffset + int64(len(data)),
		Size:       size,
	}, nil
}

// DeleteFile removes path locally. Missing path is success.
func (l *Local) DeleteFile(ctx context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PathJoin joins segments using local path semantics.
func (l *Local) PathJoin(segments ...string) string {
	return defaultPathJoin(segments...)
}

// TmpDir returns the local scratch directory.
func (l *Local) TmpDir() string {
	return l.BaseTmpDir
}

// QuotePath quotes path using the default POSIX single-quote rule.
func (l *Local) QuotePath(path string) string {
	return defaultQuotePath(path)
}

// mergeEnv merges the process's own environment with overrides, giving
// overrides precedence, and stripping npm_* vars the way a launched tool
// would otherwise inherit noisy npm lifecycle state.
func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if isNpmEnvVar(key) {
			continue
		}
		if _, overridden := overrides[key]; overridden {
			continue
		}
		merged = append(merged, kv)
	}

	for k, v := range overrides {
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, k+"="+v)
	}

	return merged
}

func isNpmEnvVar(key string) bool {
	return strings.HasPrefix(key, "npm_")
}
