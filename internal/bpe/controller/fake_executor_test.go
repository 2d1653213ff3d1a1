package controller_test

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muxlabs/bpe/internal/bpe/executor"
)

// fakeExecutor is an in-memory Executor for deterministic controller tests:
// Spawn always "succeeds" by printing a fixed PID; stdout/stderr/exit-code
// scratch files live in a map the test mutates directly to drive the
// tail/exit-probe loop through its states.
type fakeExecutor struct {
	mu       sync.Mutex
	files    map[string][]byte
	spawnPID int
	spawnErr error
	execLog  []string
	onExec   func(cmdText string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{files: make(map[string][]byte), spawnPID: 4242}
}

func (f *fakeExecutor) setFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

func (f *fakeExecutor) execCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.execLog {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) Exec(ctx context.Context, cmdText string, timeout time.Duration) (executor.ExecResult, error) {
	f.mu.Lock()
	f.execLog = append(f.execLog, cmdText)
	f.mu.Unlock()
	if f.onExec != nil {
		f.onExec(cmdText)
	}
	return executor.ExecResult{}, nil
}

func (f *fakeExecutor) Spawn(ctx context.Context, cmdText string) (executor.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return executor.ExecResult{}, f.spawnErr
	}
	return executor.ExecResult{Stdout: strconv.Itoa(f.spawnPID) + "\n"}, nil
}

func (f *fakeExecutor) FileExists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeExecutor) ReadFile(ctx context.Context, path string, fromOffset int64, maxBytes int64) (executor.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[path]
	if !ok {
		return executor.ReadResult{}, executor.ErrNotExist
	}
	size := int64(len(data))
	if fromOffset > size {
		fromOffset = size
	}
	end := size
	if maxBytes > 0 && fromOffset+maxBytes < end {
		end = fromOffset + maxBytes
	}
	chunk := make([]byte, end-fromOffset)
	copy(chunk, data[fromOffset:end])
	return executor.ReadResult{Bytes: chunk, NextOffset: end, Size: size}, nil
}

func (f *fakeExecutor) DeleteFile(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeExecutor) PathJoin(segments ...string) string {
	return strings.Join(segments, "/")
}

func (f *fakeExecutor) TmpDir() string { return "/scratch" }

func (f *fakeExecutor) QuotePath(p string) string { return "'" + p + "'" }
