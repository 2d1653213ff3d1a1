package executor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/muxlabs/bpe/internal/common/stringutil"
	"github.com/muxlabs/bpe/internal/tracing"
)

// SSH runs commands on a remote host, opening one session per call against a
// shared, reusable *ssh.Client connection. Path semantics are whatever the
// remote shell provides; QuotePath can be overridden at construction for
// hosts where the default single-quote rule misbehaves (e.g. `~` expansion).
type SSH struct {
	client    *ssh.Client
	remoteTmp string
	quotePath func(string) string
}

// NewSSH builds an SSH executor over an already-dialed client. remoteTmp is
// the scratch directory on the remote host (e.g. "/tmp").
func NewSSH(client *ssh.Client, remoteTmp string) *SSH {
	return &SSH{
		client:    client,
		remoteTmp: remoteTmp,
		quotePath: defaultQuotePath,
	}
}

// DialSSH dials addr and authenticates as user with the given auth methods,
// returning an SSH executor rooted at remoteTmp. timeout bounds the TCP
// handshake and key exchange.
func DialSSH(addr, user string, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback, remoteTmp string, timeout time.Duration) (*SSH, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
	return NewSSH(client, remoteTmp), nil
}

// WithQuotePath overrides the path-quoting rule, per §9's Open Question on
// `~`-relative remote paths: some remote shells need double quotes so that
// "$HOME/..." still expands, rather than being taken as a literal string.
func (s *SSH) WithQuotePath(fn func(string) string) *SSH {
	s.quotePath = fn
	return s
}

func (s *SSH) session() (*ssh.Session, error) {
	return s.client.NewSession()
}

// Exec runs cmdText on the remote host and collects stdout/stderr.
func (s *SSH) Exec(ctx context.Context, cmdText string, timeout time.Duration) (ExecResult, error) {
	preview := stringutil.TruncateStringWithEllipsis(cmdText, cmdPreviewLen)
	ctx, span := tracing.TraceExecutorRun(ctx, "ssh", preview)
	defer span.End()

	sess, err := s.session()
	if err != nil {
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, fmt.Errorf("ssh: open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmdText) }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		tracing.TraceExecutorRunResult(span, -1, ctx.Err())
		return ExecResult{}, ctx.Err()
	case <-timer:
		sess.Signal(ssh.SIGKILL)
		err := fmt.Errorf("ssh: command timed out after %s", timeout)
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, err
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			tracing.TraceExecutorRunResult(span, res.ExitCode, nil)
			return res, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			tracing.TraceExecutorRunResult(span, res.ExitCode, nil)
			return res, nil
		}
		wrapped := fmt.Errorf("ssh: run %q: %w", cmdText, err)
		tracing.TraceExecutorRunResult(span, -1, wrapped)
		return res, wrapped
	}
}

// Spawn runs cmdText on the remote host and returns once the remote shell
// itself returns (the real child has been backgrounded by the spawn
// command's own `&`).
func (s *SSH) Spawn(ctx context.Context, cmdText string) (ExecResult, error) {
	return s.Exec(ctx, cmdText, 0)
}

// FileExists checks remote file presence via `test -e`.
func (s *SSH) FileExists(ctx context.Context, path string) (bool, error) {
	res, err := s.Exec(ctx, fmt.Sprintf("test -e %s", s.QuotePath(path)), 10*time.Second)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// ReadFile reads a slice of a remote file using `tail -c +N` and `head -c M`,
// and `wc -c` for size, tolerating a file still being appended to.
func (s *SSH) ReadFile(ctx context.Context, path string, fromOffset int64, maxBytes int64) (ReadResult, error) {
	exists, err := s.FileExists(ctx, path)
	if err != nil {
		return ReadResult{}, err
	}
	if !exists {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	sizeRes, err := s.Exec(ctx, fmt.Sprintf("wc -c < %s", s.QuotePath(path)), 10*time.Second)
	if err != nil {
		return ReadResult{}, err
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(sizeRes.Stdout), 10, 64)

	if fromOffset >= size {
		return ReadResult{NextOffset: fromOffset, Size: size}, nil
	}

	cmd := fmt.Sprintf("tail -c +%d %s", fromOffset+1, s.QuotePath(path))
	if maxBytes > 0 {
		cmd += fmt.Sprintf(" | head -c %d", maxBytes)
	}

	res, err := s.Exec(ctx, cmd, 30*time.Second)
	if err != nil {
		return ReadResult{}, err
	}

	data := []byte(res.Stdout)
	return ReadResult{
		Bytes:      data,
		NextOffset: fromOffset + int64(len(data)),
		Size:       size,
	}, nil
}

// DeleteFile removes a remote file. Missing file is success.
func (s *SSH) DeleteFile(ctx context.Context, path string) error {
	_, err := s.Exec(ctx, fmt.Sprintf("rm -f %s", s.QuotePath(path)), 10*time.Second)
	return err
}

// PathJoin joins segments with "/", the only path semantics a POSIX remote
// shell understands regardless of the engine host's own OS.
func (s *SSH) PathJoin(segments ...string) string {
	var nonEmpty []string
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		nonEmpty = append(nonEmpty, strings.Trim(seg, "/"))
	}
	return strings.Join(nonEmpty, "/")
}

// TmpDir returns the remote scratch directory.
func (s *SSH) TmpDir() string {
	if s.remoteTmp == "" {
		return "/tmp"
	}
	return s.remoteTmp
}

// QuotePath quotes path with the configured rule (default shellQuote).
func (s *SSH) QuotePath(path string) string {
	if s.quotePath != nil {
		return s.quotePath(path)
	}
	return defaultQuotePath(path)
}

// Close closes the underlying SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}
