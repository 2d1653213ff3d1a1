package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/muxlabs/bpe/internal/common/stringutil"
	"github.com/muxlabs/bpe/internal/tracing"
)

// Docker runs commands inside an already-running container via `docker
// exec`, adapted from the teacher's container-lifecycle client down to the
// single capability the engine needs: executing text in a target shell and
// touching scratch files that live inside the container's filesystem.
type Docker struct {
	cli         *client.Client
	containerID string
	tmpDir      string
}

// NewDocker builds a Docker executor targeting an already-running container.
// tmpDir is a scratch directory inside that container (e.g. "/tmp").
func NewDocker(cli *client.Client, containerID, tmpDir string) *Docker {
	if tmpDir == "" {
		tmpDir = "/tmp"
	}
	return &Docker{cli: cli, containerID: containerID, tmpDir: tmpDir}
}

func (d *Docker) execAttached(ctx context.Context, cmdText string) (ExecResult, error) {
	preview := stringutil.TruncateStringWithEllipsis(cmdText, cmdPreviewLen)
	ctx, span := tracing.TraceExecutorRun(ctx, "docker", preview)
	defer span.End()

	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmdText},
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.cli.ContainerExecCreate(ctx, d.containerID, execCfg)
	if err != nil {
		err = fmt.Errorf("docker: exec create: %w", err)
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, err
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		err = fmt.Errorf("docker: exec attach: %w", err)
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := demuxExecStream(attach.Reader, &stdout, &stderr); err != nil && err != io.EOF {
		err = fmt.Errorf("docker: read exec stream: %w", err)
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, err
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		err = fmt.Errorf("docker: exec inspect: %w", err)
		tracing.TraceExecutorRunResult(span, -1, err)
		return ExecResult{}, err
	}

	tracing.TraceExecutorRunResult(span, inspect.ExitCode, nil)
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// demuxExecStream splits Docker's multiplexed exec stream (8-byte header:
// stream type + big-endian uint32 size) into separate stdout/stderr writers,
// the same framing the teacher's AttachContainer path demultiplexes for
// interactive container sessions.
func demuxExecStream(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		streamType := header[0]
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		if size == 0 {
			continue
		}
		var dst io.Writer = stdout
		if streamType == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, size); err != nil {
			return err
		}
	}
}

// Exec runs cmdText inside the container to completion.
func (d *Docker) Exec(ctx context.Context, cmdText string, timeout time.Duration) (ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.execAttached(runCtx, cmdText)
}

// Spawn runs cmdText inside the container; same semantics as Exec since the
// spawn command itself backgrounds the real child with `&` before returning.
func (d *Docker) Spawn(ctx context.Context, cmdText string) (ExecResult, error) {
	return d.Exec(ctx, cmdText, 0)
}

// FileExists checks container-local file presence via `test -e`.
func (d *Docker) FileExists(ctx context.Context, path string) (bool, error) {
	res, err := d.Exec(ctx, fmt.Sprintf("test -e %s", d.QuotePath(path)), 10*time.Second)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// ReadFile reads a slice of a container-local file via tail/head, mirroring
// the SSH executor's approach since both lack direct filesystem access from
// the engine's host.
func (d *Docker) ReadFile(ctx context.Context, path string, fromOffset int64, maxBytes int64) (ReadResult, error) {
	exists, err := d.FileExists(ctx, path)
	if err != nil {
		return ReadResult{}, err
	}
	if !exists {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	sizeRes, err := d.Exec(ctx, fmt.Sprintf("wc -c < %s", d.QuotePath(path)), 10*time.Second)
	if err != nil {
		return ReadResult{}, err
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(sizeRes.Stdout), 10, 64)

	if fromOffset >= size {
		return ReadResult{NextOffset: fromOffset, Size: size}, nil
	}

	cmd := fmt.Sprintf("tail -c +%d %s", fromOffset+1, d.QuotePath(path))
	if maxBytes > 0 {
		cmd += fmt.Sprintf(" | head -c %d", maxBytes)
	}

	res, err := d.Exec(ctx, cmd, 30*time.Second)
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

// DeleteFile removes a container-local file. Missing file is success.
func (d *Docker) DeleteFile(ctx context.Context, path string) error {
	_, err := d.Exec(ctx, fmt.Sprintf("rm -f %s", d.QuotePath(path)), 10*time.Second)
	return err
}

// PathJoin joins segments with "/", the container's POSIX filesystem
// semantics regardless of the engine host's own OS.
func (d *Docker) PathJoin(segments ...string) string {
	var nonEmpty []string
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		nonEmpty = append(nonEmpty, strings.Trim(seg, "/"))
	}
	return strings.Join(nonEmpty, "/")
}

// TmpDir returns the scratch directory inside the container.
func (d *Docker) TmpDir() string {
	return d.tmpDir
}

// QuotePath quotes path with the default POSIX single-quote rule.
func (d *Docker) QuotePath(path string) string {
	return defaultQuotePath(path)
}
