package eventbridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxlabs/bpe/internal/bpe/clockpath"
	"github.com/muxlabs/bpe/internal/bpe/eventbridge"
	"github.com/muxlabs/bpe/internal/bpe/process"
	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/muxlabs/bpe/internal/events/bus"
)

func TestBridge_ForwardsAddedEvent(t *testing.T) {
	reg := registry.New()
	memBus := bus.NewMemoryEventBus(logger.Default())
	defer memBus.Close()

	var mu sync.Mutex
	var received *bus.Event
	done := make(chan struct{})

	sub, err := memBus.Subscribe("bpe.process.added", func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		received = ev
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bridge := eventbridge.New(reg, memBus, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	scratch := clockpath.ScratchPaths{StdoutPath: "/tmp/a.out", StderrPath: "/tmp/a.err", ExitCodePath: "/tmp/a.rc"}
	rec := process.New("p1", "ws1", "echo hi", "/tmp", nil, "", nil, 0, scratch)
	reg.Add(rec)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridged event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	require.Equal(t, "added", received.Type)
	require.Equal(t, "bpe", received.Source)
	data, ok := received.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "p1", data["processId"])
	require.Equal(t, "ws1", data["workspaceId"])
}

func TestBridge_StopsOnContextCancel(t *testing.T) {
	reg := registry.New()
	memBus := bus.NewMemoryEventBus(logger.Default())
	defer memBus.Close()

	bridge := eventbridge.New(reg, memBus, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	doneRun := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(doneRun)
	}()

	cancel()

	select {
	case <-doneRun:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
