// Package eventbridge forwards Registry mutations (C6) onto the process-wide
// event bus (internal/events/bus), so other services (chat pipelines,
// dashboards) can observe background-process activity without depending on
// the engine's in-process Registry.Subscribe API directly.
package eventbridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/muxlabs/bpe/internal/events/bus"
)

// source identifies this engine instance's events on the shared bus.
const source = "bpe"

// subjectPrefix namespaces every published subject.
const subjectPrefix = "bpe.process."

// Bridge relays every Registry event onto bus as bpe.process.<type>.
type Bridge struct {
	reg *registry.Registry
	bus bus.EventBus
	log *logger.Logger
}

// New builds a Bridge over reg and bus.
func New(reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{reg: reg, bus: eventBus, log: log}
}

// Run subscribes to every workspace's events and publishes them until ctx is
// cancelled. It is meant to be run in its own goroutine for the lifetime of
// the server process.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.reg.Subscribe(nil)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b.publish(ctx, ev)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev registry.Event) {
	data := map[string]interface{}{
		"processId":   ev.ID,
		"workspaceId": ev.WorkspaceID,
	}
	if ev.Snapshot != nil {
		data["status"] = string(ev.Snapshot.Status)
		data["displayName"] = ev.Snapshot.DisplayName
		data["workerHost"] = ev.Snapshot.WorkerHost
		if ev.Snapshot.ExitCode != nil {
			data["exitCode"] = *ev.Snapshot.ExitCode
		}
	}

	busEvent := bus.NewEvent(string(ev.Type), source, data)
	subject := subjectPrefix + string(ev.Type)
	if err := b.bus.Publish(ctx, subject, busEvent); err != nil {
		b.log.WithProcessID(ev.ID).Warn("eventbridge: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
