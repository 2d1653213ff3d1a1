package events

import (
	"fmt"
	"strings"

	"github.com/muxlabs/bpe/internal/common/config"
	"github.com/muxlabs/bpe/internal/common/logger"
	"github.com/muxlabs/bpe/internal/events/bus"
)

// ProvidedBus wraps whichever EventBus backend eventbridge.New was handed,
// keeping the concrete type around only so cmd/bped's wiring and tests can
// reach backend-specific state (e.g. asserting against MemoryEventBus
// directly) without a type switch on the interface.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the event bus the Event Bus Bridge (internal/bpe/eventbridge)
// republishes process lifecycle events onto: NATS when config.NATS.URL names
// a server, otherwise an in-memory bus for single-node runs and tests.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
