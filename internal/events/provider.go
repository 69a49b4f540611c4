package events

import (
	"fmt"
	"strings"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
)

// ProvidedBus is the active bus plus its concrete type, for callers that
// need implementation-specific access (tests, health reporting).
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide selects the event plane: NATS when nats.url is configured so
// several hosts can share one, in-process otherwise. The returned cleanup
// closes whatever was opened.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, func() error {
		natsBus.Close()
		return nil
	}, nil
}
