package daemonrun

import (
	"context"
	"fmt"
	"log/slog"

	"accession/internal/bus"
	"accession/internal/bus/redisbus"
	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/status/redisstore"
	"accession/internal/status/sqlitestore"
)

// OpenStore opens the Status Store selected by store.backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (status.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite", "":
		store, err := sqlitestore.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite status store: %w", err)
		}
		return store, nil
	case "redis":
		store, err := redisstore.Open(ctx, cfg,
			redisstore.WithLogger(logging.NewComponentLogger(logger, "status-store")))
		if err != nil {
			return nil, fmt.Errorf("open redis status store: %w", err)
		}
		return store, nil
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// OpenBus opens the message bus selected by bus.backend. Messages a previous
// run claimed but never acknowledged go back on their topics first.
func OpenBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var b bus.Bus
	switch cfg.Bus.Backend {
	case "memory", "":
		return bus.NewMemory(cfg.RedeliveryDelay()), nil
	case "redis":
		rb, err := redisbus.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		b = rb
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Bus.Backend)
	}

	if r, ok := b.(bus.Recoverer); ok {
		for _, topic := range []string{messages.TopicJobs, messages.TopicOperations, messages.TopicPipeline} {
			n, err := r.Recover(ctx, topic)
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("recover %s messages: %w", topic, err)
			}
			if n > 0 {
				logger.Info("requeued unacknowledged messages",
					logging.String("topic", topic),
					logging.Int("count", n),
					logging.EventType("bus_recovered"),
				)
			}
		}
	}
	return b, nil
}
