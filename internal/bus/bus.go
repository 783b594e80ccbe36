// Package bus opens the backend a config describes and creates its
// bootstrap topics. Binaries go through here so every command sees the
// same transport for the same config.
//
//	backend.kind    package                     addressed by
//	kafka           internal/backend/kafka      backend.brokers, backend.client-id
//	sql             internal/backend/sqldb      backend.dsn
//	memory          internal/backend/memory     nothing (process-local)
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"messagebus/internal/backend"
	"messagebus/internal/backend/kafka"
	"messagebus/internal/backend/memory"
	"messagebus/internal/backend/sqldb"
	"messagebus/internal/config"
	"messagebus/internal/metrics"
)

// ErrCompactionUnsupported is returned by Compact on backends that compact
// on their own.
var ErrCompactionUnsupported = errors.New("backend compacts topics itself")

// Open connects the backend selected by cfg.Backend. reg may be nil.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) (backend.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend.Kind {
	case config.BackendKafka:
		tlsCfg, err := cfg.Backend.TLS.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("backend.tls: %w", err)
		}
		b, err := kafka.Open(ctx, kafka.Config{
			Brokers:  cfg.Backend.Brokers,
			ClientID: cfg.Backend.ClientID,
			TLS:      tlsCfg,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendSQL:
		b, err := sqldb.Open(ctx, sqldb.Config{
			DSN:     cfg.Backend.DSN,
			Logger:  logger,
			Metrics: reg.AllocatorMetrics(),
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendMemory, "":
		return memory.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// Bootstrap creates every configured topic. Existing topics with the same
// partition count are left alone.
func Bootstrap(ctx context.Context, b backend.Backend, topics []config.TopicConfig) error {
	for _, t := range topics {
		if err := b.CreateTopic(ctx, t.Info()); err != nil {
			return fmt.Errorf("bootstrap topic %s: %w", t.Name, err)
		}
	}
	return nil
}

// compactor is implemented by backends that compact on request.
type compactor interface {
	Compact(ctx context.Context, topic string) (int64, error)
}

// Compact removes superseded records from a compacted topic and returns
// how many were removed.
func Compact(ctx context.Context, b backend.Backend, topic string) (int64, error) {
	c, ok := b.(compactor)
	if !ok {
		return 0, ErrCompactionUnsupported
	}
	return c.Compact(ctx, topic)
}
