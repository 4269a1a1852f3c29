package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"herald.io/herald/internal/api/handlers"
	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/ingest"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
)

// IngestModule runs the Kafka consumer that feeds the event bus.
type IngestModule struct {
	pools    *worker.Pools
	consumer *ingest.Consumer
}

// NewIngestModule creates the module. It returns nil when ingest is disabled.
func NewIngestModule(infra *Infrastructure, bus *domain.EventBus) *IngestModule {
	ic := infra.Config.Ingest
	if !ic.Enabled {
		return nil
	}
	cfg := ingest.Config{
		Brokers:     ic.Brokers,
		Topic:       ic.Topic,
		GroupID:     ic.GroupID,
		MaxAttempts: ic.MaxAttempts,
	}
	return &IngestModule{
		pools:    infra.Pools,
		consumer: ingest.NewConsumer(ingest.NewReader(cfg), bus, cfg),
	}
}

// Name returns the module identifier.
func (m *IngestModule) Name() string { return "ingest" }

// ContributeServerDeps is a no-op; ingest has no HTTP surface.
func (m *IngestModule) ContributeServerDeps(*handlers.ServerDeps) {}

// RegisterWorkers is a no-op; ingest enqueues through the event bus.
func (m *IngestModule) RegisterWorkers(*river.Workers) {}

// Start runs the consumer until the worker pools shut down.
func (m *IngestModule) Start(context.Context) error {
	err := m.pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
		if err := m.consumer.Run(ctx); err != nil {
			logger.Error("Ingest consumer exited", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("start ingest consumer: %w", err)
	}
	return nil
}

// Shutdown closes the Kafka reader.
func (m *IngestModule) Shutdown(context.Context) error {
	return m.consumer.Close()
}
