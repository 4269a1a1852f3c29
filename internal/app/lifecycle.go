package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
)

// Start starts all background services (River workers, module loops).
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	for _, mod := range a.Modules {
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start %s module: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown stops the application in dependency order. River stops claiming
// jobs first; the worker pools then drain so in-flight deliveries write
// their outcome while the database is still open; modules release their own
// clients; connections close last. ctx bounds the River stop.
func (a *Application) Shutdown(ctx context.Context) {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(ctx); err != nil {
			logger.Error("River client did not stop cleanly", zap.Error(err))
		} else {
			logger.Info("River client stopped")
		}
	}

	pools := a.Pools
	if a.Infra != nil && a.Infra.Pools != nil {
		pools = a.Infra.Pools
		a.Infra.Pools = nil
	}
	a.Pools = nil
	if pools != nil {
		pools.Shutdown()
		logger.Info("Worker pools drained")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Infra != nil {
		a.Infra.Close()
	} else if a.DB != nil {
		a.DB.Close()
	}
}
