package modules

import (
	"context"

	"herald.io/herald/internal/api/handlers"
)

// NewServerDeps collects HTTP dependencies from infra and every module.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{ReadinessChecks: map[string]handlers.Pinger{}}
	if infra != nil {
		if infra.Pool != nil {
			deps.ReadinessChecks["database"] = infra.Pool
		}
		if infra.Redis != nil {
			rdb := infra.Redis
			deps.ReadinessChecks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
		}
	}
	for _, mod := range mods {
		if mod != nil {
			mod.ContributeServerDeps(&deps)
		}
	}
	return deps
}
