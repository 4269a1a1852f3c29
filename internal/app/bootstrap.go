// Package app is the composition root. Bootstrap stays orchestration-only.
//
// Import Path: herald.io/herald/internal/app
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"herald.io/herald/internal/api/handlers"
	"herald.io/herald/internal/app/modules"
	"herald.io/herald/internal/config"
	"herald.io/herald/internal/infrastructure"
	"herald.io/herald/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Infra   *modules.Infrastructure
	Pools   *worker.Pools
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	notif, err := modules.NewNotificationModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init notification module: %w", err)
	}

	allModules := []modules.Module{notif}
	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		_ = notif.Shutdown(ctx)
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	notif.AttachQueue(infra.RiverClient)

	if ingestModule := modules.NewIngestModule(infra, notif.Bus()); ingestModule != nil {
		allModules = append(allModules, ingestModule)
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server),
		DB:      infra.DB,
		Infra:   infra,
		Pools:   infra.Pools,
		Modules: allModules,
	}, nil
}
