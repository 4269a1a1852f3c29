package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald.io/herald/internal/api/handlers"
	"herald.io/herald/internal/app/modules"
	"herald.io/herald/internal/config"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestBootstrap_NoDB(t *testing.T) {
	// Bootstrap without a real database should fail at DB connection.
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host:     "localhost",
			Port:     65432, // Non-existent port
			User:     "test",
			Password: "test",
			Database: "test",
			SSLMode:  "disable",
			MaxConns: 5,
			MinConns: 1,
		},
		Worker: config.WorkerConfig{
			GeneralPoolSize:  10,
			DeliveryPoolSize: 5,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestApplication_Shutdown_Nil(t *testing.T) {
	// Shutdown on empty application should not panic.
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown(context.Background())
	}, "Shutdown on empty Application should not panic")
}

func TestApplication_Start_NoModules(t *testing.T) {
	app := &Application{}
	require.NoError(t, app.Start(context.Background()))
}

type orderModule struct {
	onShutdown func()
}

func (orderModule) Name() string                              { return "order" }
func (orderModule) ContributeServerDeps(*handlers.ServerDeps) {}
func (orderModule) RegisterWorkers(*river.Workers)            {}
func (orderModule) Start(context.Context) error               { return nil }
func (m orderModule) Shutdown(context.Context) error          { m.onShutdown(); return nil }

func TestApplication_ShutdownDrainsDeliveriesBeforeModules(t *testing.T) {
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 2, DeliveryPoolSize: 2, SessionPoolSize: 2})
	require.NoError(t, err)

	started := make(chan struct{})
	var outcomeWritten atomic.Bool
	require.NoError(t, pools.SubmitDetached(worker.PoolDelivery, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		outcomeWritten.Store(true)
	}))
	<-started

	var sawOutcome bool
	app := &Application{
		Pools: pools,
		Modules: []modules.Module{orderModule{onShutdown: func() {
			sawOutcome = outcomeWritten.Load()
		}}},
	}
	app.Shutdown(context.Background())
	require.True(t, sawOutcome, "modules shut down before the delivery pool drained")
	require.Nil(t, app.Pools)
}
