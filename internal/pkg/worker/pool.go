// Package worker provides goroutine pool management.
//
// Naked goroutines are not used for request-scoped or background work.
// All concurrency goes through a named pool with context propagation so
// that shutdown can drain in-flight channel deliveries.
//
// Import Path: herald.io/herald/internal/pkg/worker
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
)

// Pool names accepted by SubmitDetached.
const (
	PoolGeneral  = "general"
	PoolDelivery = "delivery"
	PoolSessions = "sessions"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolOverload is returned when a nonblocking pool has no free worker.
	ErrPoolOverload = errors.New("worker pool is saturated")
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
type Pools struct {
	// General runs short internal work (reconcile fan-out, hub fan-out).
	General *Pool
	// Delivery runs asynchronous channel adapters (push, SMS, email). It
	// never queues: a full pool rejects the task.
	Delivery *Pool
	// Sessions runs one long-lived writer per websocket.
	Sessions *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	GeneralPoolSize  int
	DeliveryPoolSize int
	SessionPoolSize  int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize:  100,
		DeliveryPoolSize: 200,
		SessionPoolSize:  10000,
	}
}

// NewPools creates the worker pool collection. ctx bounds the lifetime of
// detached tasks.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	// Provider calls retry with backoff and can hold a worker for several
	// seconds, so idle delivery workers are kept around longer. Dispatch
	// must not wait on a saturated pool.
	deliveryAnts, err := ants.NewPool(cfg.DeliveryPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		generalAnts.Release()
		serviceCancel()
		return nil, err
	}

	sessionSize := cfg.SessionPoolSize
	if sessionSize <= 0 {
		sessionSize = DefaultPoolConfig().SessionPoolSize
	}
	sessionAnts, err := ants.NewPool(sessionSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		deliveryAnts.Release()
		generalAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		General:       &Pool{pool: generalAnts, name: PoolGeneral},
		Delivery:      &Pool{pool: deliveryAnts, name: PoolDelivery},
		Sessions:      &Pool{pool: sessionAnts, name: PoolSessions},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// The task receives the caller's context and should check ctx.Done() at blocking points.
// If context is already cancelled, returns ctx.Err() immediately without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		// The caller may have gone away while the task was queued.
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	return mapSubmitErr(err)
}

// SubmitDetached submits a background task that outlives the request which
// produced it but still stops at graceful shutdown. The task receives the
// service lifecycle context.
//
// Unlike Submit, a detached task always runs once accepted: a delivery
// outcome callback must get the chance to record a terminal status even
// while shutdown is in progress. Tasks observe cancellation through ctx.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	var pool *Pool
	switch poolName {
	case PoolDelivery:
		pool = p.Delivery
	case PoolSessions:
		pool = p.Sessions
	default:
		pool = p.General
	}

	if p.serviceCtx.Err() != nil {
		return ErrPoolClosed
	}
	return mapSubmitErr(pool.pool.Submit(func() {
		task(p.serviceCtx)
	}))
}

// Shutdown gracefully shuts down all pools with a timeout.
// Cancels service context first, then waits for running tasks (max 30s).
// The delivery pool drains first so outcome writes land before the general
// pool and its fan-out go away.
func (p *Pools) Shutdown() {
	logger.Info("Draining worker pools", zap.Any("pools", p.Metrics()))
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	for _, pool := range []*Pool{p.Delivery, p.Sessions, p.General} {
		if err := pool.pool.ReleaseTimeout(shutdownTimeout); err != nil {
			logger.Warn("Worker pool shutdown timeout",
				zap.String("pool", pool.name),
				zap.Error(err),
			)
		}
	}
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Running int `json:"running"`
	Free    int `json:"free"`
	Cap     int `json:"cap"`
	Waiting int `json:"waiting"`
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]Stats {
	return map[string]Stats{
		PoolGeneral:  p.General.stats(),
		PoolDelivery: p.Delivery.stats(),
		PoolSessions: p.Sessions.stats(),
	}
}

func (p *Pool) stats() Stats {
	return Stats{
		Running: p.pool.Running(),
		Free:    p.pool.Free(),
		Cap:     p.pool.Cap(),
		Waiting: p.pool.Waiting(),
	}
}

func mapSubmitErr(err error) error {
	switch {
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrPoolOverload
	}
	return err
}
