package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/pkg/logger"
	"herald.io/herald/internal/store"
)

// DeliveryReconcileArgs is the periodic sweep over channels left pending by
// a crash or a lost delivery task.
type DeliveryReconcileArgs struct{}

// Kind returns the job kind identifier for the pending-delivery sweep.
func (DeliveryReconcileArgs) Kind() string { return "delivery_reconcile" }

// InsertOpts keeps at most one sweep per minute in the queue.
func (DeliveryReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// Retrier re-drives a record's pending channels.
type Retrier interface {
	RetryPending(ctx context.Context, recordID string) (map[domain.Channel]domain.DeliveryOutcome, error)
}

// ReconcileConfig tunes the sweep.
type ReconcileConfig struct {
	// MaxPendingAge is how long a channel may stay pending before the
	// sweep re-drives it.
	MaxPendingAge time.Duration
	// AbandonAfter is how old a record may get before its pending channels
	// are written failed instead. It counts from record creation since every
	// re-drive moves a channel's own timestamp.
	AbandonAfter time.Duration
	BatchSize    int
	Concurrency  int
}

// DeliveryReconcileWorker settles stale pending channels.
type DeliveryReconcileWorker struct {
	river.WorkerDefaults[DeliveryReconcileArgs]
	store   store.Store
	retrier Retrier
	cfg     ReconcileConfig
	now     func() time.Time
}

// NewDeliveryReconcileWorker creates the sweep worker.
func NewDeliveryReconcileWorker(s store.Store, retrier Retrier, cfg ReconcileConfig) *DeliveryReconcileWorker {
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 2 * time.Minute
	}
	if cfg.AbandonAfter <= cfg.MaxPendingAge {
		cfg.AbandonAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &DeliveryReconcileWorker{store: s, retrier: retrier, cfg: cfg, now: time.Now}
}

// Work runs one sweep. Per-record problems are logged; only a failure to
// list stale channels fails the job.
func (w *DeliveryReconcileWorker) Work(ctx context.Context, _ *river.Job[DeliveryReconcileArgs]) error {
	now := w.now().UTC()
	stale, err := w.store.ListStalePending(ctx, now.Add(-w.cfg.MaxPendingAge), w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending deliveries: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	abandonBefore := now.Add(-w.cfg.AbandonAfter)
	type work struct {
		abandon []domain.Channel
		retry   bool
	}
	byRecord := make(map[string]*work)
	var order []string
	for _, s := range stale {
		wk, ok := byRecord[s.RecordID]
		if !ok {
			wk = &work{}
			byRecord[s.RecordID] = wk
			order = append(order, s.RecordID)
		}
		if s.RecordCreatedAt.Before(abandonBefore) {
			wk.abandon = append(wk.abandon, s.Channel)
		} else {
			wk.retry = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	var abandoned, retried int
	results := make([]struct{ abandoned, retried int }, len(order))
	for i, recordID := range order {
		wk := byRecord[recordID]
		g.Go(func() error {
			for _, ch := range wk.abandon {
				applied, err := w.store.UpdateDeliveryStatus(gctx, recordID, ch, store.DeliveryUpdate{
					Status:    domain.StatusFailed,
					LastError: fmt.Sprintf("abandoned after %s undelivered", w.cfg.AbandonAfter),
					At:        now,
				})
				if err != nil {
					logger.Warn("Failed to abandon stale delivery",
						zap.String("record_id", recordID),
						zap.String("channel", string(ch)),
						zap.Error(err),
					)
					continue
				}
				if applied {
					results[i].abandoned++
				}
			}
			if !wk.retry {
				return nil
			}
			if _, err := w.retrier.RetryPending(gctx, recordID); err != nil {
				logger.Warn("Failed to re-drive pending deliveries",
					zap.String("record_id", recordID),
					zap.Error(err),
				)
				return nil
			}
			results[i].retried++
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		abandoned += r.abandoned
		retried += r.retried
	}
	logger.Info("Delivery reconcile completed",
		zap.Int("stale_channels", len(stale)),
		zap.Int("records", len(order)),
		zap.Int("records_retried", retried),
		zap.Int("channels_abandoned", abandoned),
	)
	return nil
}
