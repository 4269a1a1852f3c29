package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"herald.io/herald/internal/channel"
	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/pkg/worker"
	"herald.io/herald/internal/preference"
	"herald.io/herald/internal/store"
)

// execute attempts channels for rec. Synchronous adapters run inline first;
// the rest go to the delivery pool and report through the store. limits is
// nil on retries, whose channels were already counted.
func (d *Dispatcher) execute(ctx context.Context, rec *domain.NotificationRecord, spec preference.CategorySpec, to channel.Recipient, channels []domain.Channel, limits map[domain.Channel]int) map[domain.Channel]domain.DeliveryOutcome {
	out := make(map[domain.Channel]domain.DeliveryOutcome, len(channels))
	if len(channels) == 0 {
		return out
	}

	msg := channel.Message{
		RecordID:  rec.ID,
		Category:  rec.Category,
		UIEvent:   spec.UIEvent,
		Priority:  rec.Priority,
		Title:     rec.Title,
		Body:      rec.Body,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}

	var tally *guaranteeTally
	if spec.RequireMultiChannel {
		tally = newGuaranteeTally(len(channels), func() {
			d.log.Error("Delivery guarantee not met: every channel failed",
				zap.String("record_id", rec.ID),
				zap.String("recipient_id", rec.RecipientID),
				zap.String("category", string(rec.Category)),
			)
		})
	}

	var async []channel.Adapter
	syncDelivered := rec.Delivery[domain.ChannelRealtime].Status == domain.StatusDelivered
	for _, ch := range channels {
		a, ok := d.registry.Get(ch)
		if !ok {
			out[ch] = d.finish(ctx, rec.ID, ch, domain.Skipped(reasonNoAdapter), tally)
			continue
		}
		if !a.Capability().Synchronous {
			async = append(async, a)
			continue
		}
		if !d.allow(ctx, rec.RecipientID, ch, limits) {
			out[ch] = d.finish(ctx, rec.ID, ch, domain.Skipped(reasonRateLimited), tally)
			continue
		}
		o := d.deliverSync(ctx, a, to, msg)
		if o.Status == domain.StatusDelivered {
			syncDelivered = true
		}
		out[ch] = d.finish(ctx, rec.ID, ch, o, tally)
	}

	for _, a := range async {
		ch := a.Name()
		if syncDelivered && a.Capability().CostTier >= channel.CostHigh && !spec.RequireMultiChannel {
			out[ch] = d.finish(ctx, rec.ID, ch, domain.Skipped(reasonCheaperFirst), tally)
			continue
		}
		if !d.allow(ctx, rec.RecipientID, ch, limits) {
			out[ch] = d.finish(ctx, rec.ID, ch, domain.Skipped(reasonRateLimited), tally)
			continue
		}
		out[ch] = d.submit(rec.ID, a, to, msg, tally)
	}
	return out
}

func (d *Dispatcher) deliverSync(ctx context.Context, a channel.Adapter, to channel.Recipient, msg channel.Message) domain.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RealtimeTimeout)
	defer cancel()

	o := a.Deliver(ctx, to, msg)
	if o.Status != domain.StatusDelivered && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failed(fmt.Errorf("%s delivery timed out after %s", a.Name(), d.cfg.RealtimeTimeout), max(o.Attempts, 1))
	}
	return o
}

// submit hands an asynchronous adapter to the delivery pool. The channel
// stays pending when the pool is saturated or the task is cut short by
// shutdown; RetryPending and the reconcile sweep pick it up from there.
func (d *Dispatcher) submit(recordID string, a channel.Adapter, to channel.Recipient, msg channel.Message, tally *guaranteeTally) domain.DeliveryOutcome {
	ch := a.Name()
	if !d.beginInFlight(recordID, ch) {
		return domain.Pending()
	}
	err := d.pools.SubmitDetached(worker.PoolDelivery, func(taskCtx context.Context) {
		defer d.endInFlight(recordID, ch)
		o := a.Deliver(taskCtx, to, msg)
		if o.Status == domain.StatusFailed && taskCtx.Err() != nil {
			d.log.Info("Channel delivery interrupted, left pending",
				zap.String("record_id", recordID),
				zap.String("channel", string(ch)),
				zap.String("error", o.Detail),
			)
			return
		}
		d.finish(context.WithoutCancel(taskCtx), recordID, ch, o, tally)
		if o.Status == domain.StatusFailed {
			d.log.Warn("Channel delivery failed",
				zap.String("record_id", recordID),
				zap.String("channel", string(ch)),
				zap.Int("attempts", o.Attempts),
				zap.String("error", o.Detail),
			)
		}
	})
	if err != nil {
		d.endInFlight(recordID, ch)
		d.log.Warn("Delivery pool rejected task, channel left pending",
			zap.String("record_id", recordID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
	}
	return domain.Pending()
}

// finish persists a terminal outcome and feeds the guarantee tally.
func (d *Dispatcher) finish(ctx context.Context, recordID string, ch domain.Channel, o domain.DeliveryOutcome, tally *guaranteeTally) domain.DeliveryOutcome {
	if !o.Status.IsTerminal() {
		return o
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StatusWriteTimeout)
	defer cancel()

	applied, err := d.store.UpdateDeliveryStatus(ctx, recordID, ch, store.UpdateFromOutcome(o, d.now().UTC()))
	switch {
	case err != nil:
		// The channel stays pending; the reconcile sweep settles it.
		d.log.Error("Failed to record delivery outcome",
			zap.String("record_id", recordID),
			zap.String("channel", string(ch)),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
	case !applied:
		d.log.Debug("Delivery outcome ignored, channel already terminal",
			zap.String("record_id", recordID),
			zap.String("channel", string(ch)),
		)
	}
	tally.observe(o)
	return o
}

func (d *Dispatcher) allow(ctx context.Context, recipientID string, ch domain.Channel, limits map[domain.Channel]int) bool {
	limit := limits[ch]
	if limit <= 0 {
		return true
	}
	ok, err := d.limiter.Allow(ctx, recipientID, ch, limit, d.cfg.RateWindow)
	if err != nil {
		d.log.Warn("Rate limiter unavailable, allowing delivery",
			zap.String("recipient_id", recipientID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
	}
	return ok
}

// guaranteeTally fires onFailure once every tracked channel has failed.
// A delivered or skipped channel disarms it.
type guaranteeTally struct {
	remaining atomic.Int32
	disarmed  atomic.Bool
	onFailure func()
}

func newGuaranteeTally(n int, onFailure func()) *guaranteeTally {
	t := &guaranteeTally{onFailure: onFailure}
	t.remaining.Store(int32(n))
	return t
}

func (t *guaranteeTally) observe(o domain.DeliveryOutcome) {
	if t == nil {
		return
	}
	if o.Status != domain.StatusFailed {
		t.disarmed.Store(true)
	}
	if t.remaining.Add(-1) == 0 && !t.disarmed.Load() {
		t.onFailure()
	}
}
