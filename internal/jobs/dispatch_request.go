package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	apperrors "herald.io/herald/internal/pkg/errors"
	"herald.io/herald/internal/pkg/logger"
)

// ---------------------------------------------------------------------------
// Job Args
// ---------------------------------------------------------------------------

// DispatchRequestArgs carries one upstream notification request.
type DispatchRequestArgs struct {
	Request domain.NotificationRequest `json:"request"`
}

// Kind returns the job kind identifier for request dispatch.
func (DispatchRequestArgs) Kind() string { return "dispatch_request" }

// InsertOpts returns default insert options. Duplicates are collapsed by the
// dedupe guard, not by River uniqueness.
func (DispatchRequestArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueDispatch,
		MaxAttempts: 8,
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// Dispatcher is the fan-out entry point the worker calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.NotificationRequest) (*domain.DispatchResult, error)
}

// DispatchRequestWorker runs a queued request through the Dispatcher.
//
// A store outage fails the attempt and River retries it with backoff;
// records already created on earlier attempts are found again through the
// dedupe key. A malformed request is cancelled, since no retry can fix it.
type DispatchRequestWorker struct {
	river.WorkerDefaults[DispatchRequestArgs]
	dispatcher Dispatcher
}

// NewDispatchRequestWorker creates the worker.
func NewDispatchRequestWorker(dispatcher Dispatcher) *DispatchRequestWorker {
	return &DispatchRequestWorker{dispatcher: dispatcher}
}

// Work dispatches the request.
func (w *DispatchRequestWorker) Work(ctx context.Context, job *river.Job[DispatchRequestArgs]) error {
	req := job.Args.Request
	res, err := w.dispatcher.Dispatch(ctx, req)
	switch {
	case err == nil:
	case apperrors.IsValidation(err):
		logger.Warn("Dropping invalid notification request",
			zap.Int64("job_id", job.ID),
			zap.String("category", string(req.Category)),
			zap.String("source_event_id", req.SourceEventID),
			zap.Error(err),
		)
		return river.JobCancel(err)
	default:
		logger.Warn("Dispatch attempt failed, will retry",
			zap.Int64("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Bool("store_unavailable", apperrors.IsStoreUnavailable(err)),
			zap.Error(err),
		)
		return fmt.Errorf("dispatch %s request: %w", req.Category, err)
	}

	duplicates := 0
	for _, r := range res.Results {
		if r.Duplicate {
			duplicates++
		}
	}
	logger.Info("Notification request dispatched",
		zap.Int64("job_id", job.ID),
		zap.String("dedupe_key", res.DedupeKey),
		zap.Int("recipients", len(res.Results)),
		zap.Int("duplicates", duplicates),
	)
	return nil
}
