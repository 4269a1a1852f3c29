// Package jobs defines the River job types Herald runs in the background.
//
// dispatch_request carries a whole NotificationRequest so that ingest can
// hand requests over without holding them in memory; River's retry with
// backoff covers store outages. delivery_reconcile and notification_cleanup
// are periodic maintenance jobs.
//
// Import Path: herald.io/herald/internal/jobs
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/pkg/logger"
)

// QueueDispatch is the queue dispatch_request jobs run on.
const QueueDispatch = "dispatch"

// Inserter is the subset of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverSink enqueues notification requests as dispatch_request jobs.
type RiverSink struct {
	client      Inserter
	maxAttempts int
}

// NewRiverSink creates a sink. A positive maxAttempts overrides the job
// default.
func NewRiverSink(client Inserter, maxAttempts int) *RiverSink {
	return &RiverSink{client: client, maxAttempts: maxAttempts}
}

// Submit enqueues req.
func (s *RiverSink) Submit(ctx context.Context, req domain.NotificationRequest) error {
	var opts *river.InsertOpts
	if s.maxAttempts > 0 {
		o := DispatchRequestArgs{}.InsertOpts()
		o.MaxAttempts = s.maxAttempts
		opts = &o
	}
	res, err := s.client.Insert(ctx, DispatchRequestArgs{Request: req}, opts)
	if err != nil {
		return fmt.Errorf("enqueue dispatch_request: %w", err)
	}
	logger.Debug("dispatch_request enqueued",
		zap.Int64("job_id", res.Job.ID),
		zap.String("category", string(req.Category)),
		zap.String("source_event_id", req.SourceEventID),
	)
	return nil
}
