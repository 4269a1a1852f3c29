package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/pkg/logger"
)

// RequestSink accepts notification requests for dispatch. The River-backed
// sink enqueues a dispatch job; tests and single-process setups can call the
// Dispatcher directly.
type RequestSink interface {
	Submit(ctx context.Context, req domain.NotificationRequest) error
}

// Triggers turns upstream marketplace events into notification requests.
// Every request carries the event id as SourceEventID, so a redelivered
// event collapses onto the records of its first delivery.
type Triggers struct {
	sink RequestSink
}

// NewTriggers creates the event trigger set.
func NewTriggers(sink RequestSink) *Triggers {
	return &Triggers{sink: sink}
}

// Register subscribes every trigger to bus.
func (t *Triggers) Register(bus *domain.EventBus) {
	bus.Register(domain.EventBidPlaced, t.OnBidPlaced)
	bus.Register(domain.EventAuctionWon, t.OnAuctionWon)
	bus.Register(domain.EventAuctionLost, t.OnAuctionLost)
	bus.Register(domain.EventMessageSent, t.OnMessageSent)
	bus.Register(domain.EventPaymentCompleted, t.OnPayment)
	bus.Register(domain.EventPaymentFailed, t.OnPayment)
	bus.Register(domain.EventAdminBroadcast, t.OnAdminBroadcast)
	bus.Register(domain.EventSecurityAlert, t.OnSecurityAlert)
	bus.Register(domain.EventNotificationRequest, t.OnNotificationRequest)
}

// OnBidPlaced tells the previous leader they were outbid.
func (t *Triggers) OnBidPlaced(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.BidPlacedPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.PreviousLeader == "" || p.PreviousLeader == p.BidderID {
		return nil
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategoryOutbid,
		Recipients: []string{p.PreviousLeader},
		Priority:   domain.PriorityHigh,
		Title:      "You have been outbid",
		Body:       fmt.Sprintf("A higher bid was placed on %s.", p.AuctionTitle),
	})
}

// OnAuctionWon tells the winner.
func (t *Triggers) OnAuctionWon(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.AuctionResultPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.WinnerID == "" {
		return fmt.Errorf("event %s: winner_id is required", ev.EventID)
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategoryBidOutcome,
		Recipients: []string{p.WinnerID},
		Priority:   domain.PriorityHigh,
		Title:      "You won the auction",
		Body:       fmt.Sprintf("You won %s.", p.AuctionTitle),
	})
}

// OnAuctionLost tells every losing bidder in one request.
func (t *Triggers) OnAuctionLost(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.AuctionResultPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if len(p.LoserIDs) == 0 {
		return nil
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategoryBidOutcome,
		Recipients: p.LoserIDs,
		Priority:   domain.PriorityNormal,
		Title:      "Auction ended",
		Body:       fmt.Sprintf("%s was won by another bidder.", p.AuctionTitle),
	})
}

// OnMessageSent tells the recipient of a direct message.
func (t *Triggers) OnMessageSent(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.MessageSentPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	if p.RecipientID == "" || p.RecipientID == p.SenderID {
		return nil
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategoryNewMessage,
		Recipients: []string{p.RecipientID},
		Priority:   domain.PriorityNormal,
		Title:      fmt.Sprintf("New message from %s", p.SenderName),
		Body:       p.Preview,
	})
}

// OnPayment reports a completed or failed payment to the payer.
func (t *Triggers) OnPayment(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.PaymentPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	req := domain.NotificationRequest{
		Category:   domain.CategoryPayment,
		Recipients: []string{p.UserID},
		Priority:   domain.PriorityNormal,
		Title:      "Payment received",
		Body:       fmt.Sprintf("Your payment of %s was completed.", formatAmount(p.AmountMinor, p.Currency)),
	}
	if ev.EventType == domain.EventPaymentFailed {
		req.Priority = domain.PriorityHigh
		req.Title = "Payment failed"
		req.Body = fmt.Sprintf("Your payment of %s failed: %s", formatAmount(p.AmountMinor, p.Currency), p.Reason)
	}
	return t.submit(ctx, ev, req)
}

// OnAdminBroadcast fans an announcement out to the listed recipients.
func (t *Triggers) OnAdminBroadcast(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.BroadcastPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategorySystemBroadcast,
		Recipients: p.RecipientIDs,
		Priority:   p.Priority,
		Title:      p.Title,
		Body:       p.Body,
	})
}

// OnSecurityAlert sends a critical alert that ignores quiet hours.
func (t *Triggers) OnSecurityAlert(ctx context.Context, ev *domain.DomainEvent) error {
	var p domain.SecurityAlertPayload
	if err := decode(ev, &p); err != nil {
		return err
	}
	return t.submit(ctx, ev, domain.NotificationRequest{
		Category:   domain.CategorySecurityAlert,
		Recipients: []string{p.UserID},
		Priority:   domain.PriorityCritical,
		Title:      "Security alert on your account",
		Body:       fmt.Sprintf("We detected %s on your account.", p.Kind),
	})
}

// OnNotificationRequest forwards a ready-made request. An event id fills in
// a missing SourceEventID.
func (t *Triggers) OnNotificationRequest(ctx context.Context, ev *domain.DomainEvent) error {
	var req domain.NotificationRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		return fmt.Errorf("decode %s payload of event %s: %w", ev.EventType, ev.EventID, err)
	}
	if req.SourceEventID == "" {
		req.SourceEventID = ev.EventID
	}
	return t.sink.Submit(ctx, req)
}

func (t *Triggers) submit(ctx context.Context, ev *domain.DomainEvent, req domain.NotificationRequest) error {
	req.SourceEventID = ev.EventID
	if req.Payload == nil {
		req.Payload = ev.Payload
	}
	if err := t.sink.Submit(ctx, req); err != nil {
		return fmt.Errorf("submit %s notification for event %s: %w", req.Category, ev.EventID, err)
	}
	logger.Debug("Notification request submitted",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("category", string(req.Category)),
		zap.Int("recipients", len(req.Recipients)),
	)
	return nil
}

func decode(ev *domain.DomainEvent, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of event %s: %w", ev.EventType, ev.EventID, err)
	}
	return nil
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}

// DispatcherSink submits requests straight to a Dispatcher.
type DispatcherSink struct {
	Dispatcher *Dispatcher
}

func (s DispatcherSink) Submit(ctx context.Context, req domain.NotificationRequest) error {
	_, err := s.Dispatcher.Dispatch(ctx, req)
	return err
}
