package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/realtime"
)

// PresenceChecker reports whether a recipient holds a live socket.
type PresenceChecker interface {
	IsPresent(recipientID string) bool
}

// EventPublisher pushes an event to a recipient's sockets.
type EventPublisher interface {
	Publish(ctx context.Context, recipientID string, ev realtime.Event) (int, error)
}

// RealtimeAdapter pushes notifications over the websocket hub. It runs
// inline; the caller bounds it with a context deadline.
type RealtimeAdapter struct {
	presence  PresenceChecker
	publisher EventPublisher
}

// NewRealtimeAdapter creates the socket adapter.
func NewRealtimeAdapter(presence PresenceChecker, publisher EventPublisher) *RealtimeAdapter {
	return &RealtimeAdapter{presence: presence, publisher: publisher}
}

func (a *RealtimeAdapter) Name() domain.Channel { return domain.ChannelRealtime }

func (a *RealtimeAdapter) Capability() Capability {
	return Capability{Synchronous: true, CostTier: CostFree}
}

func (a *RealtimeAdapter) Deliver(ctx context.Context, to Recipient, msg Message) domain.DeliveryOutcome {
	if !a.presence.IsPresent(to.ID) {
		return domain.Skipped("recipient not connected")
	}
	n, err := a.publisher.Publish(ctx, to.ID, realtime.Event{
		Event: realtime.EventNotification,
		Data:  NotificationView(msg),
	})
	if err != nil {
		return domain.Failed(err, 1)
	}
	return domain.Delivered(fmt.Sprintf("sockets:%d", n), 1)
}

// NotificationEvent is the socket payload for a new notification.
type NotificationEvent struct {
	ID        string          `json:"id"`
	Category  domain.Category `json:"category"`
	UIEvent   string          `json:"ui_event"`
	Priority  domain.Priority `json:"priority"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotificationView renders msg for socket clients.
func NotificationView(msg Message) NotificationEvent {
	return NotificationEvent{
		ID:        msg.RecordID,
		Category:  msg.Category,
		UIEvent:   msg.UIEvent,
		Priority:  msg.Priority,
		Title:     msg.Title,
		Body:      msg.Body,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	}
}

// ProviderAdapter delivers through a retried Provider to one contact field.
type ProviderAdapter struct {
	channel    domain.Channel
	capability Capability
	sender     *Retrying
	target     func(Contact) string
}

// NewPushAdapter delivers web-push through p.
func NewPushAdapter(p Provider, policy RetryPolicy) *ProviderAdapter {
	return &ProviderAdapter{
		channel:    domain.ChannelPush,
		capability: Capability{Retryable: true, CostTier: CostLow, QuietSensitive: true},
		sender:     NewRetrying(p, policy),
		target:     func(c Contact) string { return c.PushEndpoint },
	}
}

// NewSMSAdapter delivers SMS through p.
func NewSMSAdapter(p Provider, policy RetryPolicy) *ProviderAdapter {
	return &ProviderAdapter{
		channel:    domain.ChannelSMS,
		capability: Capability{Retryable: true, CostTier: CostHigh, QuietSensitive: true},
		sender:     NewRetrying(p, policy),
		target:     func(c Contact) string { return c.Phone },
	}
}

// NewEmailAdapter delivers email through p.
func NewEmailAdapter(p Provider, policy RetryPolicy) *ProviderAdapter {
	return &ProviderAdapter{
		channel:    domain.ChannelEmail,
		capability: Capability{Retryable: true, CostTier: CostLow},
		sender:     NewRetrying(p, policy),
		target:     func(c Contact) string { return c.Email },
	}
}

func (a *ProviderAdapter) Name() domain.Channel { return a.channel }

func (a *ProviderAdapter) Capability() Capability { return a.capability }

func (a *ProviderAdapter) Deliver(ctx context.Context, to Recipient, msg Message) domain.DeliveryOutcome {
	target := a.target(to.Contact)
	if target == "" {
		return domain.Skipped(fmt.Sprintf("no %s address for recipient", a.channel))
	}
	ref, attempts, err := a.sender.Send(ctx, target, msg)
	if err != nil {
		return domain.Failed(err, attempts)
	}
	return domain.Delivered(ref, attempts)
}
