package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category is the authoritative notification taxonomy. It drives preference
// lookup and rendering; UI event names are derived from it, never the other
// way round.
type Category string

const (
	CategoryBidOutcome      Category = "bid-outcome"
	CategoryOutbid          Category = "outbid"
	CategoryNewMessage      Category = "new-message"
	CategoryPayment         Category = "payment"
	CategorySystemBroadcast Category = "system-broadcast"
	CategorySecurityAlert   Category = "security-alert"
)

// Priority is an ordered urgency level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// ParsePriority normalizes p. An empty value means normal.
func ParsePriority(p string) (Priority, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return PriorityNormal, nil
	}
	if _, ok := priorityRank[Priority(p)]; !ok {
		return "", fmt.Errorf("unknown priority %q", p)
	}
	return Priority(p), nil
}

// AtLeast reports whether p ranks at or above other.
func (p Priority) AtLeast(other Priority) bool {
	return priorityRank[p] >= priorityRank[other]
}

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// AllChannels lists every channel the service knows how to plan.
var AllChannels = []Channel{ChannelRealtime, ChannelPush, ChannelSMS, ChannelEmail}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return slices.Contains(AllChannels, c)
}

// DeliveryStatus is the per-channel state of a record.
//
//	pending -> delivered | failed | skipped
//
// The three right-hand states are terminal.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// IsTerminal reports whether s can no longer change.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusSkipped
}

// DeliveryState is the persisted delivery state of one channel on one record.
type DeliveryState struct {
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts,omitempty"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NotificationRecord is the canonical persisted notification for one recipient.
type NotificationRecord struct {
	ID            string                    `json:"id"`
	RecipientID   string                    `json:"recipient_id"`
	Category      Category                  `json:"category"`
	Priority      Priority                  `json:"priority"`
	Title         string                    `json:"title,omitempty"`
	Body          string                    `json:"body,omitempty"`
	Payload       json.RawMessage           `json:"payload,omitempty"`
	DedupeKey     string                    `json:"dedupe_key"`
	SourceEventID string                    `json:"source_event_id,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	ReadAt        *time.Time                `json:"read_at,omitempty"`
	Delivery      map[Channel]DeliveryState `json:"delivery,omitempty"`
}

// IsRead reports whether the recipient has acknowledged the record.
func (r *NotificationRecord) IsRead() bool {
	return r.ReadAt != nil
}

// PendingChannels returns channels still in pending state, in stable order.
func (r *NotificationRecord) PendingChannels() []Channel {
	var out []Channel
	for _, ch := range AllChannels {
		if st, ok := r.Delivery[ch]; ok && st.Status == StatusPending {
			out = append(out, ch)
		}
	}
	return out
}

// NotificationRequest is what upstream producers submit.
type NotificationRequest struct {
	Category      Category        `json:"category"`
	Recipients    []string        `json:"recipients"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	SourceEventID string          `json:"source_event_id,omitempty"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	Title         string          `json:"title,omitempty"`
	Body          string          `json:"body,omitempty"`
}

// DeliveryOutcome is what a channel adapter reports for one attempt cycle.
type DeliveryOutcome struct {
	Status      DeliveryStatus `json:"status"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	// Detail carries the error text for failed outcomes and the reason for
	// skipped ones.
	Detail   string `json:"detail,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Delivered builds a delivered outcome.
func Delivered(providerRef string, attempts int) DeliveryOutcome {
	return DeliveryOutcome{Status: StatusDelivered, ProviderRef: providerRef, Attempts: attempts}
}

// Failed builds a failed outcome from err.
func Failed(err error, attempts int) DeliveryOutcome {
	detail := "delivery failed"
	if err != nil {
		detail = err.Error()
	}
	return DeliveryOutcome{Status: StatusFailed, Detail: detail, Attempts: attempts}
}

// Skipped builds a skipped outcome.
func Skipped(reason string) DeliveryOutcome {
	return DeliveryOutcome{Status: StatusSkipped, Detail: reason}
}

// Pending builds the outcome reported for channels handed to background delivery.
func Pending() DeliveryOutcome {
	return DeliveryOutcome{Status: StatusPending}
}

// RecipientResult aggregates the dispatch of one request to one recipient.
type RecipientResult struct {
	RecipientID string                      `json:"recipient_id"`
	RecordID    string                      `json:"record_id,omitempty"`
	Duplicate   bool                        `json:"duplicate"`
	PerChannel  map[Channel]DeliveryOutcome `json:"per_channel"`
}

// DispatchResult is returned by a dispatch call.
type DispatchResult struct {
	DedupeKey string            `json:"dedupe_key"`
	Results   []RecipientResult `json:"results"`
}

// For returns the result for recipientID.
func (r *DispatchResult) For(recipientID string) (RecipientResult, bool) {
	for _, res := range r.Results {
		if res.RecipientID == recipientID {
			return res, true
		}
	}
	return RecipientResult{}, false
}
