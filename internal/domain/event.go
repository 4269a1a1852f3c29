package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies an upstream marketplace event.
type EventType string

const (
	// Auctions
	EventBidPlaced   EventType = "auction.bid_placed"
	EventAuctionWon  EventType = "auction.won"
	EventAuctionLost EventType = "auction.lost"

	// Messaging
	EventMessageSent EventType = "message.sent"

	// Payments
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentFailed    EventType = "payment.failed"

	// Platform
	EventAdminBroadcast EventType = "admin.broadcast"
	EventSecurityAlert  EventType = "account.security_alert"

	// EventNotificationRequest carries a ready-made NotificationRequest
	// instead of a business event.
	EventNotificationRequest EventType = "notification.request"
)

// DomainEvent is an immutable upstream event. Payload is decoded by the
// handler registered for EventType.
type DomainEvent struct {
	EventID     string          `json:"event_id"`
	EventType   EventType       `json:"event_type"`
	AggregateID string          `json:"aggregate_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// BidPlacedPayload is the payload of EventBidPlaced.
type BidPlacedPayload struct {
	AuctionID      string `json:"auction_id"`
	AuctionTitle   string `json:"auction_title"`
	BidderID       string `json:"bidder_id"`
	SellerID       string `json:"seller_id"`
	PreviousLeader string `json:"previous_leader,omitempty"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
}

// AuctionResultPayload is the payload of EventAuctionWon and EventAuctionLost.
type AuctionResultPayload struct {
	AuctionID    string   `json:"auction_id"`
	AuctionTitle string   `json:"auction_title"`
	WinnerID     string   `json:"winner_id,omitempty"`
	LoserIDs     []string `json:"loser_ids,omitempty"`
	AmountMinor  int64    `json:"amount_minor"`
	Currency     string   `json:"currency"`
}

// MessageSentPayload is the payload of EventMessageSent.
type MessageSentPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	RecipientID    string `json:"recipient_id"`
	Preview        string `json:"preview"`
}

// PaymentPayload is the payload of EventPaymentCompleted and EventPaymentFailed.
type PaymentPayload struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

// BroadcastPayload is the payload of EventAdminBroadcast.
type BroadcastPayload struct {
	RecipientIDs []string `json:"recipient_ids"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Priority     Priority `json:"priority,omitempty"`
}

// SecurityAlertPayload is the payload of EventSecurityAlert.
type SecurityAlertPayload struct {
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	IPAddress string `json:"ip_address,omitempty"`
}
