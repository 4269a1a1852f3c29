// Package store defines the persistence contract for notification records and
// their per-channel delivery state.
//
// Two implementations exist: store/postgres (pgx, shared pool) and
// store/memstore (tests and single-process runs). Both keep the same rules:
// read_at is set at most once, and a channel's delivery status only moves
// forward from pending to a terminal state.
//
// Import Path: herald.io/herald/internal/store
package store

import (
	"context"
	"errors"
	"time"

	"herald.io/herald/internal/domain"
)

var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("notification record not found")
	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// Page size bounds for ListPaginated.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListOptions selects one page of a recipient's notifications.
type ListOptions struct {
	Cursor     string
	PageSize   int
	UnreadOnly bool
}

// Page is one page of records, newest first. NextCursor is empty on the last page.
type Page struct {
	Items      []domain.NotificationRecord `json:"items"`
	NextCursor string                      `json:"next_cursor,omitempty"`
}

// DeliveryUpdate is a terminal status write for one channel.
type DeliveryUpdate struct {
	Status      domain.DeliveryStatus
	Attempts    int
	ProviderRef string
	LastError   string
	At          time.Time
}

// UpdateFromOutcome converts an adapter outcome into a store update.
func UpdateFromOutcome(o domain.DeliveryOutcome, at time.Time) DeliveryUpdate {
	u := DeliveryUpdate{
		Status:      o.Status,
		Attempts:    o.Attempts,
		ProviderRef: o.ProviderRef,
		At:          at,
	}
	if o.Status == domain.StatusFailed || o.Status == domain.StatusSkipped {
		u.LastError = o.Detail
	}
	return u
}

// StalePending identifies a channel that has stayed pending too long.
type StalePending struct {
	RecordID        string
	Channel         domain.Channel
	UpdatedAt       time.Time
	RecordCreatedAt time.Time
}

// Store persists notification records.
type Store interface {
	// Create inserts rec. Any entries in rec.Delivery are written with it.
	Create(ctx context.Context, rec *domain.NotificationRecord) error
	// Get returns the record with its delivery state, or ErrNotFound.
	Get(ctx context.Context, recordID string) (*domain.NotificationRecord, error)
	// MarkRead sets read_at once. Repeat calls keep the first timestamp.
	MarkRead(ctx context.Context, recordID string, at time.Time) error
	// MarkAllRead marks every unread record of the recipient and returns how many changed.
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, recipientID string) (int64, error)
	ListPaginated(ctx context.Context, recipientID string, opts ListOptions) (*Page, error)
	// ClaimPending takes a pending channel last touched before staleBefore
	// for one re-drive by moving its updated_at to at. Of any number of
	// concurrent claims on the same channel exactly one succeeds.
	ClaimPending(ctx context.Context, recordID string, ch domain.Channel, staleBefore, at time.Time) (bool, error)
	// UpdateDeliveryStatus writes a terminal status if the channel is absent or
	// still pending. It reports whether the write was applied.
	UpdateDeliveryStatus(ctx context.Context, recordID string, ch domain.Channel, u DeliveryUpdate) (bool, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]StalePending, error)
	// DeleteCreatedBefore removes records (and their delivery rows) older than cutoff.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizePageSize applies the default and maximum page sizes.
func NormalizePageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}
