// Package dedupe guards against delivering the same notification twice to one
// recipient within a time window.
//
// A reservation is an atomic insert-if-absent of (recipient, key) → record id.
// The window is anchored at the first reservation: later duplicates do not
// extend it. Once it elapses the next request for the key wins a fresh
// reservation.
//
// Import Path: herald.io/herald/internal/dedupe
package dedupe

import (
	"context"
	"time"
)

// Reservation is the result of CheckAndReserve. When IsNew is false,
// ExistingRecordID is the record that owns the key.
type Reservation struct {
	IsNew            bool
	ExistingRecordID string
}

// Guard performs atomic dedupe reservations. Implementations must be safe for
// concurrent use across goroutines and, for shared backends, across instances.
type Guard interface {
	// CheckAndReserve reserves key for recipientID with candidateID as the
	// owning record id, unless a live reservation already exists.
	CheckAndReserve(ctx context.Context, key, recipientID string, window time.Duration, candidateID string) (Reservation, error)
	// Release drops the reservation if recordID still owns it. Used when the
	// winning dispatcher could not persist its record.
	Release(ctx context.Context, key, recipientID, recordID string) error
}

// Purger is implemented by guards whose expired reservations are not removed
// by the backend itself.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
