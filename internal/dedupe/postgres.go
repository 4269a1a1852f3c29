package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	sqlcrepo "herald.io/herald/internal/repository/sqlc"
)

// PostgresGuard stores reservations in dedupe_reservations. An expired row is
// taken over in the same statement that would insert a new one.
type PostgresGuard struct {
	queries *sqlcrepo.Queries
	now     func() time.Time
}

var _ Guard = (*PostgresGuard)(nil)

// NewPostgresGuard creates a guard on db.
func NewPostgresGuard(db sqlcrepo.DBTX) *PostgresGuard {
	return &PostgresGuard{queries: sqlcrepo.New(db), now: time.Now}
}

func (g *PostgresGuard) CheckAndReserve(ctx context.Context, key, recipientID string, window time.Duration, candidateID string) (Reservation, error) {
	now := g.now().UTC()
	_, err := g.queries.ReserveDedupeKey(ctx, sqlcrepo.ReserveDedupeKeyParams{
		RecipientID: recipientID,
		DedupeKey:   key,
		RecordID:    candidateID,
		ExpiresAt:   now.Add(window),
		Now:         now,
	})
	if err == nil {
		return Reservation{IsNew: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("reserve dedupe key: %w", err)
	}

	row, err := g.queries.GetDedupeReservation(ctx, sqlcrepo.GetDedupeReservationParams{
		RecipientID: recipientID,
		DedupeKey:   key,
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("read dedupe reservation: %w", err)
	}
	return Reservation{ExistingRecordID: row.RecordID}, nil
}

func (g *PostgresGuard) Release(ctx context.Context, key, recipientID, recordID string) error {
	if _, err := g.queries.ReleaseDedupeKey(ctx, sqlcrepo.ReleaseDedupeKeyParams{
		RecipientID: recipientID,
		DedupeKey:   key,
		RecordID:    recordID,
	}); err != nil {
		return fmt.Errorf("release dedupe key: %w", err)
	}
	return nil
}

// PurgeExpired deletes reservations whose window has elapsed.
func (g *PostgresGuard) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := g.queries.DeleteExpiredDedupeReservations(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired dedupe reservations: %w", err)
	}
	return n, nil
}
