package sqlc

import (
	"context"
	"time"
)

// Inserts the reservation, or takes over a row whose window has elapsed.
// A live conflicting row makes the statement return no rows.
const reserveDedupeKey = `-- name: ReserveDedupeKey :one
INSERT INTO dedupe_reservations (recipient_id, dedupe_key, record_id, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (recipient_id, dedupe_key) DO UPDATE
SET record_id  = EXCLUDED.record_id,
    expires_at = EXCLUDED.expires_at
WHERE dedupe_reservations.expires_at <= $5
RETURNING record_id
`

type ReserveDedupeKeyParams struct {
	RecipientID string
	DedupeKey   string
	RecordID    string
	ExpiresAt   time.Time
	Now         time.Time
}

func (q *Queries) ReserveDedupeKey(ctx context.Context, arg ReserveDedupeKeyParams) (string, error) {
	row := q.db.QueryRow(ctx, reserveDedupeKey,
		arg.RecipientID,
		arg.DedupeKey,
		arg.RecordID,
		arg.ExpiresAt,
		arg.Now,
	)
	var recordID string
	err := row.Scan(&recordID)
	return recordID, err
}

const getDedupeReservation = `-- name: GetDedupeReservation :one
SELECT recipient_id, dedupe_key, record_id, expires_at
FROM dedupe_reservations
WHERE recipient_id = $1 AND dedupe_key = $2
`

type GetDedupeReservationParams struct {
	RecipientID string
	DedupeKey   string
}

func (q *Queries) GetDedupeReservation(ctx context.Context, arg GetDedupeReservationParams) (DedupeReservation, error) {
	row := q.db.QueryRow(ctx, getDedupeReservation, arg.RecipientID, arg.DedupeKey)
	var i DedupeReservation
	err := row.Scan(
		&i.RecipientID,
		&i.DedupeKey,
		&i.RecordID,
		&i.ExpiresAt,
	)
	return i, err
}

const releaseDedupeKey = `-- name: ReleaseDedupeKey :execrows
DELETE FROM dedupe_reservations
WHERE recipient_id = $1 AND dedupe_key = $2 AND record_id = $3
`

type ReleaseDedupeKeyParams struct {
	RecipientID string
	DedupeKey   string
	RecordID    string
}

func (q *Queries) ReleaseDedupeKey(ctx context.Context, arg ReleaseDedupeKeyParams) (int64, error) {
	result, err := q.db.Exec(ctx, releaseDedupeKey, arg.RecipientID, arg.DedupeKey, arg.RecordID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteExpiredDedupeReservations = `-- name: DeleteExpiredDedupeReservations :execrows
DELETE FROM dedupe_reservations
WHERE expires_at <= $1
`

func (q *Queries) DeleteExpiredDedupeReservations(ctx context.Context, now time.Time) (int64, error) {
	result, err := q.db.Exec(ctx, deleteExpiredDedupeReservations, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
