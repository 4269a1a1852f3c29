package sqlc

import (
	"context"
	"time"
)

const insertPendingDelivery = `-- name: InsertPendingDelivery :exec
INSERT INTO notification_deliveries (record_id, channel, status, updated_at)
VALUES ($1, $2, 'pending', $3)
ON CONFLICT (record_id, channel) DO NOTHING
`

type InsertPendingDeliveryParams struct {
	RecordID  string
	Channel   string
	UpdatedAt time.Time
}

func (q *Queries) InsertPendingDelivery(ctx context.Context, arg InsertPendingDeliveryParams) error {
	_, err := q.db.Exec(ctx, insertPendingDelivery, arg.RecordID, arg.Channel, arg.UpdatedAt)
	return err
}

// The conflict branch only fires while the stored row is still pending, so a
// terminal status is written at most once per (record, channel).
const upsertTerminalDelivery = `-- name: UpsertTerminalDelivery :execrows
INSERT INTO notification_deliveries (
    record_id, channel, status, attempts, provider_ref, last_error, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (record_id, channel) DO UPDATE
SET status       = EXCLUDED.status,
    attempts     = EXCLUDED.attempts,
    provider_ref = EXCLUDED.provider_ref,
    last_error   = EXCLUDED.last_error,
    updated_at   = EXCLUDED.updated_at
WHERE notification_deliveries.status = 'pending'
`

type UpsertTerminalDeliveryParams struct {
	RecordID    string
	Channel     string
	Status      string
	Attempts    int32
	ProviderRef string
	LastError   string
	UpdatedAt   time.Time
}

func (q *Queries) UpsertTerminalDelivery(ctx context.Context, arg UpsertTerminalDeliveryParams) (int64, error) {
	result, err := q.db.Exec(ctx, upsertTerminalDelivery,
		arg.RecordID,
		arg.Channel,
		arg.Status,
		arg.Attempts,
		arg.ProviderRef,
		arg.LastError,
		arg.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listDeliveriesForRecords = `-- name: ListDeliveriesForRecords :many
SELECT record_id, channel, status, attempts, provider_ref, last_error, updated_at
FROM notification_deliveries
WHERE record_id = ANY($1::text[])
`

func (q *Queries) ListDeliveriesForRecords(ctx context.Context, recordIDs []string) ([]NotificationDelivery, error) {
	rows, err := q.db.Query(ctx, listDeliveriesForRecords, recordIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []NotificationDelivery
	for rows.Next() {
		var i NotificationDelivery
		if err := rows.Scan(
			&i.RecordID,
			&i.Channel,
			&i.Status,
			&i.Attempts,
			&i.ProviderRef,
			&i.LastError,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// A claim refreshes updated_at so that concurrent sweeps and duplicate
// requests agree on a single re-drive per stale channel.
const claimPendingDelivery = `-- name: ClaimPendingDelivery :execrows
UPDATE notification_deliveries
SET updated_at = $4
WHERE record_id = $1
  AND channel = $2
  AND status = 'pending'
  AND updated_at < $3
`

type ClaimPendingDeliveryParams struct {
	RecordID    string
	Channel     string
	StaleBefore time.Time
	ClaimedAt   time.Time
}

func (q *Queries) ClaimPendingDelivery(ctx context.Context, arg ClaimPendingDeliveryParams) (int64, error) {
	result, err := q.db.Exec(ctx, claimPendingDelivery,
		arg.RecordID,
		arg.Channel,
		arg.StaleBefore,
		arg.ClaimedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listStalePendingDeliveries = `-- name: ListStalePendingDeliveries :many
SELECT d.record_id, d.channel, d.updated_at, n.created_at
FROM notification_deliveries d
JOIN notifications n ON n.id = d.record_id
WHERE d.status = 'pending' AND d.updated_at < $1
ORDER BY d.updated_at
LIMIT $2
`

type ListStalePendingDeliveriesParams struct {
	OlderThan time.Time
	Limit     int32
}

type ListStalePendingDeliveriesRow struct {
	RecordID        string
	Channel         string
	UpdatedAt       time.Time
	RecordCreatedAt time.Time
}

func (q *Queries) ListStalePendingDeliveries(ctx context.Context, arg ListStalePendingDeliveriesParams) ([]ListStalePendingDeliveriesRow, error) {
	rows, err := q.db.Query(ctx, listStalePendingDeliveries, arg.OlderThan, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListStalePendingDeliveriesRow
	for rows.Next() {
		var i ListStalePendingDeliveriesRow
		if err := rows.Scan(
			&i.RecordID,
			&i.Channel,
			&i.UpdatedAt,
			&i.RecordCreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
