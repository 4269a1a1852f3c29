package sqlc

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const insertNotification = `-- name: InsertNotification :exec
INSERT INTO notifications (
    id, recipient_id, category, priority, title, body, payload,
    dedupe_key, source_event_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

type InsertNotificationParams struct {
	ID            string
	RecipientID   string
	Category      string
	Priority      string
	Title         string
	Body          string
	Payload       []byte
	DedupeKey     string
	SourceEventID string
	CreatedAt     time.Time
}

func (q *Queries) InsertNotification(ctx context.Context, arg InsertNotificationParams) error {
	_, err := q.db.Exec(ctx, insertNotification,
		arg.ID,
		arg.RecipientID,
		arg.Category,
		arg.Priority,
		arg.Title,
		arg.Body,
		arg.Payload,
		arg.DedupeKey,
		arg.SourceEventID,
		arg.CreatedAt,
	)
	return err
}

const getNotification = `-- name: GetNotification :one
SELECT id, recipient_id, category, priority, title, body, payload,
       dedupe_key, source_event_id, created_at, read_at
FROM notifications
WHERE id = $1
`

func (q *Queries) GetNotification(ctx context.Context, id string) (Notification, error) {
	row := q.db.QueryRow(ctx, getNotification, id)
	var i Notification
	err := row.Scan(
		&i.ID,
		&i.RecipientID,
		&i.Category,
		&i.Priority,
		&i.Title,
		&i.Body,
		&i.Payload,
		&i.DedupeKey,
		&i.SourceEventID,
		&i.CreatedAt,
		&i.ReadAt,
	)
	return i, err
}

const markNotificationRead = `-- name: MarkNotificationRead :execrows
UPDATE notifications
SET read_at = $2
WHERE id = $1 AND read_at IS NULL
`

type MarkNotificationReadParams struct {
	ID     string
	ReadAt pgtype.Timestamptz
}

func (q *Queries) MarkNotificationRead(ctx context.Context, arg MarkNotificationReadParams) (int64, error) {
	result, err := q.db.Exec(ctx, markNotificationRead, arg.ID, arg.ReadAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const notificationExists = `-- name: NotificationExists :one
SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)
`

func (q *Queries) NotificationExists(ctx context.Context, id string) (bool, error) {
	row := q.db.QueryRow(ctx, notificationExists, id)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const markAllNotificationsRead = `-- name: MarkAllNotificationsRead :execrows
UPDATE notifications
SET read_at = $2
WHERE recipient_id = $1 AND read_at IS NULL
`

type MarkAllNotificationsReadParams struct {
	RecipientID string
	ReadAt      pgtype.Timestamptz
}

func (q *Queries) MarkAllNotificationsRead(ctx context.Context, arg MarkAllNotificationsReadParams) (int64, error) {
	result, err := q.db.Exec(ctx, markAllNotificationsRead, arg.RecipientID, arg.ReadAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const countUnreadNotifications = `-- name: CountUnreadNotifications :one
SELECT count(*)
FROM notifications
WHERE recipient_id = $1 AND read_at IS NULL
`

func (q *Queries) CountUnreadNotifications(ctx context.Context, recipientID string) (int64, error) {
	row := q.db.QueryRow(ctx, countUnreadNotifications, recipientID)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const listNotificationsPage = `-- name: ListNotificationsPage :many
SELECT id, recipient_id, category, priority, title, body, payload,
       dedupe_key, source_event_id, created_at, read_at
FROM notifications
WHERE recipient_id = $1
  AND ($2::boolean = false OR read_at IS NULL)
  AND ($3::boolean = false OR (created_at, id) < ($4::timestamptz, $5::text))
ORDER BY created_at DESC, id DESC
LIMIT $6
`

type ListNotificationsPageParams struct {
	RecipientID     string
	UnreadOnly      bool
	HasCursor       bool
	CursorCreatedAt time.Time
	CursorID        string
	Limit           int32
}

func (q *Queries) ListNotificationsPage(ctx context.Context, arg ListNotificationsPageParams) ([]Notification, error) {
	rows, err := q.db.Query(ctx, listNotificationsPage,
		arg.RecipientID,
		arg.UnreadOnly,
		arg.HasCursor,
		arg.CursorCreatedAt,
		arg.CursorID,
		arg.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Notification
	for rows.Next() {
		var i Notification
		if err := rows.Scan(
			&i.ID,
			&i.RecipientID,
			&i.Category,
			&i.Priority,
			&i.Title,
			&i.Body,
			&i.Payload,
			&i.DedupeKey,
			&i.SourceEventID,
			&i.CreatedAt,
			&i.ReadAt,
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

const deleteNotificationsCreatedBefore = `-- name: DeleteNotificationsCreatedBefore :execrows
DELETE FROM notifications
WHERE created_at < $1
`

func (q *Queries) DeleteNotificationsCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.Exec(ctx, deleteNotificationsCreatedBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
