package sqlc

import (
	"context"
	"time"
)

const getPreference = `-- name: GetPreference :one
SELECT recipient_id, categories, disabled_channels, quiet_start, quiet_end, timezone, updated_at
FROM notification_preferences
WHERE recipient_id = $1
`

func (q *Queries) GetPreference(ctx context.Context, recipientID string) (NotificationPreference, error) {
	row := q.db.QueryRow(ctx, getPreference, recipientID)
	var i NotificationPreference
	err := row.Scan(
		&i.RecipientID,
		&i.Categories,
		&i.DisabledChannels,
		&i.QuietStart,
		&i.QuietEnd,
		&i.Timezone,
		&i.UpdatedAt,
	)
	return i, err
}

const upsertPreference = `-- name: UpsertPreference :exec
INSERT INTO notification_preferences (
    recipient_id, categories, disabled_channels, quiet_start, quiet_end, timezone, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (recipient_id) DO UPDATE
SET categories        = EXCLUDED.categories,
    disabled_channels = EXCLUDED.disabled_channels,
    quiet_start       = EXCLUDED.quiet_start,
    quiet_end         = EXCLUDED.quiet_end,
    timezone          = EXCLUDED.timezone,
    updated_at        = EXCLUDED.updated_at
`

type UpsertPreferenceParams struct {
	RecipientID      string
	Categories       []byte
	DisabledChannels []string
	QuietStart       string
	QuietEnd         string
	Timezone         string
	UpdatedAt        time.Time
}

func (q *Queries) UpsertPreference(ctx context.Context, arg UpsertPreferenceParams) error {
	_, err := q.db.Exec(ctx, upsertPreference,
		arg.RecipientID,
		arg.Categories,
		arg.DisabledChannels,
		arg.QuietStart,
		arg.QuietEnd,
		arg.Timezone,
		arg.UpdatedAt,
	)
	return err
}
