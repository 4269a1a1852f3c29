package sqlc

import (
	"context"
	"time"
)

const getContact = `-- name: GetContact :one
SELECT recipient_id, phone, email, push_endpoint, updated_at
FROM recipient_contacts
WHERE recipient_id = $1
`

func (q *Queries) GetContact(ctx context.Context, recipientID string) (RecipientContact, error) {
	row := q.db.QueryRow(ctx, getContact, recipientID)
	var i RecipientContact
	err := row.Scan(
		&i.RecipientID,
		&i.Phone,
		&i.Email,
		&i.PushEndpoint,
		&i.UpdatedAt,
	)
	return i, err
}

// Empty fields keep the stored address.
const upsertContact = `-- name: UpsertContact :exec
INSERT INTO recipient_contacts (recipient_id, phone, email, push_endpoint, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (recipient_id) DO UPDATE
SET phone         = COALESCE(NULLIF(EXCLUDED.phone, ''), recipient_contacts.phone),
    email         = COALESCE(NULLIF(EXCLUDED.email, ''), recipient_contacts.email),
    push_endpoint = COALESCE(NULLIF(EXCLUDED.push_endpoint, ''), recipient_contacts.push_endpoint),
    updated_at    = EXCLUDED.updated_at
`

type UpsertContactParams struct {
	RecipientID  string
	Phone        string
	Email        string
	PushEndpoint string
	UpdatedAt    time.Time
}

func (q *Queries) UpsertContact(ctx context.Context, arg UpsertContactParams) error {
	_, err := q.db.Exec(ctx, upsertContact,
		arg.RecipientID,
		arg.Phone,
		arg.Email,
		arg.PushEndpoint,
		arg.UpdatedAt,
	)
	return err
}
