package sqlc

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type Notification struct {
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
	ReadAt        pgtype.Timestamptz
}

type NotificationDelivery struct {
	RecordID    string
	Channel     string
	Status      string
	Attempts    int32
	ProviderRef string
	LastError   string
	UpdatedAt   time.Time
}

type DedupeReservation struct {
	RecipientID string
	DedupeKey   string
	RecordID    string
	ExpiresAt   time.Time
}

type NotificationPreference struct {
	RecipientID      string
	Categories       []byte
	DisabledChannels []string
	QuietStart       string
	QuietEnd         string
	Timezone         string
	UpdatedAt        time.Time
}

type RecipientContact struct {
	RecipientID  string
	Phone        string
	Email        string
	PushEndpoint string
	UpdatedAt    time.Time
}
