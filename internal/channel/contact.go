package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sqlcrepo "herald.io/herald/internal/repository/sqlc"
)

// PayloadContactsKey is the payload field producers may use to hand over
// recipient addresses:
//
//	{"contacts": {"<recipient id>": {"phone": "...", "email": "...", "push_endpoint": "..."}}}
//
// The field is removed from the payload before the payload is stored or
// forwarded to any channel.
const PayloadContactsKey = "contacts"

// Contact carries the addresses a recipient can be reached at.
type Contact struct {
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	PushEndpoint string `json:"push_endpoint,omitempty"`
}

// IsZero reports whether c has no address at all.
func (c Contact) IsZero() bool {
	return c == Contact{}
}

// Merge returns c with every non-empty field of override applied.
func (c Contact) Merge(override Contact) Contact {
	if override.Phone != "" {
		c.Phone = override.Phone
	}
	if override.Email != "" {
		c.Email = override.Email
	}
	if override.PushEndpoint != "" {
		c.PushEndpoint = override.PushEndpoint
	}
	return c
}

// ContactDirectory resolves a recipient's addresses. An unknown recipient
// yields a zero Contact, not an error.
type ContactDirectory interface {
	Lookup(ctx context.Context, recipientID string) (Contact, error)
}

// ContactBook is a ContactDirectory that also records addresses. Save
// merges: empty fields keep the stored value.
type ContactBook interface {
	ContactDirectory
	Save(ctx context.Context, recipientID string, c Contact) error
}

// ExtractContacts splits the producer-supplied addresses out of payload.
// It returns the addresses per recipient and the payload without them.
func ExtractContacts(payload json.RawMessage) (map[string]Contact, json.RawMessage, error) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil, payload, nil
	}
	field := gjson.GetBytes(payload, PayloadContactsKey)
	if !field.Exists() {
		return nil, payload, nil
	}
	if !field.IsObject() {
		return nil, payload, fmt.Errorf("payload %s must be an object keyed by recipient id", PayloadContactsKey)
	}

	contacts := make(map[string]Contact)
	field.ForEach(func(key, value gjson.Result) bool {
		c := Contact{
			Phone:        value.Get("phone").String(),
			Email:        value.Get("email").String(),
			PushEndpoint: value.Get("push_endpoint").String(),
		}
		if !c.IsZero() {
			contacts[key.String()] = c
		}
		return true
	})

	stripped, err := sjson.DeleteBytes(payload, PayloadContactsKey)
	if err != nil {
		return nil, payload, fmt.Errorf("strip payload %s: %w", PayloadContactsKey, err)
	}
	return contacts, stripped, nil
}

// Directory is a process-local ContactBook.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewDirectory returns a directory seeded with static entries.
func NewDirectory(static map[string]Contact) *Directory {
	d := &Directory{contacts: make(map[string]Contact, len(static))}
	for id, c := range static {
		d.contacts[id] = c
	}
	return d
}

func (d *Directory) Lookup(_ context.Context, recipientID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contacts[recipientID], nil
}

func (d *Directory) Save(_ context.Context, recipientID string, c Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[recipientID] = d.contacts[recipientID].Merge(c)
	return nil
}

// PostgresDirectory keeps addresses in recipient_contacts.
type PostgresDirectory struct {
	queries *sqlcrepo.Queries
	now     func() time.Time
}

// NewPostgresDirectory creates a directory on db.
func NewPostgresDirectory(db sqlcrepo.DBTX) *PostgresDirectory {
	return &PostgresDirectory{queries: sqlcrepo.New(db), now: time.Now}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, recipientID string) (Contact, error) {
	row, err := d.queries.GetContact(ctx, recipientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, nil
	}
	if err != nil {
		return Contact{}, fmt.Errorf("get contact for %s: %w", recipientID, err)
	}
	return Contact{Phone: row.Phone, Email: row.Email, PushEndpoint: row.PushEndpoint}, nil
}

func (d *PostgresDirectory) Save(ctx context.Context, recipientID string, c Contact) error {
	if err := d.queries.UpsertContact(ctx, sqlcrepo.UpsertContactParams{
		RecipientID:  recipientID,
		Phone:        c.Phone,
		Email:        c.Email,
		PushEndpoint: c.PushEndpoint,
		UpdatedAt:    d.now().UTC(),
	}); err != nil {
		return fmt.Errorf("save contact for %s: %w", recipientID, err)
	}
	return nil
}
