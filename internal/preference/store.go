package preference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"

	"herald.io/herald/internal/domain"
	sqlcrepo "herald.io/herald/internal/repository/sqlc"
)

// ErrNoPreferences is returned by a Store for a recipient that never saved
// preferences.
var ErrNoPreferences = errors.New("no stored preferences")

// Store persists one PreferenceSet per recipient.
type Store interface {
	Get(ctx context.Context, recipientID string) (*domain.PreferenceSet, error)
	Put(ctx context.Context, set *domain.PreferenceSet) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]domain.PreferenceSet
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]domain.PreferenceSet)}
}

func (m *MemoryStore) Get(_ context.Context, recipientID string) (*domain.PreferenceSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[recipientID]
	if !ok {
		return nil, ErrNoPreferences
	}
	return cloneSet(&set), nil
}

func (m *MemoryStore) Put(_ context.Context, set *domain.PreferenceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[set.RecipientID] = *cloneSet(set)
	return nil
}

// PostgresStore keeps preferences in notification_preferences.
type PostgresStore struct {
	queries *sqlcrepo.Queries
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db sqlcrepo.DBTX) *PostgresStore {
	return &PostgresStore{queries: sqlcrepo.New(db)}
}

func (p *PostgresStore) Get(ctx context.Context, recipientID string) (*domain.PreferenceSet, error) {
	row, err := p.queries.GetPreference(ctx, recipientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPreferences
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences for %s: %w", recipientID, err)
	}

	set := &domain.PreferenceSet{
		RecipientID: row.RecipientID,
		QuietHours:  domain.QuietHours{Start: row.QuietStart, End: row.QuietEnd},
		Timezone:    row.Timezone,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Categories) > 0 {
		if err := json.Unmarshal(row.Categories, &set.Categories); err != nil {
			return nil, fmt.Errorf("decode category preferences for %s: %w", recipientID, err)
		}
	}
	for _, ch := range row.DisabledChannels {
		set.DisabledChannels = append(set.DisabledChannels, domain.Channel(ch))
	}
	return set, nil
}

func (p *PostgresStore) Put(ctx context.Context, set *domain.PreferenceSet) error {
	categories := set.Categories
	if categories == nil {
		categories = map[domain.Category][]domain.Channel{}
	}
	raw, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("encode category preferences: %w", err)
	}
	disabled := make([]string, 0, len(set.DisabledChannels))
	for _, ch := range set.DisabledChannels {
		disabled = append(disabled, string(ch))
	}
	if err := p.queries.UpsertPreference(ctx, sqlcrepo.UpsertPreferenceParams{
		RecipientID:      set.RecipientID,
		Categories:       raw,
		DisabledChannels: disabled,
		QuietStart:       set.QuietHours.Start,
		QuietEnd:         set.QuietHours.End,
		Timezone:         set.Timezone,
		UpdatedAt:        set.UpdatedAt.UTC(),
	}); err != nil {
		return fmt.Errorf("save preferences for %s: %w", set.RecipientID, err)
	}
	return nil
}

func cloneSet(set *domain.PreferenceSet) *domain.PreferenceSet {
	cp := *set
	if set.Categories != nil {
		cp.Categories = make(map[domain.Category][]domain.Channel, len(set.Categories))
		for cat, chans := range set.Categories {
			cp.Categories[cat] = slices.Clone(chans)
		}
	}
	cp.DisabledChannels = slices.Clone(set.DisabledChannels)
	return &cp
}
