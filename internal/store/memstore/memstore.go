// Package memstore is an in-memory store.Store for tests and single-process runs.
//
// Import Path: herald.io/herald/internal/store/memstore
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/store"
)

// Store keeps records in a map guarded by a single RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.NotificationRecord
	// byRecipient holds record ids per recipient in insertion order.
	byRecipient map[string][]string
	unread      map[string]int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		records:     make(map[string]*domain.NotificationRecord),
		byRecipient: make(map[string][]string),
		unread:      make(map[string]int64),
	}
}

func (s *Store) Create(_ context.Context, rec *domain.NotificationRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("create notification: record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("create notification %s: already exists", rec.ID)
	}
	cp := clone(rec)
	if cp.Delivery == nil {
		cp.Delivery = make(map[domain.Channel]domain.DeliveryState)
	}
	s.records[cp.ID] = cp
	s.byRecipient[cp.RecipientID] = append(s.byRecipient[cp.RecipientID], cp.ID)
	if cp.ReadAt == nil {
		s.unread[cp.RecipientID]++
	}
	return nil
}

func (s *Store) Get(_ context.Context, recordID string) (*domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) MarkRead(_ context.Context, recordID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.ReadAt != nil {
		return nil
	}
	t := at.UTC()
	rec.ReadAt = &t
	s.unread[rec.RecipientID]--
	return nil
}

func (s *Store) MarkAllRead(_ context.Context, recipientID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	t := at.UTC()
	for _, id := range s.byRecipient[recipientID] {
		rec := s.records[id]
		if rec.ReadAt != nil {
			continue
		}
		readAt := t
		rec.ReadAt = &readAt
		n++
	}
	s.unread[recipientID] = 0
	return n, nil
}

func (s *Store) CountUnread(_ context.Context, recipientID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[recipientID], nil
}

func (s *Store) ListPaginated(_ context.Context, recipientID string, opts store.ListOptions) (*store.Page, error) {
	cur, err := store.DecodeCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}
	size := store.NormalizePageSize(opts.PageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRecipient[recipientID]
	candidates := make([]*domain.NotificationRecord, 0, len(ids))
	for _, id := range ids {
		rec := s.records[id]
		if opts.UnreadOnly && rec.ReadAt != nil {
			continue
		}
		if !cur.After(rec.CreatedAt, rec.ID) {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	page := &store.Page{Items: make([]domain.NotificationRecord, 0, min(size, len(candidates)))}
	for i, rec := range candidates {
		if i == size {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = store.EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, *clone(rec))
	}
	return page, nil
}

func (s *Store) ClaimPending(_ context.Context, recordID string, ch domain.Channel, staleBefore, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return false, store.ErrNotFound
	}
	st, ok := rec.Delivery[ch]
	if !ok || st.Status != domain.StatusPending || !st.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	st.UpdatedAt = at.UTC()
	rec.Delivery[ch] = st
	return true, nil
}

func (s *Store) UpdateDeliveryStatus(_ context.Context, recordID string, ch domain.Channel, u store.DeliveryUpdate) (bool, error) {
	if !u.Status.IsTerminal() {
		return false, fmt.Errorf("update delivery status: %q is not terminal", u.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur, exists := rec.Delivery[ch]; exists && cur.Status.IsTerminal() {
		return false, nil
	}
	rec.Delivery[ch] = domain.DeliveryState{
		Status:      u.Status,
		Attempts:    u.Attempts,
		ProviderRef: u.ProviderRef,
		LastError:   u.LastError,
		UpdatedAt:   u.At.UTC(),
	}
	return true, nil
}

func (s *Store) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]store.StalePending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StalePending
	for id, rec := range s.records {
		for ch, st := range rec.Delivery {
			if st.Status == domain.StatusPending && st.UpdatedAt.Before(olderThan) {
				out = append(out, store.StalePending{
					RecordID:        id,
					Channel:         ch,
					UpdatedAt:       st.UpdatedAt,
					RecordCreatedAt: rec.CreatedAt,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for recipient, ids := range s.byRecipient {
		kept := ids[:0]
		for _, id := range ids {
			rec := s.records[id]
			if !rec.CreatedAt.Before(cutoff) {
				kept = append(kept, id)
				continue
			}
			if rec.ReadAt == nil {
				s.unread[recipient]--
			}
			delete(s.records, id)
			n++
		}
		if len(kept) == 0 {
			delete(s.byRecipient, recipient)
			delete(s.unread, recipient)
			continue
		}
		s.byRecipient[recipient] = kept
	}
	return n, nil
}

func clone(rec *domain.NotificationRecord) *domain.NotificationRecord {
	cp := *rec
	if rec.ReadAt != nil {
		t := *rec.ReadAt
		cp.ReadAt = &t
	}
	if rec.Payload != nil {
		cp.Payload = append([]byte(nil), rec.Payload...)
	}
	cp.Delivery = maps.Clone(rec.Delivery)
	return &cp
}
