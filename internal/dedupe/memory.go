package dedupe

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	recordID  string
	expiresAt time.Time
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard returns a guard using the wall clock.
func NewMemoryGuard() *MemoryGuard {
	return NewMemoryGuardWithClock(time.Now)
}

// NewMemoryGuardWithClock returns a guard that reads time from now.
func NewMemoryGuardWithClock(now func() time.Time) *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]memEntry), now: now}
}

func (g *MemoryGuard) CheckAndReserve(_ context.Context, key, recipientID string, window time.Duration, candidateID string) (Reservation, error) {
	k := recipientID + "\x00" + key
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[k]; ok && now.Before(e.expiresAt) {
		return Reservation{ExistingRecordID: e.recordID}, nil
	}
	g.entries[k] = memEntry{recordID: candidateID, expiresAt: now.Add(window)}
	return Reservation{IsNew: true}, nil
}

func (g *MemoryGuard) Release(_ context.Context, key, recipientID, recordID string) error {
	k := recipientID + "\x00" + key

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[k]; ok && e.recordID == recordID {
		delete(g.entries, k)
	}
	return nil
}

// PurgeExpired drops expired entries and returns how many were removed.
func (g *MemoryGuard) PurgeExpired(_ context.Context) (int64, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	var n int64
	for k, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, k)
			n++
		}
	}
	return n, nil
}
