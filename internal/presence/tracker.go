// Package presence tracks which recipients hold a live realtime connection
// on this process.
//
// Presence is a hint. A stale positive only costs a failed realtime attempt
// and a stale negative only costs an extra fallback delivery.
//
// Import Path: herald.io/herald/internal/presence
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
)

type connection struct {
	recipientID string
	lastSeenAt  time.Time
}

// Tracker is a process-local connection registry with TTL expiry.
type Tracker struct {
	ttl time.Duration
	now func() time.Time

	mu          sync.RWMutex
	conns       map[string]*connection         // connection id -> entry
	byRecipient map[string]map[string]struct{} // recipient id -> connection ids
}

// NewTracker creates a tracker. A non-positive ttl disables expiry.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:         ttl,
		now:         time.Now,
		conns:       make(map[string]*connection),
		byRecipient: make(map[string]map[string]struct{}),
	}
}

// OnConnect registers connectionID for recipientID.
func (t *Tracker) OnConnect(recipientID, connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.conns[connectionID]; ok && old.recipientID != recipientID {
		t.removeLocked(connectionID)
	}
	t.conns[connectionID] = &connection{recipientID: recipientID, lastSeenAt: t.now()}
	set, ok := t.byRecipient[recipientID]
	if !ok {
		set = make(map[string]struct{})
		t.byRecipient[recipientID] = set
	}
	set[connectionID] = struct{}{}
}

// OnDisconnect forgets connectionID. Unknown ids are ignored.
func (t *Tracker) OnDisconnect(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(connectionID)
}

// Touch refreshes the last-seen time of connectionID.
func (t *Tracker) Touch(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[connectionID]; ok {
		c.lastSeenAt = t.now()
	}
}

// IsPresent reports whether recipientID has at least one unexpired connection.
func (t *Tracker) IsPresent(recipientID string) bool {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for id := range t.byRecipient[recipientID] {
		if t.alive(t.conns[id], now) {
			return true
		}
	}
	return false
}

// Connections returns the number of tracked connections.
func (t *Tracker) Connections() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Sweep removes connections idle for longer than the TTL and returns the
// ids it removed.
func (t *Tracker) Sweep(now time.Time) []string {
	if t.ttl <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, c := range t.conns {
		if !t.alive(c, now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		t.removeLocked(id)
	}
	return expired
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || t.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := t.Sweep(t.now()); len(expired) > 0 {
				logger.Debug("Presence sweep expired connections", zap.Int("count", len(expired)))
			}
		}
	}
}

func (t *Tracker) alive(c *connection, now time.Time) bool {
	if c == nil {
		return false
	}
	return t.ttl <= 0 || now.Sub(c.lastSeenAt) <= t.ttl
}

func (t *Tracker) removeLocked(connectionID string) {
	c, ok := t.conns[connectionID]
	if !ok {
		return
	}
	delete(t.conns, connectionID)
	if set, ok := t.byRecipient[c.recipientID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(t.byRecipient, c.recipientID)
		}
	}
}
