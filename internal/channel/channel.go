// Package channel holds the delivery adapters the dispatcher fans out to.
//
// An Adapter owns exactly one delivery attempt cycle for its channel,
// including its own retries, and reports the result as a DeliveryOutcome. It
// never writes to the notification store.
//
// Import Path: herald.io/herald/internal/channel
package channel

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"herald.io/herald/internal/domain"
)

// CostTier orders channels by what a delivery costs.
type CostTier int

const (
	CostFree CostTier = iota
	CostLow
	CostHigh
)

func (t CostTier) String() string {
	switch t {
	case CostFree:
		return "free"
	case CostLow:
		return "low"
	case CostHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Capability describes how the dispatcher may schedule an adapter.
type Capability struct {
	// Synchronous adapters run inline within the dispatch call.
	Synchronous bool
	Retryable   bool
	CostTier    CostTier
	// QuietSensitive channels are held back during quiet hours unless the
	// request is critical.
	QuietSensitive bool
}

// Recipient is the delivery target of one adapter call.
type Recipient struct {
	ID string
	Contact
}

// Message is the rendered notification handed to adapters.
type Message struct {
	RecordID  string
	Category  domain.Category
	UIEvent   string
	Priority  domain.Priority
	Title     string
	Body      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Adapter delivers a message over one channel.
type Adapter interface {
	Name() domain.Channel
	Capability() Capability
	Deliver(ctx context.Context, to Recipient, msg Message) domain.DeliveryOutcome
}

// Registry maps channels to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Channel]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for ch.
func (r *Registry) Get(ch domain.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// Channels lists registered channels in name order.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
