package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
)

// EventHandler processes an upstream domain event.
type EventHandler func(ctx context.Context, event *DomainEvent) error

// EventBus routes upstream domain events to the handlers registered for
// their type. Producers in this process and the Kafka ingest consumer both
// publish through it.
type EventBus struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (b *EventBus) Register(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Handles reports whether at least one handler is registered for eventType.
func (b *EventBus) Handles(eventType EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// Publish delivers event to every registered handler in registration order.
// A failing handler does not stop the others; the first error is returned.
func (b *EventBus) Publish(ctx context.Context, event *DomainEvent) error {
	b.mu.RLock()
	handlers := b.handlers[event.EventType]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Warn("No handlers registered for event type",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}

	return firstErr
}
