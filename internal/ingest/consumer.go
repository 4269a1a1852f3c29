// Package ingest consumes upstream events from Kafka and publishes them on
// the domain event bus.
//
// Each Kafka message is one JSON-encoded domain.DomainEvent. Offsets are
// committed only after the bus accepted the event (or after the retry budget
// is spent), so a crash replays at most the uncommitted tail; replays carry
// the same event id and collapse in the dedupe guard.
//
// Import Path: herald.io/herald/internal/ingest
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"herald.io/herald/internal/domain"
	"herald.io/herald/internal/pkg/logger"
)

// HeaderEventType names the message header consulted when the body carries
// no event_type.
const HeaderEventType = "event_type"

// MessageReader is the consumer-group subset of *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher receives decoded events.
type Publisher interface {
	Publish(ctx context.Context, event *domain.DomainEvent) error
}

// Config tunes the consumer.
type Config struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MaxAttempts int
	// InitialBackoff is the first wait between publish attempts.
	InitialBackoff time.Duration
}

// Consumer moves events from Kafka onto the event bus.
type Consumer struct {
	reader MessageReader
	bus    Publisher
	cfg    Config
	log    *zap.Logger
}

// NewReader builds a consumer-group reader for cfg.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), zap.String("component", "kafka"))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...), zap.String("component", "kafka"))
		}),
	})
}

// NewConsumer creates a consumer reading from reader.
func NewConsumer(reader MessageReader, bus Publisher, cfg Config) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Consumer{reader: reader, bus: bus, cfg: cfg, log: logger.Named("ingest")}
}

// Run consumes until ctx is cancelled or the reader fails. It returns nil on
// cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Ingest consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID),
	)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("Ingest consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch message from %s: %w", c.cfg.Topic, err)
		}

		c.handle(ctx, msg)
		if ctx.Err() != nil {
			// Leave the offset uncommitted so the message is replayed.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d on %s/%d: %w", msg.Offset, msg.Topic, msg.Partition, err)
		}
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ev, err := Decode(msg)
	if err != nil {
		c.log.Error("Dropping undecodable message",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, c.bus.Publish(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	if err != nil {
		c.log.Error("Event not accepted, committing past it",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	c.log.Debug("Event ingested",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.Int64("offset", msg.Offset),
	)
}

// Decode turns a Kafka message into a domain event. A missing event id is
// derived from the message position, which is stable across redeliveries.
func Decode(msg kafka.Message) (*domain.DomainEvent, error) {
	var ev domain.DomainEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.EventType == "" {
		for _, h := range msg.Headers {
			if h.Key == HeaderEventType {
				ev.EventType = domain.EventType(h.Value)
				break
			}
		}
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("decode event: event_type is required")
	}
	if len(ev.Payload) == 0 {
		return nil, fmt.Errorf("decode event %s: payload is required", ev.EventType)
	}
	if ev.EventID == "" {
		ev.EventID = "kafka:" + msg.Topic + ":" + strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10)
	}
	if ev.OccurredAt.IsZero() && !msg.Time.IsZero() {
		ev.OccurredAt = msg.Time.UTC()
	}
	if ev.AggregateID == "" && len(msg.Key) > 0 {
		ev.AggregateID = string(msg.Key)
	}
	return &ev, nil
}
