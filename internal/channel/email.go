package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"herald.io/herald/internal/pkg/logger"
)

// MailPublisher is the subset of *amqp.Channel used to hand mail to the
// transport.
type MailPublisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// MailMessage is the body published for the mail transport.
type MailMessage struct {
	To       string          `json:"to"`
	Subject  string          `json:"subject"`
	Text     string          `json:"text"`
	Category string          `json:"category"`
	RecordID string          `json:"record_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ErrMailClosed is returned by Send after Close.
var ErrMailClosed = errors.New("email provider closed")

// mailDialer opens a publisher. closed yields once when the broker drops
// the connection; shutdown releases it.
type mailDialer func() (pub MailPublisher, closed <-chan *amqp.Error, shutdown func() error, err error)

// EmailProvider hands email to a RabbitMQ exchange consumed by the mail
// transport. A message counts as sent once the broker confirms it.
//
// A dialed provider notices a dropped connection through NotifyClose and
// dials again on the next Send.
type EmailProvider struct {
	exchange   string
	routingKey string
	dial       mailDialer
	log        *zap.Logger

	mu        sync.Mutex
	publisher MailPublisher
	closed    <-chan *amqp.Error
	shutdown  func() error
	done      bool
}

// NewEmailProvider publishes through p.
func NewEmailProvider(p MailPublisher, exchange, routingKey string) *EmailProvider {
	return &EmailProvider{
		publisher:  p,
		exchange:   exchange,
		routingKey: routingKey,
		log:        logger.Named("email"),
	}
}

// DialEmailProvider connects to RabbitMQ, declares the exchange and puts
// the channel in confirm mode.
func DialEmailProvider(url, exchange, routingKey string) (*EmailProvider, error) {
	return newDialingEmailProvider(func() (MailPublisher, <-chan *amqp.Error, func() error, error) {
		return dialMail(url, exchange)
	}, exchange, routingKey)
}

func newDialingEmailProvider(dial mailDialer, exchange, routingKey string) (*EmailProvider, error) {
	p := &EmailProvider{
		exchange:   exchange,
		routingKey: routingKey,
		dial:       dial,
		log:        logger.Named("email"),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialMail(url, exchange string) (MailPublisher, <-chan *amqp.Error, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	// Buffered: the library blocks on an unread notification.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	shutdown := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return ch, closed, shutdown, nil
}

func (p *EmailProvider) connectLocked() error {
	pub, closed, shutdown, err := p.dial()
	if err != nil {
		return err
	}
	p.publisher, p.closed, p.shutdown = pub, closed, shutdown
	return nil
}

// dropLocked forgets the current connection so the next Send dials again.
func (p *EmailProvider) dropLocked(reason error) {
	if p.dial == nil || p.publisher == nil {
		return
	}
	p.log.Warn("Mail broker connection lost, will re-dial", zap.Error(reason))
	if p.shutdown != nil {
		_ = p.shutdown()
	}
	p.publisher, p.closed, p.shutdown = nil, nil, nil
}

// current returns a live publisher, dialing again if the last connection
// was closed by the broker.
func (p *EmailProvider) current() (MailPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil, ErrMailClosed
	}
	if p.closed != nil {
		select {
		case amqpErr, ok := <-p.closed:
			reason := error(amqp.ErrClosed)
			if ok && amqpErr != nil {
				reason = amqpErr
			}
			p.dropLocked(reason)
		default:
		}
	}
	if p.publisher == nil {
		if err := p.connectLocked(); err != nil {
			return nil, fmt.Errorf("re-dial mail broker: %w", err)
		}
		p.log.Info("Mail broker connection re-established")
	}
	return p.publisher, nil
}

func (p *EmailProvider) Send(ctx context.Context, target string, msg Message) (string, error) {
	subject := msg.Title
	if subject == "" {
		subject = msg.UIEvent
	}
	body, err := json.Marshal(MailMessage{
		To:       target,
		Subject:  subject,
		Text:     msg.Body,
		Category: string(msg.Category),
		RecordID: msg.RecordID,
		Data:     msg.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode mail message: %w", err)
	}

	publisher, err := p.current()
	if err != nil {
		return "", err
	}
	confirm, err := publisher.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    msg.RecordID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.mu.Lock()
			if p.publisher == publisher {
				p.dropLocked(err)
			}
			p.mu.Unlock()
		}
		return "", fmt.Errorf("publish mail message: %w", err)
	}
	// A nil confirmation means the channel is not in confirm mode.
	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return "", fmt.Errorf("await mail confirm: %w", err)
		}
		if !acked {
			return "", errors.New("broker nacked mail message")
		}
	}
	return msg.RecordID, nil
}

// Close closes the AMQP channel and connection opened by DialEmailProvider.
// Send fails with ErrMailClosed afterwards.
func (p *EmailProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	if p.shutdown == nil {
		return nil
	}
	err := p.shutdown()
	p.publisher, p.closed, p.shutdown = nil, nil, nil
	return err
}
