// Package amqp publishes dead-letter notifications to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/target/jobcoord/internal/observability/notify"
)

// MessageTypeDeadLetter is the type of every message this package publishes.
const MessageTypeDeadLetter = "job.dead_letter"

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// DialFunc opens a channel and returns the connection that owns it.
type DialFunc func(url string) (Channel, io.Closer, error)

// Config configures a Publisher.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	Logger     *slog.Logger
	// Dial defaults to amqp091.Dial.
	Dial DialFunc
}

// Message is the JSON envelope published for each notification.
type Message struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Payload   notify.DeadLetterPayload `json:"payload"`
	Timestamp time.Time                `json:"timestamp"`
}

// Publisher implements notify.Sink. It connects lazily and redials after a
// failed publish.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	ch     Channel
	conn   io.Closer
	closed bool
}

// NewPublisher validates cfg and returns a Publisher. No connection is made
// until the first notification.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	if cfg.Dial == nil {
		cfg.Dial = dial
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger.With("component", "amqp_publisher")}, nil
}

func dial(url string) (Channel, io.Closer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn, nil
}

// SendDeadLetter implements notify.Sink.
func (p *Publisher) SendDeadLetter(ctx context.Context, payload notify.DeadLetterPayload) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeDeadLetter,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         MessageTypeDeadLetter,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish to %s/%s: %w", p.cfg.Exchange, p.cfg.RoutingKey, err)
	}

	p.logger.DebugContext(ctx, "published dead-letter message",
		"exchange", p.cfg.Exchange,
		"routing_key", p.cfg.RoutingKey,
		"message_id", msg.ID,
		"job_id", payload.JobID,
	)
	return nil
}

func (p *Publisher) channelLocked() (Channel, error) {
	if p.closed {
		return nil, errors.New("amqp publisher is closed")
	}
	if p.ch != nil {
		return p.ch, nil
	}
	ch, conn, err := p.cfg.Dial(p.cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.ch, p.conn = ch, conn
	p.logger.Info("connected to RabbitMQ", "exchange", p.cfg.Exchange)
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Close releases the connection. Further sends fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
