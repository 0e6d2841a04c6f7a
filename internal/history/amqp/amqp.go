package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loykin/watchdog/internal/history"
)

// DefaultExchange receives history events; the routing key is
// "<prefix>.<event type>", e.g. "watchdog.restart".
const DefaultExchange = "watchdog.events"

// Options configures the AMQP sink.
type Options struct {
	URL       string
	Exchange  string
	KeyPrefix string
	NoDeclare bool // skip declaring the exchange
}

// Sink publishes history events as persistent JSON messages.
type Sink struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
	prefix   string
}

func New(opts Options) (*Sink, error) {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "watchdog"
	}
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if !opts.NoDeclare {
		if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
		}
	}
	return &Sink{conn: conn, ch: ch, exchange: opts.Exchange, prefix: opts.KeyPrefix}, nil
}

// RoutingKey returns the key an event of type t is published with.
func (s *Sink) RoutingKey(t history.EventType) string {
	return s.prefix + "." + string(t)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := s.RoutingKey(e.Type)

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", s.exchange, key, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
