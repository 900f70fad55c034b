package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/productbazar-client/internal/logger"
)

// AMQPTransport receives live product events from a topic exchange.
// Routing keys look like "product.<id>.upvote" or "product.<id>.name.update".
type AMQPTransport struct {
	url      string
	exchange string

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPTransport(url, exchange string) *AMQPTransport {
	return &AMQPTransport{
		url:      strings.TrimSpace(url),
		exchange: strings.TrimSpace(exchange),
	}
}

func (t *AMQPTransport) Connect(ctx context.Context) (<-chan Message, error) {
	// a reconnect replaces the previous connection; its bindings die with its queue
	if err := t.release(); err != nil {
		logger.Log.Debug().Err(err).Msg("stale live connection close failed")
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// one private queue per connection; bindings are added per subscribed entity
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "bazaar-"+uuid.NewString(), false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	t.mu.Lock()
	t.conn, t.ch, t.queue = conn, ch, q.Name
	t.mu.Unlock()

	out := make(chan Message, 64)
	go t.forward(ctx, deliveries, out)

	logger.Log.Info().Str("queue", q.Name).Str("exchange", t.exchange).Msg("live channel connected")
	return out, nil
}

func (t *AMQPTransport) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg, err := DecodeDelivery(d.RoutingKey, d.Type, d.Body)
			if err != nil {
				logger.Log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("live_event_dropped")
				_ = d.Nack(false, false) // poison => drop
				continue
			}
			select {
			case out <- msg:
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (t *AMQPTransport) Subscribe(_ context.Context, entityID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return errNotConnected
	}
	return t.ch.QueueBind(t.queue, bindingKey(entityID), t.exchange, false, nil)
}

func (t *AMQPTransport) Unsubscribe(_ context.Context, entityID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return nil
	}
	return t.ch.QueueUnbind(t.queue, bindingKey(entityID), t.exchange, nil)
}

func (t *AMQPTransport) Close() error {
	return t.release()
}

func (t *AMQPTransport) release() error {
	t.mu.Lock()
	ch, conn := t.ch, t.conn
	t.ch, t.conn, t.queue = nil, nil, ""
	t.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		errs = append(errs, ch.Close())
	}
	if conn != nil && !conn.IsClosed() {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func bindingKey(entityID string) string {
	return "product." + entityID + ".#"
}

// DecodeDelivery turns a routing key and body into a Message. The AMQP type property
// wins over the type derived from the key.
func DecodeDelivery(routingKey, typ string, body []byte) (Message, error) {
	parts := strings.Split(routingKey, ".")
	if len(parts) < 3 || parts[0] != "product" || parts[1] == "" {
		return Message{}, fmt.Errorf("unexpected routing key %q", routingKey)
	}
	if typ == "" {
		typ = "product:" + strings.Join(parts[2:], ":")
	}
	return Message{Type: typ, EntityID: parts[1], Payload: body}, nil
}
