package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds the notification broker configuration. An empty URL selects
// the log notifier.
type Config struct {
	AMQPURL  string `envconfig:"AMQP_URL"`
	Exchange string `envconfig:"NOTIFY_EXCHANGE" default:"notifications"`
}

// AMQPNotifier publishes messages to a durable topic exchange with routing
// key notify.<kind>. SMS and email workers consume from there.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPNotifier dials the broker and declares the exchange
func NewAMQPNotifier(cfg Config, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.DialConfig(cfg.AMQPURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	n := &AMQPNotifier{conn: conn, exchange: cfg.Exchange, logger: logger}
	if err := n.open(); err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) open() error {
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declaring exchange %s: %w", n.exchange, err)
	}
	n.channel = ch
	return nil
}

// RoutingKey returns the routing key for a message kind
func RoutingKey(k Kind) string {
	return "notify." + string(k)
}

func (n *AMQPNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.exchange, RoutingKey(msg.Kind), false, false, pub)
	if err == nil {
		return nil
	}

	// A closed channel is reopened once; the connection itself is not redialed.
	n.logger.Warn("notification publish failed, reopening channel", "error", err, "kind", msg.Kind)
	if openErr := n.open(); openErr != nil {
		return openErr
	}
	return n.channel.PublishWithContext(ctx, n.exchange, RoutingKey(msg.Kind), false, false, pub)
}

// Close closes the channel and connection
func (n *AMQPNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
