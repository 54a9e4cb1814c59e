package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives deployment events.
const DefaultExchange = "fleetrunner.events"

// dialTimeout bounds connecting to the broker, including reconnects from
// LogEvent.
const dialTimeout = 5 * time.Second

// AMQPLogger publishes events to a topic exchange on RabbitMQ. A broken
// connection is re-dialed on the next publish.
type AMQPLogger struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewAMQPLogger connects to url and declares the exchange.
func NewAMQPLogger(url, exchange string, logger *slog.Logger) (*AMQPLogger, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &AMQPLogger{
		url:      url,
		exchange: exchange,
		logger:   logger.With("component", "events", "sink", "amqp"),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.connect(); err != nil {
		return nil, err
	}
	return l, nil
}

// connect dials the broker and declares the exchange. Caller holds mu.
func (l *AMQPLogger) connect() error {
	conn, err := amqp.DialConfig(l.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		l.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // auto-delete
		false,      // internal
		false,      // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", l.exchange, err)
	}

	l.conn = conn
	l.channel = ch
	l.logger.Info("connected to RabbitMQ", "exchange", l.exchange)
	return nil
}

// LogEvent publishes e with routing key derived from its type.
func (l *AMQPLogger) LogEvent(ctx context.Context, e domain.Event) error {
	msg := newMessage(e)
	body, err := msg.encode()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("amqp logger closed")
	}
	if l.channel == nil || l.channel.IsClosed() {
		if l.conn != nil {
			l.conn.Close()
		}
		if err := l.connect(); err != nil {
			return err
		}
	}

	key := routingKey(e.Type())
	err = l.channel.PublishWithContext(
		ctx,
		l.exchange, // exchange
		key,        // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", l.exchange, key, err)
	}

	l.logger.Debug("published event", "routing_key", key, "message_id", msg.ID)
	return nil
}

// Close closes the channel and connection.
func (l *AMQPLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.channel != nil {
		l.channel.Close()
	}
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
