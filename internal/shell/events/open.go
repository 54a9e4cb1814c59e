package events

import (
	"fmt"
	"log/slog"
)

// Sink names.
const (
	SinkNoop  = "noop"
	SinkAMQP  = "amqp"
	SinkRedis = "redis"
)

// Config selects and configures an event sink.
type Config struct {
	Sink     string
	URL      string
	Exchange string
	Stream   string
}

// Open creates the logger for cfg.Sink. An empty sink selects Noop.
func Open(cfg Config, logger *slog.Logger) (Logger, error) {
	switch cfg.Sink {
	case "", SinkNoop:
		return Noop{}, nil
	case SinkAMQP, "rabbitmq":
		l, err := NewAMQPLogger(cfg.URL, cfg.Exchange, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case SinkRedis:
		l, err := NewRedisLogger(cfg.URL, cfg.Stream, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
}
