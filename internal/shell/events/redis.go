package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	redis "github.com/redis/go-redis/v9"
)

// DefaultStream receives deployment events.
const DefaultStream = "fleetrunner:events"

// streamMaxLen caps the stream length (approximate trimming).
const streamMaxLen = 100000

// RedisLogger appends events to a Redis stream.
type RedisLogger struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewRedisLogger connects to the Redis server at url (redis://...) and pings it.
func NewRedisLogger(url, stream string, logger *slog.Logger) (*RedisLogger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisLogger(client, stream, logger), nil
}

func newRedisLogger(client *redis.Client, stream string, logger *slog.Logger) *RedisLogger {
	return &RedisLogger{
		client: client,
		stream: stream,
		logger: logger.With("component", "events", "sink", "redis"),
	}
}

// LogEvent appends e to the stream.
func (l *RedisLogger) LogEvent(ctx context.Context, e domain.Event) error {
	msg := newMessage(e)
	body, err := msg.encode()
	if err != nil {
		return err
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: streamValues(msg, e, body),
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", l.stream, err)
	}

	l.logger.Debug("appended event", "stream", l.stream, "entry_id", id)
	return nil
}

// streamValues builds the stream entry fields for e.
func streamValues(msg *Message, e domain.Event, body []byte) map[string]any {
	return map[string]any{
		"id":         msg.ID,
		"type":       msg.Type,
		"request_id": e.Extensions[domain.ExtRequestID],
		"event":      body,
	}
}

// Close closes the client.
func (l *RedisLogger) Close() error {
	return l.client.Close()
}
