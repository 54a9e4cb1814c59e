// Package events delivers auxiliary deployment events to an external log
// store. Delivery is best effort: the runner only talks to a Logger through a
// Guard, which contains errors and panics and reports a degraded flag.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/google/uuid"
)

// Logger sends events to a log store.
type Logger interface {
	LogEvent(ctx context.Context, e domain.Event) error
}

// Noop discards every event.
type Noop struct{}

// LogEvent does nothing.
func (Noop) LogEvent(context.Context, domain.Event) error { return nil }

// =============================================================================
// Guard
// =============================================================================

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 2 * time.Second

// Guard wraps a Logger so that failures never reach the caller.
type Guard struct {
	logger   Logger
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	degraded atomic.Bool
}

// NewGuard creates a guard around l. A nil l behaves like Noop.
func NewGuard(l Logger, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Guard {
	if l == nil {
		l = Noop{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		logger:  l,
		timeout: timeout,
		metrics: m,
		log:     log.With("component", "events"),
	}
}

// Log delivers e. It never blocks longer than the guard timeout, even when
// the logger ignores its context. A cancelled ctx still gets its own delivery
// window.
func (g *Guard) Log(ctx context.Context, e domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.deliver(ctx, e)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("event delivery exceeded %s: %w", g.timeout, ctx.Err())
	}

	if err != nil {
		if !g.degraded.Swap(true) {
			g.log.Warn("event logger degraded", "event_type", e.Type(), "error", err)
		} else {
			g.log.Debug("event dropped", "event_type", e.Type(), "error", err)
		}
		g.metrics.EventsDegraded(true)
		g.metrics.EventDropped(string(e.Type()))
		return
	}
	if g.degraded.Swap(false) {
		g.log.Info("event logger recovered")
	}
	g.metrics.EventsDegraded(false)
}

func (g *Guard) deliver(ctx context.Context, e domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event logger panic: %v", r)
		}
	}()
	return g.logger.LogEvent(ctx, e)
}

// Degraded reports whether the last delivery failed.
func (g *Guard) Degraded() bool {
	return g.degraded.Load()
}

// Close closes the wrapped logger if it holds resources.
func (g *Guard) Close() error {
	if c, ok := g.logger.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// =============================================================================
// Wire format
// =============================================================================

// Message is the envelope published to brokers and streams.
type Message struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Payload   domain.Event `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

func newMessage(e domain.Event) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      string(e.Type()),
		Payload:   e,
		Timestamp: e.Timestamp,
	}
}

func (m *Message) encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}

// routingKey maps DEPLOYMENT_START to deployment.start.
func routingKey(t domain.EventType) string {
	if t == "" {
		return "deployment.unknown"
	}
	return strings.ToLower(strings.ReplaceAll(string(t), "_", "."))
}
