package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rowbus/internal/metrics"
)

// Publisher pushes serialized rows to a pub/sub bus. Publish returns only after
// the bus acknowledged the message or failed.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, channel string, data []byte, retain bool) error
	PublishWithRetries(ctx context.Context, channel string, data []byte, retain bool, maxRetries int) error
	Close() error
}

// publishFunc is a single publish attempt.
type publishFunc func(ctx context.Context, channel string, data []byte, retain bool) error

// retryPublish calls publish up to maxRetries+1 times with exponential backoff.
func retryPublish(ctx context.Context, bus string, publish publishFunc, channel string, data []byte, retain bool, maxRetries int, logger *zap.Logger) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := publish(ctx, channel, data, retain); err != nil {
			lastErr = err
			if i == maxRetries {
				break
			}
			metrics.GlobalMetrics.BusPublishRetries.WithLabelValues(bus).Inc()
			logger.Warn("publish failed, retrying", zap.String("channel", channel), zap.Int("attempt", i+1), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(i)):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("publish failed after retries: %w", lastErr)
}

// backoff is the wait before retrying after attempt; tests shorten it.
var backoff = func(attempt int) time.Duration {
	if attempt < 0 {
		return time.Second
	}
	const maxAttempt = 3 // cap at 8 seconds (2^3)
	if attempt > maxAttempt {
		attempt = maxAttempt
	}
	return time.Duration(1<<attempt) * time.Second
}

// Message is one publish recorded by NoopPublisher.
type Message struct {
	Channel string
	Data    []byte
	Retain  bool
}

// NoopPublisher acknowledges every publish and keeps what it was given.
type NoopPublisher struct {
	mu       sync.Mutex
	messages []Message
	logger   *zap.Logger
}

func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Connect(ctx context.Context) error {
	_ = ctx
	return nil
}

func (p *NoopPublisher) Publish(ctx context.Context, channel string, data []byte, retain bool) error {
	_ = ctx
	p.mu.Lock()
	p.messages = append(p.messages, Message{Channel: channel, Data: append([]byte(nil), data...), Retain: retain})
	p.mu.Unlock()
	p.logger.Debug("noop publisher invoked", zap.String("channel", channel))
	return nil
}

func (p *NoopPublisher) PublishWithRetries(ctx context.Context, channel string, data []byte, retain bool, maxRetries int) error {
	_ = maxRetries
	return p.Publish(ctx, channel, data, retain)
}

func (p *NoopPublisher) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (p *NoopPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
