package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rowbus/internal/metrics"
	"rowbus/internal/model"
)

// RetainedSuffix names the key holding the last message of a channel.
const RetainedSuffix = ":last"

// RedisPublisher publishes rows with Redis PUBLISH. A retained publish also
// stores the payload under <channel>:last so late subscribers can read it.
type RedisPublisher struct {
	url         string
	client      *redis.Client
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func NewRedisPublisher(url string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		url:         url,
		logger:      logger,
		promMetrics: metrics.GlobalMetrics,
	}
}

// NewRedisPublisherWithClient wraps an existing client; Connect only pings it.
func NewRedisPublisherWithClient(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	p := NewRedisPublisher("", logger)
	p.client = client
	return p
}

func (p *RedisPublisher) Connect(ctx context.Context) error {
	if p.client == nil {
		if p.url == "" {
			return &model.ConnectionError{Target: "bus", Err: errors.New("no redis URL provided")}
		}
		opt, err := redis.ParseURL(p.url)
		if err != nil {
			return &model.ConnectionError{Target: "bus", Err: fmt.Errorf("parse redis url: %w", err)}
		}
		p.client = redis.NewClient(opt)
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		return &model.ConnectionError{Target: "bus", Err: err}
	}
	p.logger.Info("connected to redis", zap.String("addr", p.client.Options().Addr))
	return nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, data []byte, retain bool) error {
	if p.client == nil {
		return fmt.Errorf("redis not connected")
	}
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if retain {
			pipe.Set(ctx, channel+RetainedSuffix, data, 0)
		}
		pipe.Publish(ctx, channel, data)
		return nil
	})
	if err != nil {
		p.promMetrics.BusAckFailures.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis publish: %w", err)
	}
	p.promMetrics.BusPublished.WithLabelValues("redis").Inc()
	p.logger.Debug("published to redis", zap.String("channel", channel), zap.Bool("retain", retain))
	return nil
}

func (p *RedisPublisher) PublishWithRetries(ctx context.Context, channel string, data []byte, retain bool, maxRetries int) error {
	return retryPublish(ctx, "redis", p.Publish, channel, data, retain, maxRetries, p.logger)
}

func (p *RedisPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
