package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"rowbus/internal/metrics"
	"rowbus/internal/model"
)

// JetStreamPublisher publishes messages to NATS JetStream with ack handling.
// Retain-last is a stream property: a stream created with RetainLast keeps one
// message per subject.
type JetStreamPublisher struct {
	opts        JetStreamOptions
	nc          *nats.Conn
	js          nats.JetStreamContext
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

type JetStreamOptions struct {
	URLs           []string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	StreamName     string
	StreamSubjects []string
	RetainLast     bool
}

func NewJetStreamPublisher(opts JetStreamOptions, logger *zap.Logger) *JetStreamPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStreamPublisher{
		opts:        opts,
		logger:      logger,
		promMetrics: metrics.GlobalMetrics,
	}
}

func (p *JetStreamPublisher) Connect(ctx context.Context) error {
	if p.nc != nil {
		if p.nc.IsConnected() {
			return nil
		}
		// Stop the old connection's reconnect loop before dialing a new one.
		p.nc.Close()
		p.nc, p.js = nil, nil
	}
	if len(p.opts.URLs) == 0 {
		return &model.ConnectionError{Target: "bus", Err: errors.New("no NATS URLs provided")}
	}
	natsOpts := []nats.Option{
		nats.Timeout(p.opts.ConnectTimeout),
		nats.Name("rowbus-publisher"),
		nats.MaxReconnects(-1), // Retry forever
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			p.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if p.opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(p.opts.Username, p.opts.Password))
	}

	connectURL := strings.Join(p.opts.URLs, ",")
	nc, err := nats.Connect(connectURL, natsOpts...)
	if err != nil {
		return &model.ConnectionError{Target: "bus", Err: err}
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		_ = nc.Drain()
		return &model.ConnectionError{Target: "bus", Err: fmt.Errorf("jetstream: %w", err)}
	}
	p.nc = nc
	p.js = js
	if err := p.ensureStream(ctx); err != nil {
		_ = p.nc.Drain()
		p.nc, p.js = nil, nil
		return &model.ConnectionError{Target: "bus", Err: err}
	}
	p.logger.Info("connected to nats jetstream", zap.Strings("urls", p.opts.URLs), zap.String("stream", p.streamName()))
	return nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, channel string, data []byte, retain bool) error {
	_ = retain
	if p.js == nil {
		return fmt.Errorf("jetstream not connected")
	}
	pa, err := p.js.PublishAsync(channel, data)
	if err != nil {
		p.ackFailed()
		return fmt.Errorf("publish async: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ack := <-pa.Ok():
		if ack == nil {
			p.ackFailed()
			return fmt.Errorf("nil ack received")
		}
		p.promMetrics.BusPublished.WithLabelValues("jetstream").Inc()
		p.logger.Debug("published to jetstream", zap.String("channel", channel), zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence))
		return nil
	case err := <-pa.Err():
		p.ackFailed()
		return fmt.Errorf("publish ack error: %w", err)
	case <-time.After(p.publishTimeout()):
		p.ackFailed()
		return fmt.Errorf("publish ack timeout")
	}
}

func (p *JetStreamPublisher) ackFailed() {
	p.promMetrics.BusAckFailures.WithLabelValues("jetstream").Inc()
}

func (p *JetStreamPublisher) PublishWithRetries(ctx context.Context, channel string, data []byte, retain bool, maxRetries int) error {
	return retryPublish(ctx, "jetstream", p.Publish, channel, data, retain, maxRetries, p.logger)
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.logger.Info("closing nats connection")
		err := p.nc.Drain()
		p.nc, p.js = nil, nil
		return err
	}
	return nil
}

func (p *JetStreamPublisher) publishTimeout() time.Duration {
	if p.opts.PublishTimeout > 0 {
		return p.opts.PublishTimeout
	}
	return 5 * time.Second
}

// streamConfig describes the stream rows are captured in.
func (p *JetStreamPublisher) streamConfig() *nats.StreamConfig {
	cfg := &nats.StreamConfig{
		Name:      p.streamName(),
		Subjects:  p.opts.StreamSubjects,
		Retention: nats.LimitsPolicy,
	}
	if p.opts.RetainLast {
		cfg.MaxMsgsPerSubject = 1
	}
	return cfg
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	if p.js == nil {
		return fmt.Errorf("jetstream not initialized")
	}
	if len(p.opts.StreamSubjects) == 0 {
		return fmt.Errorf("no stream subjects configured")
	}
	want := p.streamConfig()

	info, err := p.js.StreamInfo(want.Name, nats.Context(ctx))
	if err == nil {
		if p.opts.RetainLast && info.Config.MaxMsgsPerSubject != 1 {
			p.logger.Warn("existing stream keeps more than the last message per subject",
				zap.String("stream", want.Name), zap.Int64("max_msgs_per_subject", info.Config.MaxMsgsPerSubject))
		}
		p.logger.Debug("stream already exists", zap.String("stream", want.Name))
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream: %w", err)
	}

	if _, err := p.js.AddStream(want, nats.Context(ctx)); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("created jetstream stream", zap.String("stream", want.Name), zap.Strings("subjects", want.Subjects), zap.Bool("retain_last", p.opts.RetainLast))
	return nil
}

func (p *JetStreamPublisher) streamName() string {
	if p.opts.StreamName != "" {
		return p.opts.StreamName
	}
	return "ROWBUS"
}
