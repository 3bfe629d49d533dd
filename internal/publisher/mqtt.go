package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rowbus/internal/metrics"
	"rowbus/internal/model"
)

// newMQTTClient is replaced in tests.
var newMQTTClient = mqtt.NewClient

type MQTTOptions struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes rows to an MQTT broker. A retained publish replaces the
// broker's last message on the topic.
type MQTTPublisher struct {
	opts   MQTTOptions
	client mqtt.Client
	// Lock to prevent concurrent writes to the MQTT client.
	lock        sync.Mutex
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func NewMQTTPublisher(opts MQTTOptions, logger *zap.Logger) *MQTTPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClientID == "" {
		opts.ClientID = "rowbus-" + uuid.NewString()
	}
	return &MQTTPublisher{
		opts:        opts,
		logger:      logger,
		promMetrics: metrics.GlobalMetrics,
	}
}

func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.client != nil {
		if p.client.IsConnected() {
			return nil
		}
		// The old client may still be auto-reconnecting with the same client ID.
		p.client.Disconnect(250)
		p.client = nil
	}
	if p.opts.URL == "" {
		return &model.ConnectionError{Target: "bus", Err: errors.New("no MQTT broker URL provided")}
	}

	p.logger.Info("connecting to mqtt broker", zap.String("url", p.opts.URL), zap.String("client_id", p.opts.ClientID))
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.opts.URL)
	opts.SetClientID(p.opts.ClientID)
	opts.SetConnectTimeout(p.connectTimeout())
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(4)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		p.logger.Info("mqtt reconnecting", zap.String("url", p.opts.URL))
	})
	if p.opts.Username != "" {
		opts.SetUsername(p.opts.Username)
		opts.SetPassword(p.opts.Password)
	}

	client := newMQTTClient(opts)
	if err := waitToken(ctx, client.Connect(), p.connectTimeout()); err != nil {
		return &model.ConnectionError{Target: "bus", Err: err}
	}
	p.client = client
	p.logger.Info("connected to mqtt broker", zap.String("url", p.opts.URL))
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, channel string, data []byte, retain bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Publish(channel, p.opts.QoS, retain, data)
	if err := waitToken(ctx, token, p.publishTimeout()); err != nil {
		p.promMetrics.BusAckFailures.WithLabelValues("mqtt").Inc()
		return fmt.Errorf("mqtt publish: %w", err)
	}
	p.promMetrics.BusPublished.WithLabelValues("mqtt").Inc()
	p.logger.Debug("published to mqtt", zap.String("channel", channel), zap.Bool("retain", retain))
	return nil
}

func (p *MQTTPublisher) PublishWithRetries(ctx context.Context, channel string, data []byte, retain bool, maxRetries int) error {
	return retryPublish(ctx, "mqtt", p.Publish, channel, data, retain, maxRetries, p.logger)
}

func (p *MQTTPublisher) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.client == nil {
		return nil
	}
	p.logger.Info("disconnecting from mqtt broker")
	p.client.Disconnect(250)
	p.client = nil
	return nil
}

func (p *MQTTPublisher) connectTimeout() time.Duration {
	if p.opts.ConnectTimeout > 0 {
		return p.opts.ConnectTimeout
	}
	return 10 * time.Second
}

func (p *MQTTPublisher) publishTimeout() time.Duration {
	if p.opts.PublishTimeout > 0 {
		return p.opts.PublishTimeout
	}
	return 5 * time.Second
}

// waitToken blocks until the token completes, ctx ends, or timeout elapses.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}
