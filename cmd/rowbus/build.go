package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rowbus/internal/checkpoint"
	"rowbus/internal/config"
	"rowbus/internal/publisher"
	"rowbus/internal/source"
)

func buildConnector(cfg config.Config, logger *zap.Logger) (source.Connector, error) {
	if cfg.DBDriver == "pgx" {
		return source.NewPGXConnector(cfg.DatabaseURL, logger), nil
	}
	return source.NewSQLConnector(cfg.DBDriver, cfg.DatabaseURL, logger)
}

func buildPublisher(cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	switch cfg.BusKind {
	case "mqtt":
		return publisher.NewMQTTPublisher(publisher.MQTTOptions{
			URL:      cfg.MQTTURL,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      byte(cfg.MQTTQoS),
		}, logger), nil
	case "jetstream":
		return publisher.NewJetStreamPublisher(publisher.JetStreamOptions{
			URLs:           cfg.NATSURLs,
			Username:       cfg.NATSUsername,
			Password:       cfg.NATSPassword,
			ConnectTimeout: cfg.NATSTimeout,
			PublishTimeout: cfg.NATSTimeout,
			StreamName:     cfg.NATSStream,
			StreamSubjects: []string{cfg.BusChannel},
			RetainLast:     true,
		}, logger), nil
	case "redis":
		return publisher.NewRedisPublisher(cfg.RedisURL, logger), nil
	case "noop":
		logger.Warn("noop bus selected, rows are not delivered anywhere")
		return publisher.NewNoopPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.BusKind)
	}
}

// newCheckpointStore opens the configured watermark store. An unreachable Redis
// is not fatal: loads and saves fail until it returns and the manager logs them.
func newCheckpointStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (checkpoint.Store, func(), error) {
	switch cfg.CheckpointBackend {
	case "file":
		store, err := checkpoint.OpenFileStore(cfg.CheckpointPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse checkpoint redis url: %w", err)
		}
		client := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("checkpoint redis unavailable at startup", zap.String("addr", opt.Addr), zap.Error(err))
		}
		store := checkpoint.NewRedisStore(client, cfg.CheckpointKey, cfg.CheckpointTTL, logger)
		return store, func() { _ = client.Close() }, nil
	case "sqlite", "postgres":
		driver, dsn := "sqlite3", cfg.CheckpointDSN
		if cfg.CheckpointBackend == "postgres" {
			driver = "postgres"
		} else if dsn == "" {
			dsn = "rowbus_watermarks.db"
		}
		store, err := checkpoint.OpenSQLStore(ctx, driver, dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		logger.Warn("memory checkpoint selected, watermarks are lost on restart")
		return checkpoint.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}
