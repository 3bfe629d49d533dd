package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rowbus/internal/model"
)

// RedisStore persists watermarks as one Redis hash, one field per source.
// A zero ttl keeps the hash forever; an expired hash means a full replay.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Save writes every field in one MULTI/EXEC so readers never see a partial set.
func (s *RedisStore) Save(ctx context.Context, set model.WatermarkSet) error {
	if len(set) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(set))
	for source, wm := range set.Encode() {
		fields[source] = wm
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (model.WatermarkSet, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if err == redis.Nil {
			return model.WatermarkSet{}, nil
		}
		return nil, fmt.Errorf("redis load checkpoint: %w", err)
	}
	return decodeEntries(raw, s.logger), nil
}
