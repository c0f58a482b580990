package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWriter *redis.Client 的子集，测试中可替换
type redisWriter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink 把每类数据的最新值写入 <prefix><kind>，并在 <prefix>events 频道广播
type RedisSink struct {
	rdb          redisWriter
	prefix       string
	ttl          time.Duration
	writeTimeout time.Duration
}

func NewRedisSink(rdb redisWriter, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		writeTimeout: 200 * time.Millisecond,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Key(kind Kind) string { return s.prefix + string(kind) }

func (s *RedisSink) Channel() string { return s.prefix + "events" }

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", ev.Kind, err)
	}

	// 短超时：Redis 卡住时不能拖慢轮询协程
	rCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.rdb.Set(rCtx, s.Key(ev.Kind), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", s.Key(ev.Kind), err)
	}
	if err := s.rdb.Publish(rCtx, s.Channel(), data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", s.Channel(), err)
	}
	return nil
}
