package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	signaturePrefix    = "sync:signature"
	defaultTTL         = 24 * time.Hour
	processingTTL      = 10 * time.Minute
	defaultPingTimeout = 3 * time.Second
)

// RedisStatusJournal 在 Redis 中记录签名的终态，进程重启后用于判重
type RedisStatusJournal struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStatusJournal 创建签名状态记录器，ttl<=0 时使用默认 24h
func NewRedisStatusJournal(rdb *redis.Client, ttl time.Duration) *RedisStatusJournal {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStatusJournal{rdb: rdb, ttl: ttl}
}

// DialRedis 连接并 Ping
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisStatusJournal) key(signature string) string {
	return signaturePrefix + ":" + signature
}

// Get 获取签名状态，不存在返回 StatusUnknown
func (r *RedisStatusJournal) Get(ctx context.Context, signature string) (SignatureStatus, error) {
	val, err := r.rdb.Get(ctx, r.key(signature)).Int()
	switch {
	case err == redis.Nil:
		return StatusUnknown, nil
	case err != nil:
		return StatusUnknown, fmt.Errorf("redis get error: %w", err)
	case val == int(StatusCompleted):
		return StatusCompleted, nil
	case val == int(StatusFailed):
		return StatusFailed, nil
	case val == int(StatusProcessing):
		return StatusProcessing, nil
	default:
		return StatusUnknown, nil // 容错处理
	}
}

// Mark 设置签名状态；处理中状态使用短 TTL
func (r *RedisStatusJournal) Mark(ctx context.Context, signature string, status SignatureStatus) error {
	ttl := r.ttl
	if status == StatusProcessing {
		ttl = processingTTL
	}
	return r.rdb.Set(ctx, r.key(signature), int(status), ttl).Err()
}

func (r *RedisStatusJournal) MarkCompleted(ctx context.Context, signature string) error {
	return r.Mark(ctx, signature, StatusCompleted)
}

func (r *RedisStatusJournal) MarkFailed(ctx context.Context, signature string) error {
	return r.Mark(ctx, signature, StatusFailed)
}

func (r *RedisStatusJournal) MarkProcessing(ctx context.Context, signature string) error {
	return r.Mark(ctx, signature, StatusProcessing)
}
