package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpickup/backend/internal/domain"
)

const stateKey = "pickup:registry:state"

// RedisBridge 基于 Redis 的持久化桥。
//
// 快照以 JSON 写入单个键，键的 TTL 与新鲜度窗口一致，
// 所以过期快照即使未被显式丢弃也会被 Redis 自动清除。
type RedisBridge struct {
	client *redis.Client
	ctx    context.Context
	window time.Duration

	nowFunc func() time.Time
}

// NewRedisBridge 创建 Redis 持久化桥并验证连接。
func NewRedisBridge(addr, password string, db int, window time.Duration) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBridge{
		client:  client,
		ctx:     ctx,
		window:  window,
		nowFunc: time.Now,
	}, nil
}

// Save 写入快照，TTL 为新鲜度窗口。
func (b *RedisBridge) Save(snapshot domain.RegistrySnapshot) error {
	data, err := json.Marshal(domain.PersistedState{
		Snapshot:  snapshot,
		WrittenAt: b.nowFunc().UTC(),
	})
	if err != nil {
		return err
	}
	return b.client.Set(b.ctx, stateKey, data, b.window).Err()
}

// Load 读取快照，过期或缺失时返回相应错误。
func (b *RedisBridge) Load() (*domain.RegistrySnapshot, error) {
	data, err := b.client.Get(b.ctx, stateKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrStateNotFound
		}
		return nil, err
	}

	var state domain.PersistedState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}

	// 键 TTL 之外再做一次显式判断，防止时钟漂移
	if expired(state.WrittenAt, b.nowFunc(), b.window) {
		return nil, domain.ErrStateExpired
	}
	return &state.Snapshot, nil
}

// Ping 检查 Redis 连接，供健康检查使用。
func (b *RedisBridge) Ping() error {
	return b.client.Ping(b.ctx).Err()
}

// Close 关闭 Redis 连接。
func (b *RedisBridge) Close() error {
	return b.client.Close()
}

var _ Bridge = (*RedisBridge)(nil)
