package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "AgentMarket/internal/errors"
)

// RedisConfig 描述 Redis pub/sub 的连接参数。
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisBus 通过 Redis PUBLISH/SUBSCRIBE 转发运行事件，每个运行一个频道。
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus 创建 Redis 事件总线并检查连通性。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "market:runs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBus{client: client, prefix: prefix}, nil
}

// Channel 返回运行对应的频道名。
func (b *RedisBus) Channel(runID string) string {
	return channelName(b.prefix, runID)
}

func channelName(prefix, runID string) string {
	return prefix + ":" + runID
}

// Publish 将事件发布到运行频道。
func (b *RedisBus) Publish(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "事件编码失败")
	}
	if err := b.client.Publish(ctx, b.Channel(rec.RunID), body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Subscribe 订阅运行频道，无法解析的消息被丢弃。
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan Record, func(), error) {
	sub := b.client.Subscribe(ctx, b.Channel(runID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 订阅失败")
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Record, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
