package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/logger"
)

var cacheTracer = otel.Tracer("redis.cache")

// HistoryCache 区块持久历史的读穿缓存
type HistoryCache struct {
	client *Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewHistoryCache 创建历史缓存
func NewHistoryCache(client *Client, ttl time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HistoryCache{client: client, ttl: ttl}
}

// HistoryKey 区块历史缓存键
func HistoryKey(blockID int64) string {
	return fmt.Sprintf("history:block:%d", blockID)
}

// GetOrLoad 读取区块历史，未命中时通过 singleflight 合并并发加载
func (c *HistoryCache) GetOrLoad(ctx context.Context, blockID int64, loader func(ctx context.Context) (*entity.DurableHistory, error)) (*entity.DurableHistory, error) {
	key := HistoryKey(blockID)
	ctx, span := cacheTracer.Start(ctx, "cache.History.GetOrLoad",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if h, ok := c.get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return h, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// 再次检查缓存（可能已被其他请求填充）
		if h, ok := c.get(ctx, key); ok {
			return h, nil
		}

		h, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}
		if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			// 缓存写入失败不影响返回结果
			logger.Warn(ctx, "failed to cache block history", "key", key, "error", err)
		}
		return h, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.(*entity.DurableHistory), nil
}

func (c *HistoryCache) get(ctx context.Context, key string) (*entity.DurableHistory, bool) {
	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !IsNil(err) {
			logger.Warn(ctx, "history cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var h entity.DurableHistory
	if err := json.Unmarshal(val, &h); err != nil {
		return nil, false
	}
	return &h, true
}

// Invalidate 使区块历史缓存失效
func (c *HistoryCache) Invalidate(ctx context.Context, blockIDs ...int64) error {
	if len(blockIDs) == 0 {
		return nil
	}
	ctx, span := cacheTracer.Start(ctx, "cache.History.Invalidate",
		trace.WithAttributes(attribute.Int("cache.key_count", len(blockIDs))))
	defer span.End()

	keys := make([]string, len(blockIDs))
	for i, id := range blockIDs {
		keys[i] = HistoryKey(id)
	}
	if err := c.client.rdb.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
