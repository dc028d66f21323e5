package wire

import (
	"context"

	"landing-ai-api/internal/application/batch"
	"landing-ai-api/internal/application/pagestore"
	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/infrastructure/messaging"
	"landing-ai-api/internal/infrastructure/persistence/postgres"
	"landing-ai-api/internal/infrastructure/persistence/redis"
	"landing-ai-api/internal/infrastructure/remote"
	"landing-ai-api/internal/interfaces/http/handler"
	"landing-ai-api/pkg/logger"
)

// Worker 批量任务 worker 依赖
type Worker struct {
	Consumer *messaging.Consumer
	Batch    *batch.Service
}

// ProvidePostgresClient 提供 PostgreSQL 客户端，按配置自动建表
func ProvidePostgresClient(ctx context.Context, cfg *config.Config) (*postgres.Client, func(), error) {
	client, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Postgres.AutoMigrate {
		if err := client.AutoMigrate(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info(ctx, "database schema migrated")
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideRedisClient 提供 Redis 客户端
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	client, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
	}
	return client, cleanup, nil
}

// ProvideHistoryCache 提供区块历史缓存
func ProvideHistoryCache(client *redis.Client, cfg *config.Config) *redis.HistoryCache {
	return redis.NewHistoryCache(client, cfg.History.CacheTTL)
}

// ProvideMessagingProducer 提供消息生产者
func ProvideMessagingProducer(redisClient *redis.Client, cfg *config.Config) *messaging.Producer {
	return messaging.NewProducer(redisClient.Redis(), messaging.Stream(cfg.Batch.Stream), int64(cfg.Messaging.RedisStream.MaxLen))
}

// ProvideConsumer 提供批量任务消费者
func ProvideConsumer(redisClient *redis.Client, cfg *config.Config) *messaging.Consumer {
	rs := cfg.Messaging.RedisStream
	stream := messaging.Stream(cfg.Batch.Stream)
	if stream == "" {
		stream = messaging.StreamPageRegen
	}
	return messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        stream,
		Group:         messaging.ConsumerGroupRegenWorker.GroupName(rs.ConsumerGroupPrefix),
		ConsumerName:  messaging.HostnameConsumerName(),
		BlockTimeout:  rs.BlockTimeout,
		ClaimInterval: rs.ClaimInterval,
		RetryLimit:    rs.RetryLimit,
		Backoff:       messaging.BackoffFromConfig(rs.RetryBackoff),
	})
}

// ProvidePageStore 提供页面存储服务
func ProvidePageStore(
	blocks repository.BlockRepository,
	history repository.HistoryRepository,
	tx repository.Transactor,
	cache pagestore.HistoryCache,
	cfg *config.Config,
) *pagestore.Service {
	return pagestore.NewService(blocks, history, tx, cache, &cfg.History)
}

// ProvideAPIBatchService API 侧批量任务服务：只入队，不执行
func ProvideAPIBatchService(jobs repository.BatchJobRepository, pages batch.Pages, publisher batch.Publisher, cfg *config.Config) *batch.Service {
	return batch.NewService(jobs, pages, nil, publisher, cfg)
}

// ProvideWorkerBatchService worker 侧批量任务服务：执行，不入队
func ProvideWorkerBatchService(jobs repository.BatchJobRepository, pages batch.Pages, gen *remote.GenerationClient, cfg *config.Config) *batch.Service {
	return batch.NewService(jobs, pages, gen, nil, cfg)
}

// ProvideGenerationClient 提供远端生成服务客户端
func ProvideGenerationClient(cfg *config.Config) *remote.GenerationClient {
	return remote.NewGenerationClient(&cfg.Generation)
}

// ProvideHealthHandler 提供健康检查处理器
func ProvideHealthHandler(cfg *config.Config, pg *postgres.Client, redisClient *redis.Client) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg.App.Version, pg, redisClient)
}
