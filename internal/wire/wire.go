//go:build wireinject
// +build wireinject

// Package wire 提供依赖注入配置
package wire

import (
	"context"

	"github.com/google/wire"

	"landing-ai-api/internal/application/batch"
	"landing-ai-api/internal/application/pagestore"
	"landing-ai-api/internal/config"
	"landing-ai-api/internal/domain/repository"
	"landing-ai-api/internal/infrastructure/messaging"
	"landing-ai-api/internal/infrastructure/persistence/postgres"
	"landing-ai-api/internal/infrastructure/persistence/redis"
	"landing-ai-api/internal/interfaces/http/handler"
	"landing-ai-api/internal/interfaces/http/middleware"
	"landing-ai-api/internal/interfaces/http/router"
)

// InitializeApp 初始化 API 网关（带路由器）
func InitializeApp(ctx context.Context, cfg *config.Config) (*router.Router, func(), error) {
	wire.Build(
		RepoSet,
		RedisSet,
		MessagingSet,
		PageStoreSet,
		ProvideAPIBatchService,
		RouterSet,
	)
	return nil, nil, nil
}

// InitializeWorker 初始化批量任务 worker
func InitializeWorker(ctx context.Context, cfg *config.Config) (*Worker, func(), error) {
	wire.Build(
		RepoSet,
		RedisSet,
		PageStoreSet,
		ProvideGenerationClient,
		ProvideWorkerBatchService,
		ProvideConsumer,
		wire.Struct(new(Worker), "*"),
	)
	return nil, nil, nil
}

// PostgresSet PostgreSQL 提供者集合
var PostgresSet = wire.NewSet(
	ProvidePostgresClient,
	postgres.NewTxManager,
	postgres.NewBlockRepository,
	postgres.NewHistoryRepository,
	postgres.NewBatchJobRepository,
)

// RepoSet 整合了具体实现与接口绑定的集合
var RepoSet = wire.NewSet(
	PostgresSet,
	wire.Bind(new(repository.Transactor), new(*postgres.TxManager)),
	wire.Bind(new(repository.BlockRepository), new(*postgres.BlockRepository)),
	wire.Bind(new(repository.HistoryRepository), new(*postgres.HistoryRepository)),
	wire.Bind(new(repository.BatchJobRepository), new(*postgres.BatchJobRepository)),
)

// RedisSet Redis 提供者集合
var RedisSet = wire.NewSet(
	ProvideRedisClient,
	ProvideHistoryCache,
	wire.Bind(new(pagestore.HistoryCache), new(*redis.HistoryCache)),
)

// MessagingSet 消息队列提供者集合
var MessagingSet = wire.NewSet(
	ProvideMessagingProducer,
	wire.Bind(new(batch.Publisher), new(*messaging.Producer)),
)

// PageStoreSet 页面存储服务
var PageStoreSet = wire.NewSet(
	ProvidePageStore,
	wire.Bind(new(batch.Pages), new(*pagestore.Service)),
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	redis.NewRateLimiter,
	wire.Bind(new(middleware.RateLimiter), new(*redis.RateLimiter)),
	wire.Bind(new(handler.PageService), new(*pagestore.Service)),
	wire.Bind(new(handler.BatchService), new(*batch.Service)),
	ProvideHealthHandler,
	handler.NewBlockHandler,
	handler.NewHistoryHandler,
	handler.NewJobHandler,
	handler.NewStreamHandler,
	wire.Struct(new(router.Handlers), "*"),
	router.New,
)
