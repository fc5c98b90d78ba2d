// Package wire 提供应用装配
package wire

import (
	"context"
	"fmt"

	"scripture-qa-api/internal/application/answer"
	"scripture-qa-api/internal/application/guardrail"
	"scripture-qa-api/internal/application/ledger"
	"scripture-qa-api/internal/application/retrieval"
	"scripture-qa-api/internal/config"
	"scripture-qa-api/internal/infrastructure/embedding"
	"scripture-qa-api/internal/infrastructure/llm"
	"scripture-qa-api/internal/infrastructure/persistence/milvus"
	"scripture-qa-api/internal/infrastructure/persistence/postgres"
	"scripture-qa-api/internal/infrastructure/persistence/redis"
	"scripture-qa-api/internal/interfaces/http/handler"
	"scripture-qa-api/internal/interfaces/http/router"
	"scripture-qa-api/pkg/logger"
)

// App 装配完成的应用
type App struct {
	Router *router.Router
	Ledger *ledger.Ledger

	pgClient     *postgres.Client
	redisClient  *redis.Client
	milvusClient *milvus.Client
}

// InitializeApp 按依赖顺序装配应用，返回清理函数
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	// 数据层
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init postgres: %w", err)
	}

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		pgClient.Close()
		return nil, nil, fmt.Errorf("failed to init redis: %w", err)
	}

	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		redisClient.Close()
		pgClient.Close()
		return nil, nil, fmt.Errorf("failed to init milvus: %w", err)
	}

	// 仓储
	passageRepo := postgres.NewPassageRepository(pgClient)
	vectorRepo := milvus.NewRepository(milvusClient)
	if err := passageRepo.EnsureIndexes(ctx); err != nil {
		logger.Warn(ctx, "failed to ensure passage indexes", "error", err.Error())
	}
	if err := vectorRepo.EnsureCollection(ctx); err != nil {
		logger.Warn(ctx, "failed to ensure vector collection", "error", err.Error())
	}

	// 外部服务客户端
	embedClient := embedding.NewClient(&cfg.Embedding)
	llmClient, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		milvusClient.Close()
		redisClient.Close()
		pgClient.Close()
		return nil, nil, fmt.Errorf("failed to init llm client: %w", err)
	}

	// 应用层
	engine := retrieval.NewEngine(embedClient, vectorRepo, passageRepo, passageRepo,
		retrieval.WithAlpha(cfg.Retrieval.Alpha),
		retrieval.WithTopKBounds(cfg.Retrieval.DefaultTopK, cfg.Retrieval.MaxTopK),
	)
	validator := guardrail.NewValidator(cfg.Guardrail.MinCitedRatio)

	terminalStore := redis.NewTerminalStore(redisClient, cfg.Ledger.TerminalTTL)
	led := ledger.New(terminalStore, cfg.Ledger.TerminalTTL, cfg.Ledger.SweepInterval)
	led.Start()

	answerService := answer.NewService(engine, validator, led, llmClient, cfg.LLM.DefaultModel)

	// 接口层
	handlers := &router.Handlers{
		Health:    handler.NewHealthHandler(pgClient, redisClient, milvusClient),
		Answer:    handler.NewAnswerHandler(answerService),
		Retrieval: handler.NewRetrievalHandler(engine),
		Limiter:   redis.NewRateLimiter(redisClient),
	}
	r := router.New(cfg, handlers)

	app := &App{
		Router:       r,
		Ledger:       led,
		pgClient:     pgClient,
		redisClient:  redisClient,
		milvusClient: milvusClient,
	}

	cleanup := func() {
		led.Close()
		if err := milvusClient.Close(); err != nil {
			logger.Warn(ctx, "failed to close milvus client", "error", err.Error())
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn(ctx, "failed to close redis client", "error", err.Error())
		}
		if err := pgClient.Close(); err != nil {
			logger.Warn(ctx, "failed to close postgres client", "error", err.Error())
		}
	}
	return app, cleanup, nil
}
