package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"vectorkb/internal/adapter/provider/llm/openai"
	"vectorkb/internal/api"
	"vectorkb/internal/db/openaivs"
	"vectorkb/internal/db/postgres"
	redisdb "vectorkb/internal/db/redis"
	"vectorkb/internal/domain/kb"
	"vectorkb/internal/platform/config"
	applog "vectorkb/internal/platform/log"
	"vectorkb/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	defer applog.Sync()

	audit := initAudit(cfg)
	cache := initCache(cfg)

	// 构建组件的工厂，启动时和 /api/config 换 key 时复用
	build := func(apiKey, baseURL string) (*api.Deps, error) {
		if baseURL == "" {
			baseURL = cfg.OpenAI.BaseURL
		}
		return buildDeps(cfg, apiKey, baseURL, audit, cache), nil
	}

	var deps *api.Deps
	if cfg.OpenAI.APIKey != "" {
		deps, _ = build(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		applog.Info("✅ Knowledge base components initialized")
	} else {
		applog.Warn("⚠️  No OPENAI_API_KEY set, waiting for POST /api/config")
	}

	session := api.NewSession(deps, build)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.MaxFileMB = cfg.KB.MaxFileSize
	server := api.NewServer(serverConfig, session)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

// buildDeps 按凭证组装整套知识库组件
func buildDeps(cfg *config.AppConfig, apiKey, baseURL string, audit kb.AuditStore, cache kb.AnswerCacheStore) *api.Deps {
	kbCfg := cfg.KB

	client := openaivs.New(openaivs.Config{
		APIKey:                apiKey,
		BaseURL:               baseURL,
		RequestTimeoutSeconds: cfg.OpenAI.RequestTimeoutSeconds,
	})

	llm := openai.New(openai.Config{
		APIKey:                apiKey,
		BaseURL:               baseURL,
		RequestTimeoutSeconds: cfg.OpenAI.RequestTimeoutSeconds,
	})
	provider.RegisterProvider(llm)

	batches := kb.NewBatchController(client, &kbCfg)
	retrieval := kb.NewRetrievalPipeline(client, &kbCfg)
	assistant := kb.NewAssistant(retrieval, llm, &kbCfg)

	if audit != nil {
		batches.SetAudit(audit)
	}
	if cache != nil && kbCfg.HasCache() {
		batches.SetCache(cache)
		assistant.SetCache(cache)
	}

	return &api.Deps{
		Files:     client,
		Stores:    client,
		Batches:   batches,
		Retrieval: retrieval,
		Assistant: assistant,
		Registry:  kb.NewFileRegistry(),
		Probes:    kb.NewProbeRegistry(),
		Audit:     audit,
	}
}

// initAudit PostgreSQL 审计存储，DATABASE_URL 未设置时禁用
func initAudit(cfg *config.AppConfig) kb.AuditStore {
	if cfg.Database.URL == "" {
		applog.Info("ℹ️  No DATABASE_URL set, audit log disabled")
		return nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.EnsureTables(ctx); err != nil {
		applog.Warnf("⚠️  Failed to ensure audit tables: %v", err)
	} else {
		applog.Info("✅ Audit tables ready (knowledge_files, index_batches)")
	}
	return repo
}

// initCache Redis 问答缓存，REDIS_URL 未设置时禁用
func initCache(cfg *config.AppConfig) kb.AnswerCacheStore {
	if cfg.Redis.URL == "" {
		applog.Info("ℹ️  No REDIS_URL set, answer cache disabled")
		return nil
	}

	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}

	redisClient := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	applog.Infof("✅ Connected to Redis for answer cache (TTL: %ds)", cfg.KB.CacheTTL)

	return redisdb.NewAnswerCache(redisClient, cfg.KB.CacheTTL)
}
