package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledgerly_back/agents"
	"ledgerly_back/cache"
	"ledgerly_back/conversations"
	"ledgerly_back/executor"
	"ledgerly_back/integrations"
	"ledgerly_back/knowledge"
	"ledgerly_back/llm"
	"ledgerly_back/metrics"
	"ledgerly_back/storage"
	"ledgerly_back/usage"
	"ledgerly_back/zlog"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()
	zlog.Init(zlog.ConfigFromEnv())
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := agents.OpenDatabaseFromEnv()
	if err != nil {
		zlog.Fatal("open database", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg, enabled := cache.ConfigFromEnv(); enabled {
		redisClient, err = cache.Connect(ctx, cfg)
		if err != nil {
			zlog.Warn("redis unavailable, history cache disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	documents, err := storage.NewDocumentStorageFromEnv(ctx)
	if err != nil {
		zlog.Fatal("init document storage", zap.Error(err))
	}

	pricing, err := usage.PricingFromEnv()
	if err != nil {
		zlog.Fatal("load pricing table", zap.Error(err))
	}
	accountant := usage.NewAccountant(usage.NewTokenizerCache(nil), pricing)
	defer accountant.Close()

	recorder := metrics.New()

	knowledgeStore := knowledge.NewGormStore(db)
	knowledgeService, err := knowledge.NewServiceFromEnv(ctx, knowledgeStore, documents, accountant, recorder)
	if err != nil {
		zlog.Fatal("init knowledge service", zap.Error(err))
	}
	worker := knowledge.NewWorker(knowledgeService.ProcessKnowledgeBase, knowledge.WorkerConfigFromEnv())
	worker.Start(ctx)
	knowledgeService.UseWorker(worker)

	agentStore := agents.NewStore(db, knowledgeService)
	conversationStore := conversations.NewStore(db, redisClient)

	if err := migrate(db, agentStore, conversationStore); err != nil {
		zlog.Fatal("migrate database", zap.Error(err))
	}
	if _, err := knowledgeService.ResumeUnfinished(ctx); err != nil {
		zlog.Warn("resume unfinished ingestion", zap.Error(err))
	}

	aggregator, err := integrations.NewAggregatorFromEnv()
	if err != nil {
		zlog.Fatal("init integrations", zap.Error(err))
	}
	gateway, err := llm.NewGatewayFromEnv(ctx, llm.WithMetrics(recorder))
	if err != nil {
		zlog.Fatal("init model gateway", zap.Error(err))
	}

	exec, err := executor.New(executor.Config{
		Prompts:       agentStore,
		Knowledge:     knowledgeService,
		Context:       aggregator,
		Gateway:       gateway,
		Accountant:    accountant,
		Conversations: conversationStore,
		Metrics:       recorder,
	})
	if err != nil {
		zlog.Fatal("init executor", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Caller-Identity"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(recorder.Handler()))

	api := r.Group("/api")
	agents.RegisterRoutes(api, agentStore)
	knowledge.RegisterRoutes(api, knowledgeService, agentStore)
	conversations.RegisterRoutes(api, conversationStore, agentStore)
	executor.RegisterRoutes(api, exec, agentStore)
	llm.RegisterRoutes(api, gateway, llm.LoadCatalog())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server shutdown", zap.Error(err))
	}
	worker.Stop()
}

type migrator interface {
	AutoMigrate() error
}

func migrate(db *gorm.DB, stores ...migrator) error {
	for _, s := range stores {
		if err := s.AutoMigrate(); err != nil {
			return err
		}
	}
	return knowledge.AutoMigrate(db)
}

func allowedOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if raw == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
