// Package main runs the litepoll HTTP server with live result streaming and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/schmich/litepoll/config"
	"github.com/schmich/litepoll/internal/cache"
	"github.com/schmich/litepoll/internal/dedup"
	"github.com/schmich/litepoll/internal/middleware"
	"github.com/schmich/litepoll/internal/polls"
	"github.com/schmich/litepoll/internal/realtime"
	"github.com/schmich/litepoll/pkg/database"
	"github.com/schmich/litepoll/pkg/redis"
	"github.com/schmich/litepoll/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, pubsub, pubsub)

	pollRepo := polls.NewRepository(pool)
	voterLedger := dedup.NewLedger(rdb.Client, cfg.Poll.VoterLedgerTTL)
	optionsCache := cache.NewOptions(rdb.Client, cfg.Poll.OptionsCacheTTL, logger)
	pollService := polls.NewService(pollRepo, voterLedger, optionsCache, hub, logger)
	pollHandler := polls.NewHandler(pollService, hub, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	router.POST("/poll", pollHandler.Create)
	router.GET("/poll/:id", pollHandler.Show)
	router.GET("/poll/:id/options", pollHandler.Options)
	router.PUT("/poll/:id", pollHandler.Vote)
	router.POST("/poll/:id/comments", pollHandler.Comment)
	router.POST("/poll/:id/comments/:index/vote", pollHandler.CommentVote)

	// Live result streams: SSE and WebSocket over the same hub.
	router.GET("/poll/:id/events", pollHandler.Events)
	router.GET("/poll/:id/ws", pollHandler.Stream)

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// No WriteTimeout: it would sever long-lived result streams.
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
