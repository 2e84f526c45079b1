package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"undercover/internal/core/ports"
	"undercover/internal/core/services"
	httphandlers "undercover/internal/handlers/http"
	"undercover/internal/infrastructure/distributed"
	"undercover/internal/infrastructure/middleware"
	"undercover/internal/infrastructure/monitoring"
	"undercover/internal/infrastructure/reliability"
	"undercover/internal/infrastructure/repositories"
	"undercover/internal/infrastructure/scheduler"
	wsgateway "undercover/internal/infrastructure/signal"
	"undercover/pkg/circuitbreaker"
	"undercover/pkg/config"
	"undercover/pkg/logger"
	"undercover/pkg/retry"
	"undercover/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultPath := os.Getenv("UNDERCOVER_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: tracing.DefaultConfig().ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)

	var metrics ports.Metrics = services.NewMetricsService()
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	registry := services.NewSessionRegistry(
		cfg.Gateway.MaxConnections,
		services.NewOfflineQueue(cfg.Chat.OfflineQueueSize),
		metrics,
		log,
	)
	moderator, err := services.NewChatModerator(services.ChatConfig{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		Cooldown:         cfg.Chat.Cooldown,
		MaxPerMinute:     cfg.Chat.MaxPerMinute,
		HistorySize:      cfg.Chat.HistorySize,
		BannedPhrases:    cfg.Chat.BannedPhrases,
	}, log)
	if err != nil {
		log.Fatalw("failed to build chat moderator", "error", err)
	}
	relay := services.NewSubscriptionRelay(registry, log)
	auth := services.NewAuthService(cfg.Auth.JWTSecret)

	rankRetry := retry.DefaultConfig()
	rankRetry.MaxAttempts = 2
	var ranking ports.RankingService = reliability.NewRankingServiceWrapper(
		repoFactory.CreateRankingService(),
		rankRetry,
		circuitbreaker.DefaultConfig(),
		log,
	)
	var rankCache *services.CachedRankingService
	if cfg.Redis.RankCacheTTL > 0 {
		rankCache = services.NewCachedRankingService(ranking, cfg.Redis.RankCacheTTL)
		defer rankCache.Close()
		ranking = rankCache
	}

	dispatcher := wsgateway.NewDispatcher(registry, moderator, relay, metrics, log)
	dispatcher.SetRankingService(ranking)
	dispatcher.SetRestrictGameControl(cfg.Gateway.RestrictGameControl)

	wsCfg := wsgateway.ServerConfig{
		PingInterval:   cfg.Gateway.PingInterval,
		PongTimeout:    cfg.Gateway.PongTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		SendBufferSize: cfg.Gateway.SendBufferSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := wsgateway.NewWebSocketServer(registry, auth, dispatcher, wsCfg, log)

	health := monitoring.NewHealthChecker(log)
	if repoFactory.RedisClient() != nil {
		health.AddCheck("redis", repoFactory.HealthCheck, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
	)

	health.RegisterRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	limiter := middleware.NewHTTPRateLimitMiddleware(cfg)
	wsServer.RegisterRoutes(router.Group("", limiter))

	admin := router.Group("/api/v1/admin",
		limiter,
		middleware.AdminAuthMiddleware(cfg.Auth.AdminToken),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewAdminHandler(registry, moderator, dispatcher, cfg.Gateway.MaxIdle, log).SetupRoutes(admin)

	ctx, cancel := context.WithCancel(context.Background())
	var background sync.WaitGroup

	sweeper := scheduler.NewSweeper(registry, moderator, relay, metrics, scheduler.Config{
		Interval: cfg.Gateway.SweepInterval,
		MaxIdle:  cfg.Gateway.MaxIdle,
	}, log)
	background.Add(2)
	go func() {
		defer background.Done()
		sweeper.Start(ctx)
	}()
	go func() {
		defer background.Done()
		health.StartBackgroundChecks(ctx, cfg.Monitoring.HealthInterval)
	}()

	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, relay, log)
		if rankCache != nil {
			bus.SetRankCache(rankCache)
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if err := bus.Run(ctx); err != nil {
				log.Errorw("leaderboard event bus stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting gateway", "address", cfg.Server.Address, "max_connections", cfg.Gateway.MaxConnections)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	registry.Close()
	cancel()
	sweeper.Stop()
	background.Wait()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("gateway stopped")
}
