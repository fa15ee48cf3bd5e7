package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rillcap/internal/core/ports"
	"rillcap/internal/core/services"
	httphandlers "rillcap/internal/handlers/http"
	"rillcap/internal/infrastructure/distributed"
	"rillcap/internal/infrastructure/middleware"
	"rillcap/internal/infrastructure/monitoring"
	"rillcap/internal/infrastructure/repositories"
	"rillcap/internal/infrastructure/upload"
	"rillcap/internal/infrastructure/worker"
	"rillcap/pkg/circuitbreaker"
	"rillcap/pkg/config"
	"rillcap/pkg/logger"
	"rillcap/pkg/ratelimit"
	"rillcap/pkg/retry"
	"rillcap/pkg/tracing"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/rillcap/config.yaml",
	"config.yaml",
}

const maxFailedBacklog = 500

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}

	configPath := flag.String("config", "", "Path to config.yaml (default: search the usual locations)")
	flag.Parse()

	paths := configPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, loadedFrom, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFile(cfg.Logging.Level, cfg.Logging.Format, logger.FileConfig{
		Path:       cfg.Logging.File.Path,
		MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
		MaxBackups: cfg.Logging.File.MaxBackups,
		MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		Compress:   cfg.Logging.File.Compress,
	})
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if loadedFrom != "" {
		log.Infow("configuration loaded", "path", loadedFrom)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("upload worker failed", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := cfg.Worker.InstanceID
	if instanceID == "" {
		instanceID = "worker-" + uuid.NewString()[:8]
	}
	log = log.With("instance_id", instanceID)

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			InstanceID:  instanceID,
			JaegerURL:   cfg.Tracing.JaegerURL,
			Environment: cfg.Tracing.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warnw("tracing disabled", "error", err)
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	defer repoFactory.Close()

	store, err := repoFactory.CreateSegmentStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open segment store: %w", err)
	}
	defer store.Close()

	var metrics ports.PipelineMetrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	targets, err := newTargetProvider(ctx, cfg)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.Upload.RateBitsPerSecond)
	if limiter.IsEnabled() {
		log.Infow("upload throttled", "rate", humanize.Bytes(uint64(limiter.BytesPerSecond()))+"/s")
	}
	uploader := upload.NewHTTPUploader(cfg.Upload.RequestTimeout, limiter, log)

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Upload.CircuitBreaker.FailureThreshold
	breakerCfg.Timeout = cfg.Upload.CircuitBreaker.Timeout
	breaker := circuitbreaker.New(breakerCfg)

	hubCfg := worker.DefaultHubConfig()
	hubCfg.PingInterval = cfg.Worker.PingInterval
	hubCfg.PongTimeout = cfg.Worker.PongTimeout
	hubCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		hubCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubCfg.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
			hubCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
		}
	}
	hub := worker.NewHub(hubCfg, metrics, log)
	defer hub.Close()

	// With Redis every instance's tabs hear about every upload.
	var events ports.EventPublisher = hub
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, cfg.Redis.KeyPrefix, instanceID, hub, log)
		go func() {
			if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
		events = bus
	}

	coordCfg := services.DefaultUploadCoordinatorConfig(instanceID)
	coordCfg.LeaseDuration = cfg.Worker.LeaseDuration
	coordCfg.FailedCooldown = cfg.Worker.FailedCooldown
	coordCfg.ClaimBatch = cfg.Worker.ClaimBatch
	coordCfg.TargetCacheTTL = cfg.Upload.TargetCacheTTL
	coordCfg.Retry = retry.Config{
		Enabled:      true,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}
	coordinator := services.NewUploadCoordinator(coordCfg, store, targets, uploader, limiter, breaker, events, metrics, log)
	defer coordinator.Close()

	lease := repoFactory.CreateDrainLease(instanceID, cfg.Worker.LeaseDuration)
	scheduler := services.NewDrainScheduler(coordinator, lease, repoFactory.SyncRegistry(), cfg.Worker.DrainInterval, log)
	hub.SetDrainer(scheduler)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("drain scheduler stopped", "error", err)
		}
	}()

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(store, cfg.Monitoring.MetricsInterval, 2*time.Second)
	checker.AddBacklogCheck(store, maxFailedBacklog, cfg.Monitoring.MetricsInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	var auth services.AuthService
	if cfg.Auth.Enabled {
		auth = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	httphandlers.SetupHealthRoutes(router, checker, gatherer)
	httphandlers.NewWorkerHandler(store, scheduler, coordinator, scheduler, hub, auth, log).
		SetupRoutes(router, middleware.NewWebSocketConnectLimitMiddleware(cfg))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("upload worker listening",
			"address", cfg.Server.Address,
			"storage", repoFactory.Backend(),
			"presign", cfg.Presign.Mode,
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
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
	// stops the scheduler; an in-flight upload is released back to PENDING
	cancel()

	log.Info("upload worker stopped")
	return nil
}

func newTargetProvider(ctx context.Context, cfg *config.Config) (ports.UploadTargetProvider, error) {
	switch cfg.Presign.Mode {
	case "s3":
		return upload.NewS3Presigner(ctx, upload.S3Options{
			Bucket:   cfg.Presign.Bucket,
			Region:   cfg.Presign.Region,
			Endpoint: cfg.Presign.Endpoint,
			Prefix:   cfg.Presign.Prefix,
			URLTTL:   cfg.Presign.URLTTL,
		})
	case "api", "":
		return upload.NewAPIPresigner(cfg.Presign.APIBaseURL, cfg.Presign.APIToken, cfg.Upload.RequestTimeout), nil
	}
	return nil, fmt.Errorf("unknown presign mode %q", cfg.Presign.Mode)
}
