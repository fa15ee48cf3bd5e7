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

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/internal/core/services"
	httphandlers "rillcap/internal/handlers/http"
	"rillcap/internal/infrastructure/media"
	"rillcap/internal/infrastructure/middleware"
	"rillcap/internal/infrastructure/monitoring"
	"rillcap/internal/infrastructure/repositories"
	rtc "rillcap/internal/infrastructure/webrtc"
	"rillcap/internal/infrastructure/worker"
	"rillcap/pkg/config"
	"rillcap/pkg/logger"
	"rillcap/pkg/tracing"
	"rillcap/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/rillcap/config.yaml",
	"config.yaml",
}

func main() {
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
		log.Fatalw("capture agent failed", "error", err)
	}
}

// workerToken lets the agent reach an authenticated worker. The agent shares the
// worker's signing secret and acts for every session it records.
func workerToken(cfg *config.Config) (string, error) {
	if !cfg.Auth.Enabled {
		return "", nil
	}
	return services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).IssueSessionToken(services.AllSessions)
}

func newBridge(cfg *config.Config, repoFactory *repositories.RepositoryFactory, metrics ports.PipelineMetrics, log *zap.SugaredLogger) (*worker.Bridge, error) {
	token, err := workerToken(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to issue worker token: %w", err)
	}
	if token != "" {
		log.Debugw("authenticating to upload worker", "token", utils.MaskSensitive(token, 10))
	}

	var factory worker.ConnFactory
	if cfg.Worker.URL != "" {
		dial := worker.DialFactory(cfg.Worker.URL, token, log)
		factory = func(ctx context.Context) (ports.WorkerConn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.Worker.DialTimeout)
			defer cancel()
			return dial(dialCtx)
		}
	}

	var fallbacks []ports.DrainTrigger
	if cfg.Capture.BackgroundSync {
		fallbacks = append(fallbacks, worker.NewBackgroundSyncTrigger(repoFactory.SyncRegistry()))
	}
	if cfg.Capture.ServiceWorkerRoute {
		fallbacks = append(fallbacks, worker.NewServiceWorkerTrigger(cfg.Worker.APIURL, token, cfg.Worker.DialTimeout))
	}

	return worker.NewBridge(worker.NewSharedWorkerProvider(factory, log), fallbacks, metrics, log), nil
}

func newStreamReceiver(cfg *config.Config, log *zap.SugaredLogger) *rtc.StreamReceiver {
	if !cfg.Capture.WebRTC.Enabled {
		return nil
	}
	rcfg := rtc.WebRTCConfig{}
	for _, s := range cfg.Capture.WebRTC.ICEServers {
		rcfg.ICEServers = append(rcfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	rcfg.PortRange.Min = cfg.Capture.WebRTC.PortMin
	rcfg.PortRange.Max = cfg.Capture.WebRTC.PortMax
	return rtc.NewStreamReceiver(rcfg, rtc.NewRTPFrameClock(0, log), log)
}

func logWorkerEvent(log *zap.SugaredLogger) worker.Listener {
	return func(msg domain.Message) {
		switch m := msg.(type) {
		case domain.SegmentUploaded:
			log.Infow("segment uploaded", "session_id", m.SessionID, "segment_id", m.LocalSegmentID, "remote_id", m.RemoteSegmentID)
		case domain.SegmentFailed:
			log.Warnw("segment upload failed", "session_id", m.SessionID, "segment_id", m.LocalSegmentID, "attempts", m.Attempts, "reason", m.Reason)
		case domain.SegmentRequeued:
			log.Infow("segment requeued", "session_id", m.SessionID, "segment_id", m.LocalSegmentID, "reason", m.Reason)
		case domain.DrainCompleted:
			log.Debugw("upload pass completed", "uploaded", m.Uploaded, "failed", m.Failed, "requeued", m.Requeued)
		}
	}
}

// retryPendingWrites re-persists segments whose local write failed.
func retryPendingWrites(ctx context.Context, agent *services.CaptureAgent, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := agent.RetryPending(ctx)
			if n > 0 {
				log.Infow("pending segment writes persisted", "count", n)
			}
			if err != nil && ctx.Err() == nil {
				log.Warnw("pending segment writes still failing", "error", err)
			}
		}
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName + "-capture",
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

	bridge, err := newBridge(cfg, repoFactory, metrics, log)
	if err != nil {
		return err
	}
	defer bridge.Close()
	// connect now so worker events reach the log before the first trigger
	_ = bridge.SharedWorker(ctx)
	unsubscribe := bridge.AddListener(logWorkerEvent(log))
	defer unsubscribe()

	inputCfg := services.InputLoggerConfig{
		MouseMoveInterval: cfg.Capture.MouseMoveInterval,
		MouseMoveDistance: cfg.Capture.MouseMoveDistance,
		WheelInterval:     cfg.Capture.WheelInterval,
	}
	tracker := services.NewMediaTimeTracker(cfg.Capture.MediaPollInterval, log)
	agent := services.NewCaptureAgent(services.CaptureAgentConfig{
		ContentType: cfg.Capture.ContentType,
		InputLogger: inputCfg,
	}, store, tracker, bridge, metrics, log)
	defer agent.Close()

	receiver := newStreamReceiver(cfg, log)
	if receiver != nil {
		defer receiver.Close()
	}

	go retryPendingWrites(ctx, agent, cfg.Worker.DrainInterval, log)

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(store, cfg.Monitoring.MetricsInterval, 2*time.Second)
	checker.StartBackgroundChecks(ctx)

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
	httphandlers.NewCaptureHandler(agent, media.NewPlaybackElement(), receiver, log).
		WithMaxSegmentBytes(cfg.Capture.MaxSegmentBytes).
		SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Capture.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("capture agent listening",
			"address", cfg.Capture.Address,
			"storage", repoFactory.Backend(),
			"webrtc", receiver != nil,
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

	if status := agent.Status(); status.Recording {
		// seal what was captured so far; the page never sent the final cluster
		if _, err := agent.Stop(shutdownCtx, nil); err != nil {
			log.Warnw("failed to seal active segment on shutdown", "error", err)
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	log.Info("capture agent stopped")
	return nil
}
