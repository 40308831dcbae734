package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/config"
	"github.com/yourorg/exchanger/internal/events"
	"github.com/yourorg/exchanger/internal/handler"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/scheduler"
	"github.com/yourorg/exchanger/internal/service"
	"github.com/yourorg/exchanger/internal/taskmanager"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "config/config.yaml"

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Set up logger
	logger, err := createLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Open store
	store, err := repository.OpenRateStore(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open rate store", zap.Error(err), zap.String("path", cfg.Database.Path))
	}

	// Initialize sources
	registry := buildRegistry(cfg, loc, m, logger)
	if len(registry.IDs()) == 0 {
		logger.Warn("No rate providers configured; only cached data will be served")
	}

	// Initialize services
	tasks := taskmanager.New(cfg.Tasks.Workers, m, logger)
	sched := scheduler.New(cfg.Scheduler.Tick, loc, logger)

	symbolService := service.NewSymbolService(store, registry, cfg.Backfill.SymbolsMaxAgeDays, logger)
	backfillService, err := service.NewBackfillService(store, registry, cfg.Backfill.AutoTime, loc, m, logger)
	if err != nil {
		logger.Fatal("Failed to create backfill service", zap.Error(err))
	}

	providerSymbols, globalSymbols := config.ParseSymbols(cfg.Backfill.Symbols)
	jobService := service.NewJobService(service.JobConfig{
		AutoBackfillTime: cfg.Backfill.AutoTime,
		AutoBackfillDays: cfg.Backfill.AutoDays,
		ProviderSymbols:  providerSymbols,
		GlobalSymbols:    globalSymbols,
	}, store, registry, symbolService, backfillService, tasks, sched, logger)

	rateService := service.NewRateService(store, registry, m, logger)
	backupService := service.NewBackupService(store, registry, tasks, cfg.Database.BackupDir, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := symbolService.WarmSourceCaches(ctx); err != nil {
		logger.Warn("Failed to warm source symbol caches", zap.Error(err))
	}

	// Task status publishing
	var publisher *events.StatusPublisher
	if cfg.Kafka.Enabled {
		publisher = events.NewStatusPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, logger)
		updates, _ := tasks.Subscribe(256)
		go publisher.Run(tasks.Context(), updates)
		logger.Info("Publishing task status", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Set up HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(handler.Handlers{
		Rates:   handler.NewRateHandler(rateService, logger),
		Symbols: handler.NewSymbolHandler(symbolService, logger),
		Tasks:   handler.NewTaskHandler(jobService, tasks, logger),
		Backups: handler.NewBackupHandler(backupService, logger),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, cfg.Auth.AdminJWTSecret, m, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if err := jobService.Startup(ctx); err != nil {
		logger.Error("Failed to start background jobs", zap.Error(err))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	if err := jobService.Shutdown(); err != nil {
		logger.Error("Failed to close rate store", zap.Error(err))
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close status publisher", zap.Error(err))
		}
	}

	logger.Info("Server exited properly")
}

// buildRegistry registers FCS when it has an API key and CNB when enabled
func buildRegistry(cfg *config.Config, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *client.Registry {
	registry := client.NewRegistry()

	if apiKey := cfg.APIKey(client.FCSSourceID); apiKey != "" {
		registry.Register(client.NewFCSClient(client.FCSConfig{
			BaseURL:       cfg.Providers.FCS.BaseURL,
			APIKey:        apiKey,
			RateLimitWait: cfg.Providers.FCS.RateLimitWait,
			Metrics:       m,
		}, logger))
	} else {
		logger.Info("FCS provider disabled: no API key")
	}

	if cfg.Providers.CNB.Enabled {
		registry.Register(client.NewCNBClient(client.CNBConfig{
			URL:        cfg.Providers.CNB.URL,
			FetchDelay: cfg.Providers.CNB.FetchDelay,
			Location:   loc,
			Metrics:    m,
		}, logger))
	}

	return registry
}

func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	// Parse log level
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Create logger config
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
