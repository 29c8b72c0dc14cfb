package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/api"
	"github.com/irfndi/tickstream-go/internal/api/handlers"
	"github.com/irfndi/tickstream-go/internal/cache"
	"github.com/irfndi/tickstream-go/internal/config"
	"github.com/irfndi/tickstream-go/internal/database"
	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/logging"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/services"
	"github.com/irfndi/tickstream-go/internal/telemetry"
	"github.com/irfndi/tickstream-go/pkg/kite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tickstream: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	flushLogs, err := installLogExport(logger, cfg)
	if err != nil {
		logger.WithError(err).Warn("OTLP log export disabled")
		flushLogs = func(context.Context) error { return nil }
	}
	defer func() { _ = flushLogs(context.Background()) }()

	provider, err := telemetry.InitTelemetry(telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	tracer := telemetry.NewBusinessTracer(provider.Tracer(cfg.Telemetry.ServiceName))

	ctx := context.Background()

	recovery := services.NewErrorRecoveryManager(logger)
	for name, policy := range services.DefaultRetryPolicies() {
		recovery.RegisterRetryPolicy(name, policy)
	}

	var db *database.PostgresDB
	err = recovery.ExecuteWithRetry(ctx, services.PolicyDatabaseConnect, func(ctx context.Context) error {
		conn, err := database.NewPostgresConnection(ctx, cfg.Database)
		if err != nil {
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	var (
		redisClient *database.RedisClient
		redisHealth handlers.HealthChecker
		dumpCache   instruments.DumpCache
		snapshots   services.SnapshotSink
	)
	if cfg.Redis.Enabled {
		err = recovery.ExecuteWithRetry(ctx, services.PolicyRedisConnect, func(ctx context.Context) error {
			client, err := database.NewRedisConnection(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			redisClient = client
			return nil
		})
		if err != nil {
			// The cache only shortens restarts; run without it.
			logger.WithError(err).Warn("Redis unavailable, continuing without cache")
		} else {
			defer redisClient.Close()
			redisHealth = redisClient
			dumpCache = cache.NewRedisInstrumentCache(redisClient.Client, cfg.Instruments.CacheTTL, logger)
			snapshots = cache.NewSnapshotPublisher(redisClient.Client, cfg.Monitor.SnapshotTTL)
		}
	}

	metrics := telemetry.NewMetrics("tickstream")

	locks := database.NewSymbolLocks(cfg.Ingest.LockStripes)
	repo := database.NewPriceRepository(cfg.Database.Table, locks)
	store := database.NewPriceStore(db.Pool, repo)
	logger.WithFields(logrus.Fields{
		"table":        repo.Table(),
		"lock_stripes": locks.Stripes(),
	}).Info("Price store configured")

	location, err := time.LoadLocation(cfg.Instruments.Timezone)
	if err != nil {
		return fmt.Errorf("invalid instruments timezone %q: %w", cfg.Instruments.Timezone, err)
	}
	catalog := instruments.NewCatalog(
		instruments.NewHTTPDumpSource(cfg.Feed.InstrumentsURL, cfg.Feed.HTTPTimeout),
		dumpCache, location, logger)

	auth, err := newAuthenticator(cfg.Feed)
	if err != nil {
		return err
	}
	connector := kite.NewTickerConnector(kite.TickerConfig{
		URL:              cfg.Feed.WSURL,
		APIKey:           cfg.Feed.APIKey,
		HandshakeTimeout: cfg.Feed.DialTimeout,
	})

	alerter, err := newAlerter(cfg.Telegram, logger)
	if err != nil {
		return err
	}

	ingestConfig, err := buildIngestConfig(cfg)
	if err != nil {
		return err
	}
	sampler := services.NewResourceSampler(services.GopsutilProbe, cfg.Monitor.SampleInterval, metrics, logger)
	pipeline := services.NewIngestService(ingestConfig, services.IngestDeps{
		Loader:    catalog,
		Store:     store,
		Auth:      auth,
		Connector: connector,
		Sampler:   sampler,
		Alerter:   alerter,
		Snapshots: snapshots,
		Recovery:  recovery,
		Metrics:   metrics,
		Tracer:    tracer,
	}, logger)

	router := api.NewRouter(api.RouterDeps{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.ServiceVersion,
		AdminAPIKey: cfg.Server.AdminAPIKey,
		Database:    db,
		Redis:       redisHealth,
		Pipeline:    pipeline,
		Prices:      store,
		Metrics:     metrics.Handler(),
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if err := pipeline.Start(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("failed to start ingest pipeline: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	if err := pipeline.Stop(); err != nil && !errors.Is(err, services.ErrNotRunning) {
		logger.WithError(err).Warn("Ingest pipeline stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

func installLogExport(logger *logrus.Logger, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.Telemetry.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	hostport, urlPath, insecure, err := telemetry.OTLPLogsEndpoint(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	return logging.InstallOTLP(logger, logging.OTLPConfig{
		Enabled:        true,
		Endpoint:       hostport,
		URLPath:        urlPath,
		Insecure:       insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
	})
}

// newAuthenticator uses a pre-issued access token when one is configured and
// falls back to the interactive login flow otherwise.
func newAuthenticator(feed config.FeedConfig) (kite.Authenticator, error) {
	if feed.AccessToken != "" {
		return kite.NewStaticToken(feed.AccessToken), nil
	}
	auth, err := kite.NewLoginAuthenticator(kite.LoginConfig{
		APIKey:     feed.APIKey,
		APISecret:  feed.APISecret,
		UserID:     feed.UserID,
		Password:   feed.Password,
		TOTPSecret: feed.TOTPSecret,
		LoginURL:   feed.LoginURL,
		APIURL:     feed.APIURL,
		Timeout:    feed.HTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	return auth, nil
}

func newAlerter(tg config.TelegramConfig, logger *logrus.Logger) (services.Alerter, error) {
	logAlerter := services.NewLogAlerter(logger)
	if tg.BotToken == "" || tg.ChatID == 0 {
		return logAlerter, nil
	}
	telegram, err := services.NewTelegramAlerter(tg.BotToken, tg.ChatID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram alerter: %w", err)
	}
	return services.MultiAlerter{logAlerter, telegram}, nil
}

func buildIngestConfig(cfg *config.Config) (services.IngestConfig, error) {
	underlyings := make([]models.Underlying, 0, len(cfg.Ingest.Underlyings))
	for _, raw := range cfg.Ingest.Underlyings {
		u, err := models.ParseUnderlying(raw)
		if err != nil {
			return services.IngestConfig{}, err
		}
		underlyings = append(underlyings, u)
	}

	return services.IngestConfig{
		Underlyings:   underlyings,
		ResetOnStart:  cfg.Ingest.ResetOnStart,
		JoinTimeout:   cfg.Ingest.JoinTimeout,
		QueueInterval: cfg.Monitor.QueueInterval,
		QueueTiers:    cfg.Monitor.QueueWarn,
		Consumer: services.ConsumerConfig{
			Workers:        cfg.Ingest.Workers,
			HighWaterMark:  cfg.Ingest.HighWaterMark,
			EmergencyDrain: cfg.Ingest.EmergencyDrain,
			ConnRetryDelay: cfg.Ingest.ConnRetryDelay,
		},
		Supervisor: services.SupervisorConfig{
			MaxReconnects:    cfg.Feed.MaxReconnects,
			Cooldown:         cfg.Feed.Cooldown,
			StaleAfter:       cfg.Feed.StaleAfter,
			LivenessInterval: cfg.Feed.LivenessInterval,
		},
		System: services.SystemMonitorConfig{
			Interval:           cfg.Monitor.SystemInterval,
			CPUAlertPercent:    cfg.Monitor.CPUAlertPercent,
			MemoryAlertPercent: cfg.Monitor.MemoryAlertPercent,
			QueueTiers:         cfg.Monitor.SystemQueueWarn,
		},
	}, nil
}
