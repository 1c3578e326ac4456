// Package main is the entry point for the Strikeline options analytics and
// trade automation service. It wires the tick aggregation pipeline, the alert
// evaluation worker, the position tracker with order cleanup, and the HTTP
// API, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/alerts"
	"github.com/quantrails/strikeline/internal/clients/analytics"
	"github.com/quantrails/strikeline/internal/clients/broker"
	"github.com/quantrails/strikeline/internal/config"
	"github.com/quantrails/strikeline/internal/database"
	"github.com/quantrails/strikeline/internal/fo"
	"github.com/quantrails/strikeline/internal/hub"
	"github.com/quantrails/strikeline/internal/indicators"
	"github.com/quantrails/strikeline/internal/positions"
	"github.com/quantrails/strikeline/internal/reliability"
	"github.com/quantrails/strikeline/internal/scheduler"
	"github.com/quantrails/strikeline/internal/server"
	"github.com/quantrails/strikeline/pkg/logger"
)

// shutdownGrace bounds the orderly teardown after SIGINT/SIGTERM.
const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.Pretty})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting strikeline")

	marketZone, err := time.LoadLocation(cfg.MarketTZ)
	if err != nil {
		log.Fatal().Err(err).Str("zone", cfg.MarketTZ).Msg("Invalid market timezone")
	}

	// Databases.
	databases, err := openDatabases(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open databases")
	}
	defer func() {
		for name, db := range databases {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Str("database", name).Msg("Failed to close database")
			}
		}
	}()
	marketDB := databases["market"]
	alertsDB := databases["alerts"]
	tradingDB := databases["trading"]
	cacheDB := databases["cache"]

	// Tick pipeline: hub -> aggregator -> redis ingest.
	h := hub.New(log)
	foRepo := fo.NewRepository(marketDB.Conn(), log)
	aggregator, err := fo.NewAggregator(fo.Config{
		Timeframes:         cfg.Aggregator.Timeframes,
		PersistTimeframes:  cfg.Aggregator.PersistTimeframes,
		FlushLagSeconds:    cfg.Aggregator.FlushLagSeconds,
		PersistConcurrency: cfg.Aggregator.PersistConcurrency,
		StrikeGap:          cfg.Aggregator.StrikeGap,
	}, foRepo, h, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build aggregator")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ingest := fo.NewIngest(redisClient, aggregator, fo.IngestConfig{
		OptionsChannel:    cfg.Redis.OptionsChannel,
		UnderlyingChannel: cfg.Redis.UnderlyingChannel,
	}, log)
	ingest.Start()

	// Indicator service over persisted bars.
	indicatorCache := indicators.NewCache(cacheDB.Conn(), log)
	indicatorSvc := indicators.NewService(foRepo, indicatorCache, log)

	// Outbound clients.
	brokerClient := broker.NewBreakerClient(
		broker.NewClient(broker.Config{BaseURL: cfg.Broker.BaseURL, APIKey: cfg.Broker.APIKey}, log),
		log,
	)
	analyticsClient := analytics.NewClient(analytics.Config{BaseURL: cfg.Analytics.BaseURL}, log)

	// Alert stack.
	alertsRepo := alerts.NewRepository(alertsDB.Conn(), log)
	evaluator := alerts.NewEvaluator(alerts.Sources{
		Quotes:         brokerClient,
		QuotesFallback: analyticsClient,
		Indicators:     analyticsClient,
		Positions:      brokerClient,
		Greeks:         analyticsClient,
	}, log)

	retryBackoff := time.Duration(cfg.Notify.RetryBackoffMs) * time.Millisecond
	providers := map[string]alerts.Provider{}
	if cfg.Notify.TelegramBotToken != "" {
		telegram := alerts.NewTelegramProvider(alerts.TelegramConfig{
			BotToken:      cfg.Notify.TelegramBotToken,
			RatePerMinute: cfg.Notify.TelegramRatePerMinute,
			RetryAttempts: cfg.Notify.RetryAttempts,
			RetryBackoff:  retryBackoff,
		}, log)
		providers[telegram.Name()] = telegram
	}
	webhook := alerts.NewWebhookProvider(alerts.WebhookConfig{
		Timeout:       time.Duration(cfg.Notify.WebhookTimeoutSeconds) * time.Second,
		RetryAttempts: cfg.Notify.RetryAttempts,
		RetryBackoff:  retryBackoff,
	}, log)
	providers[webhook.Name()] = webhook

	notifier := alerts.NewNotifier(alertsRepo, providers, log)
	alertWorker := alerts.NewWorker(alertsRepo, evaluator, notifier, alerts.WorkerConfig{
		BatchSize:   cfg.Alerts.BatchSize,
		Concurrency: cfg.Alerts.EvaluationConcurrency,
		MinInterval: time.Duration(cfg.Alerts.MinIntervalSeconds) * time.Second,
	}, log)
	alertWorker.Start()

	// Position tracking and stop-order cleanup.
	tracker := positions.NewTracker(log)
	snapshotCache := positions.NewSnapshotCache(cfg.DataDir, log)
	if err := snapshotCache.Load(tracker); err != nil {
		log.Warn().Err(err).Msg("Failed to load position snapshot, starting cold")
	}
	ordersRepo := positions.NewOrderRepository(tradingDB.Conn(), log)
	cleanupWorker := positions.NewCleanupWorker(ordersRepo, brokerClient, log)
	cleanupWorker.Register(tracker)
	cleanupWorker.Start()

	poller := positions.NewPoller(
		brokerClient, tracker, ordersRepo,
		cfg.Positions.Accounts,
		time.Duration(cfg.Positions.PollSeconds)*time.Second,
		log,
	)
	poller.Start()

	// Scheduled maintenance.
	backups := buildBackupService(cfg, databases, log)
	sched := scheduler.New(marketZone, log)
	registerJobs(sched, cfg, databases, aggregator, alertsRepo, ordersRepo, indicatorCache, backups, snapshotCache, tracker, log)
	sched.Start()

	// HTTP server last, once everything it exposes is running.
	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		Addr:       cfg.HTTPAddr,
		MarketDB:   marketDB,
		AlertsDB:   alertsDB,
		TradingDB:  tradingDB,
		CacheDB:    cacheDB,
		Hub:        h,
		FoRepo:     foRepo,
		Aggregator: aggregator,
		Indicators: indicatorSvc,
		Broker:     brokerClient,
		AlertsRepo: alertsRepo,
		AlertsWork: alertWorker,
		Tracker:    tracker,
		OrdersRepo: ordersRepo,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("Strikeline is up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Teardown mirrors startup in reverse: stop accepting work at the edges
	// first, then drain the pipelines, then persist state.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	sched.Stop()
	poller.Stop()
	cleanupWorker.Stop()
	alertWorker.Stop()
	ingest.Stop() // flushes all open buckets before returning
	aggregator.Wait()
	h.Close()

	if err := snapshotCache.Save(tracker); err != nil {
		log.Error().Err(err).Msg("Failed to save position snapshot")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close redis client")
	}
	_ = brokerClient.Close()
	_ = analyticsClient.Close()
	evaluator.Close()

	log.Info().Msg("Shutdown complete")
}

// openDatabases opens and migrates the four databases. The cleanup-log ledger
// gets full synchronous durability; the cache trades durability for speed.
func openDatabases(cfg *config.Config) (map[string]*database.DB, error) {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
	}{
		{"market", database.ProfileStandard},
		{"alerts", database.ProfileStandard},
		{"trading", database.ProfileLedger},
		{"cache", database.ProfileCache},
	}

	databases := make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			closeAll(databases)
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			closeAll(databases)
			return nil, err
		}
		databases[spec.name] = db
	}
	return databases, nil
}

func closeAll(databases map[string]*database.DB) {
	for _, db := range databases {
		_ = db.Close()
	}
}

// buildBackupService returns a disabled service when no bucket is configured.
func buildBackupService(cfg *config.Config, databases map[string]*database.DB, log zerolog.Logger) *reliability.BackupService {
	var store reliability.ObjectStore
	if cfg.Backup.Bucket != "" {
		s3Store, err := reliability.NewS3Store(context.Background(), reliability.S3Config{
			Bucket:    cfg.Backup.Bucket,
			Endpoint:  cfg.Backup.Endpoint,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build S3 store, backups disabled")
		} else {
			store = s3Store
		}
	}
	return reliability.NewBackupService(store, databases, cfg.DataDir, log)
}

// registerJobs wires the cron schedule. Times are in the market zone.
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	databases map[string]*database.DB,
	aggregator *fo.Aggregator,
	alertsRepo *alerts.Repository,
	ordersRepo *positions.OrderRepository,
	cache *indicators.Cache,
	backups *reliability.BackupService,
	snapshotCache *positions.SnapshotCache,
	tracker *positions.Tracker,
	log zerolog.Logger,
) {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 0 18 * * *", scheduler.NewDBMaintenanceJob(databases, log)},
		{"0 30 18 * * *", scheduler.NewDBBackupJob(backups, cfg.RetentionDays, log)},
		{"0 35 15 * * MON-FRI", scheduler.NewSessionFlushJob(aggregator, log)},
		{"0 15 18 * * *", scheduler.NewRetentionCleanupJob(alertsRepo, ordersRepo, cache, cfg.RetentionDays, log)},
		{"0 */5 * * * *", scheduler.NewSnapshotSaveJob(func() error { return snapshotCache.Save(tracker) }, log)},
	}
	for _, entry := range jobs {
		if err := sched.AddJob(entry.schedule, entry.job); err != nil {
			log.Fatal().Err(err).Msg("Failed to register scheduled job")
		}
	}
}
