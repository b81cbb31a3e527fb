// ==============================================================================
// RECONCILER SERVICE MAIN - cmd/reconciler/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"chama/internal/domain"
	"chama/internal/handler"
	"chama/internal/jobs"
	"chama/internal/ledger"
	"chama/internal/metrics"
	"chama/internal/middleware"
	"chama/internal/notification"
	"chama/internal/queue"
	"chama/internal/reconciliation"
	"chama/internal/repository/postgres"
	"chama/internal/scheduler"
	"chama/internal/settlement"
	"chama/pkg/cache"
	"chama/pkg/config"
	"chama/pkg/logger"
	"chama/pkg/mailer"
	"chama/pkg/tracing"
	"chama/pkg/validator"
)

// Schedule names match the ones the API writes, so an operator change
// replaces the default instead of adding a second entry.
var (
	dailySchedule      = "reconciliation:" + string(domain.RunTypeDaily)
	hourlySchedule     = "reconciliation:" + string(domain.RunTypeHourly)
	settlementSchedule = "settlement:mpesa"
)

func main() {
	cfg := config.Load()
	log := logger.New("reconciler", cfg.Log.Level)
	defer logger.Sync(log)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Starting Reconciler Service", map[string]interface{}{
		"port":  cfg.Server.Port,
		"queue": cfg.Queue.Name,
	})

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, "reconciler", cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		log.Fatal("Failed to initialize tracing", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Redis backs the job queue, the scheduler locks, alert fan-out and the health cache.
	redisClient, err := cache.NewClient(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer redisClient.Close()

	// Initialize repositories
	ledgerRepo := postgres.NewLedgerRepository(db)
	runRepo := postgres.NewReconciliationRepository(db)
	settlementRepo := postgres.NewSettlementRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer := metrics.NewObserver(registry)

	publishers := notification.Publishers{notification.NewRedisPublisher(redisClient)}
	if m := alertMailer(cfg); m != nil {
		publishers = append(publishers, notification.NewEmailPublisher(m, cfg.Alerts.EmailTo))
	}
	alerter := notification.NewAlertService(
		log,
		auditRepo,
		publishers,
		cfg.Alerts.RedisChannel,
		cfg.Alerts.Enabled,
	)

	// Initialize services
	checker := ledger.NewChecker(ledger.CheckerConfig{
		Tolerance:          cfg.Reconciliation.Tolerance,
		BatchSize:          cfg.Reconciliation.BatchSize,
		WalletAccountTypes: cfg.Reconciliation.WalletAccountTypes,
	}, runRepo, log)

	reconciliationService := reconciliation.NewService(reconciliation.Config{
		DailyScanLimit: cfg.Reconciliation.DailyScanLimit,
		QuickScanLimit: cfg.Reconciliation.QuickScanLimit,
		StuckAfter:     cfg.Reconciliation.StuckAfter,
	}, runRepo, ledgerRepo, checker, observer, alerter, log)

	settlementService := settlement.NewService(settlement.Config{
		Window:      cfg.Settlement.Window,
		Source:      cfg.Settlement.Source,
		SuccessCode: cfg.Settlement.SuccessCode,
		Tolerance:   cfg.Settlement.Tolerance,
	}, settlementRepo, observer, alerter, log)

	// Job queue and workers
	jobQueue := queue.New(redisClient, queue.Config{
		Name:        cfg.Queue.Name,
		Attempts:    cfg.Queue.Attempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		HistorySize: cfg.Queue.HistorySize,
		LeaseTTL:    cfg.Queue.LeaseTTL,
	})
	registry.MustRegister(metrics.NewQueueCollector(jobQueue))

	worker := queue.NewWorker(jobQueue, queue.WorkerConfig{
		Concurrency:     cfg.Queue.Concurrency,
		JobTimeout:      cfg.Queue.JobTimeout,
		RecoverInterval: cfg.Queue.RecoverInterval,
	}, log)
	jobs.NewHandlers(reconciliationService, settlementService, log).Register(worker)

	recovered, err := jobQueue.RecoverActive(ctx)
	if err != nil {
		log.Fatal("Failed to recover in-flight jobs", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if recovered > 0 {
		log.Warn("Requeued jobs whose lease had lapsed", map[string]interface{}{
			"count": recovered,
		})
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		worker.Run(workerCtx)
	}()

	// Periodic schedules
	sched := scheduler.NewScheduler(redisClient, jobQueue, log)
	if err := registerSchedules(ctx, sched, cfg); err != nil {
		log.Fatal("Failed to register schedules", map[string]interface{}{
			"error": err.Error(),
		})
	}
	sched.Start()

	// Setup router
	r := mux.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.BodyLimit(1 << 20))

	systemHandler := handler.NewSystemHandler("reconciler", map[string]handler.HealthCheck{
		"database": db.PingContext,
		"redis":    redisPing(redisClient),
	}, log)
	r.HandleFunc("/health", systemHandler.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", systemHandler.Ready).Methods(http.MethodGet)
	r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	reconciliationHandler := handler.NewReconciliationHandler(
		handler.ReconciliationHandlerConfig{
			DailyCron:      cfg.Reconciliation.DailyCron,
			HourlyCron:     cfg.Reconciliation.HourlyCron,
			HealthCacheTTL: cfg.Reconciliation.HealthCacheTTL,
		},
		reconciliationService,
		settlementService,
		jobQueue,
		sched,
		cache.NewRedisCache(redisClient, "reconciliation"),
		auditRepo,
		validator.New(),
		log,
	)

	api := r.PathPrefix("/reconciliation").Subrouter()
	api.Use(middleware.SystemScope)
	api.Use(middleware.NewRateLimiter(redisClient, "ratelimit:reconciliation", cfg.Server.RateLimit, time.Minute).Limit)
	api.Use(middleware.NewAuditMiddleware(auditRepo, log).Audit)
	reconciliationHandler.RegisterRoutes(api)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Reconciler service started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down reconciler service...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Reconciler service forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	sched.Stop()
	stopWorkers()
	workers.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Reconciler service stopped gracefully", nil)
}

// registerSchedules restores persisted schedules and installs the defaults
// for any that were never saved. Schedules changed through the API survive
// restarts.
func registerSchedules(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config) error {
	if _, err := sched.Restore(ctx); err != nil {
		return err
	}
	entries, err := sched.List(ctx)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(entries))
	for _, e := range entries {
		existing[e.Name] = true
	}

	defaults := []struct {
		name    string
		spec    string
		jobType string
		payload interface{}
	}{
		{dailySchedule, cfg.Reconciliation.DailyCron, jobs.TypeReconciliationRun, jobs.RunPayload{RunType: domain.RunTypeDaily}},
		{hourlySchedule, cfg.Reconciliation.HourlyCron, jobs.TypeReconciliationRun, jobs.RunPayload{RunType: domain.RunTypeHourly}},
		{settlementSchedule, cfg.Settlement.Cron, jobs.TypeSettlementReconcile, nil},
	}
	for _, d := range defaults {
		if existing[d.name] || d.spec == "" {
			continue
		}
		if _, err := sched.Schedule(ctx, d.name, d.spec, d.jobType, d.payload); err != nil {
			return fmt.Errorf("schedule %s: %w", d.name, err)
		}
	}
	return nil
}

// alertMailer returns nil unless both a server and recipients are set.
func alertMailer(cfg *config.Config) *mailer.Mailer {
	smtpCfg := cfg.Alerts.SMTP
	m := mailer.New(mailer.Config{
		Host:     smtpCfg.Host,
		Port:     smtpCfg.Port,
		Username: smtpCfg.Username,
		Password: smtpCfg.Password,
		From:     smtpCfg.From,
		UseTLS:   smtpCfg.UseTLS,
	})
	if !m.Configured() || len(cfg.Alerts.EmailTo) == 0 {
		return nil
	}
	return m
}

func redisPing(client *redis.Client) handler.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
