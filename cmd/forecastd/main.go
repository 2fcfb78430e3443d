package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"metaculus/internal/config"
	cronrunner "metaculus/internal/cron"
	"metaculus/internal/db"
	"metaculus/internal/handler"
	"metaculus/internal/lease"
	"metaculus/internal/logger"
	"metaculus/internal/notify"
	"metaculus/internal/ops"
	"metaculus/internal/repository"
	gormrepository "metaculus/internal/repository/gorm"
	"metaculus/internal/repository/memory"
	"metaculus/internal/service"
	"metaculus/internal/tasks"
)

func main() {
	cfgPath := os.Getenv("FC_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("FC_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	checks := map[string]handler.ReadyCheck{}

	var store repository.Repository
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		logger.Warn("db dsn empty, running on the in-memory store")
		store = memory.New()
	} else {
		dbConn, err := db.Open(cfg.DB, logger)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
		checks["db"] = func(ctx context.Context) error { return db.Ping(ctx, dbConn) }
	}

	var locker lease.Locker
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		logger.Warn("redis addr empty, aggregate leases are process-local")
		locker = lease.NewMemoryLocker()
	} else {
		rl := lease.NewRedisLocker(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Lease.Prefix)
		defer rl.Close()
		locker = rl
		checks["redis"] = rl.Ping
	}

	opsClient := initOpsClient(cfg.Ops, logger)

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	var reporter tasks.FailureReporter
	if opsClient != nil {
		reporter = opsClient
	}
	executor := tasks.New(store, cfg.Tasks, logger.Named("tasks"), reporter)

	questionSvc := &service.QuestionService{Repo: store, Logger: logger}
	forecastSvc := &service.ForecastService{
		Repo:      store,
		Scheduler: executor,
		Settings:  settingsSvc,
		Logger:    logger,
		Config:    cfg.Forecasting,
	}
	optionsSvc := &service.OptionsService{
		Repo:      store,
		Scheduler: executor,
		Settings:  settingsSvc,
		Logger:    logger,
		Config:    cfg.Forecasting,
	}
	builder := &service.AggregationBuilder{
		Repo:     store,
		Locker:   locker,
		Logger:   logger.Named("aggregates"),
		Config:   cfg.Aggregation,
		LeaseTTL: cfg.Lease.TTL,
	}

	var sender notify.Sender = notify.LogSender{Logger: logger.Named("notify")}
	if strings.TrimSpace(cfg.Notifications.WebhookURL) != "" {
		sender = notify.NewWebhookSender(notify.WebhookConfig{
			URL:              cfg.Notifications.WebhookURL,
			Timeout:          cfg.Notifications.Timeout,
			FailureThreshold: cfg.Notifications.BreakerThreshold,
			OpenTimeout:      cfg.Notifications.BreakerTimeout,
		}, logger.Named("notify"))
	}
	dispatcher := notify.NewDispatcher(sender, forecastSvc, logger.Named("notify"))
	service.RegisterTaskHandlers(executor, builder, dispatcher, settingsSvc, logger.Named("tasks"))

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(handler.LogErrors(logger))
	engine.Use(ops.RequireBearer(cfg.Server.AuthDisabled))
	engine.Use(ops.WriteAudit(opsClient))

	(&handler.HealthHandler{Checks: checks}).Register(engine)
	(&handler.QuestionsHandler{Questions: questionSvc}).Register(engine)
	(&handler.ForecastsHandler{Forecasts: forecastSvc}).Register(engine)
	(&handler.OptionsHandler{Options: optionsSvc}).Register(engine)
	(&handler.AggregationsHandler{Builder: builder}).Register(engine)
	(&handler.TasksHandler{Executor: executor}).Register(engine)
	(&handler.SystemSettingsHandler{Settings: settingsSvc}).Register(engine)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger.Named("cron"), ctx)
		_, err = cronRunner.Add("task_poll", cfg.Cron.TaskPoll, func(ctx context.Context) {
			if !settingsSvc.IsEnabled(ctx, service.FeatureTaskExecutor, true) {
				return
			}
			if err := executor.Drain(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("task poll failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register task poll failed", zap.Error(err))
		}
		_, err = cronRunner.Add("task_prune", cfg.Cron.TaskPrune, func(ctx context.Context) {
			n, err := executor.Prune(ctx)
			if err != nil {
				logger.Warn("task prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("finished tasks pruned", zap.Int64("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register task prune failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func initOpsClient(cfg config.OpsConfig, logger *zap.Logger) *ops.Client {
	c := ops.New(cfg.BaseURL, cfg.APIKey, cfg.Agent, logger.Named("ops"))
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Login(ctx); err != nil {
		logger.Warn("ops login failed (audit and task reports disabled)", zap.Error(err))
		return nil
	}
	return c
}
