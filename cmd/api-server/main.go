package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/api"
	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/config"
	"github.com/carelink/appointment-engine/internal/db"
	"github.com/carelink/appointment-engine/internal/logger"
	"github.com/carelink/appointment-engine/internal/matching"
	"github.com/carelink/appointment-engine/internal/notification"
	"github.com/carelink/appointment-engine/internal/observability/metrics"
	redisclient "github.com/carelink/appointment-engine/internal/redis"
)

const version = "1.2.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic("logger init error: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	m := metrics.NewSchedulingMetrics(nil)

	apptRepo := appointment.NewPgRepository(pgPool, cfg.ClinicLocation)
	notifRepo := notification.NewPgRepository(pgPool)

	publisher := redisclient.NewPublisher(rdb)
	email := notification.NewSendGridSender(notification.SendGridConfig{
		APIKey:    cfg.SendgridAPIKey,
		FromEmail: cfg.EmailFrom,
		FromName:  cfg.EmailFromName,
	}, log)

	var emailSender notification.EmailSender
	if email != nil {
		emailSender = email
	} else {
		log.Warn("SENDGRID_API_KEY not set, email channel disabled")
	}

	notifSvc := notification.NewService(notifRepo, publisher, emailSender, m, log)
	notifier := notification.NewAppointmentNotifier(notifSvc, apptRepo)

	locker := redisclient.NewRedisScheduleLocker(rdb, cfg.LockTTL)
	svc, err := appointment.NewService(apptRepo, locker, notifier, m, cfg, log)
	if err != nil {
		log.Fatal("service init error", zap.Error(err))
	}

	handler := api.NewRouter(api.RouterConfig{
		Scheduling:    svc,
		Notifications: notifSvc,
		Ranker:        matching.NewStaticRanker(apptRepo),
		PgPool:        pgPool,
		Redis:         rdb,
		Logger:        log,
		Location:      cfg.ClinicLocation,
		Env:           cfg.Env,
		Version:       version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	log.Info("api-server stopped")
}
