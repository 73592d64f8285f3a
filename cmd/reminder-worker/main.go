package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/appointment"
	"github.com/carelink/appointment-engine/internal/config"
	"github.com/carelink/appointment-engine/internal/db"
	"github.com/carelink/appointment-engine/internal/logger"
	"github.com/carelink/appointment-engine/internal/notification"
	"github.com/carelink/appointment-engine/internal/observability/metrics"
	"github.com/carelink/appointment-engine/internal/reminder"
	redisclient "github.com/carelink/appointment-engine/internal/redis"
)

// The reminder worker nudges patients ahead of their appointments. The
// dedupe key on the notification store makes re-runs and concurrent
// instances harmless.
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

	log.Info("reminder-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.ReminderInterval),
		zap.Duration("lookahead", cfg.ReminderLookahead))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	m := metrics.NewSchedulingMetrics(nil)
	apptRepo := appointment.NewPgRepository(pgPool, cfg.ClinicLocation)
	notifRepo := notification.NewPgRepository(pgPool)

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

	notifSvc := notification.NewService(notifRepo, redisclient.NewPublisher(rdb), emailSender, m, log)
	dispatcher := reminder.NewDispatcher(apptRepo, notifRepo, notifSvc, m, log)

	runOnce(rootCtx, cfg, dispatcher, log)

	ticker := time.NewTicker(cfg.ReminderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping reminder worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, cfg, dispatcher, log)
		}
	}
}

func runOnce(ctx context.Context, cfg config.Config, d *reminder.Dispatcher, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	windowStart := time.Now().In(cfg.ClinicLocation)
	windowEnd := windowStart.Add(cfg.ReminderLookahead)

	start := time.Now()
	stats, err := d.DispatchWindow(runCtx, windowStart, windowEnd)
	if err != nil {
		log.Error("reminder run error", zap.Error(err))
	}
	log.Info("reminder run complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("sent", stats.Sent),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", time.Since(start)))
}
