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
	redisclient "github.com/carelink/appointment-engine/internal/redis"
)

// The sweep worker runs the reconciliation passes: no-show demotion,
// stale telemedicine finalization and notification garbage collection.
// Several instances may run at once; every transition is a CAS.
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

	log.Info("sweep-worker starting up",
		zap.String("env", cfg.Env), zap.Duration("interval", cfg.SweepInterval))

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
	notifSvc := notification.NewService(notifRepo, redisclient.NewPublisher(rdb), nil, m, log)
	locker := redisclient.NewRedisScheduleLocker(rdb, cfg.LockTTL)

	svc, err := appointment.NewService(apptRepo, locker, nil, m, cfg, log)
	if err != nil {
		log.Fatal("service init error", zap.Error(err))
	}

	runOnce(rootCtx, cfg, svc, notifSvc, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping sweep worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, cfg, svc, notifSvc, log)
		}
	}
}

func runOnce(ctx context.Context, cfg config.Config, svc *appointment.Service, notifSvc *notification.Service, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	start := time.Now()

	noShows, err := svc.DemoteNoShows(runCtx)
	if err != nil {
		log.Error("no-show sweep error", zap.Error(err))
	}

	finalized, err := svc.FinalizeEndedCalls(runCtx)
	if err != nil {
		log.Error("stale call sweep error", zap.Error(err))
	}

	collected, err := notifSvc.CollectGarbage(runCtx)
	if err != nil {
		log.Error("notification gc error", zap.Error(err))
	}

	log.Info("sweep run complete",
		zap.Int("no_shows", noShows),
		zap.Int("calls_finalized", finalized),
		zap.Int64("notifications_collected", collected),
		zap.Duration("took", time.Since(start)))
}
