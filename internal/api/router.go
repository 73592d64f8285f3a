package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carelink/appointment-engine/internal/matching"
)

type RouterConfig struct {
	Scheduling    SchedulingService
	Notifications NotificationService
	Ranker        matching.Ranker
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	Logger        *zap.Logger
	Location      *time.Location
	Env           string
	Version       string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Everything below expects an authenticated principal.
	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware)

		r.Post("/appointments", createAppointmentHandler(cfg.Scheduling, loc))
		r.Get("/appointments", listAppointmentsHandler(cfg.Scheduling, loc))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Scheduling, loc))
		r.Post("/appointments/{id}/rate", rateAppointmentHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/call/start", startCallHandler(cfg.Scheduling))
		r.Post("/appointments/{id}/call/end", endCallHandler(cfg.Scheduling))

		r.Get("/doctors/{id}/slots", availableSlotsHandler(cfg.Scheduling, loc))
		if cfg.Ranker != nil {
			r.Get("/doctors/match", matchDoctorsHandler(cfg.Ranker))
		}

		r.Get("/notifications", listNotificationsHandler(cfg.Notifications))
		r.Post("/notifications/{id}/read", readNotificationHandler(cfg.Notifications))
		r.Post("/notifications/{id}/archive", archiveNotificationHandler(cfg.Notifications))
	})

	return r
}
