package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/campuswell/counseling-scheduling/internal/appointment"
	"github.com/campuswell/counseling-scheduling/internal/config"
)

type RouterConfig struct {
	Service *appointment.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Cfg     config.Config
	Version string
}

func NewRouter(rc RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health endpoints stay outside auth so orchestrators can probe them.
	health := NewHealthHandler(rc.PgPool, rc.Redis, rc.Cfg.Env, rc.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	limiter := NewRateLimiter(rc.Cfg.RateLimitRPS, rc.Cfg.RateLimitBurst)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(AuthMiddleware(rc.Cfg.JWTSecret))

		// Request pool
		r.Post("/requests", createRequestHandler(rc.Service))
		r.Get("/requests", listOpenRequestsHandler(rc.Service))
		r.Post("/requests/{id}/claim", claimHandler(rc.Service))
		r.Post("/requests/{id}/release", releaseHandler(rc.Service))
		r.Post("/requests/{id}/schedule", scheduleHandler(rc.Service))

		// Published slots
		r.Post("/slots", publishSlotsHandler(rc.Service))
		r.Get("/slots", listOpenSlotsHandler(rc.Service))
		r.Post("/slots/{id}/book", bookSlotHandler(rc.Service))

		// Appointments
		r.Post("/appointments", directBookHandler(rc.Service))
		r.Get("/appointments", listMineHandler(rc.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(rc.Service))
		r.Post("/appointments/{id}/accept",
			stagedTransitionHandler(rc.Service, appointment.StatusRequested, appointment.StatusScheduled))
		r.Post("/appointments/{id}/confirm",
			stagedTransitionHandler(rc.Service, appointment.StatusScheduled, appointment.StatusConfirmed))
		r.Post("/appointments/{id}/start",
			stagedTransitionHandler(rc.Service, appointment.StatusConfirmed, appointment.StatusInProgress))
		r.Post("/appointments/{id}/complete",
			stagedTransitionHandler(rc.Service, appointment.StatusInProgress, appointment.StatusCompleted))
		r.Post("/appointments/{id}/cancel",
			terminalTransitionHandler(rc.Service, appointment.StatusCancelled))
		r.Post("/appointments/{id}/no-show",
			terminalTransitionHandler(rc.Service, appointment.StatusNoShow))
		r.Post("/appointments/{id}/reject",
			terminalTransitionHandler(rc.Service, appointment.StatusRejected))
	})

	return r
}
