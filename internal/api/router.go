package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-appointments/internal/booking"
	"github.com/hackgods/clinic-appointments/internal/logging"
	"github.com/hackgods/clinic-appointments/internal/metrics"
)

type RouterConfig struct {
	Service *booking.Service
	// StaffLocks is nil when Redis is not configured; the lock routes are
	// then not mounted.
	StaffLocks StaffLocker
	Checks     []DependencyCheck
	JWTSecret  string
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *logging.Logger
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	h := &handlers{
		svc:    cfg.Service,
		locks:  cfg.StaffLocks,
		logger: logger.With("component", "api"),
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(MetricsMiddleware(cfg.Metrics))

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/slots", h.listSlots)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Get("/appointments/available", h.availability)
		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)

		r.Get("/patients/{patientId}/appointments", h.listPatientAppointments)
		r.Get("/patients/{patientId}/appointments/latest", h.latestPatientAppointment)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireStaff)

			r.Get("/appointments", h.listAppointments)
			r.Put("/appointments/{id}", h.updateAppointmentStatus)

			r.Get("/blocked-dates", h.listBlockedDates)
			r.Put("/blocked-dates/{date}", h.blockDate)
			r.Delete("/blocked-dates/{date}", h.unblockDate)

			if cfg.StaffLocks != nil {
				r.Get("/locks/{resource}", h.checkLock)
				r.Post("/locks/{resource}", h.acquireLock)
				r.Delete("/locks/{resource}", h.releaseLock)
			}
		})
	})

	return r
}
