/**
 * @description
 * HTTP router for the loyalty service. Every /v1 route is a service-to-service
 * call authenticated by a service JWT or the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the admin console.
 * - github.com/prometheus/client_golang: /metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new Chi router and registers the loyalty routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(cfg.JWTSecret, cfg.InternalAPIKey))

		r.Post("/approvals", h.InviteCustomerHandler)
		r.Get("/approvals/{requestID}", h.GetApprovalRequestHandler)
		r.Post("/approvals/{requestID}/respond", h.RespondToApprovalHandler)

		r.Post("/points/award", h.AwardPointsHandler)
		r.Post("/points/deduct", h.DeductPointsHandler)

		r.Get("/audit/drift", h.ScanDriftHandler)
		r.Post("/audit/repair", h.RepairAnomalyHandler)

		r.Get("/notifications", h.ListNotificationsHandler)
		r.Post("/notifications/{notificationID}/read", h.MarkNotificationReadHandler)
	})

	return r
}
