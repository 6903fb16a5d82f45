// Package httpapi exposes the storefront-facing HTTP surface: the payment
// provider webhook, the public purchase status endpoint, and the token-gated
// admin API.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"video-shop-bot/internal/config"
	"video-shop-bot/internal/service"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config    *config.Config
	Purchases *service.PurchaseService
	Delivery  *service.DeliveryService
	DB        HealthChecker
}

// Server wraps the HTTP server and its router.
type Server struct {
	cfg    *config.Config
	server *http.Server
}

// New creates the HTTP server with all routes registered.
func New(deps Dependencies) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(requestLogger)

	webhook := newWebhookHandler(deps.Config.Payment.WebhookSecret, deps.Purchases)
	purchases := newPurchaseAPI(deps.Purchases, deps.Delivery)

	r.Get("/healthz", healthHandler(deps.DB))
	r.Post("/webhooks/payment", webhook.Handle)
	r.Get("/api/purchases/{publicID}", purchases.Status)

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(deps.Config.Admin.APIToken))
		r.Get("/purchases", purchases.List)
		r.Post("/purchases/{publicID}/verify", purchases.Verify)
		r.Post("/purchases/{publicID}/invalidate", purchases.Invalidate)
		r.Post("/purchases/{publicID}/deliver", purchases.ForceDeliver)
		r.Post("/purchases/{publicID}/retry", purchases.Retry)
		r.Post("/purchases/{publicID}/refund", purchases.Refund)
		r.Post("/purchases/{publicID}/dispute", purchases.Dispute)
	})

	return &Server{
		cfg: deps.Config,
		server: &http.Server{
			Addr:    deps.Config.HTTP.Addr,
			Handler: r,
		},
	}
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server...")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server...")
	return s.server.Shutdown(ctx)
}

// bearerAuth gates admin routes behind a static API token. An empty
// configured token disables the admin surface entirely.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "ADMIN_DISABLED", "admin API is not configured")
				return
			}

			got, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.Warn().
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("Security: admin API request with missing or invalid token")
				writeUnauthorized(w, "UNAUTHORIZED", "missing or invalid bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthHandler answers liveness probes, checking store reachability when a
// checker is wired.
func healthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				log.Error().Err(err).Msg("Health check failed")
				writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", "database is unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func extractBearerToken(value string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
