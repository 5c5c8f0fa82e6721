package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

type RouterDeps struct {
	Handler  *Handler
	Verifier security.AccessTokenVerifier

	// Limiter is the shared limiter; nil falls back to per-process httprate.
	Limiter   domain.RateLimiter
	RateLimit RateLimitConfig

	IsAdminWallet func(wallet string) bool
	Checks        map[string]HealthCheck
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	r.Use(Metrics)
	r.Use(SecurityHeaders)

	r.Get("/healthz", Health(d.Checks))
	r.Handle("/metrics", promhttp.Handler())

	// storefront: unauthenticated, rate limited
	r.Route("/affiliate", func(r chi.Router) {
		if d.RateLimit.Enabled {
			if d.Limiter != nil {
				r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit.Limit, d.RateLimit.Window))
			} else {
				r.Use(localRateLimit(d.RateLimit.Limit, d.RateLimit.Window))
			}
		}

		r.Post("/track-click", d.Handler.TrackClick)
		r.Get("/track-click", d.Handler.ActiveClick)
		r.Post("/link-fid", d.Handler.LinkFid)
		r.Get("/link-fid", d.Handler.EarningsSummary)
	})

	r.Route("/api/v1/admin/affiliate", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier))
		r.Use(RequireAdmin(d.IsAdminWallet))

		r.Get("/referrers/{fid}/clicks", d.Handler.ReferrerClicks)
		r.Post("/orders/{orderID}/fulfillment", d.Handler.ConfirmFulfillment)
	})

	return r
}
