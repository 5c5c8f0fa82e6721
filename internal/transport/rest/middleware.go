package rest

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/security"
	"github.com/go-chi/httprate"
)

func AuthMiddleware(verifier security.AccessTokenVerifier) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("AuthMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
				return
			}

			claims, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				// expired and invalid both map to 401
				fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
				return
			}
			if strings.TrimSpace(claims.UserID) == "" {
				fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
				return
			}

			ctx := withAuth(r.Context(), AuthContext{
				UserID: claims.UserID,
				Role:   strings.TrimSpace(claims.Role),
				Wallet: claims.Wallet,
				FID:    claims.FID,
				Ver:    claims.Ver,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

// RequireAdmin admits the admin role or an allow-listed signer wallet.
// Must run after AuthMiddleware.
func RequireAdmin(isAdminWallet func(wallet string) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := GetAuth(r.Context())
			if !ok {
				fail(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
				return
			}
			if a.Role == "admin" || (a.Wallet != "" && isAdminWallet != nil && isAdminWallet(a.Wallet)) {
				next.ServeHTTP(w, r)
				return
			}
			fail(w, r, http.StatusForbidden, "forbidden", "forbidden", nil)
		})
	}
}

// RateLimitMiddleware uses the shared limiter (Redis) so the budget holds
// across replicas. Limiter errors fail open.
func RateLimitMiddleware(limiter domain.RateLimiter, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, _ := limiter.AllowRequest(r.Context(), clientIP(r), limit, window)
			if !allowed {
				rateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localRateLimit is the per-process fallback when no Redis is configured.
func localRateLimit(limit int, window time.Duration) func(next http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimited),
	)
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	err := domain.ErrRateLimited()
	fail(w, r, http.StatusTooManyRequests, err.Code, err.Message, nil)
}

// clientIP keeps it simple: RemoteAddr host part.
// X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// JSON-only API
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=(), bluetooth=()")

		next.ServeHTTP(w, r)
	})
}
