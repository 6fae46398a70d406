package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/becaflow/gateway/internal/http/errors"
	"github.com/becaflow/gateway/internal/metrics"
	"github.com/becaflow/gateway/internal/observability/logger"
	"github.com/becaflow/gateway/internal/rate"
)

// =================================================================================
// RATE LIMIT MIDDLEWARE
// =================================================================================

// RateKeyFunc define cómo generar la clave de rate limiting.
type RateKeyFunc func(r *http.Request) string

// IdentityRateKey genera la clave por identidad: sub del token si hay
// identidad verificada, si no la IP del cliente. Corre después de
// RequireAuth, así que un token inválido nunca llega a consumir cuota.
func IdentityRateKey(r *http.Request) string {
	if id := GetIdentity(r.Context()); id != nil && id.Subject != "" {
		return "sub:" + id.Subject
	}
	return "ip:" + clientIP(r)
}

// IPOnlyRateKey genera una clave basada solo en IP.
func IPOnlyRateKey(r *http.Request) string {
	return "ip:" + clientIP(r)
}

// RateLimitConfig configura el comportamiento del middleware.
type RateLimitConfig struct {
	Limiter rate.Limiter
	// Class es la clase de endpoint; forma parte de la clave para que
	// rutas de lectura y escritura tengan cuotas independientes.
	Class   string
	KeyFunc RateKeyFunc
	// Whitelist: paths excluidos (ej: /healthz, /metrics).
	Whitelist []string
}

// WithRateLimit crea el middleware de rate limiting. Siempre expone los
// headers X-RateLimit-*; en rechazo agrega Retry-After.
func WithRateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		// Si no hay limiter, no hacemos nada
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = IdentityRateKey
	}

	whitelistSet := make(map[string]struct{})
	for _, p := range cfg.Whitelist {
		whitelistSet[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := whitelistSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.Class + "|" + cfg.KeyFunc(r)
			res, err := cfg.Limiter.Allow(r.Context(), key)
			if err != nil {
				// En caso de error del limiter, permitimos el request:
				// mejor degradar el límite que tirar tráfico legítimo.
				logger.From(r.Context()).Warn("rate limiter error",
					logger.Component("rate"),
					logger.Err(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			// Headers informativos en éxito y rechazo
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			if res.WindowTTL > 0 {
				resetAt := time.Now().Add(res.WindowTTL).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
			}

			if !res.Allowed {
				if res.RetryAfter > 0 {
					secs := int(res.RetryAfter.Seconds())
					if secs < 1 {
						secs = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				metrics.IncRateLimitReject(cfg.Class)
				errors.WriteError(w, errors.ErrRateLimitExceeded)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
