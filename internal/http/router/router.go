// Package router compone el pipeline del gateway alrededor de handlers de
// negocio inyectados.
//
// Orden del pipeline por request:
//
//	request-id → recover → logging → auth → authorize → rate-limit →
//	idempotency → emit → negocio
//
// Auth corre antes que rate limit a propósito: un token inválido no debe
// consumir cuota de la identidad ni crear registros de idempotencia.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/becaflow/gateway/internal/authz"
	"github.com/becaflow/gateway/internal/events"
	mw "github.com/becaflow/gateway/internal/http/middlewares"
	"github.com/becaflow/gateway/internal/idempotency"
	jwtx "github.com/becaflow/gateway/internal/jwt"
	"github.com/becaflow/gateway/internal/rate"
)

// Route declara una ruta gestionada por el gateway.
//
// La capability requerida es configuración por ruta, no política fija:
// el borde lectura-pública vs lectura-autenticada lo decide el deployment.
type Route struct {
	Method  string
	Pattern string
	Handler http.Handler

	// Capability requerida. Con Public=true no se exige token.
	Capability authz.Capability
	// Public: la ruta no exige token (el auth pasa a opcional).
	Public bool
	// Class de endpoint para el rate limit (ej: "read", "write").
	Class string
	// Mutating habilita idempotencia y emisión de evento.
	Mutating bool
	// EventType del evento a emitir tras una mutación exitosa.
	EventType string
}

// Deps agrupa los componentes que el router compone.
type Deps struct {
	Verifier *jwtx.Verifier
	// Limiters por clase de endpoint; nil o clase ausente = sin límite.
	Limiters map[string]rate.Limiter
	// IdemStore deduplica mutaciones; nil = sin idempotencia.
	IdemStore idempotency.Store
	// Emitter publica eventos post-mutación; nil = sin eventos.
	Emitter *events.Emitter
	// Health reporta el estado del keystore para /readyz.
	Health func() Health
}

// Health es lo que reporta /readyz.
type Health struct {
	Ready    bool   `json:"ready"`
	KeyStore string `json:"key_store"` // fresh | degraded | unavailable
}

// New arma el chi.Router con el pipeline completo.
func New(deps Deps, routes []Route, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()

	// Base: correlación, recover y logging para TODO, incluso health.
	r.Use(func(next http.Handler) http.Handler {
		return mw.Chain(next, mw.WithRequestID(), mw.WithRecover(), mw.WithLogging())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		h := Health{Ready: true, KeyStore: "fresh"}
		if deps.Health != nil {
			h = deps.Health()
		}
		status := http.StatusOK
		if !h.Ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ready":` + boolJSON(h.Ready) + `,"key_store":"` + h.KeyStore + `"}`))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	for _, rt := range routes {
		r.Method(rt.Method, rt.Pattern, buildChain(deps, rt))
	}

	return r
}

// buildChain arma la cadena de una ruta según su declaración.
func buildChain(deps Deps, rt Route) http.Handler {
	var mws []mw.Middleware

	if rt.Public {
		if deps.Verifier != nil {
			mws = append(mws, mw.OptionalAuth(deps.Verifier))
		}
	} else {
		mws = append(mws, mw.RequireAuth(deps.Verifier))
		mws = append(mws, mw.RequireCapability(rt.Capability))
	}

	if limiter, ok := deps.Limiters[rt.Class]; ok && limiter != nil {
		mws = append(mws, mw.WithRateLimit(mw.RateLimitConfig{
			Limiter: limiter,
			Class:   rt.Class,
		}))
	}

	if rt.Mutating {
		mws = append(mws, mw.WithIdempotency(deps.IdemStore))
		mws = append(mws, mw.WithEventEmit(deps.Emitter, rt.EventType))
	}

	return mw.Chain(rt.Handler, mws...)
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
