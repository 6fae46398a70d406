package middlewares

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/becaflow/gateway/internal/http/errors"
	jwtx "github.com/becaflow/gateway/internal/jwt"
	"github.com/becaflow/gateway/internal/metrics"
	"github.com/becaflow/gateway/internal/observability/logger"
)

// =================================================================================
// AUTHENTICATION MIDDLEWARES
// =================================================================================

// bearerToken extrae el token de Authorization: Bearer <JWT>.
// Tolerante con mayúsculas/minúsculas en el esquema.
func bearerToken(r *http.Request) string {
	ah := strings.TrimSpace(r.Header.Get("Authorization"))
	if ah == "" {
		return ""
	}
	if i := strings.IndexByte(ah, ' '); i > 0 && strings.EqualFold(ah[:i], "Bearer") {
		return strings.TrimSpace(ah[i+1:])
	}
	return ""
}

// RequireAuth valida el bearer token y guarda la Identity en el contexto.
//
// Al cliente solo le llegan dos respuestas de fallo: TOKEN_MISSING y
// TOKEN_INVALID. El motivo específico (firma, exp, iss, aud, kid) va al log
// interno y a la métrica de fallos; nunca al body. La excepción es el
// keystore caído sin cache, que es un 503 para que operaciones lo distinga.
func RequireAuth(verifier *jwtx.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
				metrics.IncAuthFailure("missing")
				errors.WriteError(w, errors.ErrTokenMissing)
				return
			}

			id, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				if stderrors.Is(err, jwtx.ErrKeyStoreUnavailable) {
					metrics.IncAuthFailure("keystore_unavailable")
					logger.From(r.Context()).Error("keystore sin claves disponibles",
						logger.Component("auth"),
						logger.Err(err),
					)
					errors.WriteError(w, errors.ErrKeyStoreUnavailable)
					return
				}

				// Motivo detallado solo en logs internos.
				metrics.IncAuthFailure("invalid")
				logger.From(r.Context()).Warn("token rechazado",
					logger.Component("auth"),
					logger.Err(err),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
				errors.WriteError(w, errors.ErrTokenInvalid)
				return
			}

			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth intenta validar el token pero NO falla si no está presente o
// es inválido. Para rutas de lectura pública que se comportan distinto con
// usuario autenticado.
func OptionalAuth(verifier *jwtx.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				// Token inválido pero opcional, continuar sin identidad
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
