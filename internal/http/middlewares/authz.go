package middlewares

import (
	"net/http"

	"github.com/becaflow/gateway/internal/authz"
	"github.com/becaflow/gateway/internal/http/errors"
	"github.com/becaflow/gateway/internal/observability/logger"
)

// =================================================================================
// AUTHORIZATION MIDDLEWARE
// =================================================================================

// RequireCapability verifica que la identidad del contexto tenga la
// capability declarada por la ruta. Debe usarse después de RequireAuth.
//
// 401 y 403 nunca se mezclan: sin identidad en contexto es un fallo de
// autenticación (wiring roto o token ausente), con identidad pero sin la
// capability es Forbidden.
func RequireCapability(required authz.Capability) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if id == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
				errors.WriteError(w, errors.ErrTokenMissing)
				return
			}

			if err := authz.Authorize(id, required); err != nil {
				logger.From(r.Context()).Warn("capability insuficiente",
					logger.Component("authz"),
					logger.Subject(id.Subject),
					logger.Scope(required.Name),
				)
				if required.Kind == authz.KindScope {
					w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+required.Name+`"`)
					errors.WriteError(w, errors.ErrInsufficientScopes)
					return
				}
				errors.WriteError(w, errors.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
