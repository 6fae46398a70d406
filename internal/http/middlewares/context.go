package middlewares

import (
	"context"

	jwtx "github.com/becaflow/gateway/internal/jwt"
)

// =================================================================================
// CONTEXT KEYS
// =================================================================================

type ctxKey string

const (
	// ctxIdentityKey guarda la Identity verificada
	ctxIdentityKey ctxKey = "identity"
	// ctxRequestIDKey guarda el request ID de correlación
	ctxRequestIDKey ctxKey = "request_id"
)

// WithIdentity inyecta la identidad verificada en el contexto.
func WithIdentity(ctx context.Context, id *jwtx.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// setRequestID inyecta el request ID en el contexto (interno)
func setRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestIDKey, requestID)
}

// GetIdentity obtiene la identidad verificada del contexto.
// Retorna nil si el request no pasó por RequireAuth (o el token era opcional
// y no vino).
func GetIdentity(ctx context.Context) *jwtx.Identity {
	if v := ctx.Value(ctxIdentityKey); v != nil {
		if id, ok := v.(*jwtx.Identity); ok {
			return id
		}
	}
	return nil
}

// GetRequestID obtiene el request ID del contexto.
// Retorna cadena vacía si no hay request ID.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(ctxRequestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
