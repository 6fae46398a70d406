package middlewares

import (
	"net/http"
	"time"

	"github.com/becaflow/gateway/internal/events"
)

// WithEventEmit emite un evento de negocio después de que una mutación
// termina con 2xx. Va pegado al handler (más adentro que idempotency):
// un replay corta antes y no vuelve a emitir.
//
// Fire-and-forget: Emit encola y retorna; la respuesta al caller nunca
// espera al consumidor downstream.
func WithEventEmit(emitter *events.Emitter, eventType string) Middleware {
	if emitter == nil || eventType == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 {
				return
			}

			ev := events.Event{
				Type:          eventType,
				OccurredAt:    time.Now().UTC(),
				CorrelationID: GetRequestID(r.Context()),
			}
			if id := GetIdentity(r.Context()); id != nil {
				ev.Payload = map[string]any{
					"subject": id.Subject,
					"method":  r.Method,
					"path":    r.URL.Path,
				}
			} else {
				ev.Payload = map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				}
			}
			emitter.Emit(ev)
		})
	}
}
