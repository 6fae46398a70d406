package middlewares

import (
	"bytes"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/becaflow/gateway/internal/http/errors"
	"github.com/becaflow/gateway/internal/idempotency"
	"github.com/becaflow/gateway/internal/metrics"
	"github.com/becaflow/gateway/internal/observability/logger"
)

// =================================================================================
// IDEMPOTENCY MIDDLEWARE
// =================================================================================

// maxIdemBodyBytes limita el body que aceptamos en mutaciones con
// Idempotency-Key. Más allá de esto respondemos 413.
const maxIdemBodyBytes = 1 << 20

// responseCapture captura status y body para poder persistir la respuesta.
type responseCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *responseCapture) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.status = code
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.status = http.StatusOK
		c.wroteHeader = true
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

// isMutating reporta si el método ejecuta efectos. Las lecturas nunca
// consultan el idempotency store.
func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// WithIdempotency deduplica mutaciones reintentadas vía el header
// Idempotency-Key. Sin header, el request pasa sin deduplicación (el
// header es opcional para el cliente).
//
// Replay: responde la respuesta guardada sin re-ejecutar el handler.
// Conflict (misma key, payload distinto): 409, error del cliente.
// Solo se persisten respuestas con status < 500; un 5xx deja la reserva
// expirar para que el retry vuelva a ejecutar.
func WithIdempotency(store idempotency.Store) Middleware {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Leer el body para la huella y reponerlo para el handler.
			// MaxBytesReader rechaza en vez de truncar: una huella sobre
			// un body recortado deduplicaría requests distintas.
			r.Body = http.MaxBytesReader(w, r.Body, maxIdemBodyBytes)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if stderrors.As(err, &tooLarge) {
					errors.WriteError(w, errors.ErrPayloadTooLarge)
					return
				}
				errors.WriteError(w, errors.ErrBadRequest)
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)

			outcome, err := store.Begin(r.Context(), key, fp)
			if err != nil {
				switch {
				case stderrors.Is(err, idempotency.ErrConflict):
					metrics.IncIdemConflict()
					logger.From(r.Context()).Warn("idempotency key en conflicto",
						logger.Component("idempotency"),
						logger.IdemKey(key),
					)
					errors.WriteError(w, errors.ErrIdempotencyConflict)
				case stderrors.Is(err, idempotency.ErrInProgress):
					errors.WriteError(w, errors.ErrIdempotencyInProgress)
				default:
					// Backend caído: degradar a sin-deduplicación antes
					// que rechazar tráfico. Queda el warn para operar.
					logger.From(r.Context()).Warn("idempotency store error",
						logger.Component("idempotency"),
						logger.Err(err),
					)
					next.ServeHTTP(w, r)
				}
				return
			}

			if outcome.Decision == idempotency.Replay {
				metrics.IncIdemReplay()
				w.Header().Set("X-Idempotency-Replay", "true")
				resp := outcome.Response
				if resp.ContentType != "" {
					w.Header().Set("Content-Type", resp.ContentType)
				}
				w.WriteHeader(resp.StatusCode)
				_, _ = w.Write(resp.Body)
				return
			}

			// Proceed: ejecutar negocio capturando la respuesta.
			rec := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				return
			}

			stored := idempotency.StoredResponse{
				StatusCode:  rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
			}
			if err := store.Complete(r.Context(), key, fp, stored); err != nil {
				logger.From(r.Context()).Warn("idempotency complete falló",
					logger.Component("idempotency"),
					logger.IdemKey(key),
					logger.Err(err),
				)
			}
		})
	}
}
