// Package idempotency implementa deduplicación de mutaciones reintentadas.
//
// Invariante: a lo sumo una ejecución por par (key, fingerprint). Una key
// reutilizada con fingerprint distinto es un Conflict (error del cliente),
// no un replay. Solo aplica a operaciones mutantes; las lecturas nunca
// consultan este store.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrConflict: misma key, fingerprint distinto. 409 para el cliente.
	ErrConflict = errors.New("idempotency: key reused with different fingerprint")

	// ErrInProgress: otra request con la misma key todavía está ejecutando.
	// El cliente debe reintentar más tarde.
	ErrInProgress = errors.New("idempotency: request in progress")
)

// Status del registro.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// StoredResponse es la respuesta persistida que se reproduce en un retry.
// Body es []byte (base64 en el JSON del registro) a propósito: el gateway
// no asume nada sobre el formato de la respuesta del negocio, tiene que
// sobrevivir texto plano, binarios o JSON por igual.
type StoredResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Record es el registro completo de una key.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	Response    *StoredResponse `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decision es el resultado de Begin.
type Decision int

const (
	// Proceed: key reservada, ejecutar la lógica de negocio.
	Proceed Decision = iota
	// Replay: key ya completada con el mismo fingerprint; devolver la
	// respuesta guardada sin re-ejecutar efectos.
	Replay
)

// Outcome acompaña la Decision con la respuesta guardada cuando es Replay.
type Outcome struct {
	Decision Decision
	Response *StoredResponse
}

// Store es el contrato del idempotency store.
//
// Begin debe ser un check-and-set atómico: dos requests concurrentes con la
// misma key nunca pueden observar Proceed las dos. Una reserva nunca
// completada (crash a mitad del request) expira tras el pending TTL y la
// key vuelve a ser reintentable.
//
// Complete recibe el fingerprint de nuevo porque la reserva pudo haber
// expirado mientras corría el negocio: el registro completo se reconstruye
// entero, y un registro sin fingerprint convertiría el retry legítimo en
// un falso Conflict.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string) (Outcome, error)
	Complete(ctx context.Context, key, fingerprint string, resp StoredResponse) error
}

// Options comunes a los backends.
type Options struct {
	// PendingTTL: cuánto vive una reserva sin completar (default 30s).
	PendingTTL time.Duration
	// RetentionTTL: cuánto se retiene un registro completo (default 24h).
	RetentionTTL time.Duration
}

func (o *Options) defaults() {
	if o.PendingTTL <= 0 {
		o.PendingTTL = 30 * time.Second
	}
	if o.RetentionTTL <= 0 {
		o.RetentionTTL = 24 * time.Hour
	}
}

// Fingerprint computa la huella de una request mutante: SHA-256 hex de
// método, path y body. Mismo key + distinta huella = Conflict.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
