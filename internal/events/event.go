// Package events implementa la emisión fire-and-forget de eventos de
// negocio hacia consumidores HTTP downstream, protegida por circuit breaker.
package events

import (
	"time"
)

// Event es la notificación que se publica después de una mutación exitosa.
// Se serializa como JSON en el POST al consumidor.
type Event struct {
	Type          string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       any       `json:"payload"`
	CorrelationID string    `json:"correlation_id"`
}
