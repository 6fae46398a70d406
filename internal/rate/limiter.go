// Package rate implementa rate limiting por identidad con ventana deslizante.
package rate

import (
	"context"
	"time"
)

// Result contiene el veredicto de una consulta al limiter.
type Result struct {
	Allowed     bool
	Limit       int64
	Remaining   int64
	RetryAfter  time.Duration
	WindowTTL   time.Duration
	CurrentHits int64
}

// Limiter define la interfaz mínima para un rate limiter.
// El key ya viene armado por el caller (identidad + clase de endpoint).
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}
