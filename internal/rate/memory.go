package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter: la misma ventana deslizante de dos buckets, en proceso.
//
// LIMITACIÓN CONOCIDA: con N instancias del mismo servicio cada una cuenta
// por su lado, así que el techo efectivo es N*Max. Para límites correctos
// entre instancias usar RedisLimiter.
type MemoryLimiter struct {
	Max    int64
	Window time.Duration

	mu      sync.Mutex
	entries map[string]*memEntry
}

// memEntry tiene su propio mutex: el lock global solo protege el map,
// nunca serializa tráfico de keys distintas.
type memEntry struct {
	mu        sync.Mutex
	currStart time.Time
	currHits  int64
	prevHits  int64
	touched   time.Time
}

// NewMemoryLimiter crea un limiter en memoria.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		Max:     int64(max),
		Window:  window,
		entries: make(map[string]*memEntry),
	}
}

func (l *MemoryLimiter) entry(key string) *memEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{}
		l.entries[key] = e
	}
	return e
}

// Allow implementa Limiter.
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	currStart := now.Truncate(l.Window)
	elapsed := now.Sub(currStart)

	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.currStart.Equal(currStart):
		// misma ventana
	case e.currStart.Equal(currStart.Add(-l.Window)):
		// rotó una ventana: la actual pasa a ser la anterior
		e.prevHits = e.currHits
		e.currHits = 0
		e.currStart = currStart
	default:
		// entrada vieja o nueva
		e.prevHits = 0
		e.currHits = 0
		e.currStart = currStart
	}

	e.currHits++
	e.touched = now

	prevWeight := 1.0 - elapsed.Seconds()/l.Window.Seconds()
	weighted := int64(float64(e.prevHits)*prevWeight) + e.currHits

	remaining := l.Max - weighted
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:     weighted <= l.Max,
		Limit:       l.Max,
		Remaining:   remaining,
		CurrentHits: weighted,
		WindowTTL:   l.Window - elapsed,
	}
	if !res.Allowed {
		res.RetryAfter = l.Window - elapsed
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}

// Cleanup elimina entradas sin uso por más de dos ventanas y reporta
// cuántas desalojó. Llamar periódicamente.
func (l *MemoryLimiter) Cleanup() int {
	cutoff := time.Now().Add(-2 * l.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for k, e := range l.entries {
		e.mu.Lock()
		stale := e.touched.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(l.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len reporta cuántas keys viven en el limiter.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
