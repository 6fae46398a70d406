package events

import (
	"sync"
	"time"
)

// State del circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerOptions configura los umbrales del breaker.
type BreakerOptions struct {
	// FailureThreshold: fallos consecutivos antes de abrir (default 5).
	FailureThreshold int
	// Cooldown: cuánto permanece abierto antes de probar (default 30s).
	Cooldown time.Duration
}

func (o *BreakerOptions) defaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
}

// Breaker es el circuit breaker de UN target downstream.
//
// Máquina de estados:
//
//	closed --[N fallos consecutivos]--> open
//	open   --[cooldown vencido]-------> half_open (exactamente un probe)
//	half_open --[éxito]--> closed
//	half_open --[fallo]--> open
//
// El estado solo lo muta la propia lógica de transición, bajo su mutex;
// el lock es por target, nunca global.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	opts BreakerOptions
}

// NewBreaker crea un breaker en estado closed.
func NewBreaker(opts BreakerOptions) *Breaker {
	opts.defaults()
	return &Breaker{opts: opts}
}

// Allow reporta si la llamada debe proceder. En open, vencido el cooldown,
// deja pasar exactamente un probe (half_open); los demás llamadores ven
// false hasta que el probe resuelva.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.opts.Cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// OnSuccess registra un éxito: resetea fallos y cierra si estaba probando.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = StateClosed
}

// OnFailure registra un fallo: abre inmediatamente desde half_open, o al
// llegar al umbral desde closed.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		b.state = StateOpen
		b.openedAt = time.Now()
		b.failures = b.opts.FailureThreshold
		return
	}

	b.failures++
	if b.failures >= b.opts.FailureThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State devuelve el estado actual (para logs y métricas).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
