package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/becaflow/gateway/internal/metrics"
	"github.com/becaflow/gateway/internal/observability/logger"
)

// EmitterConfig configura el Emitter.
type EmitterConfig struct {
	// Targets son las URLs de los consumidores downstream. Cada target
	// tiene su propio circuit breaker.
	Targets []string
	// Timeout de cada POST (default 5s). Un timeout cuenta como fallo
	// del breaker.
	Timeout time.Duration
	// QueueSize: tamaño del buffer de eventos pendientes (default 256).
	QueueSize int
	// Workers: tamaño del pool de workers (default 4). Acotado siempre:
	// nunca se spawnea trabajo background ilimitado por request.
	Workers int
	// DropOnOpen: con el breaker abierto, true descarta el evento
	// (notificaciones best-effort) y false lo re-encola para reintentar.
	DropOnOpen bool
	// Breaker: umbrales compartidos por todos los targets.
	Breaker BreakerOptions
	// HTTPClient permite inyectar un cliente (tests).
	HTTPClient *http.Client
}

// delivery es la unidad de trabajo: un evento hacia un target puntual.
type delivery struct {
	event  Event
	target string
}

// Emitter publica eventos a los consumidores configurados sin bloquear
// jamás el request path. Los fallos se loguean y alimentan el breaker;
// nunca se propagan al caller.
type Emitter struct {
	cfg      EmitterConfig
	client   *http.Client
	queue    chan delivery
	breakers map[string]*Breaker

	wg       sync.WaitGroup
	stopOnce sync.Once

	// sendMu protege el par (closed, queue): los productores toman lectura,
	// Close toma escritura antes de cerrar el canal.
	sendMu sync.RWMutex
	closed bool
}

// NewEmitter crea el emitter y arranca el worker pool.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	e := &Emitter{
		cfg:      cfg,
		client:   client,
		queue:    make(chan delivery, cfg.QueueSize),
		breakers: make(map[string]*Breaker, len(cfg.Targets)),
	}
	for _, t := range cfg.Targets {
		e.breakers[t] = NewBreaker(cfg.Breaker)
	}

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit encola el evento para todos los targets. No bloquea: si la cola
// está llena el evento se descarta con log y métrica.
func (e *Emitter) Emit(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, target := range e.cfg.Targets {
		if !e.tryEnqueue(delivery{event: ev, target: target}) {
			metrics.IncEventDropped(target, "queue_full")
			logger.L().Warn("evento descartado: cola llena",
				logger.Component("emitter"),
				logger.EventType(ev.Type),
				logger.Target(target),
			)
		}
	}
}

// tryEnqueue encola sin bloquear. Retorna false si la cola está llena o el
// emitter ya cerró.
func (e *Emitter) tryEnqueue(d delivery) bool {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.queue <- d:
		return true
	default:
		return false
	}
}

// Close detiene los workers y espera a que drenen la cola.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		e.sendMu.Lock()
		e.closed = true
		close(e.queue)
		e.sendMu.Unlock()
	})
	e.wg.Wait()
}

// BreakerState expone el estado del breaker de un target (health/metrics).
func (e *Emitter) BreakerState(target string) State {
	if b, ok := e.breakers[target]; ok {
		return b.State()
	}
	return StateClosed
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for d := range e.queue {
		e.deliver(d)
	}
}

// deliver consulta el breaker y hace el POST. Breaker abierto = la llamada
// se saltea por completo (ni siquiera intento de red).
func (e *Emitter) deliver(d delivery) {
	b := e.breakers[d.target]
	if b != nil && !b.Allow() {
		if e.cfg.DropOnOpen {
			metrics.IncEventDropped(d.target, "breaker_open")
			logger.L().Debug("evento descartado: breaker abierto",
				logger.Component("emitter"),
				logger.EventType(d.event.Type),
				logger.Target(d.target),
			)
			return
		}
		// Re-encolar para cuando el breaker cierre. El sleep evita que el
		// worker gire en caliente sobre el mismo evento. Si la cola está
		// llena o el emitter está cerrando, no queda otra que descartar.
		time.Sleep(100 * time.Millisecond)
		if !e.tryEnqueue(d) {
			metrics.IncEventDropped(d.target, "requeue_failed")
		}
		return
	}

	err := e.post(d)
	if b != nil {
		if err != nil {
			b.OnFailure()
			metrics.SetBreakerState(d.target, int(b.State()))
		} else {
			b.OnSuccess()
			metrics.SetBreakerState(d.target, int(b.State()))
		}
	}

	if err != nil {
		metrics.IncEventFailed(d.target)
		logger.L().Warn("emisión de evento falló",
			logger.Component("emitter"),
			logger.EventType(d.event.Type),
			logger.Target(d.target),
			logger.RequestID(d.event.CorrelationID),
			logger.Err(err),
		)
		return
	}
	metrics.IncEventEmitted(d.target)
}

// post hace el POST con timeout acotado; 2xx cuenta como éxito.
func (e *Emitter) post(d delivery) error {
	body, err := json.Marshal(d.event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("consumer devolvió status %d", e.code)
}
