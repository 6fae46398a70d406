package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEmitter_DeliversEventToTarget(t *testing.T) {
	var received atomic.Int64
	var lastBody atomic.Pointer[Event]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("payload inválido: %v", err)
		}
		lastBody.Store(&ev)
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewEmitter(EmitterConfig{Targets: []string{srv.URL}, Workers: 1})

	e.Emit(Event{
		Type:          "solicitud.creada",
		CorrelationID: "req-123",
		Payload:       map[string]any{"id": "sol-1"},
	})
	e.Close()

	if got := received.Load(); got != 1 {
		t.Fatalf("received = %d, want 1", got)
	}
	ev := lastBody.Load()
	if ev.Type != "solicitud.creada" || ev.CorrelationID != "req-123" {
		t.Fatalf("evento recibido: %+v", ev)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatal("occurred_at debe completarse automáticamente")
	}
}

func TestEmitter_FanOutToAllTargets(t *testing.T) {
	var a, b atomic.Int64
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Add(1)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.Add(1)
	}))
	defer srvB.Close()

	e := NewEmitter(EmitterConfig{Targets: []string{srvA.URL, srvB.URL}})
	e.Emit(Event{Type: "beca.otorgada"})
	e.Close()

	if a.Load() != 1 || b.Load() != 1 {
		t.Fatalf("fan-out incompleto: a=%d b=%d", a.Load(), b.Load())
	}
}

func TestEmitter_BreakerOpensAndSkipsNetwork(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEmitter(EmitterConfig{
		Targets:    []string{srv.URL},
		Workers:    1,
		DropOnOpen: true,
		Breaker:    BreakerOptions{FailureThreshold: 2, Cooldown: time.Minute},
	})

	// Dos fallos abren el breaker.
	e.Emit(Event{Type: "e1"})
	e.Emit(Event{Type: "e2"})
	waitFor(t, func() bool { return e.BreakerState(srv.URL) == StateOpen },
		"el breaker debería abrir tras el umbral de fallos")

	before := attempts.Load()

	// Con el breaker abierto no debe haber NINGÚN intento de red.
	for i := 0; i < 5; i++ {
		e.Emit(Event{Type: "e-descartado"})
	}
	e.Close()

	if got := attempts.Load(); got != before {
		t.Fatalf("intentos con breaker abierto: %d", got-before)
	}
}

func TestEmitter_RecoversAfterCooldown(t *testing.T) {
	var failing atomic.Bool
	var ok atomic.Int64
	failing.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ok.Add(1)
	}))
	defer srv.Close()

	e := NewEmitter(EmitterConfig{
		Targets:    []string{srv.URL},
		Workers:    1,
		DropOnOpen: true,
		Breaker:    BreakerOptions{FailureThreshold: 1, Cooldown: 20 * time.Millisecond},
	})
	defer e.Close()

	e.Emit(Event{Type: "e1"})
	waitFor(t, func() bool { return e.BreakerState(srv.URL) == StateOpen },
		"el breaker debería abrir")

	// El consumidor se recupera; pasado el cooldown el probe cierra el circuito.
	failing.Store(false)
	time.Sleep(30 * time.Millisecond)

	e.Emit(Event{Type: "e2"})
	waitFor(t, func() bool { return ok.Load() == 1 },
		"el probe debería entregar el evento y cerrar el breaker")
	waitFor(t, func() bool { return e.BreakerState(srv.URL) == StateClosed },
		"el breaker debería cerrar tras el probe exitoso")
}

func TestEmitter_QueueFullDropsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	e := NewEmitter(EmitterConfig{
		Targets:   []string{srv.URL},
		Workers:   1,
		QueueSize: 1,
	})

	done := make(chan struct{})
	go func() {
		// Muchos más eventos que capacidad: Emit jamás debe bloquear.
		for i := 0; i < 50; i++ {
			e.Emit(Event{Type: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit bloqueó con la cola llena")
	}
	close(release)
	e.Close()
}

func TestEmitter_EmitAfterCloseIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := NewEmitter(EmitterConfig{Targets: []string{srv.URL}})
	e.Close()

	// No debe entrar en pánico por canal cerrado.
	e.Emit(Event{Type: "tardío"})
}
