// Package metrics expone las métricas Prometheus del gateway.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsOnce sync.Once
	metricsErr  error

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Gateway
	authFailuresTotal     *prometheus.CounterVec
	rateLimitRejectsTotal *prometheus.CounterVec
	idemReplaysTotal      prometheus.Counter
	idemConflictsTotal    prometheus.Counter

	// Eventos
	eventsEmittedTotal *prometheus.CounterVec
	eventsDroppedTotal *prometheus.CounterVec
	eventsFailedTotal  *prometheus.CounterVec
	breakerStateGauge  *prometheus.GaugeVec
)

// Register inicializa y registra las métricas. Devuelve el handler para
// /metrics. Idempotente: solo la primera llamada registra.
func Register(registry prometheus.Registerer) (http.Handler, error) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	metricsOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Número total de requests procesadas",
		}, []string{"method", "path", "status"})

		httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Latencia de los requests HTTP",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		authFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Fallos de autenticación por motivo interno",
		}, []string{"reason"})

		rateLimitRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejects_total",
			Help: "Requests rechazadas por rate limit por clase de endpoint",
		}, []string{"class"})

		idemReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_idempotency_replays_total",
			Help: "Respuestas reproducidas desde el idempotency store",
		})

		idemConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_idempotency_conflicts_total",
			Help: "Claves de idempotencia reusadas con payload distinto",
		})

		eventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_emitted_total",
			Help: "Eventos entregados con éxito por target",
		}, []string{"target"})

		eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Eventos descartados por target y motivo",
		}, []string{"target", "reason"})

		eventsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_failed_total",
			Help: "Intentos de emisión fallidos por target",
		}, []string{"target"})

		breakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Estado del circuit breaker por target (0 closed, 1 open, 2 half_open)",
		}, []string{"target"})

		for _, c := range []prometheus.Collector{
			httpRequestsTotal, httpRequestDuration,
			authFailuresTotal, rateLimitRejectsTotal,
			idemReplaysTotal, idemConflictsTotal,
			eventsEmittedTotal, eventsDroppedTotal, eventsFailedTotal,
			breakerStateGauge,
		} {
			if err := registry.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					metricsErr = err
					return
				}
			}
		}
	})
	if metricsErr != nil {
		return nil, metricsErr
	}

	return promhttp.Handler(), nil
}

// Los helpers son nil-safe a propósito: si Register no corrió (tests
// unitarios de otros paquetes), incrementar es un no-op.

func ObserveRequest(method, path, status string, seconds float64) {
	if httpRequestsTotal != nil {
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
	if httpRequestDuration != nil {
		httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
	}
}

func IncAuthFailure(reason string) {
	if authFailuresTotal != nil {
		authFailuresTotal.WithLabelValues(reason).Inc()
	}
}

func IncRateLimitReject(class string) {
	if rateLimitRejectsTotal != nil {
		rateLimitRejectsTotal.WithLabelValues(class).Inc()
	}
}

func IncIdemReplay() {
	if idemReplaysTotal != nil {
		idemReplaysTotal.Inc()
	}
}

func IncIdemConflict() {
	if idemConflictsTotal != nil {
		idemConflictsTotal.Inc()
	}
}

func IncEventEmitted(target string) {
	if eventsEmittedTotal != nil {
		eventsEmittedTotal.WithLabelValues(target).Inc()
	}
}

func IncEventDropped(target, reason string) {
	if eventsDroppedTotal != nil {
		eventsDroppedTotal.WithLabelValues(target, reason).Inc()
	}
}

func IncEventFailed(target string) {
	if eventsFailedTotal != nil {
		eventsFailedTotal.WithLabelValues(target).Inc()
	}
}

func SetBreakerState(target string, state int) {
	if breakerStateGauge != nil {
		breakerStateGauge.WithLabelValues(target).Set(float64(state))
	}
}
