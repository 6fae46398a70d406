package router_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/becaflow/gateway/internal/authz"
	"github.com/becaflow/gateway/internal/cache"
	"github.com/becaflow/gateway/internal/events"
	"github.com/becaflow/gateway/internal/http/router"
	"github.com/becaflow/gateway/internal/idempotency"
	jwtx "github.com/becaflow/gateway/internal/jwt"
	"github.com/becaflow/gateway/internal/rate"
)

const (
	e2eIssuer   = "https://issuer.test"
	e2eAudience = "becaflow-api"
	e2eKID      = "kid-e2e"
)

// countingLimiter envuelve un limiter real contando las consultas de cuota.
type countingLimiter struct {
	inner rate.Limiter
	calls atomic.Int64
}

func (c *countingLimiter) Allow(ctx context.Context, key string) (rate.Result, error) {
	c.calls.Add(1)
	return c.inner.Allow(ctx, key)
}

// gatewayFixture es un gateway completo con issuer y consumidor falsos.
type gatewayFixture struct {
	priv       ed25519.PrivateKey
	handler    http.Handler
	limiter    *countingLimiter
	emitter    *events.Emitter
	mutations  atomic.Int64
	eventsSeen atomic.Int64
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{}

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f.priv = priv

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwtx.JWKS{Keys: []jwtx.JWK{{
			KID: e2eKID, Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(jwksSrv.Close)

	consumer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.eventsSeen.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(consumer.Close)

	keystore := jwtx.NewRemoteKeystore(jwksSrv.URL, jwtx.KeystoreOptions{})
	verifier := jwtx.NewVerifier(keystore, jwtx.VerifierConfig{
		Issuer:   e2eIssuer,
		Audience: e2eAudience,
		Leeway:   time.Second,
	})

	f.limiter = &countingLimiter{inner: rate.NewMemoryLimiter(100, time.Minute)}
	f.emitter = events.NewEmitter(events.EmitterConfig{Targets: []string{consumer.URL}, Workers: 1})
	t.Cleanup(f.emitter.Close)

	store := idempotency.NewCacheStore(cache.NewMemory(""), idempotency.Options{})

	business := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mutations.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sol-1"}`))
	})

	deps := router.Deps{
		Verifier:  verifier,
		Limiters:  map[string]rate.Limiter{"write": f.limiter},
		IdemStore: store,
		Emitter:   f.emitter,
		Health: func() router.Health {
			h := router.Health{Ready: keystore.Ready(), KeyStore: "fresh"}
			if keystore.Degraded() {
				h.KeyStore = "degraded"
			}
			return h
		},
	}
	routes := []router.Route{
		{
			Method:     http.MethodPost,
			Pattern:    "/v1/solicitudes",
			Handler:    business,
			Capability: authz.Scope("solicitudes:write"),
			Class:      "write",
			Mutating:   true,
			EventType:  "solicitud.creada",
		},
		{
			Method:  http.MethodGet,
			Pattern: "/v1/convocatorias",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
			Public: true,
		},
	}
	f.handler = router.New(deps, routes, nil)
	return f
}

func (f *gatewayFixture) token(t *testing.T, claims jwtv5.MapClaims) string {
	t.Helper()
	base := jwtv5.MapClaims{
		"iss":   e2eIssuer,
		"aud":   e2eAudience,
		"sub":   "user-42",
		"exp":   time.Now().Add(5 * time.Minute).Unix(),
		"iat":   time.Now().Add(-10 * time.Second).Unix(),
		"scope": "solicitudes:write",
	}
	for k, v := range claims {
		base[k] = v
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, base)
	tk.Header["kid"] = e2eKID
	signed, err := tk.SignedString(f.priv)
	require.NoError(t, err)
	return signed
}

func (f *gatewayFixture) submit(token, idemKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/solicitudes", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func waitForCount(t *testing.T, c *atomic.Int64, want int64, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: got %d, want %d", msg, c.Load(), want)
}

func TestPipeline_HappyPathSingleMutationAndEvent(t *testing.T) {
	f := newGatewayFixture(t)
	tok := f.token(t, nil)

	rr := f.submit(tok, "key-e2e-1", `{"beca":"x"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.JSONEq(t, `{"id":"sol-1"}`, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	require.NotEmpty(t, rr.Header().Get("X-RateLimit-Limit"))

	require.Equal(t, int64(1), f.mutations.Load())
	waitForCount(t, &f.eventsSeen, 1, "eventos emitidos")
}

func TestPipeline_ReplayDoesNotReEmit(t *testing.T) {
	f := newGatewayFixture(t)
	tok := f.token(t, nil)

	first := f.submit(tok, "key-e2e-2", `{"beca":"x"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	waitForCount(t, &f.eventsSeen, 1, "evento inicial")

	// El retry replayea la respuesta guardada: ni mutación ni evento nuevos.
	retry := f.submit(tok, "key-e2e-2", `{"beca":"x"}`)
	require.Equal(t, http.StatusCreated, retry.Code)
	require.Equal(t, "true", retry.Header().Get("X-Idempotency-Replay"))
	require.Equal(t, first.Body.String(), retry.Body.String())

	require.Equal(t, int64(1), f.mutations.Load())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), f.eventsSeen.Load())
}

func TestPipeline_InvalidTokenConsumesNothing(t *testing.T) {
	f := newGatewayFixture(t)
	expired := f.token(t, jwtv5.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})

	rr := f.submit(expired, "key-e2e-3", `{"beca":"x"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Un token inválido muere en auth: no consume cuota, no reserva key,
	// no muta, no emite.
	require.Zero(t, f.limiter.calls.Load())
	require.Zero(t, f.mutations.Load())

	// La misma key con token válido debe ejecutar normalmente (la request
	// rechazada no dejó registro).
	rr = f.submit(f.token(t, nil), "key-e2e-3", `{"beca":"x"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Empty(t, rr.Header().Get("X-Idempotency-Replay"))
	require.Equal(t, int64(1), f.mutations.Load())
}

func TestPipeline_InsufficientScopeIs403(t *testing.T) {
	f := newGatewayFixture(t)
	readOnly := f.token(t, jwtv5.MapClaims{"scope": "solicitudes:read"})

	rr := f.submit(readOnly, "", `{}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Zero(t, f.mutations.Load())
	// Authorization corre antes del rate limit.
	require.Zero(t, f.limiter.calls.Load())
}

func TestPipeline_PublicRouteWithoutToken(t *testing.T) {
	f := newGatewayFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/convocatorias", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestPipeline_HealthAndReadiness(t *testing.T) {
	f := newGatewayFixture(t)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	// Antes del primer fetch el keystore no está ready: 503.
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// Un request autenticado calienta el snapshot; readyz pasa a 200.
	f.submit(f.token(t, nil), "", `{}`)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body router.Health
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Ready)
	require.Equal(t, "fresh", body.KeyStore)
}
