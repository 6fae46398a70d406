package jwt_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	jwtx "github.com/becaflow/gateway/internal/jwt"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "becaflow-api"
)

// issuerFixture agrupa una clave de firma y el server JWKS que la publica.
type issuerFixture struct {
	kid     string
	priv    ed25519.PrivateKey
	server  *httptest.Server
	fetches atomic.Int64

	// keys publicadas; mutable para simular rotación entre fetches.
	published atomic.Pointer[[]jwtx.JWK]
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	f := &issuerFixture{kid: "kid-1", priv: priv}
	keys := []jwtx.JWK{ed25519JWK("kid-1", pub)}
	f.published.Store(&keys)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwtx.JWKS{Keys: *f.published.Load()})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func ed25519JWK(kid string, pub ed25519.PublicKey) jwtx.JWK {
	return jwtx.JWK{
		KID: kid,
		Kty: "OKP",
		Crv: "Ed25519",
		Alg: "EdDSA",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

func (f *issuerFixture) verifier(t *testing.T) *jwtx.Verifier {
	t.Helper()
	ks := jwtx.NewRemoteKeystore(f.server.URL, jwtx.KeystoreOptions{})
	return jwtx.NewVerifier(ks, jwtx.VerifierConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
		Leeway:   time.Second,
	})
}

func (f *issuerFixture) sign(t *testing.T, claims jwtv5.MapClaims) string {
	t.Helper()
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = f.kid
	signed, err := tk.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func baseClaims() jwtv5.MapClaims {
	return jwtv5.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "user-42",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Add(-10 * time.Second).Unix(),
	}
}

func TestVerify_ValidToken_ClaimsRoundTrip(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	claims := baseClaims()
	claims["scp"] = []string{"solicitudes:read", "solicitudes:write"}
	claims["roles"] = []string{"applicant"}

	id, err := v.Verify(context.Background(), f.sign(t, claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "user-42" {
		t.Fatalf("subject = %q, want user-42", id.Subject)
	}
	if id.Issuer != testIssuer {
		t.Fatalf("issuer = %q", id.Issuer)
	}
	if !id.Scopes.Has("solicitudes:write") || !id.Scopes.Has("solicitudes:read") {
		t.Fatalf("scopes incompletos: %v", id.Scopes.Values())
	}
	if !id.Roles.Has("applicant") {
		t.Fatalf("roles incompletos: %v", id.Roles.Values())
	}
	if id.ExpiresAt.IsZero() {
		t.Fatal("expires_at vacío")
	}
}

func TestVerify_ScopeStringAndArrayEquivalent(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	asString := baseClaims()
	asString["scope"] = "becas:read becas:write"
	asArray := baseClaims()
	asArray["scp"] = []string{"becas:read", "becas:write"}

	for name, tok := range map[string]string{
		"string": f.sign(t, asString),
		"array":  f.sign(t, asArray),
	} {
		id, err := v.Verify(context.Background(), tok)
		if err != nil {
			t.Fatalf("%s: verify: %v", name, err)
		}
		if !id.Scopes.Has("becas:read") || !id.Scopes.Has("becas:write") {
			t.Fatalf("%s: scopes = %v", name, id.Scopes.Values())
		}
	}
}

func TestVerify_AlgNoneRejectedWithoutKeyLookup(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodNone, baseClaims())
	tk.Header["kid"] = f.kid
	raw, err := tk.SignedString(jwtv5.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	_, err = v.Verify(context.Background(), raw)
	if !errors.Is(err, jwtx.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	// El allow-list corta antes de resolver claves: el issuer ni se consulta.
	if n := f.fetches.Load(); n != 0 {
		t.Fatalf("fetches = %d, want 0", n)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := v.Verify(context.Background(), f.sign(t, claims))
	if !errors.Is(err, jwtx.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_MissingExpRejected(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	claims := baseClaims()
	delete(claims, "exp")

	if _, err := v.Verify(context.Background(), f.sign(t, claims)); !errors.Is(err, jwtx.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_WrongIssuerOrAudience(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	badIss := baseClaims()
	badIss["iss"] = "https://otro.test"
	badAud := baseClaims()
	badAud["aud"] = "otra-api"

	for name, tok := range map[string]string{
		"issuer":   f.sign(t, badIss),
		"audience": f.sign(t, badAud),
	} {
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, jwtx.ErrInvalidToken) {
			t.Fatalf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestVerify_UnknownKID(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, baseClaims())
	tk.Header["kid"] = "kid-que-no-existe"
	raw, err := tk.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(context.Background(), raw); !errors.Is(err, jwtx.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_KeyStoreDownWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ks := jwtx.NewRemoteKeystore(srv.URL, jwtx.KeystoreOptions{})
	v := jwtx.NewVerifier(ks, jwtx.VerifierConfig{Issuer: testIssuer, Audience: testAudience})

	// Firmado con una clave cualquiera; nunca llegamos a verificar firma.
	_, priv, _ := ed25519.GenerateKey(nil)
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, baseClaims())
	tk.Header["kid"] = "kid-1"
	raw, _ := tk.SignedString(priv)

	_, err := v.Verify(context.Background(), raw)
	if !errors.Is(err, jwtx.ErrKeyStoreUnavailable) {
		t.Fatalf("err = %v, want ErrKeyStoreUnavailable", err)
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	f := newIssuerFixture(t)
	v := f.verifier(t)

	raw := f.sign(t, baseClaims())
	tampered := raw[:len(raw)-4] + "AAAA"

	if _, err := v.Verify(context.Background(), tampered); !errors.Is(err, jwtx.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
