package middlewares_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	jwtx "github.com/becaflow/gateway/internal/jwt"
)

const (
	fixtureIssuer   = "https://issuer.test"
	fixtureAudience = "becaflow-api"
	fixtureKID      = "kid-test"
)

// authFixture publica un JWKS por httptest y firma tokens de prueba.
type authFixture struct {
	priv     ed25519.PrivateKey
	server   *httptest.Server
	verifier *jwtx.Verifier
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	jwks := jwtx.JWKS{Keys: []jwtx.JWK{{
		KID: fixtureKID,
		Kty: "OKP",
		Crv: "Ed25519",
		Alg: "EdDSA",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	ks := jwtx.NewRemoteKeystore(srv.URL, jwtx.KeystoreOptions{})
	v := jwtx.NewVerifier(ks, jwtx.VerifierConfig{
		Issuer:   fixtureIssuer,
		Audience: fixtureAudience,
		Leeway:   time.Second,
	})
	return &authFixture{priv: priv, server: srv, verifier: v}
}

// token firma un token con los claims extra dados encima de los básicos.
func (f *authFixture) token(t *testing.T, extra jwtv5.MapClaims) string {
	t.Helper()
	claims := jwtv5.MapClaims{
		"iss": fixtureIssuer,
		"aud": fixtureAudience,
		"sub": "user-42",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Add(-10 * time.Second).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = fixtureKID
	signed, err := tk.SignedString(f.priv)
	require.NoError(t, err)
	return signed
}

// expiredToken firma un token vencido mucho más allá del leeway.
func (f *authFixture) expiredToken(t *testing.T) string {
	return f.token(t, jwtv5.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})
}

// errBody decodifica el body de error estándar del gateway.
type errBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func decodeErr(t *testing.T, rr *httptest.ResponseRecorder) errBody {
	t.Helper()
	var b errBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	return b
}
