package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Errores internos de verificación. El middleware los colapsa en un único
// TOKEN_INVALID hacia el cliente; acá se mantiene el motivo para logs.
var (
	ErrInvalidToken = errors.New("jwt: invalid token")
)

// VerifierConfig configura el Verifier.
type VerifierConfig struct {
	// Issuer esperado (match exacto de iss).
	Issuer string
	// Audience que debe estar incluida en aud.
	Audience string
	// AllowedAlgs es el allow-list explícito de algoritmos de firma.
	// Nunca vacío en runtime: el default es RS256 + EdDSA. Un token con
	// alg fuera de la lista (p.ej. "none") se rechaza sin intentar
	// verificar firma.
	AllowedAlgs []string
	// Leeway tolera pequeños desfasajes de reloj en exp/nbf (default 30s).
	Leeway time.Duration
}

// Verifier valida bearer tokens contra el RemoteKeystore y produce una
// Identity normalizada.
type Verifier struct {
	keys *RemoteKeystore
	cfg  VerifierConfig
}

// NewVerifier construye un Verifier. keys no puede ser nil.
func NewVerifier(keys *RemoteKeystore, cfg VerifierConfig) *Verifier {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256", "EdDSA"}
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Verifier{keys: keys, cfg: cfg}
}

// Verify valida firma y claims de raw y devuelve la identidad.
//
// Cualquier fallo de validación retorna un error que envuelve
// ErrInvalidToken con el motivo específico; el motivo es para logs
// internos y NO debe llegar al cliente. Un fallo del keystore sin cache
// envuelve ErrKeyStoreUnavailable y debe mapearse a 503.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	keyfunc := func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: header sin kid", ErrInvalidToken)
		}
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Public, nil
	}

	tok, err := jwtv5.Parse(raw, keyfunc,
		jwtv5.WithValidMethods(v.cfg.AllowedAlgs),
		jwtv5.WithIssuer(v.cfg.Issuer),
		jwtv5.WithAudience(v.cfg.Audience),
		jwtv5.WithLeeway(v.cfg.Leeway),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil {
		// Preservar la distinción issuer-caído vs token-basura.
		if errors.Is(err, ErrKeyStoreUnavailable) {
			return nil, err
		}
		if errors.Is(err, ErrUnknownKey) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: claims con tipo inesperado", ErrInvalidToken)
	}

	id := &Identity{
		Roles:  normalizeToSet(claims["roles"]),
		Scopes: extractScopes(claims),
	}
	id.Subject, _ = claims["sub"].(string)
	id.Issuer, _ = claims["iss"].(string)

	if aud, err := claims.GetAudience(); err == nil {
		id.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}

	return id, nil
}

// extractScopes soporta los formatos usuales de claim de scopes:
// "scp" (array o string) y "scope" (string space-delimited).
func extractScopes(claims jwtv5.MapClaims) StringSet {
	if v, ok := claims["scp"]; ok {
		return normalizeToSet(v)
	}
	if v, ok := claims["scope"]; ok {
		return normalizeToSet(v)
	}
	return make(StringSet)
}
