package jwt

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// JWK representa una clave pública en formato JSON Web Key (RFC 7517).
// Solo los campos que necesitamos para verificar firmas.
type JWK struct {
	KID string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	Crv string `json:"crv,omitempty"`
	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
	// OKP (Ed25519)
	X string `json:"x,omitempty"`
}

// JWKS es el set de claves publicado por el issuer.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// ParseJWKS decodifica el body JSON de un endpoint JWKS.
func ParseJWKS(data []byte) (*JWKS, error) {
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("jwks: json inválido: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("jwks: el set no contiene claves")
	}
	return &set, nil
}

// PublicKey materializa la clave pública de la JWK.
// Soporta RSA (n, e) y OKP/Ed25519 (x). Claves de otros tipos se ignoran
// aguas arriba en lugar de fallar el set completo.
func (j JWK) PublicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, fmt.Errorf("jwks: modulus inválido en kid %q: %w", j.KID, err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, fmt.Errorf("jwks: exponent inválido en kid %q: %w", j.KID, err)
		}
		e := new(big.Int).SetBytes(eb)
		if !e.IsInt64() || e.Int64() <= 0 {
			return nil, fmt.Errorf("jwks: exponent fuera de rango en kid %q", j.KID)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(e.Int64()),
		}, nil

	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("jwks: curva no soportada %q en kid %q", j.Crv, j.KID)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("jwks: x inválido en kid %q: %w", j.KID, err)
		}
		if len(xb) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwks: tamaño de clave Ed25519 inválido en kid %q", j.KID)
		}
		return ed25519.PublicKey(xb), nil

	default:
		return nil, fmt.Errorf("jwks: kty no soportado %q en kid %q", j.Kty, j.KID)
	}
}
