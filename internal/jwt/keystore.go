package jwt

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/becaflow/gateway/internal/observability/logger"
)

var (
	// ErrUnknownKey indica que el kid no existe incluso después de un
	// refresh forzado.
	ErrUnknownKey = errors.New("jwt: unknown signing key")

	// ErrKeyStoreUnavailable indica que no hay cache previo y el fetch falló.
	// Se mapea a 503, nunca a un 401 normal.
	ErrKeyStoreUnavailable = errors.New("jwt: key store unavailable")
)

// SigningKey es una clave pública verificadora ya materializada.
// Inmutable después de su creación: la rotación publica un snapshot nuevo.
type SigningKey struct {
	KID       string
	Algorithm string
	Use       string
	Public    crypto.PublicKey
}

// snapshot es un set de claves inmutable. Los lectores obtienen el puntero
// completo de forma atómica y nunca ven un set a medio actualizar.
type snapshot struct {
	keys      map[string]SigningKey
	fetchedAt time.Time
}

// KeystoreOptions configura el RemoteKeystore.
type KeystoreOptions struct {
	// TTL del cache antes de refrescar en background del request (default 10m).
	RefreshTTL time.Duration
	// Cooldown mínimo entre refreshes forzados por kid desconocido (default 30s).
	// Evita martillar al issuer ante un ataque con kids falsos.
	ForceCooldown time.Duration
	// Timeout de cada fetch HTTP (default 5s).
	FetchTimeout time.Duration
	// HTTPClient permite inyectar un cliente (tests). Default http.DefaultClient.
	HTTPClient *http.Client
}

// RemoteKeystore obtiene y cachea el JWKS de un issuer remoto.
//
// Semántica de fallos: si el fetch falla y existe un snapshot previo, se
// sirve el cache stale y el keystore queda marcado como degradado; solo
// cuando no hay cache alguno se devuelve ErrKeyStoreUnavailable.
type RemoteKeystore struct {
	url    string
	client *http.Client

	ttl      time.Duration
	cooldown time.Duration
	timeout  time.Duration

	group      singleflight.Group
	snap       atomic.Pointer[snapshot]
	lastForced atomic.Int64 // unix nanos del último refresh forzado
	degraded   atomic.Bool
}

// NewRemoteKeystore crea un keystore apuntando a jwksURL.
func NewRemoteKeystore(jwksURL string, opts KeystoreOptions) *RemoteKeystore {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 10 * time.Minute
	}
	if opts.ForceCooldown <= 0 {
		opts.ForceCooldown = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteKeystore{
		url:      jwksURL,
		client:   client,
		ttl:      opts.RefreshTTL,
		cooldown: opts.ForceCooldown,
		timeout:  opts.FetchTimeout,
	}
}

// Key devuelve la clave para kid.
//
// Flujo: snapshot vigente → hit directo. TTL vencido → refresh (con fallback
// a stale). kid ausente → un único refresh forzado acotado por cooldown, y
// si sigue ausente, ErrUnknownKey.
func (k *RemoteKeystore) Key(ctx context.Context, kid string) (SigningKey, error) {
	snap := k.snap.Load()

	if snap == nil || time.Since(snap.fetchedAt) > k.ttl {
		if err := k.refresh(ctx); err != nil {
			return SigningKey{}, err
		}
		snap = k.snap.Load()
	}

	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}

	// kid desconocido: puede ser rotación reciente. Un solo refresh forzado
	// por ventana de cooldown, colapsado entre llamadores concurrentes.
	if k.tryForceRefresh(ctx) {
		if snap = k.snap.Load(); snap != nil {
			if key, ok := snap.keys[kid]; ok {
				return key, nil
			}
		}
	}

	return SigningKey{}, fmt.Errorf("%w: kid=%q", ErrUnknownKey, kid)
}

// Degraded reporta si el último fetch falló y estamos sirviendo cache stale.
func (k *RemoteKeystore) Degraded() bool {
	return k.degraded.Load()
}

// Ready reporta si hay un snapshot utilizable (fresco o stale).
func (k *RemoteKeystore) Ready() bool {
	return k.snap.Load() != nil
}

// tryForceRefresh ejecuta un refresh si el cooldown lo permite.
// Retorna true si hubo (o se compartió) un refresh.
func (k *RemoteKeystore) tryForceRefresh(ctx context.Context) bool {
	now := time.Now().UnixNano()
	last := k.lastForced.Load()
	if now-last < int64(k.cooldown) {
		return false
	}
	// CAS: solo un goroutine gana la ventana; los demás esperan el resultado
	// compartido via singleflight en refresh().
	if !k.lastForced.CompareAndSwap(last, now) {
		return false
	}
	return k.refresh(ctx) == nil
}

// refresh obtiene el JWKS y publica un snapshot nuevo de forma atómica.
// Llamadas concurrentes comparten un único fetch (singleflight).
func (k *RemoteKeystore) refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		set, err := k.fetch(ctx)
		if err != nil {
			if k.snap.Load() != nil {
				// Hay cache previo: servimos stale y marcamos degradado.
				k.degraded.Store(true)
				logger.L().Warn("jwks fetch falló, sirviendo cache stale",
					logger.Component("keystore"),
					logger.Err(err),
				)
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
		}

		keys := make(map[string]SigningKey, len(set.Keys))
		for _, j := range set.Keys {
			if j.Use != "" && j.Use != "sig" {
				continue
			}
			pub, perr := j.PublicKey()
			if perr != nil {
				// Una clave malformada no invalida el resto del set.
				logger.L().Warn("jwk ignorada",
					logger.Component("keystore"),
					logger.KID(j.KID),
					logger.Err(perr),
				)
				continue
			}
			keys[j.KID] = SigningKey{
				KID:       j.KID,
				Algorithm: j.Alg,
				Use:       j.Use,
				Public:    pub,
			}
		}
		if len(keys) == 0 {
			if k.snap.Load() != nil {
				k.degraded.Store(true)
				return nil, nil
			}
			return nil, fmt.Errorf("%w: jwks sin claves utilizables", ErrKeyStoreUnavailable)
		}

		k.snap.Store(&snapshot{keys: keys, fetchedAt: time.Now()})
		k.degraded.Store(false)
		logger.L().Debug("jwks actualizado",
			logger.Component("keystore"),
			logger.Int("keys", len(keys)),
		)
		return nil, nil
	})
	return err
}

// fetch hace el GET al endpoint JWKS con timeout acotado.
func (k *RemoteKeystore) fetch(ctx context.Context) (*JWKS, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint devolvió status %d", resp.StatusCode)
	}

	// Límite de 1MB por seguridad
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return ParseJWKS(body)
}
