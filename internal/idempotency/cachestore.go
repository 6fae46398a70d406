package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/becaflow/gateway/internal/cache"
)

// CacheStore implementa Store sobre cache.Client (memory o Redis).
//
// La reserva usa SetNX: con backend Redis el check-and-set es atómico
// también entre instancias. La expiración de reservas colgadas la resuelve
// el TTL del propio cache.
type CacheStore struct {
	c    cache.Client
	opts Options
}

// NewCacheStore crea un store sobre el cache dado.
func NewCacheStore(c cache.Client, opts Options) *CacheStore {
	opts.defaults()
	return &CacheStore{c: c, opts: opts}
}

func storeKey(key string) string { return "idem:" + key }

// Begin reserva la key o resuelve replay/conflicto.
func (s *CacheStore) Begin(ctx context.Context, key, fingerprint string) (Outcome, error) {
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, err
	}

	ok, err := s.c.SetNX(ctx, storeKey(key), string(raw), s.opts.PendingTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: reserve failed: %w", err)
	}
	if ok {
		return Outcome{Decision: Proceed}, nil
	}

	// Ya existe: decidir entre replay, conflicto o en-curso.
	val, err := s.c.Get(ctx, storeKey(key))
	if err != nil {
		if cache.IsNotFound(err) {
			// Expiró entre el SetNX y el Get: tratarlo como en curso,
			// el retry del cliente va a ganar la reserva.
			return Outcome{}, ErrInProgress
		}
		return Outcome{}, err
	}

	var existing Record
	if err := json.Unmarshal([]byte(val), &existing); err != nil {
		return Outcome{}, fmt.Errorf("idempotency: registro corrupto: %w", err)
	}

	if existing.Fingerprint != fingerprint {
		return Outcome{}, ErrConflict
	}
	if existing.Status == StatusPending {
		return Outcome{}, ErrInProgress
	}
	return Outcome{Decision: Replay, Response: existing.Response}, nil
}

// Complete transiciona la reserva a "complete" con la respuesta final.
// Si la reserva ya expiró, el registro se reconstruye entero con el
// fingerprint recibido: el retry con la misma request debe ver Replay,
// nunca un falso Conflict.
func (s *CacheStore) Complete(ctx context.Context, key, fingerprint string, resp StoredResponse) error {
	val, err := s.c.Get(ctx, storeKey(key))
	if err != nil {
		if !cache.IsNotFound(err) {
			return err
		}
		val = ""
	}

	var rec Record
	if val != "" {
		_ = json.Unmarshal([]byte(val), &rec)
	}
	rec.Key = key
	rec.Fingerprint = fingerprint
	rec.Status = StatusComplete
	rec.Response = &resp
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.c.Set(ctx, storeKey(key), string(raw), s.opts.RetentionTTL)
}
