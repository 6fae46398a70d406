package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implementa Store sobre Postgres para retención durable.
//
// La reserva es un INSERT ... ON CONFLICT DO NOTHING: el unique constraint
// de la PK hace el check-and-set atómico. Una reserva pendiente vencida se
// re-toma con un UPDATE condicional en lugar de fallar para siempre.
type PGStore struct {
	pool *pgxpool.Pool
	opts Options
}

// Schema es el DDL esperado por PGStore.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key         TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    status      TEXT NOT NULL,
    response    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// NewPGStore crea un store sobre el pool dado.
func NewPGStore(pool *pgxpool.Pool, opts Options) *PGStore {
	opts.defaults()
	return &PGStore{pool: pool, opts: opts}
}

// Begin reserva la key o resuelve replay/conflicto.
func (s *PGStore) Begin(ctx context.Context, key, fingerprint string) (Outcome, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, fingerprint, status, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO NOTHING`,
		key, fingerprint, StatusPending,
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: reserve failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Outcome{}, nil // Proceed (zero value)
	}

	var (
		existingFP string
		status     Status
		respRaw    []byte
		createdAt  time.Time
	)
	err = s.pool.QueryRow(ctx, `
		SELECT fingerprint, status, response, created_at
		FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&existingFP, &status, &respRaw, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Outcome{}, ErrInProgress
		}
		return Outcome{}, err
	}

	if existingFP != fingerprint {
		return Outcome{}, ErrConflict
	}

	if status == StatusPending {
		if time.Since(createdAt) < s.opts.PendingTTL {
			return Outcome{}, ErrInProgress
		}
		// Reserva colgada (proceso murió a mitad del request): re-tomar.
		// El WHERE repite las condiciones para que solo un caller gane.
		tag, err := s.pool.Exec(ctx, `
			UPDATE idempotency_records
			SET created_at = now()
			WHERE key = $1 AND status = $2 AND created_at < now() - $3::interval`,
			key, StatusPending, fmt.Sprintf("%f seconds", s.opts.PendingTTL.Seconds()),
		)
		if err != nil {
			return Outcome{}, err
		}
		if tag.RowsAffected() == 1 {
			return Outcome{}, nil
		}
		return Outcome{}, ErrInProgress
	}

	var resp StoredResponse
	if len(respRaw) > 0 {
		if err := json.Unmarshal(respRaw, &resp); err != nil {
			return Outcome{}, fmt.Errorf("idempotency: registro corrupto: %w", err)
		}
	}
	return Outcome{Decision: Replay, Response: &resp}, nil
}

// Complete guarda la respuesta final y marca el registro como completo.
// Upsert: si el janitor borró la fila mientras el negocio corría, el
// registro se reconstruye con el fingerprint para que el retry replayee.
func (s *PGStore) Complete(ctx context.Context, key, fingerprint string, resp StoredResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, fingerprint, status, response, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    status      = EXCLUDED.status,
		    response    = EXCLUDED.response`,
		key, fingerprint, StatusComplete, raw,
	)
	return err
}

// DeleteExpired borra registros completos más viejos que el retention TTL.
// Pensado para correr periódicamente (goroutine del server o cron externo).
func (s *PGStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%f seconds", s.opts.RetentionTTL.Seconds()),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
