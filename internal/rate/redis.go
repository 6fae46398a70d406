package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// RedisLimiter: ventana deslizante aproximada con dos ventanas fijas
// adyacentes y conteo ponderado. Evita el burst doble en el borde de
// ventana que tiene el fixed-window puro.
//
// El INCR es atómico en Redis, así que el contador nunca excede el límite
// por carreras read-modify-write. Al ser un store compartido, el límite es
// correcto entre múltiples instancias del mismo servicio.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
}

// NewRedisLimiter crea un limiter con backend Redis.
func NewRedisLimiter(client *rdb.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{
		Client: client,
		Prefix: prefix,
		Max:    int64(max),
		Window: window,
	}
}

func (l *RedisLimiter) bucketKey(key string, start time.Time) string {
	return fmt.Sprintf("%s%s:%d", l.Prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())
}

// Allow incrementa el contador de la ventana actual y computa el conteo
// ponderado con la ventana anterior.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now().UTC()
	currStart := now.Truncate(l.Window)
	prevStart := currStart.Add(-l.Window)
	elapsed := now.Sub(currStart)

	currKey := l.bucketKey(key, currStart)
	prevKey := l.bucketKey(key, prevStart)

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, currKey)
	prev := pipe.Get(ctx, prevKey)
	_, err := pipe.Exec(ctx)
	if err != nil && err != rdb.Nil {
		return Result{}, err
	}

	// expiración en el primer hit: la ventana anterior debe sobrevivir
	// una ventana más para el cálculo ponderado
	if incr.Val() == 1 {
		_ = l.Client.Expire(ctx, currKey, 2*l.Window).Err()
	}

	currHits := incr.Val()
	prevHits, _ := prev.Int64() // rdb.Nil → 0

	// peso de la ventana anterior decae linealmente durante la actual
	prevWeight := 1.0 - elapsed.Seconds()/l.Window.Seconds()
	weighted := int64(float64(prevHits)*prevWeight) + currHits

	remaining := l.Max - weighted
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:     weighted <= l.Max,
		Limit:       l.Max,
		Remaining:   remaining,
		CurrentHits: weighted,
		WindowTTL:   l.Window - elapsed,
	}
	if !res.Allowed {
		// Retry after: resto de la ventana actual
		res.RetryAfter = l.Window - elapsed
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}
