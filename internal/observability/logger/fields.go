package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID de correlación del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// DurationMs crea un campo para la duración en milisegundos.
func DurationMs(v int64) zap.Field {
	return zap.Int64("duration_ms", v)
}

// Bytes crea un campo para los bytes de respuesta.
func Bytes(v int) zap.Field {
	return zap.Int("bytes", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - GATEWAY
// =================================================================================

// Subject crea un campo para el sujeto del token verificado.
func Subject(v string) zap.Field {
	return zap.String("sub", v)
}

// KID crea un campo para el key ID de la firma.
func KID(v string) zap.Field {
	return zap.String("kid", v)
}

// Scope crea un campo para un scope requerido o evaluado.
func Scope(v string) zap.Field {
	return zap.String("scope", v)
}

// IdemKey crea un campo para la clave de idempotencia.
func IdemKey(v string) zap.Field {
	return zap.String("idempotency_key", v)
}

// Target crea un campo para el consumidor downstream de eventos.
func Target(v string) zap.Field {
	return zap.String("target", v)
}

// EventType crea un campo para el tipo de evento emitido.
func EventType(v string) zap.Field {
	return zap.String("event_type", v)
}

// BreakerState crea un campo para el estado del circuit breaker.
func BreakerState(v string) zap.Field {
	return zap.String("breaker_state", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Key crea un campo genérico para una clave.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
