package logger

import (
	"time"

	"go.uber.org/zap"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// =================================================================================
// CAMPOS ESTÁNDAR - ORQUESTADOR
// =================================================================================

// RunID crea un campo para el ID de la corrida.
func RunID(v string) zap.Field {
	return zap.String("run_id", v)
}

// Role crea un campo para el rol del pool (inference, postprocessing, training).
func Role(v string) zap.Field {
	return zap.String("role", v)
}

// WorkerID crea un campo para el índice del worker dentro de su pool.
func WorkerID(v int) zap.Field {
	return zap.Int("worker_id", v)
}

// Step crea un campo para el paso de training.
func Step(v int64) zap.Field {
	return zap.Int64("step", v)
}

// Version crea un campo para la versión de policy.
func Version(v rollout.Version) zap.Field {
	return zap.Int64("policy_version", int64(v))
}

// PromptID crea un campo para el prompt en proceso.
func PromptID(v string) zap.Field {
	return zap.String("prompt_id", v)
}

// Reward crea un campo para el reward combinado.
func Reward(v float64) zap.Field {
	return zap.Float64("reward", v)
}

// Staleness crea un campo para el gap de versiones de un batch.
func Staleness(v int64) zap.Field {
	return zap.Int64("staleness", v)
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

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
