// Package runstore persiste el historial de corridas y sus pasos de
// entrenamiento. Es un side channel: si falla, la corrida sigue.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indica que la corrida pedida no existe.
var ErrNotFound = errors.New("runstore: run no encontrada")

// RunRecord es la fila de una corrida.
type RunRecord struct {
	ID           string
	NumSteps     int64
	GroupSize    int
	Status       string
	Steps        int64
	FinalVersion int64
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// StepRecord es la fila de un paso de entrenamiento.
type StepRecord struct {
	Step       int64
	Loss       float64
	MeanReward float64
	Staleness  int64
	Version    int64
	Duration   time.Duration
}

// Store es el contrato de persistencia de corridas.
type Store interface {
	CreateRun(ctx context.Context, run RunRecord) error
	RecordStep(ctx context.Context, runID string, step StepRecord) error
	FinishRun(ctx context.Context, runID string, status string, steps, finalVersion int64) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)
	Ping(ctx context.Context) error
	Close()
}

// Config selecciona y parametriza el driver.
type Config struct {
	Driver string // "memory" | "postgres"
	DSN    string
}

// New instancia el store según Driver. "memory" no necesita DSN.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres", "pg":
		return NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("runstore: driver desconocido: %q", cfg.Driver)
	}
}
