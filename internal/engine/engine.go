// Package engine define los contratos hacia los servicios opacos que el
// orquestador coordina: el engine de generación (inference) y el engine
// de training (optimizer/loss). La numérica vive del otro lado de estas
// interfaces; acá solo se transporta.
package engine

import (
	"context"
	"fmt"

	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// SamplingParams son los parámetros de muestreo que se pasan tal cual al
// engine de generación.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	Seed        int64
}

// GenerateRequest pide NumSamples completions para un prompt usando el
// snapshot de pesos dado.
type GenerateRequest struct {
	PromptID   string
	Prompt     string
	NumSamples int
	MaxTokens  int
	Weights    policy.Weights
	Sampling   SamplingParams
}

// Generation es una completion cruda con sus log-probs.
type Generation struct {
	Completion string
	LogProbs   []float64
}

// Generator es el engine de generación. Implementaciones deben ser seguras
// para uso concurrente desde N inference workers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Generation, error)
	Close() error
}

// GenerationError es una falla transitoria del engine de generación:
// se reintenta acotado y si los reintentos se agotan el prompt se descarta.
type GenerationError struct {
	PromptID string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("engine: generación de %s falló: %v", e.PromptID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// StepOpts parametriza un paso de optimización.
type StepOpts struct {
	Epochs       int     // ppo_epochs
	ClipGradNorm float64 // pasado tal cual al optimizer
	// Staleness es current_version - min_version del batch; el engine lo
	// usa para importance weighting.
	Staleness int64
}

// StepResult es lo que el engine reporta de un paso.
type StepResult struct {
	Loss float64
}

// Trainer es el engine de training: ejecuta pasos de optimización sobre
// batches de grupos y expone los pesos resultantes.
type Trainer interface {
	Step(ctx context.Context, batch []rollout.Group, opts StepOpts) (StepResult, error)

	// Weights retorna un handle a los pesos actuales, listo para publicar.
	Weights(ctx context.Context) (policy.Weights, error)

	// SaveShards escribe los shards de pesos en dir y retorna sus paths.
	// Con adapterOnly escribe solo el artefacto del adapter.
	SaveShards(ctx context.Context, dir string, adapterOnly bool) ([]string, error)

	Close() error
}

// Config selecciona el engine por driver.
type Config struct {
	Driver string // "stub" (local, determinístico) — engines reales se inyectan
	Seed   int64
}

// NewGenerator crea un Generator según el driver configurado.
func NewGenerator(cfg Config) (Generator, error) {
	switch cfg.Driver {
	case "stub", "":
		return newStubGenerator(cfg.Seed), nil
	default:
		return nil, fmt.Errorf("engine: generator driver desconocido: %q", cfg.Driver)
	}
}

// NewTrainer crea un Trainer según el driver configurado.
func NewTrainer(cfg Config) (Trainer, error) {
	switch cfg.Driver {
	case "stub", "":
		return newStubTrainer(), nil
	default:
		return nil, fmt.Errorf("engine: trainer driver desconocido: %q", cfg.Driver)
	}
}
