// Package reward implementa las reward functions del postprocessing.
//
// Cada función es pura y tolera generaciones malformadas sin fallar:
// una completion sin los tags requeridos scorea negative_reward, nunca
// tumba al worker. El set de variantes se resuelve por kind al cargar
// la configuración, igual que los drivers de cache/store.
package reward

import (
	"context"
	"fmt"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// Function scorea un rollout con un escalar.
type Function interface {
	Name() string
	Score(ctx context.Context, r rollout.Rollout) float64
}

// Spec describe una reward function configurada.
type Spec struct {
	Kind           string  // "correctness" | "formatting"
	PositiveReward float64 // score si la condición se cumple
	NegativeReward float64 // score si no (o generación malformada)
	ThinkTag       string  // tag de razonamiento requerido (formatting)
	AnswerTag      string  // tag que encierra la respuesta
}

func (s *Spec) defaults() {
	if s.ThinkTag == "" {
		s.ThinkTag = "think"
	}
	if s.AnswerTag == "" {
		s.AnswerTag = "answer"
	}
	if s.PositiveReward == 0 {
		s.PositiveReward = 1
	}
	if s.NegativeReward == 0 {
		s.NegativeReward = -1
	}
}

// AnswerLookup resuelve el ground truth de un prompt.
// Lo implementa dataset.Source.
type AnswerLookup interface {
	Answer(ctx context.Context, promptID string) (string, error)
}

// New crea una reward function por kind.
func New(spec Spec, gt AnswerLookup) (Function, error) {
	spec.defaults()
	switch spec.Kind {
	case "correctness":
		if gt == nil {
			return nil, fmt.Errorf("reward: correctness requiere ground truth")
		}
		return &correctness{spec: spec, gt: gt}, nil
	case "formatting":
		return &formatting{spec: spec}, nil
	default:
		return nil, fmt.Errorf("reward: kind desconocido: %q", spec.Kind)
	}
}

// Resolve construye la lista ordenada de funciones a partir de los specs.
func Resolve(specs []Spec, gt AnswerLookup) ([]Function, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("reward: al menos una reward function requerida")
	}
	fns := make([]Function, 0, len(specs))
	for i, s := range specs {
		fn, err := New(s, gt)
		if err != nil {
			return nil, fmt.Errorf("reward_functions[%d]: %w", i, err)
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// ScoreAll aplica las funciones en orden y retorna los scores individuales
// y el total combinado (suma). Un panic dentro de una función se trata como
// generación malformada: esa función scorea su negative_reward.
func ScoreAll(ctx context.Context, fns []Function, r rollout.Rollout) (scores []float64, total float64) {
	scores = make([]float64, len(fns))
	for i, fn := range fns {
		scores[i] = safeScore(ctx, fn, r)
		total += scores[i]
	}
	return scores, total
}

func safeScore(ctx context.Context, fn Function, r rollout.Rollout) (s float64) {
	defer func() {
		if rec := recover(); rec != nil {
			// ScoringError: input malformado nunca propaga.
			if neg, ok := fn.(interface{ Negative() float64 }); ok {
				s = neg.Negative()
			} else {
				s = -1
			}
		}
	}()
	return fn.Score(ctx, r)
}
