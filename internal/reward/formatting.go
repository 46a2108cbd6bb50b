package reward

import (
	"context"
	"strings"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// formatting verifica que la completion tenga la estructura requerida:
// <think>…</think> seguido de <answer>…</answer> (tags configurables).
type formatting struct {
	spec Spec
}

func (f *formatting) Name() string { return "formatting" }

func (f *formatting) Negative() float64 { return f.spec.NegativeReward }

func (f *formatting) Score(ctx context.Context, r rollout.Rollout) float64 {
	think, ok := extractTag(r.Completion, f.spec.ThinkTag)
	if !ok || strings.TrimSpace(think) == "" {
		return f.spec.NegativeReward
	}
	answer, ok := extractTag(r.Completion, f.spec.AnswerTag)
	if !ok || strings.TrimSpace(answer) == "" {
		return f.spec.NegativeReward
	}
	// El bloque de respuesta debe venir después del razonamiento.
	if strings.Index(r.Completion, "<"+f.spec.AnswerTag+">") <
		strings.Index(r.Completion, "</"+f.spec.ThinkTag+">") {
		return f.spec.NegativeReward
	}
	return f.spec.PositiveReward
}
