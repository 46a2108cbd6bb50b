package reward

import (
	"context"
	"strings"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// correctness compara la respuesta extraída del tag <answer> contra el
// ground truth del prompt. Comparación insensible a mayúsculas y espacios.
type correctness struct {
	spec Spec
	gt   AnswerLookup
}

func (c *correctness) Name() string { return "correctness" }

func (c *correctness) Negative() float64 { return c.spec.NegativeReward }

func (c *correctness) Score(ctx context.Context, r rollout.Rollout) float64 {
	extracted, ok := extractTag(r.Completion, c.spec.AnswerTag)
	if !ok {
		return c.spec.NegativeReward
	}
	want, err := c.gt.Answer(ctx, r.PromptID)
	if err != nil {
		// Sin ground truth no hay forma de acertar.
		return c.spec.NegativeReward
	}
	if normalize(extracted) == normalize(want) {
		return c.spec.PositiveReward
	}
	return c.spec.NegativeReward
}

// extractTag devuelve el contenido entre <tag> y </tag>.
// Retorna false si falta alguno de los dos.
func extractTag(s, tag string) (string, bool) {
	openTag := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	i := strings.Index(s, openTag)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
