package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// stubWeights es el handle de pesos del driver local: un contador de pasos.
// Suficiente para que el orquestador tenga algo real que versionar.
type stubWeights struct {
	Steps int64 `json:"steps"`
}

// stubGenerator produce completions determinísticas bien formadas la mayor
// parte del tiempo, con una fracción malformada para ejercitar el camino
// de negative reward. Para dev y tests; un engine real reemplaza esto.
type stubGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newStubGenerator(seed int64) *stubGenerator {
	if seed == 0 {
		seed = 1
	}
	return &stubGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *stubGenerator) Generate(ctx context.Context, req GenerateRequest) ([]Generation, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	out := make([]Generation, req.NumSamples)
	for i := range out {
		g.mu.Lock()
		malformed := g.rng.Float64() < 0.2
		lp := -g.rng.Float64()
		g.mu.Unlock()

		var text string
		if malformed {
			text = fmt.Sprintf("respuesta directa al prompt %s sin estructura", req.PromptID)
		} else {
			text = fmt.Sprintf("<think>resolviendo %s</think><answer>%s</answer>",
				req.PromptID, req.Prompt)
		}
		out[i] = Generation{
			Completion: text,
			LogProbs:   []float64{lp},
		}
	}
	return out, nil
}

func (g *stubGenerator) Close() error { return nil }

// stubTrainer cuenta pasos y expone el contador como pesos.
type stubTrainer struct {
	mu    sync.Mutex
	steps int64
}

func newStubTrainer() *stubTrainer { return &stubTrainer{} }

func (t *stubTrainer) Step(ctx context.Context, batch []rollout.Group, opts StepOpts) (StepResult, error) {
	select {
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	default:
	}
	if len(batch) == 0 {
		return StepResult{}, fmt.Errorf("engine: batch vacío")
	}
	t.mu.Lock()
	t.steps++
	t.mu.Unlock()

	// Loss sintética: reward promedio negado, una época por epoch configurada.
	var mean float64
	for _, g := range batch {
		mean += g.MeanReward()
	}
	mean /= float64(len(batch))
	return StepResult{Loss: -mean * float64(opts.Epochs)}, nil
}

func (t *stubTrainer) Weights(ctx context.Context) (policy.Weights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return stubWeights{Steps: t.steps}, nil
}

func (t *stubTrainer) SaveShards(ctx context.Context, dir string, adapterOnly bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t.mu.Lock()
	w := stubWeights{Steps: t.steps}
	t.mu.Unlock()

	b, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	name := "model-00001.shard"
	if adapterOnly {
		name = "adapter.shard"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (t *stubTrainer) Close() error { return nil }
