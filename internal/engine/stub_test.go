package engine

import (
	"context"
	"testing"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

func TestStubGeneratorProducesRequestedSamples(t *testing.T) {
	g, err := NewGenerator(Config{Driver: "stub", Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	out, err := g.Generate(context.Background(), GenerateRequest{
		PromptID:   "p1",
		Prompt:     "4",
		NumSamples: 8,
		MaxTokens:  128,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 8 {
		t.Fatalf("samples: %d want 8", len(out))
	}
	for i, gen := range out {
		if gen.Completion == "" || len(gen.LogProbs) == 0 {
			t.Fatalf("generación %d vacía: %+v", i, gen)
		}
	}
}

func TestStubTrainerStepAndWeights(t *testing.T) {
	tr, err := NewTrainer(Config{Driver: "stub"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	batch := []rollout.Group{{
		PromptID: "p1",
		Members:  []rollout.Scored{{Total: 2}, {Total: 0}},
	}}
	res, err := tr.Step(ctx, batch, StepOpts{Epochs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Loss != -2 { // mean reward 1, 2 épocas
		t.Fatalf("loss=%v", res.Loss)
	}

	w, err := tr.Weights(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.(stubWeights).Steps != 1 {
		t.Fatalf("weights=%+v", w)
	}

	if _, err := tr.Step(ctx, nil, StepOpts{}); err == nil {
		t.Fatal("batch vacío debe fallar")
	}
}

func TestStubTrainerSaveShards(t *testing.T) {
	tr, _ := NewTrainer(Config{})
	dir := t.TempDir()
	paths, err := tr.SaveShards(context.Background(), dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("paths=%v", paths)
	}
	adapter, err := tr.SaveShards(context.Background(), dir, true)
	if err != nil || len(adapter) != 1 {
		t.Fatalf("adapter: %v %v", adapter, err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := NewGenerator(Config{Driver: "vllm"}); err == nil {
		t.Fatal("driver desconocido debe fallar")
	}
	if _, err := NewTrainer(Config{Driver: "torch"}); err == nil {
		t.Fatal("driver desconocido debe fallar")
	}
}
