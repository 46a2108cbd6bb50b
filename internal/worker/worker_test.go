package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ebsmothers/ebs-torchtune/internal/buffer"
	"github.com/ebsmothers/ebs-torchtune/internal/dataset"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/queue"
	"github.com/ebsmothers/ebs-torchtune/internal/reward"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

func testSource(t *testing.T, n int) dataset.Source {
	t.Helper()
	prompts := make([]dataset.Prompt, n)
	for i := range prompts {
		prompts[i] = dataset.Prompt{
			ID:     fmt.Sprintf("p%d", i),
			Text:   fmt.Sprintf("pregunta %d", i),
			Answer: fmt.Sprintf("respuesta %d", i),
		}
	}
	src, err := dataset.NewMemory(prompts)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

// Con la sample queue llena y sin consumidor, inference queda bloqueado en
// el push; al drenar un grupo produce el siguiente.
func TestInferenceBackpressure(t *testing.T) {
	src := testSource(t, 4)
	gen, _ := engine.NewGenerator(engine.Config{Seed: 3})
	snap := policy.NewStore(nil)
	out := queue.New[[]rollout.Rollout](1)

	pool := NewInferencePool(InferenceConfig{
		Workers:   1,
		GroupSize: 2,
		MaxTokens: 16,
	}, src, gen, snap, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	waitFor(t, func() bool { return out.Len() == 1 }, "primer grupo encolado")
	// Cola llena: no debe aparecer un segundo grupo.
	time.Sleep(30 * time.Millisecond)
	if out.Len() != 1 {
		t.Fatalf("inference superó el backpressure: len=%d", out.Len())
	}

	g, err := out.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 2 {
		t.Fatalf("tamaño de grupo: %d", len(g))
	}
	for _, r := range g {
		if r.PromptID != g[0].PromptID {
			t.Fatal("grupo con prompts mezclados")
		}
		if r.Version != 0 {
			t.Fatalf("versión inicial esperada 0, got %d", r.Version)
		}
	}

	waitFor(t, func() bool { return out.Len() == 1 }, "siguiente grupo tras drenar")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("inference no terminó tras cancelar")
	}
}

func TestPostprocessScoresGroups(t *testing.T) {
	fns, err := reward.Resolve([]reward.Spec{
		{Kind: "formatting", PositiveReward: 1, NegativeReward: -1},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	in := queue.New[[]rollout.Rollout](4)
	out := queue.New[rollout.Scored](8)
	pool := NewPostprocessPool(PostprocessConfig{Workers: 1}, fns, in, out)

	group := []rollout.Rollout{
		{ID: "a", PromptID: "p1", Completion: "<think>x</think><answer>4</answer>"},
		{ID: "b", PromptID: "p1", Completion: "sin estructura"},
	}
	ctx := context.Background()
	if err := in.Push(ctx, group); err != nil {
		t.Fatal(err)
	}
	in.Close()

	if err := pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	s1, _ := out.Pop(ctx)
	s2, _ := out.Pop(ctx)
	if s1.Total != 1 || s2.Total != -1 {
		t.Fatalf("totales: %v %v", s1.Total, s2.Total)
	}
	if len(s1.Scores) != 1 {
		t.Fatalf("scores por función: %v", s1.Scores)
	}
}

// steps_before_weight_sync=2: la versión visible sube exactamente una vez
// después del paso 2, no en el paso 1.
func TestTrainingWeightSyncCadence(t *testing.T) {
	for _, tc := range []struct {
		steps       int64
		wantVersion rollout.Version
	}{
		{1, 0}, // paso 1: sin publicación
		{2, 1}, // paso 2: exactamente una
		{4, 2},
	} {
		buf, err := buffer.New(8, 1)
		if err != nil {
			t.Fatal(err)
		}
		for i := int64(0); i < tc.steps; i++ {
			buf.Insert(rollout.Scored{
				Rollout: rollout.Rollout{ID: fmt.Sprintf("r%d", i), PromptID: fmt.Sprintf("p%d", i)},
				Total:   1,
			})
		}
		tr, _ := engine.NewTrainer(engine.Config{})
		snap := policy.NewStore(nil)
		in := queue.New[rollout.Scored](1)
		in.Close()

		pool := NewTrainingPool(TrainingConfig{
			Workers:   1,
			BatchSize: 1,
			PPOEpochs: 1,
			SyncEvery: 2,
			NumSteps:  tc.steps,
		}, buf, tr, snap, nil, in)

		if err := pool.Run(context.Background()); err != nil {
			t.Fatalf("run(%d): %v", tc.steps, err)
		}
		if got := snap.Version(); got != tc.wantVersion {
			t.Fatalf("steps=%d: versión=%d want %d", tc.steps, got, tc.wantVersion)
		}
	}
}

func TestTrainingHonorsStepBudget(t *testing.T) {
	buf, err := buffer.New(16, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Más grupos que pasos: el budget manda.
	for i := 0; i < 10; i++ {
		buf.Insert(rollout.Scored{
			Rollout: rollout.Rollout{ID: fmt.Sprintf("r%d", i), PromptID: fmt.Sprintf("p%d", i)},
		})
	}
	tr, _ := engine.NewTrainer(engine.Config{})
	in := queue.New[rollout.Scored](1)
	in.Close()

	var steps []int64
	pool := NewTrainingPool(TrainingConfig{
		Workers:   2,
		BatchSize: 1,
		PPOEpochs: 1,
		SyncEvery: 1,
		NumSteps:  5,
	}, buf, tr, policy.NewStore(nil), nil, in)
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	pool.OnStep = func(r StepRecord) {
		<-mu
		steps = append(steps, r.Step)
		mu <- struct{}{}
	}

	if err := pool.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if pool.StepsCompleted() != 5 {
		t.Fatalf("pasos: %d want 5", pool.StepsCompleted())
	}
	if len(steps) != 5 {
		t.Fatalf("records: %v", steps)
	}
	if buf.EligibleGroups() != 5 {
		t.Fatalf("el pool consumió de más: quedan %d", buf.EligibleGroups())
	}
}

type failingTrainer struct{ engine.Trainer }

func (f failingTrainer) Step(ctx context.Context, b []rollout.Group, o engine.StepOpts) (engine.StepResult, error) {
	return engine.StepResult{}, errors.New("OOM")
}

func TestTrainingFatalErrorTagged(t *testing.T) {
	buf, _ := buffer.New(4, 1)
	buf.Insert(rollout.Scored{Rollout: rollout.Rollout{ID: "r", PromptID: "p"}})
	base, _ := engine.NewTrainer(engine.Config{})
	in := queue.New[rollout.Scored](1)
	in.Close()

	pool := NewTrainingPool(TrainingConfig{
		Workers:   1,
		BatchSize: 1,
		PPOEpochs: 1,
		SyncEvery: 1,
		NumSteps:  3,
	}, buf, failingTrainer{base}, policy.NewStore(nil), nil, in)

	err := pool.Run(context.Background())
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("want FatalError, got %v", err)
	}
	if fe.Role != RoleTraining || fe.Step != 1 {
		t.Fatalf("tag: %+v", fe)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout esperando: %s", what)
}
