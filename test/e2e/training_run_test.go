package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ebsmothers/ebs-torchtune/internal/cache"
	"github.com/ebsmothers/ebs-torchtune/internal/checkpoint"
	"github.com/ebsmothers/ebs-torchtune/internal/config"
	"github.com/ebsmothers/ebs-torchtune/internal/controller"
	"github.com/ebsmothers/ebs-torchtune/internal/dataset"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	httpx "github.com/ebsmothers/ebs-torchtune/internal/http"
	"github.com/ebsmothers/ebs-torchtune/internal/runstore"
)

const e2eYAML = `
app:
  env: dev
  log_level: error
orchestration:
  num_inference_workers: 2
  num_postprocessing_workers: 2
  num_training_workers: 2
  num_steps: 6
  replay_buffer_size: "${training.batch_size} * 2"
inference:
  group_size: 4
  queue_maxsize: 8
  steps_before_weight_sync: 2
training:
  batch_size: 2
  ppo_epochs: 1
  steps_before_weight_sync: 2
  save_every_n_steps: 3
reward_functions:
  - kind: correctness
  - kind: formatting
dataset:
  source: memory
  prompts:
    - {id: p1, text: "dos mas dos", answer: "4"}
    - {id: p2, text: "capital de francia", answer: "paris"}
    - {id: p3, text: "tres por tres", answer: "9"}
    - {id: p4, text: "color del cielo", answer: "azul"}
cache:
  driver: memory
`

func buildDeps(t *testing.T, cfg *config.Config, ckptDir string) controller.Deps {
	t.Helper()

	prompts := make([]dataset.Prompt, len(cfg.Dataset.Prompts))
	for i, p := range cfg.Dataset.Prompts {
		prompts[i] = dataset.Prompt{ID: p.ID, Text: p.Text, Answer: p.Answer}
	}
	src, err := dataset.NewMemory(prompts)
	require.NoError(t, err)

	cc, err := cache.New(cache.Config{Driver: cfg.Cache.Driver, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	src = dataset.WithCache(src, cc, time.Minute)

	gen, err := engine.NewGenerator(engine.Config{Driver: "stub", Seed: 7})
	require.NoError(t, err)
	trainer, err := engine.NewTrainer(engine.Config{Driver: "stub"})
	require.NoError(t, err)

	var ckpt *checkpoint.Checkpointer
	if ckptDir != "" {
		ckpt = checkpoint.New(checkpoint.Config{
			Dir:         ckptDir,
			ModelFamily: "stub-1b",
			EveryNSteps: cfg.Training.SaveEveryNSteps.Value(),
		}, trainer)
	}

	return controller.Deps{
		Source:       src,
		Generator:    gen,
		Trainer:      trainer,
		Checkpointer: ckpt,
		Runs:         runstore.NewMemory(),
	}
}

func TestCorridaCompleta(t *testing.T) {
	cfg, err := config.Parse([]byte(e2eYAML))
	require.NoError(t, err)

	ckptDir := t.TempDir()
	deps := buildDeps(t, cfg, ckptDir)

	run, err := controller.Start(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	require.NoError(t, err)

	require.EqualValues(t, 6, res.Steps)
	// sync cada 2 pasos sobre 6 pasos → 3 publicaciones.
	require.EqualValues(t, 3, res.FinalVersion)
	require.Equal(t, controller.StateTerminated, run.State())

	// 6 pasos × 2 grupos × 4 completions como piso de generación.
	require.GreaterOrEqual(t, res.RolloutsGenerated, int64(48))
	require.GreaterOrEqual(t, res.RolloutsGenerated, res.RolloutsScored)
	require.Greater(t, res.RolloutsScored, int64(0))

	// Checkpoints en los pasos 3 y 6.
	entries, err := os.ReadDir(ckptDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	mf, err := checkpoint.Latest(ckptDir)
	require.NoError(t, err)
	require.EqualValues(t, 6, mf.Step)
	require.Equal(t, "stub-1b", mf.ModelFamily)

	// Historial persistido en el run store.
	rec, err := deps.Runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", rec.Status)
	require.EqualValues(t, 6, rec.Steps)

	steps, err := deps.Runs.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 6)
	for i, s := range steps {
		require.EqualValues(t, i+1, s.Step)
		require.GreaterOrEqual(t, s.Staleness, int64(0))
	}
}

func TestStatusEndpointDuranteCorrida(t *testing.T) {
	cfg, err := config.Parse([]byte(e2eYAML))
	require.NoError(t, err)

	run, err := controller.Start(cfg, buildDeps(t, cfg, ""))
	require.NoError(t, err)

	srv := httptest.NewServer(httpx.NewRouter(&httpx.Handler{
		Status: func() (controller.Status, bool) { return run.Status(), true },
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_, err = run.Wait(ctx)
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st controller.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, run.ID, st.RunID)
	require.Equal(t, "TERMINATED", st.State)
	require.EqualValues(t, 6, st.Steps)
}

func TestShutdownAMitadDeCorrida(t *testing.T) {
	cfg, err := config.Parse([]byte(e2eYAML))
	require.NoError(t, err)
	cfg.Orchestration.NumSteps = config.Int(1 << 30)

	deps := buildDeps(t, cfg, "")
	run, err := controller.Start(cfg, deps)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run.Shutdown(ctx))
	require.Equal(t, controller.StateTerminated, run.State())

	rec, err := deps.Runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", rec.Status)
}
