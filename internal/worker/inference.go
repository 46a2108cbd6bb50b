package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ebsmothers/ebs-torchtune/internal/dataset"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	"github.com/ebsmothers/ebs-torchtune/internal/metrics"
	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/queue"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// InferenceConfig parametriza el pool de inference.
type InferenceConfig struct {
	Workers    int
	GroupSize  int
	MaxTokens  int
	MaxRetries int
	Sampling   engine.SamplingParams
}

// InferencePool genera grupos de rollouts y los empuja a la sample queue.
// El push bloqueante sobre la cola llena es el backpressure primario:
// inference no puede adelantarse a training más allá de queue_maxsize.
type InferencePool struct {
	cfg  InferenceConfig
	src  dataset.Source
	gen  engine.Generator
	snap *policy.Store
	out  *queue.Queue[[]rollout.Rollout]

	generated atomic.Int64
}

// NewInferencePool arma el pool. No arranca nada hasta Run.
func NewInferencePool(cfg InferenceConfig, src dataset.Source, gen engine.Generator,
	snap *policy.Store, out *queue.Queue[[]rollout.Rollout]) *InferencePool {
	return &InferencePool{cfg: cfg, src: src, gen: gen, snap: snap, out: out}
}

// Generated retorna el total de rollouts generados y encolados.
func (p *InferencePool) Generated() int64 {
	return p.generated.Load()
}

// Run ejecuta los workers hasta cancelación o error fatal.
func (p *InferencePool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.runWorker(ctx, id) })
	}
	return g.Wait()
}

func (p *InferencePool) runWorker(ctx context.Context, id int) error {
	log := logger.From(ctx).Named("inference").With(logger.WorkerID(id))
	var lastVersion rollout.Version

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		prompt, err := p.src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fatal(RoleInference, id, 0, err)
		}

		// Snapshot inmutable: el worker genera todo el grupo con la misma
		// versión. El swap de pesos nunca se observa a mitad de un grupo.
		snap := p.snap.Current()
		if snap.Version > lastVersion {
			log.Info("pesos sincronizados", logger.Version(snap.Version))
			lastVersion = snap.Version
		}

		gens, err := p.generateWithRetries(ctx, prompt, snap)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// Reintentos agotados: el prompt se descarta, el worker sigue.
			log.Warn("prompt descartado", logger.PromptID(prompt.ID), logger.Err(err))
			metrics.PromptsDropped.Inc()
			continue
		}

		group := make([]rollout.Rollout, len(gens))
		now := time.Now()
		for j, gen := range gens {
			group[j] = rollout.Rollout{
				ID:          rollout.NewID(),
				PromptID:    prompt.ID,
				Prompt:      prompt.Text,
				Completion:  gen.Completion,
				LogProbs:    gen.LogProbs,
				Version:     snap.Version,
				GeneratedAt: now,
			}
		}

		if err := p.out.Push(ctx, group); err != nil {
			return err // solo falla por cancelación
		}
		p.generated.Add(int64(len(group)))
		metrics.RolloutsGenerated.Add(float64(len(group)))
		metrics.SampleQueueDepth.Set(float64(p.out.Len()))
	}
}

// generateWithRetries es el camino de GenerationError: reintenta acotado
// y deja que el caller descarte el prompt si se agota.
func (p *InferencePool) generateWithRetries(ctx context.Context, prompt dataset.Prompt, snap *policy.Snapshot) ([]engine.Generation, error) {
	req := engine.GenerateRequest{
		PromptID:   prompt.ID,
		Prompt:     prompt.Text,
		NumSamples: p.cfg.GroupSize,
		MaxTokens:  p.cfg.MaxTokens,
		Weights:    snap.Weights,
		Sampling:   p.cfg.Sampling,
	}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		gens, err := p.gen.Generate(ctx, req)
		if err == nil {
			return gens, nil
		}
		lastErr = err
	}
	return nil, &engine.GenerationError{PromptID: prompt.ID, Err: lastErr}
}
