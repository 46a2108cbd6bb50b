package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ebsmothers/ebs-torchtune/internal/metrics"
	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	"github.com/ebsmothers/ebs-torchtune/internal/queue"
	"github.com/ebsmothers/ebs-torchtune/internal/reward"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// PostprocessConfig parametriza el pool de postprocessing.
type PostprocessConfig struct {
	Workers int
}

// PostprocessPool drena la sample queue, aplica las reward functions en
// orden y emite rollouts scoreados. El scoring nunca tumba al worker:
// una generación malformada scorea negative_reward y sigue.
type PostprocessPool struct {
	cfg PostprocessConfig
	fns []reward.Function
	in  *queue.Queue[[]rollout.Rollout]
	out *queue.Queue[rollout.Scored]

	scored atomic.Int64
}

// NewPostprocessPool arma el pool. No arranca nada hasta Run.
func NewPostprocessPool(cfg PostprocessConfig, fns []reward.Function,
	in *queue.Queue[[]rollout.Rollout], out *queue.Queue[rollout.Scored]) *PostprocessPool {
	return &PostprocessPool{cfg: cfg, fns: fns, in: in, out: out}
}

// Scored retorna el total de rollouts scoreados y encolados.
func (p *PostprocessPool) Scored() int64 {
	return p.scored.Load()
}

// Run ejecuta los workers hasta cancelación o cierre de la cola de entrada.
func (p *PostprocessPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.runWorker(ctx, id) })
	}
	return g.Wait()
}

func (p *PostprocessPool) runWorker(ctx context.Context, id int) error {
	log := logger.From(ctx).Named("postprocess").With(logger.WorkerID(id))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		group, err := p.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil // productor terminó y la cola se drenó
			}
			return err
		}
		metrics.SampleQueueDepth.Set(float64(p.in.Len()))

		for _, r := range group {
			scores, total := reward.ScoreAll(ctx, p.fns, r)
			s := rollout.Scored{
				Rollout:  r,
				Scores:   scores,
				Total:    total,
				ScoredAt: time.Now(),
			}
			if err := p.out.Push(ctx, s); err != nil {
				return err
			}
			p.scored.Add(1)
			metrics.RolloutsScored.Inc()
			metrics.RewardTotal.Observe(total)
			metrics.ScoredQueueDepth.Set(float64(p.out.Len()))
		}
		if len(group) > 0 {
			log.Debug("grupo scoreado",
				logger.PromptID(group[0].PromptID),
				logger.Count(len(group)))
		}
	}
}
