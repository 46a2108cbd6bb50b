package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ebsmothers/ebs-torchtune/internal/buffer"
	"github.com/ebsmothers/ebs-torchtune/internal/checkpoint"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	"github.com/ebsmothers/ebs-torchtune/internal/metrics"
	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/queue"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// TrainingConfig parametriza el pool de training.
type TrainingConfig struct {
	Workers      int
	BatchSize    int // grupos por paso
	PPOEpochs    int
	SyncEvery    int // steps_before_weight_sync
	NumSteps     int64
	ClipGradNorm float64

	// PollInterval entre intentos de armar batch cuando el buffer
	// todavía no tiene suficientes grupos.
	PollInterval time.Duration
}

// StepRecord es lo que se reporta por cada paso completado (run store, logs).
type StepRecord struct {
	Step       int64
	Loss       float64
	MeanReward float64
	Staleness  int64
	Version    rollout.Version
	Duration   time.Duration
}

// TrainingPool consume batches del replay buffer, ejecuta pasos de
// optimización vía el engine y publica pesos cada SyncEvery pasos.
// Incluye el collector que drena la scored queue hacia el buffer.
type TrainingPool struct {
	cfg     TrainingConfig
	buf     *buffer.Replay
	trainer engine.Trainer
	snap    *policy.Store
	ckpt    *checkpoint.Checkpointer
	in      *queue.Queue[rollout.Scored]

	// mu protege el claim de pasos: armar batch + asignar número de paso
	// es atómico para que los batches sean disjuntos y el budget exacto.
	mu      sync.Mutex
	claimed int64

	firstOnce sync.Once

	// OnStep se invoca al completar cada paso (run store). Opcional.
	OnStep func(StepRecord)

	// OnFirstBatch marca la salida de WARMUP. Opcional.
	OnFirstBatch func()
}

// NewTrainingPool arma el pool. No arranca nada hasta Run.
func NewTrainingPool(cfg TrainingConfig, buf *buffer.Replay, trainer engine.Trainer,
	snap *policy.Store, ckpt *checkpoint.Checkpointer, in *queue.Queue[rollout.Scored]) *TrainingPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return &TrainingPool{cfg: cfg, buf: buf, trainer: trainer, snap: snap, ckpt: ckpt, in: in}
}

// StepsCompleted retorna los pasos reclamados hasta ahora.
func (p *TrainingPool) StepsCompleted() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed
}

// Run ejecuta el collector y los workers de training hasta completar el
// budget de pasos, cancelación o error fatal.
func (p *TrainingPool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	collectDone := make(chan error, 1)
	go func() { collectDone <- p.runCollector(ctx) }()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return p.runWorker(gctx, id) })
	}
	err := g.Wait()

	// Workers listos: el collector ya no tiene consumidor, se lo frena.
	cancel()
	cerr := <-collectDone
	if err != nil {
		return err
	}
	if cerr != nil && !errors.Is(cerr, context.Canceled) {
		return cerr
	}
	return nil
}

// runCollector drena la scored queue hacia el replay buffer.
func (p *TrainingPool) runCollector(ctx context.Context) error {
	for {
		s, err := p.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		p.buf.Insert(s)
		metrics.ScoredQueueDepth.Set(float64(p.in.Len()))
	}
}

func (p *TrainingPool) runWorker(ctx context.Context, id int) error {
	log := logger.From(ctx).Named("training").With(logger.WorkerID(id))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.mu.Lock()
		if p.claimed >= p.cfg.NumSteps {
			p.mu.Unlock()
			return nil
		}
		batch, ok := p.buf.TryAssembleBatch(p.cfg.BatchSize)
		if !ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.claimed++
		step := p.claimed
		p.mu.Unlock()

		if p.OnFirstBatch != nil {
			p.firstOnce.Do(p.OnFirstBatch)
		}

		if err := p.trainStep(ctx, log, step, batch); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fatal(RoleTraining, id, step, err)
		}
	}
}

func (p *TrainingPool) trainStep(ctx context.Context, log *zap.Logger, step int64, batch []buffer.Entry) error {
	groups := make([]rollout.Group, len(batch))
	minVersion := rollout.Version(1<<62 - 1)
	var meanReward float64
	for i, e := range batch {
		groups[i] = e.Group
		if v := e.Group.MinVersion(); v < minVersion {
			minVersion = v
		}
		meanReward += e.Group.MeanReward()
	}
	meanReward /= float64(len(batch))
	staleness := int64(p.snap.Version() - minVersion)

	start := time.Now()
	res, err := p.trainer.Step(ctx, groups, engine.StepOpts{
		Epochs:       p.cfg.PPOEpochs,
		ClipGradNorm: p.cfg.ClipGradNorm,
		Staleness:    staleness,
	})
	if err != nil {
		return err
	}
	dur := time.Since(start)

	metrics.TrainingSteps.Inc()
	metrics.BatchStaleness.Observe(float64(staleness))
	metrics.StepDuration.Observe(dur.Seconds())

	// Weight sync: el único punto de sincronización global. Swap atómico,
	// nunca un lock sostenido durante la generación.
	if step%int64(p.cfg.SyncEvery) == 0 {
		w, err := p.trainer.Weights(ctx)
		if err != nil {
			return err
		}
		v := p.snap.Publish(w)
		metrics.PolicyVersion.Set(float64(v))
		metrics.WeightSyncs.Inc()
		log.Info("pesos publicados", logger.Step(step), logger.Version(v))
	}

	if p.ckpt != nil {
		if saved, err := p.ckpt.MaybeSave(ctx, step, p.snap.Version()); err != nil {
			// El checkpoint es un side effect: se loguea y la corrida sigue.
			log.Error("checkpoint falló", logger.Step(step), logger.Err(err))
		} else if saved {
			log.Info("checkpoint guardado", logger.Step(step))
		}
	}

	if p.OnStep != nil {
		p.OnStep(StepRecord{
			Step:       step,
			Loss:       res.Loss,
			MeanReward: meanReward,
			Staleness:  staleness,
			Version:    p.snap.Version(),
			Duration:   dur,
		})
	}

	log.Debug("paso completado",
		logger.Step(step),
		logger.Reward(meanReward),
		logger.Staleness(staleness),
		logger.Duration(dur))
	return nil
}
