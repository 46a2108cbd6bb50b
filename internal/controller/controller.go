// Package controller coordina la corrida completa: instancia colas, buffer
// y snapshot store, lanza los tres pools, es dueño del budget de pasos y
// del shutdown ordenado. Es el único proceso coordinador; los workers no
// se hablan entre sí salvo por las colas.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ebsmothers/ebs-torchtune/internal/buffer"
	"github.com/ebsmothers/ebs-torchtune/internal/checkpoint"
	"github.com/ebsmothers/ebs-torchtune/internal/config"
	"github.com/ebsmothers/ebs-torchtune/internal/dataset"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	"github.com/ebsmothers/ebs-torchtune/internal/policy"
	"github.com/ebsmothers/ebs-torchtune/internal/queue"
	"github.com/ebsmothers/ebs-torchtune/internal/reward"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
	"github.com/ebsmothers/ebs-torchtune/internal/runstore"
	"github.com/ebsmothers/ebs-torchtune/internal/worker"
)

// State es el estado de la corrida.
type State int32

const (
	StateInit State = iota
	StateWarmup
	StateSteady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWarmup:
		return "WARMUP"
	case StateSteady:
		return "STEADY_STATE"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ErrTimeout indica que Wait superó su deadline y la corrida fue cancelada
// a la fuerza. Es un timeout reportado, no un crash.
var ErrTimeout = errors.New("controller: run timed out")

// Deps son los colaboradores externos del controller. Source, Generator y
// Trainer son obligatorios; el resto es opcional.
type Deps struct {
	Source       dataset.Source
	Generator    engine.Generator
	Trainer      engine.Trainer
	Checkpointer *checkpoint.Checkpointer
	Runs         runstore.Store
	Logger       *zap.Logger
}

// Result es el resumen de una corrida completada.
type Result struct {
	RunID             string
	Steps             int64
	FinalVersion      rollout.Version
	RolloutsGenerated int64
	RolloutsScored    int64
	Evictions         uint64
	Elapsed           time.Duration
}

// Run es el handle de una corrida en curso.
type Run struct {
	ID string

	cfg  *config.Config
	deps Deps

	snap     *policy.Store
	buf      *buffer.Replay
	sampleQ     *queue.Queue[[]rollout.Rollout]
	scoredQ     *queue.Queue[rollout.Scored]
	inference   *worker.InferencePool
	postprocess *worker.PostprocessPool
	training    *worker.TrainingPool

	state     atomic.Int32
	stopping  atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	result Result
	runErr error
}

// Start valida dependencias, arma el pipeline y lanza los pools.
// Retorna apenas todo quedó corriendo.
func Start(cfg *config.Config, deps Deps) (*Run, error) {
	if cfg == nil {
		return nil, errors.New("controller: config nil")
	}
	if deps.Source == nil || deps.Generator == nil || deps.Trainer == nil {
		return nil, errors.New("controller: faltan dependencias (source, generator, trainer)")
	}

	log := deps.Logger
	if log == nil {
		log = logger.L()
	}

	runID := uuid.NewString()
	log = log.With(logger.RunID(runID))

	// Reward functions resueltas una sola vez, al armar la corrida.
	specs := make([]reward.Spec, len(cfg.RewardFunctions))
	for i, rf := range cfg.RewardFunctions {
		specs[i] = reward.Spec{
			Kind:           rf.Kind,
			PositiveReward: rf.PositiveReward,
			NegativeReward: rf.NegativeReward,
			ThinkTag:       rf.ThinkTag,
			AnswerTag:      rf.AnswerTag,
		}
	}
	fns, err := reward.Resolve(specs, deps.Source)
	if err != nil {
		return nil, err
	}

	buf, err := buffer.New(cfg.Orchestration.ReplayBufferSize.Value(), cfg.Inference.GroupSize.Value())
	if err != nil {
		return nil, err
	}

	// El snapshot inicial (versión 0) sale del trainer tal cual arrancó:
	// inference nunca genera con pesos que training no haya visto.
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	w0, err := deps.Trainer.Weights(initCtx)
	initCancel()
	if err != nil {
		return nil, fmt.Errorf("controller: pesos iniciales: %w", err)
	}

	r := &Run{
		ID:        runID,
		cfg:       cfg,
		deps:      deps,
		snap:      policy.NewStore(w0),
		buf:       buf,
		sampleQ:   queue.New[[]rollout.Rollout](cfg.Inference.QueueMaxsize.Value()),
		scoredQ:   queue.New[rollout.Scored](cfg.Inference.QueueMaxsize.Value() * cfg.Inference.GroupSize.Value()),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.state.Store(int32(StateInit))

	r.inference = worker.NewInferencePool(worker.InferenceConfig{
		Workers:    cfg.Orchestration.NumInferenceWorkers,
		GroupSize:  cfg.Inference.GroupSize.Value(),
		MaxTokens:  cfg.Inference.MaxGeneratedTokens.Value(),
		MaxRetries: cfg.Inference.MaxRetries,
		Sampling: engine.SamplingParams{
			Temperature: cfg.Inference.Sampling.Temperature,
			TopP:        cfg.Inference.Sampling.TopP,
			Seed:        cfg.Inference.Sampling.Seed,
		},
	}, deps.Source, deps.Generator, r.snap, r.sampleQ)

	r.postprocess = worker.NewPostprocessPool(worker.PostprocessConfig{
		Workers: cfg.Orchestration.NumPostprocessingWorkers,
	}, fns, r.sampleQ, r.scoredQ)

	r.training = worker.NewTrainingPool(worker.TrainingConfig{
		Workers:      cfg.Orchestration.NumTrainingWorkers,
		BatchSize:    cfg.Training.BatchSize.Value(),
		PPOEpochs:    cfg.Training.PPOEpochs.Value(),
		SyncEvery:    cfg.Training.StepsBeforeWeightSync.Value(),
		NumSteps:     int64(cfg.Orchestration.NumSteps.Value()),
		ClipGradNorm: cfg.Training.ClipGradNorm,
	}, r.buf, deps.Trainer, r.snap, deps.Checkpointer, r.scoredQ)

	r.training.OnFirstBatch = func() {
		// Primer batch armado: termina el warmup.
		r.state.CompareAndSwap(int32(StateWarmup), int32(StateSteady))
	}
	if deps.Runs != nil {
		r.training.OnStep = func(rec worker.StepRecord) {
			stepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := deps.Runs.RecordStep(stepCtx, runID, runstore.StepRecord{
				Step:       rec.Step,
				Loss:       rec.Loss,
				MeanReward: rec.MeanReward,
				Staleness:  rec.Staleness,
				Version:    int64(rec.Version),
				Duration:   rec.Duration,
			}); err != nil {
				log.Warn("run store: paso no registrado", logger.Step(rec.Step), logger.Err(err))
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.ToContext(ctx, log)
	r.cancel = cancel

	if deps.Runs != nil {
		if err := deps.Runs.CreateRun(ctx, runstore.RunRecord{
			ID:        runID,
			NumSteps:  int64(cfg.Orchestration.NumSteps.Value()),
			GroupSize: cfg.Inference.GroupSize.Value(),
			StartedAt: r.startedAt,
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("controller: run store: %w", err)
		}
	}

	log.Info("corrida iniciada",
		logger.Any("num_steps", cfg.Orchestration.NumSteps.Value()),
		logger.Any("inference_workers", cfg.Orchestration.NumInferenceWorkers),
		logger.Any("postprocessing_workers", cfg.Orchestration.NumPostprocessingWorkers),
		logger.Any("training_workers", cfg.Orchestration.NumTrainingWorkers))

	r.state.Store(int32(StateWarmup))
	go r.run(ctx, log)
	return r, nil
}

func (r *Run) run(ctx context.Context, log *zap.Logger) {
	defer close(r.done)

	g, gctx := errgroup.WithContext(ctx)

	// La generación corre bajo un contexto propio: cuando training agota su
	// budget, se frena generación y scoring sin tratarlo como error.
	genCtx, genCancel := context.WithCancel(gctx)
	defer genCancel()

	g.Go(func() error {
		err := r.inference.Run(genCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := r.postprocess.Run(genCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := r.training.Run(gctx)
		r.state.Store(int32(StateDraining))
		genCancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	if err != nil && r.stopping.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}

	r.result = Result{
		RunID:             r.ID,
		Steps:             r.training.StepsCompleted(),
		FinalVersion:      r.snap.Version(),
		RolloutsGenerated: r.inference.Generated(),
		RolloutsScored:    r.postprocess.Scored(),
		Evictions:         r.buf.Evictions(),
		Elapsed:           time.Since(r.startedAt),
	}
	r.runErr = err
	r.state.Store(int32(StateTerminated))

	if r.deps.Runs != nil {
		finCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		status := "completed"
		if err != nil {
			status = "failed"
		} else if r.stopping.Load() {
			status = "cancelled"
		}
		if ferr := r.deps.Runs.FinishRun(finCtx, r.ID, status, r.result.Steps, int64(r.result.FinalVersion)); ferr != nil {
			log.Warn("run store: cierre no registrado", logger.Err(ferr))
		}
		cancel()
	}

	if err != nil {
		log.Error("corrida terminó con error", logger.Err(err))
	} else {
		log.Info("corrida completada",
			logger.Step(r.result.Steps),
			logger.Version(r.result.FinalVersion),
			logger.Duration(r.result.Elapsed))
	}
}

// Wait bloquea hasta que la corrida termine o venza el contexto.
// Si vence, cancela todos los pools a la fuerza y reporta ErrTimeout.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, r.runErr
	case <-ctx.Done():
		r.stopping.Store(true)
		r.state.Store(int32(StateDraining))
		r.cancel()
		<-r.done
		return r.result, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Shutdown pide cancelación cooperativa y espera el cierre ordenado,
// acotado por ctx.
func (r *Run) Shutdown(ctx context.Context) error {
	r.stopping.Store(true)
	r.state.Store(int32(StateDraining))
	r.cancel()
	select {
	case <-r.done:
		return r.runErr
	case <-ctx.Done():
		return fmt.Errorf("controller: shutdown no terminó a tiempo: %w", ctx.Err())
	}
}

// State retorna el estado actual de la corrida.
func (r *Run) State() State {
	return State(r.state.Load())
}

// Status es el snapshot para el endpoint de status.
type Status struct {
	RunID             string          `json:"run_id"`
	State             string          `json:"state"`
	Steps             int64           `json:"steps"`
	NumSteps          int64           `json:"num_steps"`
	PolicyVersion     rollout.Version `json:"policy_version"`
	RolloutsGenerated int64           `json:"rollouts_generated"`
	RolloutsScored    int64           `json:"rollouts_scored"`
	SampleQueueLen    int             `json:"sample_queue_len"`
	ScoredQueueLen    int             `json:"scored_queue_len"`
	EligibleGroups    int             `json:"eligible_groups"`
	PendingGroups     int             `json:"pending_groups"`
	Evictions         uint64          `json:"evictions"`
	UptimeSeconds     float64         `json:"uptime_seconds"`
}

// Status arma el snapshot de estado actual.
func (r *Run) Status() Status {
	return Status{
		RunID:             r.ID,
		State:             r.State().String(),
		Steps:             r.training.StepsCompleted(),
		NumSteps:          int64(r.cfg.Orchestration.NumSteps.Value()),
		PolicyVersion:     r.snap.Version(),
		RolloutsGenerated: r.inference.Generated(),
		RolloutsScored:    r.postprocess.Scored(),
		SampleQueueLen:    r.sampleQ.Len(),
		ScoredQueueLen:    r.scoredQ.Len(),
		EligibleGroups:    r.buf.EligibleGroups(),
		PendingGroups:     r.buf.PendingGroups(),
		Evictions:         r.buf.Evictions(),
		UptimeSeconds:     time.Since(r.startedAt).Seconds(),
	}
}
