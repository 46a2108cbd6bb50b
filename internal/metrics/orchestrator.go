package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Orchestrator Prometheus metrics. Package standalone para evitar ciclos de
// import entre buffer/worker/controller y el server HTTP de status.

var (
	SampleQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sample_queue_depth",
		Help: "Grupos de rollouts encolados entre inference y postprocessing",
	})

	ScoredQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scored_queue_depth",
		Help: "Rollouts scoreados encolados entre postprocessing y el buffer",
	})

	BufferEligibleGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replay_buffer_eligible_groups",
		Help: "Grupos completos en el replay buffer listos para training",
	})

	BufferEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_buffer_evictions_total",
		Help: "Grupos desalojados del replay buffer por capacidad",
	})

	RolloutsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollouts_generated_total",
		Help: "Rollouts producidos por el pool de inference",
	})

	RolloutsScored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollouts_scored_total",
		Help: "Rollouts scoreados por el pool de postprocessing",
	})

	PromptsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "prompts_dropped_total",
		Help: "Prompts descartados tras agotar los reintentos de generación",
	})

	TrainingSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "training_steps_total",
		Help: "Pasos de optimización completados",
	})

	PolicyVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "policy_version",
		Help: "Versión de policy publicada más reciente",
	})

	WeightSyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weight_syncs_total",
		Help: "Publicaciones de pesos hacia el pool de inference",
	})

	BatchStaleness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_staleness_versions",
		Help:    "Gap de versiones entre la policy actual y la más vieja del batch",
		Buckets: prometheus.LinearBuckets(0, 1, 10),
	})

	RewardTotal = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollout_reward_total",
		Help:    "Distribución del reward combinado por rollout",
		Buckets: prometheus.LinearBuckets(-1, 0.25, 12),
	})

	StepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "training_step_duration_seconds",
		Help:    "Duración de cada paso de training",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

// Register registra las métricas del orquestador en el registry dado
// (o el default si es nil). Tolera doble registro.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		SampleQueueDepth,
		ScoredQueueDepth,
		BufferEligibleGroups,
		BufferEvictions,
		RolloutsGenerated,
		RolloutsScored,
		PromptsDropped,
		TrainingSteps,
		PolicyVersion,
		WeightSyncs,
		BatchStaleness,
		RewardTotal,
		StepDuration,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
