// Package config define la superficie de configuración del orquestador.
//
// El yaml se carga una sola vez: defaults → overrides por env → resolución
// de expresiones → validación. Los campos derivados se computan acá con
// fórmulas documentadas; nadie los re-evalúa ad hoc después.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		// Addr del server de status/metrics. Vacío lo desactiva.
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Orchestration struct {
		NumInferenceWorkers      int `yaml:"num_inference_workers"`
		NumPostprocessingWorkers int `yaml:"num_postprocessing_workers"`
		NumTrainingWorkers       int `yaml:"num_training_workers"`

		// ReplayBufferSize en grupos elegibles.
		// Default: ${training.batch_size} (un batch exacto).
		ReplayBufferSize IntExpr `yaml:"replay_buffer_size"`

		NumSteps IntExpr `yaml:"num_steps"`
	} `yaml:"orchestration"`

	Inference struct {
		// BatchSize: prompts por request de generación.
		BatchSize IntExpr `yaml:"batch_size"`

		// GroupSize: completions por prompt (GRPO necesita el grupo entero).
		GroupSize IntExpr `yaml:"group_size"`

		MaxGeneratedTokens    IntExpr `yaml:"max_generated_tokens"`
		StepsBeforeWeightSync IntExpr `yaml:"steps_before_weight_sync"`

		// QueueMaxsize acota la sample queue: el mecanismo de backpressure
		// que limita cuánto puede adelantarse inference a training.
		QueueMaxsize IntExpr `yaml:"queue_maxsize"`

		// MaxRetries por prompt ante GenerationError antes de descartarlo.
		MaxRetries int `yaml:"max_retries"`

		Engine string `yaml:"engine"` // driver del engine de generación
		Model  string `yaml:"model"`

		Sampling struct {
			Temperature float64 `yaml:"temperature"`
			TopP        float64 `yaml:"top_p"`
			Seed        int64   `yaml:"seed"`
		} `yaml:"sampling"`
	} `yaml:"inference"`

	Training struct {
		// BatchSize en grupos por paso de training.
		BatchSize IntExpr `yaml:"batch_size"`

		PPOEpochs             IntExpr `yaml:"ppo_epochs"`
		StepsBeforeWeightSync IntExpr `yaml:"steps_before_weight_sync"`
		SaveEveryNSteps       IntExpr `yaml:"save_every_n_steps"`

		ClipGradNorm float64 `yaml:"clip_grad_norm"`

		Engine    string `yaml:"engine"` // driver del engine de training
		Optimizer string `yaml:"optimizer"`
		Loss      string `yaml:"loss"`
	} `yaml:"training"`

	RewardFunctions []RewardFunction `yaml:"reward_functions"`

	Dataset struct {
		Source string `yaml:"source"` // "memory" | "jsonl"
		Path   string `yaml:"path"`   // para jsonl

		// Prompts inline para source=memory (dev/tests).
		Prompts []struct {
			ID     string `yaml:"id"`
			Text   string `yaml:"text"`
			Answer string `yaml:"answer"`
		} `yaml:"prompts"`
	} `yaml:"dataset"`

	Cache struct {
		Driver string `yaml:"driver"` // "memory" | "redis"
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
		TTL    string `yaml:"ttl"`
	} `yaml:"cache"`

	RunStore struct {
		Driver string `yaml:"driver"` // "memory" | "postgres"
		DSN    string `yaml:"dsn"`
	} `yaml:"runstore"`

	Checkpoint struct {
		Dir         string `yaml:"dir"`
		ModelFamily string `yaml:"model_family"`
		AdapterOnly bool   `yaml:"adapter_only"`
	} `yaml:"checkpoint"`

	MetricLogger struct {
		// prometheus sobre el server de status; "none" lo apaga.
		Kind string `yaml:"kind"`
	} `yaml:"metric_logger"`

	Profiler struct {
		// Monta net/http/pprof en el server de status.
		Enabled bool `yaml:"enabled"`
	} `yaml:"profiler"`
}

// RewardFunction es la entrada de configuración de una reward function.
type RewardFunction struct {
	Kind           string  `yaml:"kind"` // "correctness" | "formatting"
	PositiveReward float64 `yaml:"positive_reward"`
	NegativeReward float64 `yaml:"negative_reward"`
	ThinkTag       string  `yaml:"think_tag"`
	AnswerTag      string  `yaml:"answer_tag"`
}

// ValidationError es un error de configuración fatal; se reporta antes de
// arrancar cualquier worker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Load lee el yaml, aplica defaults y overrides por env, resuelve las
// expresiones cruzadas y valida. El Config retornado es definitivo.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse es Load sobre bytes ya leídos (tests, config embebido).
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: yaml inválido: %w", err)
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.resolveExprs(); err != nil {
		return nil, err
	}

	// Default que depende de otro campo: un batch exacto de capacidad.
	// Es la configuración de referencia; más grande requiere estrategia de
	// packing propia (ver DESIGN.md).
	if c.Orchestration.ReplayBufferSize.IsZero() {
		c.Orchestration.ReplayBufferSize = Int(c.Training.BatchSize.Value())
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Orchestration.NumInferenceWorkers == 0 {
		c.Orchestration.NumInferenceWorkers = 1
	}
	if c.Orchestration.NumPostprocessingWorkers == 0 {
		c.Orchestration.NumPostprocessingWorkers = 1
	}
	if c.Orchestration.NumTrainingWorkers == 0 {
		c.Orchestration.NumTrainingWorkers = 1
	}
	if c.Inference.BatchSize.IsZero() {
		c.Inference.BatchSize = Int(1)
	}
	if c.Inference.GroupSize.IsZero() {
		c.Inference.GroupSize = Int(8)
	}
	if c.Inference.MaxGeneratedTokens.IsZero() {
		c.Inference.MaxGeneratedTokens = Int(512)
	}
	if c.Inference.StepsBeforeWeightSync.IsZero() {
		c.Inference.StepsBeforeWeightSync = Int(1)
	}
	if c.Inference.QueueMaxsize.IsZero() {
		c.Inference.QueueMaxsize = Int(4)
	}
	if c.Inference.MaxRetries == 0 {
		c.Inference.MaxRetries = 3
	}
	if c.Inference.Engine == "" {
		c.Inference.Engine = "stub"
	}
	if c.Inference.Sampling.Temperature == 0 {
		c.Inference.Sampling.Temperature = 1.0
	}
	if c.Inference.Sampling.TopP == 0 {
		c.Inference.Sampling.TopP = 1.0
	}
	if c.Training.BatchSize.IsZero() {
		c.Training.BatchSize = Int(1)
	}
	if c.Training.PPOEpochs.IsZero() {
		c.Training.PPOEpochs = Int(1)
	}
	if c.Training.StepsBeforeWeightSync.IsZero() {
		c.Training.StepsBeforeWeightSync = Int(1)
	}
	if c.Training.Engine == "" {
		c.Training.Engine = "stub"
	}
	if len(c.RewardFunctions) == 0 {
		c.RewardFunctions = []RewardFunction{
			{Kind: "correctness", PositiveReward: 1, NegativeReward: -1},
			{Kind: "formatting", PositiveReward: 0.5, NegativeReward: -0.5},
		}
	}
	if c.Dataset.Source == "" {
		c.Dataset.Source = "memory"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "10m"
	}
	if c.RunStore.Driver == "" {
		c.RunStore.Driver = "memory"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}
	if c.MetricLogger.Kind == "" {
		c.MetricLogger.Kind = "prometheus"
	}
}

// applyEnvOverrides: pisa el yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TUNE_APP_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("TUNE_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("TUNE_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TUNE_NUM_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestration.NumSteps = Int(n)
		}
	}
	if v := os.Getenv("TUNE_DATASET_PATH"); v != "" {
		c.Dataset.Source = "jsonl"
		c.Dataset.Path = v
	}
	if v := os.Getenv("TUNE_CACHE_DRIVER"); v != "" {
		c.Cache.Driver = v
	}
	if v := os.Getenv("TUNE_REDIS_HOST"); v != "" {
		c.Cache.Host = v
	}
	if v := os.Getenv("TUNE_RUNSTORE_DSN"); v != "" {
		c.RunStore.Driver = "postgres"
		c.RunStore.DSN = v
	}
	if v := os.Getenv("TUNE_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
}

// resolveExprs resuelve todos los IntExpr del config. Las expresiones pueden
// referenciar otros campos (incluso otros con expresión); los ciclos son
// error de configuración.
func (c *Config) resolveExprs() error {
	fields := map[string]*IntExpr{
		"orchestration.replay_buffer_size":   &c.Orchestration.ReplayBufferSize,
		"orchestration.num_steps":            &c.Orchestration.NumSteps,
		"inference.batch_size":               &c.Inference.BatchSize,
		"inference.group_size":               &c.Inference.GroupSize,
		"inference.max_generated_tokens":     &c.Inference.MaxGeneratedTokens,
		"inference.steps_before_weight_sync": &c.Inference.StepsBeforeWeightSync,
		"inference.queue_maxsize":            &c.Inference.QueueMaxsize,
		"training.batch_size":                &c.Training.BatchSize,
		"training.ppo_epochs":                &c.Training.PPOEpochs,
		"training.steps_before_weight_sync":  &c.Training.StepsBeforeWeightSync,
		"training.save_every_n_steps":        &c.Training.SaveEveryNSteps,
	}
	scalars := map[string]int{
		"orchestration.num_inference_workers":      c.Orchestration.NumInferenceWorkers,
		"orchestration.num_postprocessing_workers": c.Orchestration.NumPostprocessingWorkers,
		"orchestration.num_training_workers":       c.Orchestration.NumTrainingWorkers,
	}

	lookup := func(path string) (int, error) {
		if v, ok := scalars[path]; ok {
			return v, nil
		}
		f, ok := fields[path]
		if !ok {
			return 0, fmt.Errorf("campo desconocido: %q", path)
		}
		if !f.resolved {
			return 0, fmt.Errorf("campo %q aún sin resolver", path)
		}
		return f.value, nil
	}

	// Resolución iterativa: en cada pasada caen los campos cuyas referencias
	// ya están resueltas. Sin progreso ⇒ ciclo o referencia inválida.
	for {
		progress := false
		pending := 0
		var lastErr error
		for name, f := range fields {
			if f.resolved || f.IsZero() {
				continue
			}
			pending++
			ok := true
			for _, ref := range f.refs() {
				if s, has := fields[ref]; has && !s.resolved {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			if err := f.resolve(lookup); err != nil {
				lastErr = fmt.Errorf("config: %s: %w", name, err)
				continue
			}
			progress = true
		}
		if pending == 0 {
			return nil
		}
		if !progress {
			if lastErr != nil {
				return lastErr
			}
			return errors.New("config: ciclo de referencias entre expresiones")
		}
	}
}

// Validate verifica los valores críticos. Todos los problemas se reportan
// juntos, antes de arrancar cualquier worker.
func (c *Config) Validate() error {
	var errs []error
	check := func(cond bool, field, reason string) {
		if !cond {
			errs = append(errs, invalid(field, reason))
		}
	}

	check(c.Orchestration.NumInferenceWorkers > 0, "orchestration.num_inference_workers", "debe ser > 0")
	check(c.Orchestration.NumPostprocessingWorkers > 0, "orchestration.num_postprocessing_workers", "debe ser > 0")
	check(c.Orchestration.NumTrainingWorkers > 0, "orchestration.num_training_workers", "debe ser > 0")
	check(c.Orchestration.NumSteps.Value() > 0, "orchestration.num_steps", "requerido y > 0")
	check(c.Orchestration.ReplayBufferSize.Value() > 0, "orchestration.replay_buffer_size", "debe ser > 0")
	check(c.Orchestration.ReplayBufferSize.Value() >= c.Training.BatchSize.Value(),
		"orchestration.replay_buffer_size", "no puede ser menor que training.batch_size")

	check(c.Inference.BatchSize.Value() > 0, "inference.batch_size", "debe ser > 0")
	check(c.Inference.GroupSize.Value() > 0, "inference.group_size", "debe ser > 0")
	check(c.Inference.MaxGeneratedTokens.Value() > 0, "inference.max_generated_tokens", "debe ser > 0")
	check(c.Inference.QueueMaxsize.Value() > 0, "inference.queue_maxsize", "debe ser > 0")
	check(c.Inference.StepsBeforeWeightSync.Value() > 0, "inference.steps_before_weight_sync", "debe ser > 0")
	check(c.Inference.MaxRetries >= 0, "inference.max_retries", "no puede ser negativo")

	check(c.Training.BatchSize.Value() > 0, "training.batch_size", "debe ser > 0")
	check(c.Training.PPOEpochs.Value() > 0, "training.ppo_epochs", "debe ser > 0")
	check(c.Training.StepsBeforeWeightSync.Value() > 0, "training.steps_before_weight_sync", "debe ser > 0")
	check(c.Training.ClipGradNorm >= 0, "training.clip_grad_norm", "no puede ser negativo")

	for i, rf := range c.RewardFunctions {
		switch rf.Kind {
		case "correctness", "formatting":
		default:
			errs = append(errs, invalid(
				fmt.Sprintf("reward_functions[%d].kind", i),
				fmt.Sprintf("desconocido: %q", rf.Kind)))
		}
	}

	switch c.Dataset.Source {
	case "memory":
		check(len(c.Dataset.Prompts) > 0, "dataset.prompts", "requerido con source=memory")
	case "jsonl":
		check(c.Dataset.Path != "", "dataset.path", "requerido con source=jsonl")
	default:
		errs = append(errs, invalid("dataset.source", fmt.Sprintf("desconocido: %q", c.Dataset.Source)))
	}

	if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
		errs = append(errs, invalid("cache.ttl", err.Error()))
	}
	if c.RunStore.Driver == "postgres" && c.RunStore.DSN == "" {
		errs = append(errs, invalid("runstore.dsn", "requerido con driver=postgres"))
	}

	return errors.Join(errs...)
}

// CacheTTL retorna el TTL del cache ya parseado. Validado en Load.
func (c *Config) CacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Cache.TTL)
	return d
}

// TotalBatchSize es el total de muestras por paso de training:
// training.batch_size grupos × group_size completions por grupo.
func (c *Config) TotalBatchSize() int {
	return c.Training.BatchSize.Value() * c.Inference.GroupSize.Value()
}
