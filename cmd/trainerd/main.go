// trainerd es el daemon de entrenamiento: carga la config, arma el
// pipeline (dataset → inference → postprocessing → training) y lo corre
// hasta agotar el budget de pasos o recibir una señal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ebsmothers/ebs-torchtune/internal/cache"
	"github.com/ebsmothers/ebs-torchtune/internal/checkpoint"
	"github.com/ebsmothers/ebs-torchtune/internal/config"
	"github.com/ebsmothers/ebs-torchtune/internal/controller"
	"github.com/ebsmothers/ebs-torchtune/internal/dataset"
	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	httpx "github.com/ebsmothers/ebs-torchtune/internal/http"
	"github.com/ebsmothers/ebs-torchtune/internal/metrics"
	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	"github.com/ebsmothers/ebs-torchtune/internal/runstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trainerd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "ruta del yaml de configuración")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "trainerd"})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("trainerd")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := metrics.Register(reg); err != nil {
		return err
	}

	// Dataset source según config, con cache de ground truth adelante.
	var src dataset.Source
	switch cfg.Dataset.Source {
	case "jsonl":
		src, err = dataset.NewJSONL(cfg.Dataset.Path)
	default:
		prompts := make([]dataset.Prompt, len(cfg.Dataset.Prompts))
		for i, p := range cfg.Dataset.Prompts {
			prompts[i] = dataset.Prompt{ID: p.ID, Text: p.Text, Answer: p.Answer}
		}
		src, err = dataset.NewMemory(prompts)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if cfg.Cache.Driver != "" {
		cc, err := cache.New(cache.Config{
			Driver: cfg.Cache.Driver,
			Host:   cfg.Cache.Host,
			Port:   cfg.Cache.Port,
			DB:     cfg.Cache.DB,
			Prefix: cfg.Cache.Prefix,
			TTL:    cfg.CacheTTL(),
		})
		if err != nil {
			return err
		}
		defer cc.Close()
		src = dataset.WithCache(src, cc, cfg.CacheTTL())
	}

	gen, err := engine.NewGenerator(engine.Config{
		Driver: cfg.Inference.Engine,
		Seed:   cfg.Inference.Sampling.Seed,
	})
	if err != nil {
		return err
	}
	defer gen.Close()

	trainer, err := engine.NewTrainer(engine.Config{Driver: cfg.Training.Engine})
	if err != nil {
		return err
	}
	defer trainer.Close()

	var ckpt *checkpoint.Checkpointer
	if cfg.Checkpoint.Dir != "" {
		ckpt = checkpoint.New(checkpoint.Config{
			Dir:         cfg.Checkpoint.Dir,
			ModelFamily: cfg.Checkpoint.ModelFamily,
			EveryNSteps: cfg.Training.SaveEveryNSteps.Value(),
			AdapterOnly: cfg.Checkpoint.AdapterOnly,
		}, trainer)
	}

	ctx := context.Background()
	runs, err := runstore.New(ctx, runstore.Config{
		Driver: cfg.RunStore.Driver,
		DSN:    cfg.RunStore.DSN,
	})
	if err != nil {
		return err
	}
	defer runs.Close()
	if pg, ok := runs.(*runstore.Postgres); ok {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	run, err := controller.Start(cfg, controller.Deps{
		Source:       src,
		Generator:    gen,
		Trainer:      trainer,
		Checkpointer: ckpt,
		Runs:         runs,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	// Server de status opcional; corre al costado de la corrida.
	var srv *httpx.Server
	if cfg.Server.Addr != "" {
		handler := &httpx.Handler{
			Status:   func() (controller.Status, bool) { return run.Status(), true },
			Profiler: cfg.Profiler.Enabled,
		}
		if cfg.MetricLogger.Kind != "none" {
			handler.Registry = reg
		}
		srv = httpx.NewServer(cfg.Server.Addr, httpx.NewRouter(handler))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("server de status cayó", logger.Err(err))
			}
		}()
		log.Info("server de status escuchando", logger.Any("addr", cfg.Server.Addr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	var res controller.Result
	var runErr error
	go func() {
		res, runErr = run.Wait(context.Background())
		close(done)
	}()

	select {
	case sig := <-sigCh:
		log.Info("señal recibida, cerrando", logger.Any("signal", sig.String()))
		shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := run.Shutdown(shCtx); err != nil {
			log.Error("shutdown con error", logger.Err(err))
		}
		cancel()
		<-done
	case <-done:
	}

	if srv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shCtx)
		cancel()
	}

	if runErr != nil {
		return runErr
	}
	log.Info("trainerd terminado",
		logger.Step(res.Steps),
		logger.Version(res.FinalVersion),
		logger.Duration(res.Elapsed))
	return nil
}
