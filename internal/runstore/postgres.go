package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ebsmothers/ebs-torchtune/internal/observability/logger"
	migrations "github.com/ebsmothers/ebs-torchtune/migrations/postgres"
)

// Postgres persiste corridas en postgres vía pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres arma el pool y hace un ping de arranque. El ping que falla
// se loguea pero no frena el arranque: la DB puede estar levantándose.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pcfg.MaxConns == 0 || pcfg.MaxConns > 8 {
		pcfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Named("runstore").Warn("ping de arranque falló", logger.Err(err))
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) CreateRun(ctx context.Context, run RunRecord) error {
	status := run.Status
	if status == "" {
		status = "running"
	}
	const q = `INSERT INTO training_run (id, num_steps, group_size, status, started_at)
	           VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, run.ID, run.NumSteps, run.GroupSize, status, run.StartedAt)
	return err
}

func (s *Postgres) RecordStep(ctx context.Context, runID string, step StepRecord) error {
	const q = `INSERT INTO training_step (run_id, step, loss, mean_reward, staleness, policy_version, duration_ms)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, runID, step.Step, step.Loss, step.MeanReward,
		step.Staleness, step.Version, step.Duration.Milliseconds())
	return err
}

func (s *Postgres) FinishRun(ctx context.Context, runID string, status string, steps, finalVersion int64) error {
	const q = `UPDATE training_run
	           SET status = $2, steps = $3, final_version = $4, finished_at = $5
	           WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, runID, status, steps, finalVersion, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	const q = `SELECT id, num_steps, group_size, status, steps, final_version, started_at, finished_at
	           FROM training_run WHERE id = $1`
	var run RunRecord
	err := s.pool.QueryRow(ctx, q, runID).Scan(&run.ID, &run.NumSteps, &run.GroupSize,
		&run.Status, &run.Steps, &run.FinalVersion, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	return run, nil
}

func (s *Postgres) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	const q = `SELECT step, loss, mean_reward, staleness, policy_version, duration_ms
	           FROM training_step WHERE run_id = $1 ORDER BY step`
	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var ms int64
		if err := rows.Scan(&rec.Step, &rec.Loss, &rec.MeanReward, &rec.Staleness, &rec.Version, &ms); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Migrate aplica las migraciones embebidas en orden lexicográfico.
// Son idempotentes (CREATE IF NOT EXISTS), así que correrlas en cada
// arranque es seguro.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("runstore: migración %s: %w", name, err)
		}
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close cierra el pool subyacente (idempotente).
func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
