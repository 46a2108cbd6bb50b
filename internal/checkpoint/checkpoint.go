// Package checkpoint persiste snapshots de pesos como directorios de shards
// con un manifest. El layout interno de los shards es contrato del engine
// de training; acá solo se orquesta dónde y cuándo se escriben.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ebsmothers/ebs-torchtune/internal/engine"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// Manifest describe un checkpoint escrito.
type Manifest struct {
	ModelFamily string          `json:"model_family"`
	Step        int64           `json:"step"`
	Version     rollout.Version `json:"policy_version"`
	Shards      []string        `json:"shards"`
	AdapterOnly bool            `json:"adapter_only,omitempty"`
	SavedAt     time.Time       `json:"saved_at"`
}

// Config parametriza el checkpointer.
type Config struct {
	Dir         string
	ModelFamily string
	EveryNSteps int
	AdapterOnly bool
}

// Checkpointer escribe checkpoints cada EveryNSteps pasos de training.
type Checkpointer struct {
	cfg     Config
	trainer engine.Trainer
}

// New crea un checkpointer. EveryNSteps <= 0 desactiva el guardado.
func New(cfg Config, trainer engine.Trainer) *Checkpointer {
	return &Checkpointer{cfg: cfg, trainer: trainer}
}

// MaybeSave guarda un checkpoint si step cae en el cadence configurado.
// Retorna true si se guardó.
func (c *Checkpointer) MaybeSave(ctx context.Context, step int64, version rollout.Version) (bool, error) {
	if c.cfg.EveryNSteps <= 0 || step%int64(c.cfg.EveryNSteps) != 0 {
		return false, nil
	}
	if err := c.Save(ctx, step, version); err != nil {
		return false, err
	}
	return true, nil
}

// Save escribe los shards y el manifest bajo Dir/step-<N>/.
func (c *Checkpointer) Save(ctx context.Context, step int64, version rollout.Version) error {
	dir := filepath.Join(c.cfg.Dir, fmt.Sprintf("step-%06d", step))
	shards, err := c.trainer.SaveShards(ctx, dir, c.cfg.AdapterOnly)
	if err != nil {
		return fmt.Errorf("checkpoint: shards en %s: %w", dir, err)
	}

	rel := make([]string, len(shards))
	for i, s := range shards {
		if r, err := filepath.Rel(dir, s); err == nil {
			rel[i] = r
		} else {
			rel[i] = s
		}
	}

	m := Manifest{
		ModelFamily: c.cfg.ModelFamily,
		Step:        step,
		Version:     version,
		Shards:      rel,
		AdapterOnly: c.cfg.AdapterOnly,
		SavedAt:     time.Now().UTC(),
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	// El manifest va último y atómico: su presencia marca checkpoint completo.
	if err := writeFileAtomic(filepath.Join(dir, "checkpoint.json"), b, 0o644); err != nil {
		return fmt.Errorf("checkpoint: manifest: %w", err)
	}
	return nil
}

// Latest busca el manifest del checkpoint más reciente bajo dir.
// Retorna os.ErrNotExist si no hay ninguno completo.
func Latest(dir string) (Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Manifest{}, err
	}
	var best Manifest
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name(), "checkpoint.json"))
		if err != nil {
			continue // checkpoint incompleto o ajeno
		}
		var m Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		if !found || m.Step > best.Step {
			best = m
			found = true
		}
	}
	if !found {
		return Manifest{}, os.ErrNotExist
	}
	return best, nil
}

// writeFileAtomic escribe data a path vía tmp + fsync + rename.
// Si rename falla (Windows con destino bloqueado) intenta remove+rename.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}
	return nil
}
