package runstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory es el driver en memoria. Default para corridas locales y tests.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string]RunRecord
	steps map[string][]StepRecord
}

// NewMemory crea el store en memoria.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]RunRecord),
		steps: make(map[string][]StepRecord),
	}
}

func (m *Memory) CreateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("runstore: run %s ya existe", run.ID)
	}
	if run.Status == "" {
		run.Status = "running"
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) RecordStep(_ context.Context, runID string, step StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	m.steps[runID] = append(m.steps[runID], step)
	return nil
}

func (m *Memory) FinishRun(_ context.Context, runID string, status string, steps, finalVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Steps = steps
	run.FinalVersion = finalVersion
	run.FinishedAt = &now
	m.runs[runID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return run, nil
}

func (m *Memory) ListSteps(_ context.Context, runID string) ([]StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]StepRecord, len(m.steps[runID]))
	copy(out, m.steps[runID])
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
