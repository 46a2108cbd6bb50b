// Package dataset provee la fuente de prompts para el pool de inference
// y el ground truth que consume el reward de correctness.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Prompt es una unidad del dataset: el texto a completar y la respuesta
// esperada (ground truth) para el reward de correctness.
type Prompt struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Answer string `json:"answer"`
}

var (
	ErrEmpty    = errors.New("dataset: empty source")
	ErrNotFound = errors.New("dataset: prompt not found")
)

// Source entrega prompts en orden y expone el ground truth por ID.
// Next cicla el dataset indefinidamente: el stream de prompts de un
// generador asíncrono no termina, termina la corrida por num_steps.
type Source interface {
	Next(ctx context.Context) (Prompt, error)
	Answer(ctx context.Context, promptID string) (string, error)
	Len() int
	Close() error
}

// memSource implementa Source sobre un slice fijo. Thread-safe.
type memSource struct {
	mu      sync.Mutex
	prompts []Prompt
	byID    map[string]string
	cursor  int
}

// NewMemory crea una fuente en memoria. Falla con ErrEmpty si no hay prompts.
func NewMemory(prompts []Prompt) (Source, error) {
	if len(prompts) == 0 {
		return nil, ErrEmpty
	}
	byID := make(map[string]string, len(prompts))
	for i, p := range prompts {
		if p.ID == "" {
			return nil, fmt.Errorf("dataset: prompt %d sin ID", i)
		}
		byID[p.ID] = p.Answer
	}
	return &memSource{prompts: prompts, byID: byID}, nil
}

func (s *memSource) Next(ctx context.Context) (Prompt, error) {
	select {
	case <-ctx.Done():
		return Prompt{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.prompts)
	return p, nil
}

func (s *memSource) Answer(ctx context.Context, promptID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[promptID]
	if !ok {
		return "", ErrNotFound
	}
	return a, nil
}

func (s *memSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *memSource) Close() error { return nil }
