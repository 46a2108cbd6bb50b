// Package policy administra el snapshot publicado de pesos de la policy.
// Un solo escritor (training) publica; muchos lectores (inference) leen.
// La publicación es un swap atómico de puntero: un lector nunca observa
// un snapshot a medio escribir, y la versión nunca decrece.
package policy

import (
	"sync/atomic"
	"time"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

// Weights es el handle opaco a los pesos del modelo. El orquestador no
// interpreta su contenido; solo lo transporta entre training e inference.
type Weights interface{}

// Snapshot es una versión inmutable de los pesos publicados.
type Snapshot struct {
	Version     rollout.Version
	Weights     Weights
	PublishedAt time.Time
}

// Store publica y expone el snapshot vigente.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewStore crea el store con la versión inicial 0 y los pesos dados.
func NewStore(initial Weights) *Store {
	s := &Store{}
	s.current.Store(&Snapshot{
		Version:     0,
		Weights:     initial,
		PublishedAt: time.Now(),
	})
	return s
}

// Current retorna el snapshot vigente. Nunca retorna nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Version retorna la versión vigente sin tocar el snapshot.
func (s *Store) Version() rollout.Version {
	return rollout.Version(s.version.Load())
}

// Publish instala weights como nuevo snapshot y avanza la versión.
// Visible para todos los lectores antes de su próximo Current().
// Solo training debe llamar Publish.
func (s *Store) Publish(w Weights) rollout.Version {
	v := rollout.Version(s.version.Add(1))
	s.current.Store(&Snapshot{
		Version:     v,
		Weights:     w,
		PublishedAt: time.Now(),
	})
	return v
}
