// Package rollout define los tipos de datos que fluyen entre los pools:
// Rollout (generación cruda), Scored (con rewards) y Group (todas las
// muestras de un prompt). Todos son inmutables una vez creados.
package rollout

import (
	"time"

	"github.com/google/uuid"
)

// Version identifica un snapshot de pesos de la policy.
// Monotónicamente creciente durante toda la corrida.
type Version int64

// Rollout es una muestra generada: prompt + completion + metadata de generación.
// Inmutable después de creado.
type Rollout struct {
	ID       string
	PromptID string
	Prompt   string

	// Completion es el texto generado (payload opaco para el orquestador).
	Completion string

	// LogProbs por token generado, tal como los reporta el engine.
	LogProbs []float64

	// Version de la policy con la que se generó.
	Version Version

	GeneratedAt time.Time
}

// NewID genera un ID único para un rollout.
func NewID() string {
	return uuid.NewString()
}

// Scored es un Rollout con un score por cada reward function configurada
// y el total combinado. Lo produce exactamente un postprocessing worker
// y no se muta después.
type Scored struct {
	Rollout

	// Scores en el mismo orden que las reward functions configuradas.
	Scores []float64

	// Total es la suma de Scores.
	Total float64

	ScoredAt time.Time
}

// Group es el conjunto de group_size rollouts que comparten un prompt.
// Un Group solo es visible para training cuando está completo.
type Group struct {
	PromptID string
	Members  []Scored
}

// Complete indica si el grupo alcanzó el tamaño requerido.
func (g *Group) Complete(groupSize int) bool {
	return len(g.Members) == groupSize
}

// MinVersion devuelve la versión de policy más vieja entre los miembros.
func (g *Group) MinVersion() Version {
	if len(g.Members) == 0 {
		return 0
	}
	min := g.Members[0].Version
	for _, m := range g.Members[1:] {
		if m.Version < min {
			min = m.Version
		}
	}
	return min
}

// MaxVersion devuelve la versión de policy más nueva entre los miembros.
func (g *Group) MaxVersion() Version {
	if len(g.Members) == 0 {
		return 0
	}
	max := g.Members[0].Version
	for _, m := range g.Members[1:] {
		if m.Version > max {
			max = m.Version
		}
	}
	return max
}

// MeanReward devuelve el promedio del reward total del grupo.
func (g *Group) MeanReward() float64 {
	if len(g.Members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range g.Members {
		sum += m.Total
	}
	return sum / float64(len(g.Members))
}
