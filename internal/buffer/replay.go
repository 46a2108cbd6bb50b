// Package buffer implementa el replay buffer de grupos scoreados.
//
// La inserción agrupa por prompt; un grupo recién completo pasa a la lista
// de elegibles (FIFO por orden de completado). Training arma batches solo
// sobre grupos completos: un grupo parcial nunca es visible. La capacidad
// se cuenta en grupos elegibles; al llegar al tope, completar un grupo
// nuevo desaloja al elegible más viejo. El desalojo es una métrica, no un
// error (la política acota staleness, no corrige nada).
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/ebsmothers/ebs-torchtune/internal/metrics"
	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

var ErrInvalid = errors.New("buffer: invalid configuration")

// Entry es un grupo completo esperando ser consumido por training.
type Entry struct {
	Group       rollout.Group
	CompletedAt time.Time

	// seq define el orden de completado (oldest-eligible-first).
	seq uint64
}

// Replay es el buffer de grupos. Thread-safe.
type Replay struct {
	mu        sync.Mutex
	groupSize int
	capacity  int

	// pending acumula miembros hasta completar group_size.
	pending map[string][]rollout.Scored

	// eligible son los grupos completos, en orden de completado.
	eligible []Entry

	nextSeq   uint64
	evictions uint64
}

// New crea un replay buffer. capacity es el máximo de grupos elegibles
// retenidos; groupSize el tamaño exacto de cada grupo.
func New(capacity, groupSize int) (*Replay, error) {
	if capacity <= 0 || groupSize <= 0 {
		return nil, ErrInvalid
	}
	return &Replay{
		groupSize: groupSize,
		capacity:  capacity,
		pending:   make(map[string][]rollout.Scored),
	}, nil
}

// Insert agrega un rollout scoreado. Si con él su grupo alcanza group_size,
// el grupo completo pasa a elegible; si el buffer está al tope se desaloja
// el elegible más viejo.
func (r *Replay) Insert(s rollout.Scored) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := append(r.pending[s.PromptID], s)
	if len(members) < r.groupSize {
		r.pending[s.PromptID] = members
		return
	}

	// Grupo completo: sale de pending y entra a elegibles.
	delete(r.pending, s.PromptID)

	if len(r.eligible) >= r.capacity {
		// Desalojar el más viejo. Métrica, no error.
		r.eligible = r.eligible[1:]
		r.evictions++
		metrics.BufferEvictions.Inc()
	}

	r.nextSeq++
	r.eligible = append(r.eligible, Entry{
		Group:       rollout.Group{PromptID: s.PromptID, Members: members},
		CompletedAt: time.Now(),
		seq:         r.nextSeq,
	})
	metrics.BufferEligibleGroups.Set(float64(len(r.eligible)))
}

// TryAssembleBatch remueve y retorna exactamente n grupos elegibles en orden
// de completado, o (nil, false) si no hay suficientes. No bloquea. Los grupos
// retornados nunca vuelven a entregarse y jamás incluyen grupos parciales.
func (r *Replay) TryAssembleBatch(n int) ([]Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || len(r.eligible) < n {
		return nil, false
	}
	batch := make([]Entry, n)
	copy(batch, r.eligible[:n])
	r.eligible = append(r.eligible[:0], r.eligible[n:]...)
	metrics.BufferEligibleGroups.Set(float64(len(r.eligible)))
	return batch, true
}

// EligibleGroups es la cantidad de grupos completos listos para training.
func (r *Replay) EligibleGroups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eligible)
}

// PendingGroups es la cantidad de grupos incompletos en armado.
func (r *Replay) PendingGroups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Evictions es el total de grupos desalojados por capacidad.
func (r *Replay) Evictions() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictions
}

// Capacity es el máximo configurado de grupos elegibles.
func (r *Replay) Capacity() int { return r.capacity }

// GroupSize es el tamaño exacto de grupo.
func (r *Replay) GroupSize() int { return r.groupSize }
