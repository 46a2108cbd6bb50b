// Package queue provee una cola FIFO acotada y cancelable.
// Es el único canal de comunicación entre pools: inference → postprocessing
// (grupos de rollouts) y postprocessing → buffer (rollouts scoreados).
// El tamaño acotado es el mecanismo de backpressure que limita el staleness.
package queue

import (
	"context"
	"errors"
)

// ErrClosed se retorna al hacer Push sobre una cola cerrada,
// o Pop cuando la cola está cerrada y vacía.
var ErrClosed = errors.New("queue: closed")

// Queue es una FIFO acotada. Push bloquea cuando está llena y Pop cuando
// está vacía; ambos respetan cancelación de contexto en todo momento.
type Queue[T any] struct {
	ch chan T
}

// New crea una cola con la capacidad dada. Capacidad mínima 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push encola v. Bloquea si la cola está llena hasta que haya espacio
// o el contexto se cancele.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop desencola el elemento más viejo. Bloquea si la cola está vacía.
// Retorna ErrClosed si la cola fue cerrada y drenada.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryPush encola sin bloquear. Retorna false si la cola está llena.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// TryPop desencola sin bloquear. Retorna false si la cola está vacía.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		return v, true
	default:
		return zero, false
	}
}

// Close cierra la cola. Los Pop pendientes drenan lo que quede y después
// reciben ErrClosed. Push sobre una cola cerrada hace panic (no cerrar
// mientras haya productores vivos; el controller ordena el shutdown).
func (q *Queue[T]) Close() {
	close(q.ch)
}

// Len es el número de elementos encolados en este instante.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap es la capacidad configurada.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
