package queue

import (
	"context"
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("orden FIFO roto: got %d want %d", v, i)
		}
	}
}

// El 5to push sobre una cola de capacidad 4 debe bloquear hasta que
// un consumidor drene al menos un elemento.
func TestPushBlocksWhenFull(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(ctx, 99)
	}()

	select {
	case <-pushed:
		t.Fatal("push sobre cola llena no bloqueó")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}

	select {
	case err := <-pushed:
		if err != nil {
			t.Fatalf("push desbloqueado con error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push no se desbloqueó después de drenar")
	}
}

func TestPushCancelable(t *testing.T) {
	q := New[int](1)
	if err := q.Push(context.Background(), 1); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Push(ctx, 2)
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push bloqueado no respetó la cancelación")
	}
}

func TestPopCancelable(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop bloqueado no respetó la cancelación")
	}
}

func TestCloseDrains(t *testing.T) {
	q := New[int](2)
	ctx := context.Background()
	_ = q.Push(ctx, 7)
	q.Close()

	v, err := q.Pop(ctx)
	if err != nil || v != 7 {
		t.Fatalf("pop después de close debe drenar: v=%d err=%v", v, err)
	}
	if _, err := q.Pop(ctx); err != ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestTryPushTryPop(t *testing.T) {
	q := New[int](1)
	if !q.TryPush(1) {
		t.Fatal("TryPush sobre cola vacía falló")
	}
	if q.TryPush(2) {
		t.Fatal("TryPush sobre cola llena no debe encolar")
	}
	if v, ok := q.TryPop(); !ok || v != 1 {
		t.Fatalf("TryPop: v=%d ok=%v", v, ok)
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop sobre cola vacía debe retornar false")
	}
}
