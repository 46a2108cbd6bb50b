package buffer

import (
	"fmt"
	"testing"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

func scored(promptID string, i int) rollout.Scored {
	return rollout.Scored{
		Rollout: rollout.Rollout{
			ID:       fmt.Sprintf("%s-%d", promptID, i),
			PromptID: promptID,
		},
		Total: 1.0,
	}
}

func fillGroup(r *Replay, promptID string, n int) {
	for i := 0; i < n; i++ {
		r.Insert(scored(promptID, i))
	}
}

func TestPartialGroupNeverVisible(t *testing.T) {
	r, err := New(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r.Insert(scored("p1", i))
	}
	if _, ok := r.TryAssembleBatch(1); ok {
		t.Fatal("grupo parcial visible para training")
	}
	if r.EligibleGroups() != 0 || r.PendingGroups() != 1 {
		t.Fatalf("eligible=%d pending=%d", r.EligibleGroups(), r.PendingGroups())
	}

	r.Insert(scored("p1", 3))
	batch, ok := r.TryAssembleBatch(1)
	if !ok {
		t.Fatal("grupo completo no elegible")
	}
	if len(batch) != 1 || len(batch[0].Group.Members) != 4 {
		t.Fatalf("batch malformado: %+v", batch)
	}
}

// Escenario del spec: group_size=16, capacity=16, batch=16 grupos no aplica
// directo (16 grupos ≠ 16 muestras); la propiedad es: un grupo completo de 16
// produce exactamente un batch con ese grupo, y una segunda llamada sin
// inserciones nuevas no retorna nada.
func TestSingleGroupSingleBatch(t *testing.T) {
	r, err := New(16, 16)
	if err != nil {
		t.Fatal(err)
	}
	fillGroup(r, "p1", 16)

	batch, ok := r.TryAssembleBatch(1)
	if !ok || len(batch) != 1 || batch[0].Group.PromptID != "p1" {
		t.Fatalf("batch: ok=%v %+v", ok, batch)
	}
	if _, ok := r.TryAssembleBatch(1); ok {
		t.Fatal("segunda llamada sin inserciones nuevas debe retornar nada")
	}
}

func TestBatchOldestEligibleFirst(t *testing.T) {
	r, err := New(8, 2)
	if err != nil {
		t.Fatal(err)
	}
	fillGroup(r, "a", 2)
	fillGroup(r, "b", 2)
	fillGroup(r, "c", 2)

	batch, ok := r.TryAssembleBatch(2)
	if !ok {
		t.Fatal("batch no armado")
	}
	if batch[0].Group.PromptID != "a" || batch[1].Group.PromptID != "b" {
		t.Fatalf("orden incorrecto: %s, %s", batch[0].Group.PromptID, batch[1].Group.PromptID)
	}
}

func TestBatchesDisjoint(t *testing.T) {
	r, err := New(16, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		fillGroup(r, fmt.Sprintf("p%d", i), 1)
	}
	seen := map[string]bool{}
	for {
		batch, ok := r.TryAssembleBatch(3)
		if !ok {
			break
		}
		for _, e := range batch {
			if seen[e.Group.PromptID] {
				t.Fatalf("grupo %s entregado dos veces", e.Group.PromptID)
			}
			seen[e.Group.PromptID] = true
		}
	}
	if len(seen) != 9 { // 10 grupos, batches de 3 → 3 batches, queda 1
		t.Fatalf("grupos entregados: %d", len(seen))
	}
	if r.EligibleGroups() != 1 {
		t.Fatalf("restante: %d", r.EligibleGroups())
	}
}

func TestEvictionAtCapacityOldestFirst(t *testing.T) {
	r, err := New(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	fillGroup(r, "a", 1)
	fillGroup(r, "b", 1)
	if r.Evictions() != 0 {
		t.Fatalf("desalojo prematuro: %d", r.Evictions())
	}

	// Al tope: completar "c" desaloja "a".
	fillGroup(r, "c", 1)
	if r.Evictions() != 1 {
		t.Fatalf("evictions=%d want 1", r.Evictions())
	}
	if r.EligibleGroups() != 2 {
		t.Fatalf("el buffer excedió su capacidad: %d", r.EligibleGroups())
	}
	batch, _ := r.TryAssembleBatch(2)
	if batch[0].Group.PromptID != "b" || batch[1].Group.PromptID != "c" {
		t.Fatalf("sobrevivieron: %s, %s (want b, c)", batch[0].Group.PromptID, batch[1].Group.PromptID)
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	r, err := New(3, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		fillGroup(r, fmt.Sprintf("p%d", i), 2)
		if r.EligibleGroups() > 3 {
			t.Fatalf("capacidad excedida en la inserción %d: %d", i, r.EligibleGroups())
		}
	}
	if r.Evictions() != 17 {
		t.Fatalf("evictions=%d want 17", r.Evictions())
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(0, 4); err != ErrInvalid {
		t.Fatalf("capacity=0: %v", err)
	}
	if _, err := New(4, 0); err != ErrInvalid {
		t.Fatalf("groupSize=0: %v", err)
	}
}
