package policy

import (
	"sync"
	"testing"

	"github.com/ebsmothers/ebs-torchtune/internal/rollout"
)

func TestPublishAdvancesVersion(t *testing.T) {
	s := NewStore("w0")
	if got := s.Current().Version; got != 0 {
		t.Fatalf("versión inicial: got %d want 0", got)
	}
	if v := s.Publish("w1"); v != 1 {
		t.Fatalf("primera publicación: got %d want 1", v)
	}
	snap := s.Current()
	if snap.Version != 1 || snap.Weights.(string) != "w1" {
		t.Fatalf("snapshot inconsistente: %+v", snap)
	}
}

// La versión observada por cualquier lector es monotónicamente no decreciente,
// y el snapshot leído siempre es consistente (versión ↔ pesos).
func TestReadersSeeMonotonicVersions(t *testing.T) {
	s := NewStore(rollout.Version(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last rollout.Version
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Current()
				if snap.Version < last {
					t.Errorf("versión retrocedió: %d → %d", last, snap.Version)
					return
				}
				// El writer publica la versión como payload: deben coincidir.
				if w := snap.Weights.(rollout.Version); w != snap.Version {
					t.Errorf("snapshot inconsistente: version=%d weights=%d", snap.Version, w)
					return
				}
				last = snap.Version
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		s.Publish(rollout.Version(i))
	}
	close(stop)
	wg.Wait()
}
