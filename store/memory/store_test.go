package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/storetest"
)

var _ store.Store = (*Store)(nil)

func TestStore(t *testing.T) {
	storetest.Run(t, New())
}

// Two concurrent writers hashing identical content must share one blob
// entry with a reference count of two, not hold two copies.
func TestDedupSingleEntry(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, err := s.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}

	point := json.RawMessage(`{"dedup": "single-entry"}`)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, pid := range []int64{a.ID, b.ID} {
		wg.Add(1)
		go func(pid int64) {
			defer wg.Done()
			d, err := dataset.New("dedup", []json.RawMessage{point})
			if err != nil {
				errs <- err
				return
			}
			errs <- s.RegisterDataset(ctx, pid, d)
		}(pid)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	d, err := dataset.New("dedup", []json.RawMessage{point})
	if err != nil {
		t.Fatal(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) != 1 {
		t.Fatalf("expected 1 point entry, got %d", len(s.points))
	}
	if got := s.pointRefs[d.Points[0].Hash]; got != 2 {
		t.Fatalf("expected refcount 2, got %d", got)
	}
}
