package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/storetest"
)

var _ store.Store = (*Store)(nil)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	// Migrate is idempotent.
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	storetest.Run(t, s)

	t.Run("DedupSingleRow", func(t *testing.T) { testDedupSingleRow(ctx, t, s) })
}

// Two concurrent writers hashing identical content must leave exactly one
// blob row behind, not two.
func testDedupSingleRow(ctx context.Context, t *testing.T, s *Store) {
	a, err := s.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}

	point := json.RawMessage(`{"dedup": "single-row"}`)
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
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM datasets_points WHERE hash = ?`, d.Points[0].Hash).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 point row, got %d", n)
	}
}
