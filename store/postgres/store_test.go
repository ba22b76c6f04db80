package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/run"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/store/storetest"
)

var _ store.Store = (*Store)(nil)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("loom"),
		tcpostgres.WithUsername("loom"),
		tcpostgres.WithPassword("loom"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

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
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM datasets_points WHERE hash = $1`, d.Points[0].Hash).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 point row, got %d", n)
	}

	ra := makeTestRun("run-dedup-a")
	rb := makeTestRun("run-dedup-b")
	if err := s.CreateRun(ctx, a.ID, ra); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, b.ID, rb); err != nil {
		t.Fatal(err)
	}
	exec, err := run.NewBlockExecution(json.RawMessage(`{"dedup": "execution"}`))
	if err != nil {
		t.Fatal(err)
	}
	ra.Traces = []run.BlockTrace{{Type: "MODEL", Name: "gen", Executions: [][]run.BlockExecution{{exec}}}}
	rb.Traces = []run.BlockTrace{{Type: "MODEL", Name: "gen", Executions: [][]run.BlockExecution{{exec}}}}
	errs = make(chan error, 2)
	for _, rc := range []struct {
		pid int64
		r   *run.Run
	}{{a.ID, ra}, {b.ID, rb}} {
		wg.Add(1)
		go func(pid int64, r *run.Run) {
			defer wg.Done()
			errs <- s.AppendRunBlock(ctx, pid, r, 0, "MODEL", "gen")
		}(rc.pid, rc.r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM block_executions WHERE hash = $1`, exec.Hash).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 execution row, got %d", n)
	}
}

func makeTestRun(runID string) *run.Run {
	return &run.Run{
		RunID:   runID,
		Created: time.Now().UTC(),
		Type:    run.TypeLocal,
		AppHash: "app-" + runID,
		Config:  run.Config{Blocks: map[string]json.RawMessage{}},
		Status:  run.Status{Run: run.StatusRunning},
	}
}
