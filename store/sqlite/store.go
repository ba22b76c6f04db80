// Package sqlite provides the SQLite implementation of the Loom composite
// store, backed by the ncruces wasm driver through database/sql.
//
// SQLite allows one writer at a time, so multi-statement cascades are plain
// Go-side transactions: duplicate checks run as SELECT-then-INSERT inside
// the write transaction, and orphaned content-addressed blobs are swept with
// per-id NOT EXISTS checks after the owning join records are gone.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/cache"
	"github.com/loomworks/loom/contenthash"
	"github.com/loomworks/loom/database"
	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/datasource"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/project"
	"github.com/loomworks/loom/run"
	"github.com/loomworks/loom/specification"
	"github.com/loomworks/loom/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the SQLite implementation of the composite Loom store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("loom: open sqlite: %w", err)
	}
	// Single connection sidesteps SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Migrate applies the schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, group := range [][]string{tables, indexes} {
		for _, stmt := range group {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("loom: migrate: %w", err)
			}
		}
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sq is satisfied by both *sql.DB and *sql.Tx.
type sq interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("loom: begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("loom: commit: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func paginationClause(p *loom.Pagination) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	if p.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", p.Limit)
	}
	if p.Offset > 0 {
		if p.Limit <= 0 {
			// OFFSET requires LIMIT in sqlite; -1 means unbounded.
			sb.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&sb, " OFFSET %d", p.Offset)
	}
	return sb.String()
}

func paginate[T any](items []T, p *loom.Pagination) []T {
	if p == nil {
		return items
	}
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("loom: marshal strings: %w", err)
	}
	return string(b), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("loom: unmarshal strings: %w", err)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Projects
// ──────────────────────────────────────────────────

func (s *Store) CreateProject(ctx context.Context) (*project.Project, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects DEFAULT VALUES`)
	if err != nil {
		return nil, fmt.Errorf("loom: create project: %w", err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("loom: create project: %w", err)
	}
	return &project.Project{ID: pk}, nil
}

func (s *Store) DeleteProject(ctx context.Context, projectID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteProjectRuns(ctx, tx, projectID); err != nil {
			return err
		}
		if err := deleteProjectDatasets(ctx, tx, projectID); err != nil {
			return err
		}
		stmts := []string{
			`DELETE FROM specifications WHERE project = ?`,
			`DELETE FROM cache WHERE project = ?`,
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT t.id FROM databases_tables t
				JOIN databases d ON t.database = d.id
				JOIN data_sources ds ON d.data_source = ds.id
				WHERE ds.project = ?)`,
			`DELETE FROM databases_tables WHERE database IN (
				SELECT d.id FROM databases d
				JOIN data_sources ds ON d.data_source = ds.id
				WHERE ds.project = ?)`,
			`DELETE FROM databases WHERE data_source IN (
				SELECT id FROM data_sources WHERE project = ?)`,
			`DELETE FROM data_sources_documents WHERE data_source IN (
				SELECT id FROM data_sources WHERE project = ?)`,
			`DELETE FROM data_sources WHERE project = ?`,
			`DELETE FROM projects WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, projectID); err != nil {
				return fmt.Errorf("loom: delete project: %w", err)
			}
		}
		return nil
	})
}

func collectInt64s(ctx context.Context, q sq, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// deleteProjectRuns removes the project's runs and join records, then sweeps
// block executions no run in any project references anymore.
func deleteProjectRuns(ctx context.Context, tx *sql.Tx, projectID int64) error {
	execPKs, err := collectInt64s(ctx, tx,
		`SELECT DISTINCT block_execution FROM runs_joins
		 WHERE run IN (SELECT id FROM runs WHERE project = ?)`, projectID)
	if err != nil {
		return fmt.Errorf("loom: delete project runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM runs_joins WHERE run IN (SELECT id FROM runs WHERE project = ?)`,
		projectID); err != nil {
		return fmt.Errorf("loom: delete project runs: %w", err)
	}
	if err := sweepBlockExecutions(ctx, tx, execPKs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE project = ?`, projectID); err != nil {
		return fmt.Errorf("loom: delete project runs: %w", err)
	}
	return nil
}

func sweepBlockExecutions(ctx context.Context, tx *sql.Tx, execPKs []int64) error {
	for _, pk := range execPKs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM block_executions
			 WHERE id = ? AND NOT EXISTS (SELECT 1 FROM runs_joins WHERE block_execution = ?)`,
			pk, pk); err != nil {
			return fmt.Errorf("loom: sweep block executions: %w", err)
		}
	}
	return nil
}

func deleteProjectDatasets(ctx context.Context, tx *sql.Tx, projectID int64) error {
	pointPKs, err := collectInt64s(ctx, tx,
		`SELECT DISTINCT point FROM datasets_joins
		 WHERE dataset IN (SELECT id FROM datasets WHERE project = ?)`, projectID)
	if err != nil {
		return fmt.Errorf("loom: delete project datasets: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM datasets_joins WHERE dataset IN (SELECT id FROM datasets WHERE project = ?)`,
		projectID); err != nil {
		return fmt.Errorf("loom: delete project datasets: %w", err)
	}
	for _, pk := range pointPKs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM datasets_points
			 WHERE id = ? AND NOT EXISTS (SELECT 1 FROM datasets_joins WHERE point = ?)`,
			pk, pk); err != nil {
			return fmt.Errorf("loom: delete project datasets: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE project = ?`, projectID); err != nil {
		return fmt.Errorf("loom: delete project datasets: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Specifications
// ──────────────────────────────────────────────────

func (s *Store) RegisterSpecification(ctx context.Context, projectID int64, hash, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO specifications (project, created, hash, specification) VALUES (?, ?, ?, ?)`,
		projectID, millis(time.Now()), hash, text)
	if err != nil {
		return fmt.Errorf("loom: register specification: %w", err)
	}
	return nil
}

func (s *Store) LatestSpecificationHash(ctx context.Context, projectID int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM specifications WHERE project = ?
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loom: latest specification hash: %w", err)
	}
	return hash, nil
}

func (s *Store) LoadSpecification(ctx context.Context, projectID int64, hash string) (*specification.Specification, error) {
	var created int64
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT created, specification FROM specifications
		 WHERE project = ? AND hash = ?
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, hash).Scan(&created, &text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load specification: %w", err)
	}
	return &specification.Specification{Created: fromMillis(created), Hash: hash, Text: text}, nil
}

func (s *Store) ListSpecificationHashes(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM specifications WHERE project = ? ORDER BY created ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("loom: list specification hashes: %w", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("loom: list specification hashes: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ──────────────────────────────────────────────────
// Datasets
// ──────────────────────────────────────────────────

func (s *Store) RegisterDataset(ctx context.Context, projectID int64, d *dataset.Dataset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO datasets (project, created, dataset_id, hash) VALUES (?, ?, ?, ?)`,
			projectID, millis(d.Created), d.ID, d.Hash)
		if err != nil {
			return fmt.Errorf("loom: register dataset: %w", err)
		}
		datasetPK, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("loom: register dataset: %w", err)
		}
		for idx, p := range d.Points {
			canonical, err := contenthash.Canonicalize(p.JSON)
			if err != nil {
				return fmt.Errorf("loom: dataset point %d: %w", idx, err)
			}
			var pointPK int64
			err = tx.QueryRowContext(ctx,
				`INSERT INTO datasets_points (hash, json) VALUES (?, ?)
				 ON CONFLICT (hash) DO UPDATE SET hash = excluded.hash
				 RETURNING id`, p.Hash, string(canonical)).Scan(&pointPK)
			if err != nil {
				return fmt.Errorf("loom: register dataset point: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO datasets_joins (dataset, point, point_idx) VALUES (?, ?, ?)`,
				datasetPK, pointPK, idx); err != nil {
				return fmt.Errorf("loom: register dataset join: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LoadDataset(ctx context.Context, projectID int64, datasetID, hash string) (*dataset.Dataset, error) {
	var datasetPK, created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created FROM datasets
		 WHERE project = ? AND dataset_id = ? AND hash = ?
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, datasetID, hash).Scan(&datasetPK, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load dataset: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT dp.hash, dp.json FROM datasets_joins dj
		 JOIN datasets_points dp ON dj.point = dp.id
		 WHERE dj.dataset = ? ORDER BY dj.point_idx ASC`, datasetPK)
	if err != nil {
		return nil, fmt.Errorf("loom: load dataset points: %w", err)
	}
	defer rows.Close()
	d := &dataset.Dataset{ID: datasetID, Created: fromMillis(created), Hash: hash}
	for rows.Next() {
		var pointHash, pointJSON string
		if err := rows.Scan(&pointHash, &pointJSON); err != nil {
			return nil, fmt.Errorf("loom: load dataset points: %w", err)
		}
		d.Points = append(d.Points, dataset.Point{Hash: pointHash, JSON: json.RawMessage(pointJSON)})
	}
	return d, rows.Err()
}

func (s *Store) LatestDatasetHash(ctx context.Context, projectID int64, datasetID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM datasets WHERE project = ? AND dataset_id = ?
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, datasetID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loom: latest dataset hash: %w", err)
	}
	return hash, nil
}

func (s *Store) ListDatasets(ctx context.Context, projectID int64) (map[string][]dataset.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, hash, created FROM datasets WHERE project = ?
		 ORDER BY created ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("loom: list datasets: %w", err)
	}
	defer rows.Close()
	out := map[string][]dataset.Version{}
	for rows.Next() {
		var datasetID, hash string
		var created int64
		if err := rows.Scan(&datasetID, &hash, &created); err != nil {
			return nil, fmt.Errorf("loom: list datasets: %w", err)
		}
		out[datasetID] = append(out[datasetID], dataset.Version{Hash: hash, Created: fromMillis(created)})
	}
	return out, rows.Err()
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

func (s *Store) CreateRun(ctx context.Context, projectID int64, r *run.Run) error {
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("loom: run config: %w", err)
	}
	statusJSON, err := json.Marshal(r.Status)
	if err != nil {
		return fmt.Errorf("loom: run status: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = ?)`, r.RunID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("loom: create run: %w", err)
		}
		if exists {
			return fmt.Errorf("run %q: %w", r.RunID, loom.ErrDuplicateRun)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (project, created, run_id, run_type, app_hash, config_json, status_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			projectID, millis(r.Created), r.RunID, string(r.Type), r.AppHash,
			string(configJSON), string(statusJSON))
		if err != nil {
			return fmt.Errorf("loom: create run: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateRunStatus(ctx context.Context, projectID int64, runID string, status *run.Status) error {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("loom: run status: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status_json = ? WHERE project = ? AND run_id = ?`,
		string(statusJSON), projectID, runID)
	if err != nil {
		return fmt.Errorf("loom: update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("loom: update run status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown run %q: %w", runID, loom.ErrInvalidInput)
	}
	return nil
}

func (s *Store) AppendRunBlock(ctx context.Context, projectID int64, r *run.Run, blockIdx int, blockType, blockName string) error {
	trace := r.Trace(blockType, blockName)
	if trace == nil {
		return fmt.Errorf("run %q has no trace for block %s %s: %w", r.RunID, blockType, blockName, loom.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runPK int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM runs WHERE project = ? AND run_id = ?`,
			projectID, r.RunID).Scan(&runPK)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown run %q: %w", r.RunID, loom.ErrInvalidInput)
		}
		if err != nil {
			return fmt.Errorf("loom: append run block: %w", err)
		}
		for inputIdx, executions := range trace.Executions {
			for mapIdx, e := range executions {
				canonical, err := contenthash.Canonicalize(e.JSON)
				if err != nil {
					return fmt.Errorf("loom: block execution: %w", err)
				}
				var execPK int64
				err = tx.QueryRowContext(ctx,
					`INSERT INTO block_executions (hash, execution) VALUES (?, ?)
					 ON CONFLICT (hash) DO UPDATE SET hash = excluded.hash
					 RETURNING id`, e.Hash, string(canonical)).Scan(&execPK)
				if err != nil {
					return fmt.Errorf("loom: store block execution: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO runs_joins (run, block_idx, block_type, block_name, input_idx, map_idx, block_execution)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					runPK, blockIdx, blockType, blockName, inputIdx, mapIdx, execPK); err != nil {
					return fmt.Errorf("loom: store run join: %w", err)
				}
			}
		}
		return nil
	})
}

func scanRunMeta(runID string, created int64, runType, appHash, configJSON, statusJSON string) (*run.Run, error) {
	r := &run.Run{
		RunID:   runID,
		Created: fromMillis(created),
		Type:    run.Type(runType),
		AppHash: appHash,
	}
	if err := json.Unmarshal([]byte(configJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("loom: run config: %w", err)
	}
	if err := json.Unmarshal([]byte(statusJSON), &r.Status); err != nil {
		return nil, fmt.Errorf("loom: run status: %w", err)
	}
	return r, nil
}

func (s *Store) loadRunMeta(ctx context.Context, q sq, projectID int64, runID string) (int64, *run.Run, error) {
	var runPK, created int64
	var runType, appHash, configJSON, statusJSON string
	err := q.QueryRowContext(ctx,
		`SELECT id, created, run_type, app_hash, config_json, status_json
		 FROM runs WHERE project = ? AND run_id = ?`,
		projectID, runID).Scan(&runPK, &created, &runType, &appHash, &configJSON, &statusJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("loom: load run: %w", err)
	}
	r, err := scanRunMeta(runID, created, runType, appHash, configJSON, statusJSON)
	if err != nil {
		return 0, nil, err
	}
	return runPK, r, nil
}

func (s *Store) loadRunTraces(ctx context.Context, q sq, r *run.Run, runPK int64, blockType, blockName string) error {
	query := `SELECT rj.block_idx, rj.input_idx, rj.map_idx, rj.block_type, rj.block_name, be.hash, be.execution
		 FROM runs_joins rj JOIN block_executions be ON rj.block_execution = be.id
		 WHERE rj.run = ?`
	args := []any{runPK}
	if blockType != "" || blockName != "" {
		query += ` AND rj.block_type = ? AND rj.block_name = ?`
		args = append(args, blockType, blockName)
	}
	query += ` ORDER BY rj.block_idx ASC, rj.input_idx ASC, rj.map_idx ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("loom: load run traces: %w", err)
	}
	defer rows.Close()
	lastBlockIdx := int64(-1)
	for rows.Next() {
		var blockIdx, inputIdx, mapIdx int64
		var bType, bName, hash, execution string
		if err := rows.Scan(&blockIdx, &inputIdx, &mapIdx, &bType, &bName, &hash, &execution); err != nil {
			return fmt.Errorf("loom: load run traces: %w", err)
		}
		if blockIdx != lastBlockIdx {
			r.Traces = append(r.Traces, run.BlockTrace{Type: bType, Name: bName})
			lastBlockIdx = blockIdx
		}
		trace := &r.Traces[len(r.Traces)-1]
		for int64(len(trace.Executions)) <= inputIdx {
			trace.Executions = append(trace.Executions, nil)
		}
		trace.Executions[inputIdx] = append(trace.Executions[inputIdx], run.BlockExecution{
			Hash: hash,
			JSON: json.RawMessage(execution),
		})
	}
	return rows.Err()
}

func (s *Store) LoadRun(ctx context.Context, projectID int64, runID string) (*run.Run, error) {
	// One transaction for metadata and traces: a concurrent DeleteRun must
	// never yield metadata with silently missing traces.
	var r *run.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		runPK, loaded, err := s.loadRunMeta(ctx, tx, projectID, runID)
		if err != nil || loaded == nil {
			return err
		}
		if err := s.loadRunTraces(ctx, tx, loaded, runPK, "", ""); err != nil {
			return err
		}
		r = loaded
		return nil
	})
	return r, err
}

func (s *Store) LoadRunMetadata(ctx context.Context, projectID int64, runID string) (*run.Run, error) {
	_, r, err := s.loadRunMeta(ctx, s.db, projectID, runID)
	return r, err
}

func (s *Store) LoadRunBlock(ctx context.Context, projectID int64, runID, blockType, blockName string) (*run.Run, error) {
	var r *run.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		runPK, loaded, err := s.loadRunMeta(ctx, tx, projectID, runID)
		if err != nil || loaded == nil {
			return err
		}
		if err := s.loadRunTraces(ctx, tx, loaded, runPK, blockType, blockName); err != nil {
			return err
		}
		r = loaded
		return nil
	})
	return r, err
}

func (s *Store) LoadRunBatch(ctx context.Context, projectID int64, runIDs []string) (map[string]*run.Run, error) {
	out := make(map[string]*run.Run, len(runIDs))
	for _, runID := range runIDs {
		_, r, err := s.loadRunMeta(ctx, s.db, projectID, runID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out[runID] = r
		}
	}
	return out, nil
}

func (s *Store) ListRuns(ctx context.Context, projectID int64, runType run.Type, p *loom.Pagination) ([]*run.Run, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE project = ? AND run_type = ?`,
		projectID, string(runType)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, created, run_type, app_hash, config_json, status_json
		 FROM runs WHERE project = ? AND run_type = ?
		 ORDER BY created DESC, id DESC`+paginationClause(p),
		projectID, string(runType))
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list runs: %w", err)
	}
	defer rows.Close()
	var out []*run.Run
	for rows.Next() {
		var runID, rType, appHash, configJSON, statusJSON string
		var created int64
		if err := rows.Scan(&runID, &created, &rType, &appHash, &configJSON, &statusJSON); err != nil {
			return nil, 0, fmt.Errorf("loom: list runs: %w", err)
		}
		r, err := scanRunMeta(runID, created, rType, appHash, configJSON, statusJSON)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *Store) LatestRunID(ctx context.Context, projectID int64, runType run.Type) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM runs WHERE project = ? AND run_type = ?
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, string(runType)).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loom: latest run id: %w", err)
	}
	return runID, nil
}

func (s *Store) DeleteRun(ctx context.Context, projectID int64, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runPK int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM runs WHERE project = ? AND run_id = ?`, projectID, runID).Scan(&runPK)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loom: delete run: %w", err)
		}
		execPKs, err := collectInt64s(ctx, tx,
			`SELECT DISTINCT block_execution FROM runs_joins WHERE run = ?`, runPK)
		if err != nil {
			return fmt.Errorf("loom: delete run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs_joins WHERE run = ?`, runPK); err != nil {
			return fmt.Errorf("loom: delete run: %w", err)
		}
		if err := sweepBlockExecutions(ctx, tx, execPKs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runPK); err != nil {
			return fmt.Errorf("loom: delete run: %w", err)
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Data sources
// ──────────────────────────────────────────────────

func (s *Store) RegisterDataSource(ctx context.Context, projectID int64, ds *datasource.DataSource) error {
	configJSON, err := json.Marshal(ds.Config)
	if err != nil {
		return fmt.Errorf("loom: data source config: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM data_sources WHERE project = ? AND data_source_id = ?)`,
			projectID, ds.DataSourceID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("loom: register data source: %w", err)
		}
		if exists {
			return fmt.Errorf("data source %q: %w", ds.DataSourceID, loom.ErrDuplicateDataSource)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO data_sources (project, created, data_source_id, internal_id, config_json)
			 VALUES (?, ?, ?, ?, ?)`,
			projectID, millis(ds.Created), ds.DataSourceID, ds.InternalID.String(), string(configJSON))
		if err != nil {
			return fmt.Errorf("loom: register data source: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadDataSource(ctx context.Context, projectID int64, dataSourceID string) (*datasource.DataSource, error) {
	var created int64
	var internalID, configJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT created, internal_id, config_json FROM data_sources
		 WHERE project = ? AND data_source_id = ?`,
		projectID, dataSourceID).Scan(&created, &internalID, &configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load data source: %w", err)
	}
	ds := &datasource.DataSource{DataSourceID: dataSourceID, Created: fromMillis(created)}
	if ds.InternalID, err = id.Parse(internalID); err != nil {
		return nil, fmt.Errorf("loom: load data source: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &ds.Config); err != nil {
		return nil, fmt.Errorf("loom: data source config: %w", err)
	}
	return ds, nil
}

func (s *Store) UpdateDataSourceConfig(ctx context.Context, projectID int64, dataSourceID string, config *datasource.Config) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("loom: data source config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET config_json = ? WHERE project = ? AND data_source_id = ?`,
		string(configJSON), projectID, dataSourceID)
	if err != nil {
		return fmt.Errorf("loom: update data source config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("loom: update data source config: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown data source %q: %w", dataSourceID, loom.ErrInvalidInput)
	}
	return nil
}

func (s *Store) HasDataSources(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM data_sources WHERE project = ?)`, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("loom: has data sources: %w", err)
	}
	return exists, nil
}

func dataSourcePK(ctx context.Context, q sq, projectID int64, dataSourceID string) (int64, bool, error) {
	var pk int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM data_sources WHERE project = ? AND data_source_id = ?`,
		projectID, dataSourceID).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve data source: %w", err)
	}
	return pk, true, nil
}

func requireDataSourcePK(ctx context.Context, q sq, projectID int64, dataSourceID string) (int64, error) {
	pk, found, err := dataSourcePK(ctx, q, projectID, dataSourceID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("unknown data source %q: %w", dataSourceID, loom.ErrInvalidInput)
	}
	return pk, nil
}

// ──────────────────────────────────────────────────
// Documents
// ──────────────────────────────────────────────────

func (s *Store) UpsertDocument(ctx context.Context, projectID int64, dataSourceID string, doc *datasource.Document) error {
	tagsJSON, err := marshalStrings(doc.Tags)
	if err != nil {
		return err
	}
	parentsJSON, err := marshalStrings(doc.Parents)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		var latestPK int64
		var latestHash string
		err = tx.QueryRowContext(ctx,
			`SELECT id, hash FROM data_sources_documents
			 WHERE data_source = ? AND document_id = ?
			 ORDER BY created DESC, id DESC LIMIT 1`, dsPK, doc.DocumentID).Scan(&latestPK, &latestHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loom: upsert document: %w", err)
		}
		if err == nil && latestHash == doc.Hash {
			// Same content: refresh the latest version's metadata in
			// place, no new version row.
			_, err = tx.ExecContext(ctx,
				`UPDATE data_sources_documents
				 SET timestamp = ?, tags_json = ?, parents_json = ?, source_url = ?,
				     text_size = ?, chunk_count = ?, status = ?
				 WHERE id = ?`,
				doc.Timestamp, tagsJSON, parentsJSON, doc.SourceURL,
				doc.TextSize, doc.ChunkCount, doc.Status, latestPK)
			if err != nil {
				return fmt.Errorf("loom: upsert document: %w", err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO data_sources_documents
			 (data_source, created, document_id, timestamp, tags_json, parents_json,
			  source_url, hash, text_size, chunk_count, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dsPK, millis(time.Now()), doc.DocumentID, doc.Timestamp, tagsJSON, parentsJSON,
			doc.SourceURL, doc.Hash, doc.TextSize, doc.ChunkCount, doc.Status)
		if err != nil {
			return fmt.Errorf("loom: upsert document: %w", err)
		}
		return nil
	})
}

const documentColumns = `document_id, created, timestamp, tags_json, parents_json, source_url, hash, text_size, chunk_count, status`

// latestDocumentCond restricts a query aliased d to the latest version row
// of each document.
const latestDocumentCond = ` AND d.id = (
	SELECT d2.id FROM data_sources_documents d2
	WHERE d2.data_source = d.data_source AND d2.document_id = d.document_id
	ORDER BY d2.created DESC, d2.id DESC LIMIT 1)`

type docScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row docScanner) (*datasource.Document, error) {
	doc := &datasource.Document{}
	var created int64
	var tagsJSON, parentsJSON string
	var sourceURL sql.NullString
	err := row.Scan(&doc.DocumentID, &created, &doc.Timestamp, &tagsJSON, &parentsJSON,
		&sourceURL, &doc.Hash, &doc.TextSize, &doc.ChunkCount, &doc.Status)
	if err != nil {
		return nil, err
	}
	doc.Created = fromMillis(created)
	doc.SourceURL = sourceURL.String
	if doc.Tags, err = unmarshalStrings(tagsJSON); err != nil {
		return nil, err
	}
	if doc.Parents, err = unmarshalStrings(parentsJSON); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) LoadDocument(ctx context.Context, projectID int64, dataSourceID, documentID, versionHash string) (*datasource.Document, error) {
	dsPK, found, err := dataSourcePK(ctx, s.db, projectID, dataSourceID)
	if err != nil || !found {
		return nil, err
	}
	query := `SELECT ` + documentColumns + ` FROM data_sources_documents
		 WHERE data_source = ? AND document_id = ?`
	args := []any{dsPK, documentID}
	if versionHash != "" {
		query += ` AND hash = ?`
		args = append(args, versionHash)
	}
	query += ` ORDER BY created DESC, id DESC LIMIT 1`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load document: %w", err)
	}
	return doc, nil
}

func (s *Store) ListDocumentVersions(ctx context.Context, projectID int64, dataSourceID, documentID string, p *loom.Pagination, latestHash string) ([]*datasource.DocumentVersion, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.db, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	if latestHash != "" {
		// Caller already knows the latest hash: return exactly that
		// version without scanning history.
		var created int64
		err := s.db.QueryRowContext(ctx,
			`SELECT created FROM data_sources_documents
			 WHERE data_source = ? AND document_id = ? AND hash = ?
			 ORDER BY created DESC, id DESC LIMIT 1`,
			dsPK, documentID, latestHash).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("loom: list document versions: %w", err)
		}
		return []*datasource.DocumentVersion{{Hash: latestHash, Created: fromMillis(created)}}, 1, nil
	}
	var total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_sources_documents
		 WHERE data_source = ? AND document_id = ?`, dsPK, documentID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count document versions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, created FROM data_sources_documents
		 WHERE data_source = ? AND document_id = ?
		 ORDER BY created DESC, id DESC`+paginationClause(p), dsPK, documentID)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list document versions: %w", err)
	}
	defer rows.Close()
	var out []*datasource.DocumentVersion
	for rows.Next() {
		var hash string
		var created int64
		if err := rows.Scan(&hash, &created); err != nil {
			return nil, 0, fmt.Errorf("loom: list document versions: %w", err)
		}
		out = append(out, &datasource.DocumentVersion{Hash: hash, Created: fromMillis(created)})
	}
	return out, total, rows.Err()
}

// latestDocuments loads the latest version of every document in the data
// source, most recently versioned first. Filters run Go-side on the decoded
// rows.
func (s *Store) latestDocuments(ctx context.Context, dsPK int64) ([]*datasource.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM data_sources_documents d
		 WHERE d.data_source = ?`+latestDocumentCond+`
		 ORDER BY d.created DESC, d.id DESC`, dsPK)
	if err != nil {
		return nil, fmt.Errorf("loom: load documents: %w", err)
	}
	defer rows.Close()
	var out []*datasource.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("loom: load documents: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func matchesFilter(doc *datasource.Document, filter *datasource.SearchFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Tags != nil {
		if len(filter.Tags.In) > 0 && !containsAny(doc.Tags, filter.Tags.In) {
			return false
		}
		if containsAny(doc.Tags, filter.Tags.Not) {
			return false
		}
	}
	if filter.Parents != nil {
		if len(filter.Parents.In) > 0 && !containsAny(doc.Parents, filter.Parents.In) {
			return false
		}
		if containsAny(doc.Parents, filter.Parents.Not) {
			return false
		}
	}
	if filter.Timestamp != nil {
		if filter.Timestamp.Gt != 0 && doc.Timestamp <= filter.Timestamp.Gt {
			return false
		}
		if filter.Timestamp.Lt != 0 && doc.Timestamp >= filter.Timestamp.Lt {
			return false
		}
	}
	return true
}

func containsAny(haystack, needles []string) bool {
	for _, n := range needles {
		for _, h := range haystack {
			if h == n {
				return true
			}
		}
	}
	return false
}

func (s *Store) FindDocumentIDs(ctx context.Context, projectID int64, dataSourceID string, filter *datasource.SearchFilter, p *loom.Pagination) ([]string, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.db, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	docs, err := s.latestDocuments(ctx, dsPK)
	if err != nil {
		return nil, 0, err
	}
	var ids []string
	for _, doc := range docs {
		if matchesFilter(doc, filter) {
			ids = append(ids, doc.DocumentID)
		}
	}
	sort.Strings(ids)
	total := len(ids)
	return paginate(ids, p), total, nil
}

func (s *Store) ListDocuments(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination, removeSystemTags bool) ([]*datasource.Document, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.db, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	docs, err := s.latestDocuments(ctx, dsPK)
	if err != nil {
		return nil, 0, err
	}
	total := len(docs)
	docs = paginate(docs, p)
	if removeSystemTags {
		for _, doc := range docs {
			doc.Tags = datasource.StripSystemTags(doc.Tags)
		}
	}
	return docs, total, nil
}

func (s *Store) UpdateDocumentTags(ctx context.Context, projectID int64, dataSourceID, documentID string, addTags, removeTags []string) ([]string, error) {
	var tags []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		var tagsJSON string
		err = tx.QueryRowContext(ctx,
			`SELECT tags_json FROM data_sources_documents
			 WHERE data_source = ? AND document_id = ?
			 ORDER BY created DESC, id DESC LIMIT 1`, dsPK, documentID).Scan(&tagsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
		}
		if err != nil {
			return fmt.Errorf("loom: update document tags: %w", err)
		}
		current, err := unmarshalStrings(tagsJSON)
		if err != nil {
			return err
		}
		tags = datasource.ApplyTagOps(current, addTags, removeTags)
		updated, err := marshalStrings(tags)
		if err != nil {
			return err
		}
		// Tags live on the document identity: every version row is updated.
		_, err = tx.ExecContext(ctx,
			`UPDATE data_sources_documents SET tags_json = ?
			 WHERE data_source = ? AND document_id = ?`, updated, dsPK, documentID)
		if err != nil {
			return fmt.Errorf("loom: update document tags: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) UpdateDocumentParents(ctx context.Context, projectID int64, dataSourceID, documentID string, parents []string) error {
	parentsJSON, err := marshalStrings(parents)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE data_sources_documents SET parents_json = ?
			 WHERE data_source = ? AND document_id = ?`, parentsJSON, dsPK, documentID)
		if err != nil {
			return fmt.Errorf("loom: update document parents: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("loom: update document parents: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
		}
		return nil
	})
}

func (s *Store) DeleteDocument(ctx context.Context, projectID int64, dataSourceID, documentID string) error {
	dsPK, found, err := dataSourcePK(ctx, s.db, projectID, dataSourceID)
	if err != nil || !found {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM data_sources_documents WHERE data_source = ? AND document_id = ?`,
		dsPK, documentID)
	if err != nil {
		return fmt.Errorf("loom: delete document: %w", err)
	}
	return nil
}

func (s *Store) DeleteDataSource(ctx context.Context, projectID int64, dataSourceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dsPK, found, err := dataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil || !found {
			return err
		}
		stmts := []string{
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT t.id FROM databases_tables t
				JOIN databases d ON t.database = d.id
				WHERE d.data_source = ?)`,
			`DELETE FROM databases_tables WHERE database IN (
				SELECT id FROM databases WHERE data_source = ?)`,
			`DELETE FROM databases WHERE data_source = ?`,
			`DELETE FROM data_sources_documents WHERE data_source = ?`,
			`DELETE FROM data_sources WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, dsPK); err != nil {
				return fmt.Errorf("loom: delete data source: %w", err)
			}
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Databases
// ──────────────────────────────────────────────────

func (s *Store) RegisterDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID, name string) (*database.Database, error) {
	created := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM databases WHERE data_source = ? AND (database_id = ? OR name = ?))`,
			dsPK, databaseID, name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("loom: register database: %w", err)
		}
		if exists {
			return fmt.Errorf("database %q (%q): %w", databaseID, name, loom.ErrDuplicateDatabase)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO databases (data_source, created, database_id, name) VALUES (?, ?, ?, ?)`,
			dsPK, millis(created), databaseID, name)
		if err != nil {
			return fmt.Errorf("loom: register database: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &database.Database{DatabaseID: databaseID, Name: name, Created: created}, nil
}

func (s *Store) LoadDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID string) (*database.Database, error) {
	var name string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT d.name, d.created FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = ? AND ds.data_source_id = ? AND d.database_id = ?`,
		projectID, dataSourceID, databaseID).Scan(&name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load database: %w", err)
	}
	return &database.Database{DatabaseID: databaseID, Name: name, Created: fromMillis(created)}, nil
}

func (s *Store) ListDatabases(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination) ([]*database.Database, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.database_id, d.name, d.created FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = ? AND ds.data_source_id = ?
		 ORDER BY d.created ASC, d.id ASC`+paginationClause(p),
		projectID, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("loom: list databases: %w", err)
	}
	defer rows.Close()
	var out []*database.Database
	for rows.Next() {
		db := &database.Database{}
		var created int64
		if err := rows.Scan(&db.DatabaseID, &db.Name, &created); err != nil {
			return nil, fmt.Errorf("loom: list databases: %w", err)
		}
		db.Created = fromMillis(created)
		out = append(out, db)
	}
	return out, rows.Err()
}

func databasePK(ctx context.Context, q sq, projectID int64, dataSourceID, databaseID string) (int64, bool, error) {
	var pk int64
	err := q.QueryRowContext(ctx,
		`SELECT d.id FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = ? AND ds.data_source_id = ? AND d.database_id = ?`,
		projectID, dataSourceID, databaseID).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve database: %w", err)
	}
	return pk, true, nil
}

// ──────────────────────────────────────────────────
// Tables and rows
// ──────────────────────────────────────────────────

func (s *Store) UpsertTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, name, description string) (*database.Table, error) {
	var t *database.Table
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dbPK, found, err := databasePK(ctx, tx, projectID, dataSourceID, databaseID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("unknown database %q: %w", databaseID, loom.ErrInvalidInput)
		}
		var conflict bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM databases_tables WHERE database = ? AND name = ? AND table_id != ?)`,
			dbPK, name, tableID).Scan(&conflict)
		if err != nil {
			return fmt.Errorf("loom: upsert table: %w", err)
		}
		if conflict {
			return fmt.Errorf("table name %q: %w", name, loom.ErrDuplicateTable)
		}
		var created int64
		var schemaJSON sql.NullString
		err = tx.QueryRowContext(ctx,
			`INSERT INTO databases_tables (database, created, table_id, name, description)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (database, table_id) DO UPDATE SET name = excluded.name, description = excluded.description
			 RETURNING created, schema_json`,
			dbPK, millis(time.Now()), tableID, name, description).Scan(&created, &schemaJSON)
		if err != nil {
			return fmt.Errorf("loom: upsert table: %w", err)
		}
		t = &database.Table{TableID: tableID, Name: name, Description: description, Created: fromMillis(created)}
		if schemaJSON.Valid {
			if err := json.Unmarshal([]byte(schemaJSON.String), &t.Schema); err != nil {
				return fmt.Errorf("loom: table schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) UpdateTableSchema(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, schema database.Schema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("loom: table schema: %w", err)
	}
	dbPK, found, err := databasePK(ctx, s.db, projectID, dataSourceID, databaseID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown database %q: %w", databaseID, loom.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE databases_tables SET schema_json = ? WHERE database = ? AND table_id = ?`,
		string(schemaJSON), dbPK, tableID)
	if err != nil {
		return fmt.Errorf("loom: update table schema: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("loom: update table schema: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown table %q: %w", tableID, loom.ErrInvalidInput)
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string) (*database.Table, error) {
	dbPK, found, err := databasePK(ctx, s.db, projectID, dataSourceID, databaseID)
	if err != nil || !found {
		return nil, err
	}
	var name, description string
	var created int64
	var schemaJSON sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT name, description, created, schema_json FROM databases_tables
		 WHERE database = ? AND table_id = ?`, dbPK, tableID).
		Scan(&name, &description, &created, &schemaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load table: %w", err)
	}
	t := &database.Table{TableID: tableID, Name: name, Description: description, Created: fromMillis(created)}
	if schemaJSON.Valid {
		if err := json.Unmarshal([]byte(schemaJSON.String), &t.Schema); err != nil {
			return nil, fmt.Errorf("loom: table schema: %w", err)
		}
	}
	return t, nil
}

func (s *Store) ListTables(ctx context.Context, projectID int64, dataSourceID, databaseID string, p *loom.Pagination) ([]*database.Table, int, error) {
	dbPK, found, err := databasePK(ctx, s.db, projectID, dataSourceID, databaseID)
	if err != nil || !found {
		return nil, 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM databases_tables WHERE database = ?`, dbPK).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count tables: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, name, description, created, schema_json FROM databases_tables
		 WHERE database = ? ORDER BY created ASC, id ASC`+paginationClause(p), dbPK)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list tables: %w", err)
	}
	defer rows.Close()
	var out []*database.Table
	for rows.Next() {
		var tableID, name, description string
		var created int64
		var schemaJSON sql.NullString
		if err := rows.Scan(&tableID, &name, &description, &created, &schemaJSON); err != nil {
			return nil, 0, fmt.Errorf("loom: list tables: %w", err)
		}
		t := &database.Table{TableID: tableID, Name: name, Description: description, Created: fromMillis(created)}
		if schemaJSON.Valid {
			if err := json.Unmarshal([]byte(schemaJSON.String), &t.Schema); err != nil {
				return nil, 0, fmt.Errorf("loom: table schema: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func tablePK(ctx context.Context, q sq, projectID int64, dataSourceID, databaseID, tableID string) (int64, bool, error) {
	var pk int64
	err := q.QueryRowContext(ctx,
		`SELECT t.id FROM databases_tables t
		 JOIN databases d ON t.database = d.id
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = ? AND ds.data_source_id = ? AND d.database_id = ? AND t.table_id = ?`,
		projectID, dataSourceID, databaseID, tableID).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve table: %w", err)
	}
	return pk, true, nil
}

func (s *Store) BatchUpsertRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, rows []*database.Row, truncate bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pk, found, err := tablePK(ctx, tx, projectID, dataSourceID, databaseID, tableID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("unknown table %q: %w", tableID, loom.ErrInvalidInput)
		}
		if truncate {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM databases_rows WHERE database_table = ?`, pk); err != nil {
				return fmt.Errorf("loom: truncate rows: %w", err)
			}
		}
		now := millis(time.Now())
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO databases_rows (database_table, created, row_id, content)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (database_table, row_id) DO UPDATE SET content = excluded.content`)
		if err != nil {
			return fmt.Errorf("loom: upsert rows: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, pk, now, r.RowID, string(r.Content)); err != nil {
				return fmt.Errorf("loom: upsert rows: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LoadRow(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, rowID string) (*database.Row, error) {
	pk, found, err := tablePK(ctx, s.db, projectID, dataSourceID, databaseID, tableID)
	if err != nil || !found {
		return nil, err
	}
	var created int64
	var content string
	err = s.db.QueryRowContext(ctx,
		`SELECT created, content FROM databases_rows
		 WHERE database_table = ? AND row_id = ?`, pk, rowID).Scan(&created, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load row: %w", err)
	}
	return &database.Row{RowID: rowID, Created: fromMillis(created), Content: json.RawMessage(content)}, nil
}

func (s *Store) ListRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, p *loom.Pagination) ([]*database.Row, int, error) {
	pk, found, err := tablePK(ctx, s.db, projectID, dataSourceID, databaseID, tableID)
	if err != nil || !found {
		return nil, 0, err
	}
	var total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM databases_rows WHERE database_table = ?`, pk).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count rows: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, created, content FROM databases_rows
		 WHERE database_table = ? ORDER BY created ASC, id ASC`+paginationClause(p), pk)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list rows: %w", err)
	}
	defer rows.Close()
	var out []*database.Row
	for rows.Next() {
		r := &database.Row{}
		var created int64
		var content string
		if err := rows.Scan(&r.RowID, &created, &content); err != nil {
			return nil, 0, fmt.Errorf("loom: list rows: %w", err)
		}
		r.Created = fromMillis(created)
		r.Content = json.RawMessage(content)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *Store) DeleteDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dbPK, found, err := databasePK(ctx, tx, projectID, dataSourceID, databaseID)
		if err != nil || !found {
			return err
		}
		stmts := []string{
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT id FROM databases_tables WHERE database = ?)`,
			`DELETE FROM databases_tables WHERE database = ?`,
			`DELETE FROM databases WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, dbPK); err != nil {
				return fmt.Errorf("loom: delete database: %w", err)
			}
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Caches
// ──────────────────────────────────────────────────

func (s *Store) cacheGet(ctx context.Context, projectID int64, hash string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT response FROM cache WHERE project = ? AND hash = ?
		 ORDER BY created ASC, id ASC`, projectID, hash)
	if err != nil {
		return nil, fmt.Errorf("loom: cache get: %w", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var response string
		if err := rows.Scan(&response); err != nil {
			return nil, fmt.Errorf("loom: cache get: %w", err)
		}
		out = append(out, []byte(response))
	}
	return out, rows.Err()
}

func (s *Store) cacheStore(ctx context.Context, projectID int64, hash string, req, resp any) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("loom: cache request: %w", err)
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("loom: cache response: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache (project, created, hash, request, response) VALUES (?, ?, ?, ?, ?)`,
		projectID, millis(time.Now()), hash, string(reqJSON), string(respJSON))
	if err != nil {
		return fmt.Errorf("loom: cache store: %w", err)
	}
	return nil
}

func decodeCacheRows[T any](rows [][]byte) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, raw := range rows {
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("loom: cache row: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) CompletionCacheGet(ctx context.Context, projectID int64, req *cache.CompletionRequest) ([]*cache.Completion, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	rows, err := s.cacheGet(ctx, projectID, hash)
	if err != nil {
		return nil, err
	}
	return decodeCacheRows[cache.Completion](rows)
}

func (s *Store) CompletionCacheStore(ctx context.Context, projectID int64, req *cache.CompletionRequest, gen *cache.Completion) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(ctx, projectID, hash, req, gen)
}

func (s *Store) ChatCacheGet(ctx context.Context, projectID int64, req *cache.ChatRequest) ([]*cache.ChatGeneration, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	rows, err := s.cacheGet(ctx, projectID, hash)
	if err != nil {
		return nil, err
	}
	return decodeCacheRows[cache.ChatGeneration](rows)
}

func (s *Store) ChatCacheStore(ctx context.Context, projectID int64, req *cache.ChatRequest, gen *cache.ChatGeneration) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(ctx, projectID, hash, req, gen)
}

func (s *Store) EmbeddingCacheGet(ctx context.Context, projectID int64, req *cache.EmbeddingRequest) ([]*cache.EmbeddingVector, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	rows, err := s.cacheGet(ctx, projectID, hash)
	if err != nil {
		return nil, err
	}
	return decodeCacheRows[cache.EmbeddingVector](rows)
}

func (s *Store) EmbeddingCacheStore(ctx context.Context, projectID int64, req *cache.EmbeddingRequest, vec *cache.EmbeddingVector) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(ctx, projectID, hash, req, vec)
}

func (s *Store) HTTPCacheGet(ctx context.Context, projectID int64, req *cache.HTTPRequest) ([]*cache.HTTPResponse, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	rows, err := s.cacheGet(ctx, projectID, hash)
	if err != nil {
		return nil, err
	}
	return decodeCacheRows[cache.HTTPResponse](rows)
}

func (s *Store) HTTPCacheStore(ctx context.Context, projectID int64, req *cache.HTTPRequest, resp *cache.HTTPResponse) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(ctx, projectID, hash, req, resp)
}
