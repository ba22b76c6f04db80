// Package postgres provides the PostgreSQL implementation of the Loom
// composite store on pgx. Multi-statement operations run inside
// transactions; cascade deletion of runs and datasets is delegated to
// server-side functions so orphan checks on shared content-addressed blobs
// happen close to the data.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Store is the PostgreSQL implementation of the composite Loom store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to the database and returns a store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("loom: connect postgres: %w", err)
	}
	return New(pool), nil
}

// Migrate applies the schema: tables, indexes, and deletion functions. All
// statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, group := range [][]string{tables, indexes, functions} {
		for _, stmt := range group {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("loom: migrate: %w", err)
			}
		}
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom: commit: %w", err)
	}
	return nil
}

// withReadTx runs fn inside a read-only snapshot transaction. Repeatable
// read, because read committed re-snapshots per statement and a multi-query
// read could otherwise observe another transaction's partial effects.
func (s *Store) withReadTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("loom: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom: commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
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
		fmt.Fprintf(&sb, " OFFSET %d", p.Offset)
	}
	return sb.String()
}

// ──────────────────────────────────────────────────
// Projects
// ──────────────────────────────────────────────────

func (s *Store) CreateProject(ctx context.Context) (*project.Project, error) {
	var pk int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects DEFAULT VALUES RETURNING id`).Scan(&pk)
	if err != nil {
		return nil, fmt.Errorf("loom: create project: %w", err)
	}
	return &project.Project{ID: pk}, nil
}

func (s *Store) DeleteProject(ctx context.Context, projectID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT delete_project_runs($1)`, projectID); err != nil {
			return fmt.Errorf("loom: delete project runs: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT delete_project_datasets($1)`, projectID); err != nil {
			return fmt.Errorf("loom: delete project datasets: %w", err)
		}
		stmts := []string{
			`DELETE FROM specifications WHERE project = $1`,
			`DELETE FROM cache WHERE project = $1`,
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT t.id FROM databases_tables t
				JOIN databases d ON t.database = d.id
				JOIN data_sources ds ON d.data_source = ds.id
				WHERE ds.project = $1)`,
			`DELETE FROM databases_tables WHERE database IN (
				SELECT d.id FROM databases d
				JOIN data_sources ds ON d.data_source = ds.id
				WHERE ds.project = $1)`,
			`DELETE FROM databases WHERE data_source IN (
				SELECT id FROM data_sources WHERE project = $1)`,
			`DELETE FROM data_sources_documents WHERE data_source IN (
				SELECT id FROM data_sources WHERE project = $1)`,
			`DELETE FROM data_sources WHERE project = $1`,
			`DELETE FROM projects WHERE id = $1`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt, projectID); err != nil {
				return fmt.Errorf("loom: delete project: %w", err)
			}
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Specifications
// ──────────────────────────────────────────────────

func (s *Store) RegisterSpecification(ctx context.Context, projectID int64, hash, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO specifications (project, created, hash, specification)
		 VALUES ($1, $2, $3, $4)`,
		projectID, millis(time.Now()), hash, text)
	if err != nil {
		return fmt.Errorf("loom: register specification: %w", err)
	}
	return nil
}

func (s *Store) LatestSpecificationHash(ctx context.Context, projectID int64) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT hash FROM specifications WHERE project = $1
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.pool.QueryRow(ctx,
		`SELECT created, specification FROM specifications
		 WHERE project = $1 AND hash = $2
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, hash).Scan(&created, &text)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load specification: %w", err)
	}
	return &specification.Specification{Created: fromMillis(created), Hash: hash, Text: text}, nil
}

func (s *Store) ListSpecificationHashes(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hash FROM specifications WHERE project = $1
		 ORDER BY created ASC, id ASC`, projectID)
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var datasetPK int64
		err := tx.QueryRow(ctx,
			`INSERT INTO datasets (project, created, dataset_id, hash)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			projectID, millis(d.Created), d.ID, d.Hash).Scan(&datasetPK)
		if err != nil {
			return fmt.Errorf("loom: register dataset: %w", err)
		}
		for idx, p := range d.Points {
			canonical, err := contenthash.Canonicalize(p.JSON)
			if err != nil {
				return fmt.Errorf("loom: dataset point %d: %w", idx, err)
			}
			var pointPK int64
			// The no-op DO UPDATE makes RETURNING yield the existing
			// row's id on conflict.
			err = tx.QueryRow(ctx,
				`INSERT INTO datasets_points (hash, json) VALUES ($1, $2)
				 ON CONFLICT (hash) DO UPDATE SET hash = excluded.hash
				 RETURNING id`,
				p.Hash, string(canonical)).Scan(&pointPK)
			if err != nil {
				return fmt.Errorf("loom: register dataset point: %w", err)
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO datasets_joins (dataset, point, point_idx)
				 VALUES ($1, $2, $3)`, datasetPK, pointPK, idx)
			if err != nil {
				return fmt.Errorf("loom: register dataset join: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LoadDataset(ctx context.Context, projectID int64, datasetID, hash string) (*dataset.Dataset, error) {
	var datasetPK, created int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, created FROM datasets
		 WHERE project = $1 AND dataset_id = $2 AND hash = $3
		 ORDER BY created DESC, id DESC LIMIT 1`,
		projectID, datasetID, hash).Scan(&datasetPK, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load dataset: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT dp.hash, dp.json FROM datasets_joins dj
		 JOIN datasets_points dp ON dj.point = dp.id
		 WHERE dj.dataset = $1 ORDER BY dj.point_idx ASC`, datasetPK)
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
	err := s.pool.QueryRow(ctx,
		`SELECT hash FROM datasets WHERE project = $1 AND dataset_id = $2
		 ORDER BY created DESC, id DESC LIMIT 1`, projectID, datasetID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loom: latest dataset hash: %w", err)
	}
	return hash, nil
}

func (s *Store) ListDatasets(ctx context.Context, projectID int64) (map[string][]dataset.Version, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dataset_id, hash, created FROM datasets WHERE project = $1
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (project, created, run_id, run_type, app_hash, config_json, status_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		projectID, millis(r.Created), r.RunID, string(r.Type), r.AppHash,
		string(configJSON), string(statusJSON))
	if isUniqueViolation(err) {
		return fmt.Errorf("run %q: %w", r.RunID, loom.ErrDuplicateRun)
	}
	if err != nil {
		return fmt.Errorf("loom: create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, projectID int64, runID string, status *run.Status) error {
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("loom: run status: %w", err)
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE runs SET status_json = $1 WHERE project = $2 AND run_id = $3`,
		string(statusJSON), projectID, runID)
	if err != nil {
		return fmt.Errorf("loom: update run status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("unknown run %q: %w", runID, loom.ErrInvalidInput)
	}
	return nil
}

func (s *Store) AppendRunBlock(ctx context.Context, projectID int64, r *run.Run, blockIdx int, blockType, blockName string) error {
	trace := r.Trace(blockType, blockName)
	if trace == nil {
		return fmt.Errorf("run %q has no trace for block %s %s: %w", r.RunID, blockType, blockName, loom.ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var runPK int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM runs WHERE project = $1 AND run_id = $2`,
			projectID, r.RunID).Scan(&runPK)
		if errors.Is(err, pgx.ErrNoRows) {
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
				err = tx.QueryRow(ctx,
					`INSERT INTO block_executions (hash, execution) VALUES ($1, $2)
					 ON CONFLICT (hash) DO UPDATE SET hash = excluded.hash
					 RETURNING id`,
					e.Hash, string(canonical)).Scan(&execPK)
				if err != nil {
					return fmt.Errorf("loom: store block execution: %w", err)
				}
				_, err = tx.Exec(ctx,
					`INSERT INTO runs_joins (run, block_idx, block_type, block_name, input_idx, map_idx, block_execution)
					 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
					runPK, blockIdx, blockType, blockName, inputIdx, mapIdx, execPK)
				if err != nil {
					return fmt.Errorf("loom: store run join: %w", err)
				}
			}
		}
		return nil
	})
}

// scanRunMeta scans one runs row (created, run_type, app_hash, config_json,
// status_json) into a Run.
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

func (s *Store) loadRunMeta(ctx context.Context, q querier, projectID int64, runID string) (int64, *run.Run, error) {
	var runPK, created int64
	var runType, appHash, configJSON, statusJSON string
	err := q.QueryRow(ctx,
		`SELECT id, created, run_type, app_hash, config_json, status_json
		 FROM runs WHERE project = $1 AND run_id = $2`,
		projectID, runID).Scan(&runPK, &created, &runType, &appHash, &configJSON, &statusJSON)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) loadRunTraces(ctx context.Context, q querier, r *run.Run, runPK int64, blockType, blockName string) error {
	query := `SELECT rj.block_idx, rj.input_idx, rj.map_idx, rj.block_type, rj.block_name, be.hash, be.execution
		 FROM runs_joins rj JOIN block_executions be ON rj.block_execution = be.id
		 WHERE rj.run = $1`
	args := []any{runPK}
	if blockType != "" || blockName != "" {
		query += ` AND rj.block_type = $2 AND rj.block_name = $3`
		args = append(args, blockType, blockName)
	}
	query += ` ORDER BY rj.block_idx ASC, rj.input_idx ASC, rj.map_idx ASC`
	rows, err := q.Query(ctx, query, args...)
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
	// One snapshot for metadata and traces: a concurrent DeleteRun must
	// never yield metadata with silently missing traces.
	var r *run.Run
	err := s.withReadTx(ctx, func(tx pgx.Tx) error {
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
	_, r, err := s.loadRunMeta(ctx, s.pool, projectID, runID)
	return r, err
}

func (s *Store) LoadRunBlock(ctx context.Context, projectID int64, runID, blockType, blockName string) (*run.Run, error) {
	var r *run.Run
	err := s.withReadTx(ctx, func(tx pgx.Tx) error {
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
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, created, run_type, app_hash, config_json, status_json
		 FROM runs WHERE project = $1 AND run_id = ANY($2)`, projectID, runIDs)
	if err != nil {
		return nil, fmt.Errorf("loom: load run batch: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*run.Run, len(runIDs))
	for rows.Next() {
		var runID, runType, appHash, configJSON, statusJSON string
		var created int64
		if err := rows.Scan(&runID, &created, &runType, &appHash, &configJSON, &statusJSON); err != nil {
			return nil, fmt.Errorf("loom: load run batch: %w", err)
		}
		r, err := scanRunMeta(runID, created, runType, appHash, configJSON, statusJSON)
		if err != nil {
			return nil, err
		}
		out[runID] = r
	}
	return out, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, projectID int64, runType run.Type, p *loom.Pagination) ([]*run.Run, int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE project = $1 AND run_type = $2`,
		projectID, string(runType)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count runs: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, created, run_type, app_hash, config_json, status_json
		 FROM runs WHERE project = $1 AND run_type = $2
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
	err := s.pool.QueryRow(ctx,
		`SELECT run_id FROM runs WHERE project = $1 AND run_type = $2
		 ORDER BY created DESC, id DESC LIMIT 1`,
		projectID, string(runType)).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loom: latest run id: %w", err)
	}
	return runID, nil
}

func (s *Store) DeleteRun(ctx context.Context, projectID int64, runID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var runPK int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM runs WHERE project = $1 AND run_id = $2`,
			projectID, runID).Scan(&runPK)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loom: delete run: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT delete_run($1)`, runPK); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO data_sources (project, created, data_source_id, internal_id, config_json)
		 VALUES ($1, $2, $3, $4, $5)`,
		projectID, millis(ds.Created), ds.DataSourceID, ds.InternalID.String(), string(configJSON))
	if isUniqueViolation(err) {
		return fmt.Errorf("data source %q: %w", ds.DataSourceID, loom.ErrDuplicateDataSource)
	}
	if err != nil {
		return fmt.Errorf("loom: register data source: %w", err)
	}
	return nil
}

func (s *Store) LoadDataSource(ctx context.Context, projectID int64, dataSourceID string) (*datasource.DataSource, error) {
	var created int64
	var internalID, configJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT created, internal_id, config_json FROM data_sources
		 WHERE project = $1 AND data_source_id = $2`,
		projectID, dataSourceID).Scan(&created, &internalID, &configJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load data source: %w", err)
	}
	ds := &datasource.DataSource{
		DataSourceID: dataSourceID,
		Created:      fromMillis(created),
	}
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
	ct, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET config_json = $1 WHERE project = $2 AND data_source_id = $3`,
		string(configJSON), projectID, dataSourceID)
	if err != nil {
		return fmt.Errorf("loom: update data source config: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("unknown data source %q: %w", dataSourceID, loom.ErrInvalidInput)
	}
	return nil
}

func (s *Store) HasDataSources(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM data_sources WHERE project = $1)`, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("loom: has data sources: %w", err)
	}
	return exists, nil
}

// dataSourcePK resolves the internal key of a data source. found is false
// when the data source does not exist.
func dataSourcePK(ctx context.Context, q querier, projectID int64, dataSourceID string) (int64, bool, error) {
	var pk int64
	err := q.QueryRow(ctx,
		`SELECT id FROM data_sources WHERE project = $1 AND data_source_id = $2`,
		projectID, dataSourceID).Scan(&pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve data source: %w", err)
	}
	return pk, true, nil
}

func requireDataSourcePK(ctx context.Context, q querier, projectID int64, dataSourceID string) (int64, error) {
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the parent row: a document's first two concurrent upserts
		// have no version row to serialize on yet.
		var dsPK int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM data_sources WHERE project = $1 AND data_source_id = $2 FOR UPDATE`,
			projectID, dataSourceID).Scan(&dsPK)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("unknown data source %q: %w", dataSourceID, loom.ErrInvalidInput)
		}
		if err != nil {
			return fmt.Errorf("loom: resolve data source: %w", err)
		}
		var latestPK int64
		var latestHash string
		err = tx.QueryRow(ctx,
			`SELECT id, hash FROM data_sources_documents
			 WHERE data_source = $1 AND document_id = $2
			 ORDER BY created DESC, id DESC LIMIT 1
			 FOR UPDATE`, dsPK, doc.DocumentID).Scan(&latestPK, &latestHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("loom: upsert document: %w", err)
		}
		if err == nil && latestHash == doc.Hash {
			// Same content: refresh the latest version's metadata in
			// place, no new version row.
			_, err = tx.Exec(ctx,
				`UPDATE data_sources_documents
				 SET timestamp = $1, tags_array = $2, parents = $3, source_url = $4,
				     text_size = $5, chunk_count = $6, status = $7
				 WHERE id = $8`,
				doc.Timestamp, tagsOrEmpty(doc.Tags), tagsOrEmpty(doc.Parents), doc.SourceURL,
				doc.TextSize, doc.ChunkCount, doc.Status, latestPK)
			if err != nil {
				return fmt.Errorf("loom: upsert document: %w", err)
			}
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO data_sources_documents
			 (data_source, created, document_id, timestamp, tags_array, parents,
			  source_url, hash, text_size, chunk_count, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			dsPK, millis(time.Now()), doc.DocumentID, doc.Timestamp,
			tagsOrEmpty(doc.Tags), tagsOrEmpty(doc.Parents), doc.SourceURL,
			doc.Hash, doc.TextSize, doc.ChunkCount, doc.Status)
		if err != nil {
			return fmt.Errorf("loom: upsert document: %w", err)
		}
		return nil
	})
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func scanDocument(rows pgx.Rows) (*datasource.Document, error) {
	doc := &datasource.Document{}
	var created int64
	var sourceURL *string
	if err := rows.Scan(&doc.DocumentID, &created, &doc.Timestamp, &doc.Tags, &doc.Parents,
		&sourceURL, &doc.Hash, &doc.TextSize, &doc.ChunkCount, &doc.Status); err != nil {
		return nil, fmt.Errorf("loom: scan document: %w", err)
	}
	doc.Created = fromMillis(created)
	if sourceURL != nil {
		doc.SourceURL = *sourceURL
	}
	return doc, nil
}

const documentColumns = `document_id, created, timestamp, tags_array, parents, source_url, hash, text_size, chunk_count, status`

func (s *Store) LoadDocument(ctx context.Context, projectID int64, dataSourceID, documentID, versionHash string) (*datasource.Document, error) {
	dsPK, found, err := dataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil || !found {
		return nil, err
	}
	query := `SELECT ` + documentColumns + ` FROM data_sources_documents
		 WHERE data_source = $1 AND document_id = $2`
	args := []any{dsPK, documentID}
	if versionHash != "" {
		query += ` AND hash = $3`
		args = append(args, versionHash)
	}
	query += ` ORDER BY created DESC, id DESC LIMIT 1`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom: load document: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDocument(rows)
}

func (s *Store) ListDocumentVersions(ctx context.Context, projectID int64, dataSourceID, documentID string, p *loom.Pagination, latestHash string) ([]*datasource.DocumentVersion, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	if latestHash != "" {
		// Caller already knows the latest hash: return exactly that
		// version without scanning history.
		var created int64
		err := s.pool.QueryRow(ctx,
			`SELECT created FROM data_sources_documents
			 WHERE data_source = $1 AND document_id = $2 AND hash = $3
			 ORDER BY created DESC, id DESC LIMIT 1`,
			dsPK, documentID, latestHash).Scan(&created)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("loom: list document versions: %w", err)
		}
		return []*datasource.DocumentVersion{{Hash: latestHash, Created: fromMillis(created)}}, 1, nil
	}
	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM data_sources_documents
		 WHERE data_source = $1 AND document_id = $2`, dsPK, documentID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count document versions: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT hash, created FROM data_sources_documents
		 WHERE data_source = $1 AND document_id = $2
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

// latestDocumentsSubquery selects the latest version row of every document
// in a data source ($1).
const latestDocumentsSubquery = `
	SELECT DISTINCT ON (document_id) id, ` + documentColumns + `
	FROM data_sources_documents
	WHERE data_source = $1
	ORDER BY document_id, created DESC, id DESC`

func appendDocumentFilter(where []string, args []any, filter *datasource.SearchFilter) ([]string, []any) {
	if filter == nil {
		return where, args
	}
	if filter.Tags != nil {
		if len(filter.Tags.In) > 0 {
			args = append(args, filter.Tags.In)
			where = append(where, fmt.Sprintf("tags_array && $%d", len(args)))
		}
		if len(filter.Tags.Not) > 0 {
			args = append(args, filter.Tags.Not)
			where = append(where, fmt.Sprintf("NOT (tags_array && $%d)", len(args)))
		}
	}
	if filter.Parents != nil {
		if len(filter.Parents.In) > 0 {
			args = append(args, filter.Parents.In)
			where = append(where, fmt.Sprintf("parents && $%d", len(args)))
		}
		if len(filter.Parents.Not) > 0 {
			args = append(args, filter.Parents.Not)
			where = append(where, fmt.Sprintf("NOT (parents && $%d)", len(args)))
		}
	}
	if filter.Timestamp != nil {
		if filter.Timestamp.Gt != 0 {
			args = append(args, filter.Timestamp.Gt)
			where = append(where, fmt.Sprintf("timestamp > $%d", len(args)))
		}
		if filter.Timestamp.Lt != 0 {
			args = append(args, filter.Timestamp.Lt)
			where = append(where, fmt.Sprintf("timestamp < $%d", len(args)))
		}
	}
	return where, args
}

func (s *Store) FindDocumentIDs(ctx context.Context, projectID int64, dataSourceID string, filter *datasource.SearchFilter, p *loom.Pagination) ([]string, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	where := []string{"TRUE"}
	args := []any{dsPK}
	where, args = appendDocumentFilter(where, args, filter)
	cond := strings.Join(where, " AND ")
	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM (`+latestDocumentsSubquery+`) latest WHERE `+cond,
		args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count document ids: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT document_id FROM (`+latestDocumentsSubquery+`) latest
		 WHERE `+cond+` ORDER BY document_id ASC`+paginationClause(p), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: find document ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var documentID string
		if err := rows.Scan(&documentID); err != nil {
			return nil, 0, fmt.Errorf("loom: find document ids: %w", err)
		}
		ids = append(ids, documentID)
	}
	return ids, total, rows.Err()
}

func (s *Store) ListDocuments(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination, removeSystemTags bool) ([]*datasource.Document, int, error) {
	dsPK, found, err := dataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil || !found {
		return nil, 0, err
	}
	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT document_id) FROM data_sources_documents WHERE data_source = $1`,
		dsPK).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count documents: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM (`+latestDocumentsSubquery+`) latest
		 ORDER BY created DESC, id DESC`+paginationClause(p), dsPK)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list documents: %w", err)
	}
	defer rows.Close()
	var out []*datasource.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		if removeSystemTags {
			doc.Tags = datasource.StripSystemTags(doc.Tags)
		}
		out = append(out, doc)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateDocumentTags(ctx context.Context, projectID int64, dataSourceID, documentID string, addTags, removeTags []string) ([]string, error) {
	var tags []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		var current []string
		err = tx.QueryRow(ctx,
			`SELECT tags_array FROM data_sources_documents
			 WHERE data_source = $1 AND document_id = $2
			 ORDER BY created DESC, id DESC LIMIT 1
			 FOR UPDATE`, dsPK, documentID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
		}
		if err != nil {
			return fmt.Errorf("loom: update document tags: %w", err)
		}
		tags = datasource.ApplyTagOps(current, addTags, removeTags)
		// Tags live on the document identity: every version row is updated.
		_, err = tx.Exec(ctx,
			`UPDATE data_sources_documents SET tags_array = $1
			 WHERE data_source = $2 AND document_id = $3`,
			tagsOrEmpty(tags), dsPK, documentID)
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		dsPK, err := requireDataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx,
			`UPDATE data_sources_documents SET parents = $1
			 WHERE data_source = $2 AND document_id = $3`,
			tagsOrEmpty(parents), dsPK, documentID)
		if err != nil {
			return fmt.Errorf("loom: update document parents: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
		}
		return nil
	})
}

func (s *Store) DeleteDocument(ctx context.Context, projectID int64, dataSourceID, documentID string) error {
	dsPK, found, err := dataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil || !found {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM data_sources_documents WHERE data_source = $1 AND document_id = $2`,
		dsPK, documentID)
	if err != nil {
		return fmt.Errorf("loom: delete document: %w", err)
	}
	return nil
}

func (s *Store) DeleteDataSource(ctx context.Context, projectID int64, dataSourceID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		dsPK, found, err := dataSourcePK(ctx, tx, projectID, dataSourceID)
		if err != nil || !found {
			return err
		}
		stmts := []string{
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT t.id FROM databases_tables t
				JOIN databases d ON t.database = d.id
				WHERE d.data_source = $1)`,
			`DELETE FROM databases_tables WHERE database IN (
				SELECT id FROM databases WHERE data_source = $1)`,
			`DELETE FROM databases WHERE data_source = $1`,
			`DELETE FROM data_sources_documents WHERE data_source = $1`,
			`DELETE FROM data_sources WHERE id = $1`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt, dsPK); err != nil {
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
	dsPK, err := requireDataSourcePK(ctx, s.pool, projectID, dataSourceID)
	if err != nil {
		return nil, err
	}
	created := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO databases (data_source, created, database_id, name)
		 VALUES ($1, $2, $3, $4)`, dsPK, millis(created), databaseID, name)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("database %q (%q): %w", databaseID, name, loom.ErrDuplicateDatabase)
	}
	if err != nil {
		return nil, fmt.Errorf("loom: register database: %w", err)
	}
	return &database.Database{DatabaseID: databaseID, Name: name, Created: created}, nil
}

func (s *Store) LoadDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID string) (*database.Database, error) {
	var name string
	var created int64
	err := s.pool.QueryRow(ctx,
		`SELECT d.name, d.created FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = $1 AND ds.data_source_id = $2 AND d.database_id = $3`,
		projectID, dataSourceID, databaseID).Scan(&name, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load database: %w", err)
	}
	return &database.Database{DatabaseID: databaseID, Name: name, Created: fromMillis(created)}, nil
}

func (s *Store) ListDatabases(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination) ([]*database.Database, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.database_id, d.name, d.created FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = $1 AND ds.data_source_id = $2
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

func databasePK(ctx context.Context, q querier, projectID int64, dataSourceID, databaseID string) (int64, bool, error) {
	var pk int64
	err := q.QueryRow(ctx,
		`SELECT d.id FROM databases d
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = $1 AND ds.data_source_id = $2 AND d.database_id = $3`,
		projectID, dataSourceID, databaseID).Scan(&pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve database: %w", err)
	}
	return pk, true, nil
}

func requireDatabasePK(ctx context.Context, q querier, projectID int64, dataSourceID, databaseID string) (int64, error) {
	pk, found, err := databasePK(ctx, q, projectID, dataSourceID, databaseID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("unknown database %q: %w", databaseID, loom.ErrInvalidInput)
	}
	return pk, nil
}

// ──────────────────────────────────────────────────
// Tables and rows
// ──────────────────────────────────────────────────

func (s *Store) UpsertTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, name, description string) (*database.Table, error) {
	dbPK, err := requireDatabasePK(ctx, s.pool, projectID, dataSourceID, databaseID)
	if err != nil {
		return nil, err
	}
	var created int64
	var schemaJSON *string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO databases_tables (database, created, table_id, name, description)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (database, table_id) DO UPDATE SET name = excluded.name, description = excluded.description
		 RETURNING created, schema_json`,
		dbPK, millis(time.Now()), tableID, name, description).Scan(&created, &schemaJSON)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("table name %q: %w", name, loom.ErrDuplicateTable)
	}
	if err != nil {
		return nil, fmt.Errorf("loom: upsert table: %w", err)
	}
	t := &database.Table{TableID: tableID, Name: name, Description: description, Created: fromMillis(created)}
	if schemaJSON != nil {
		if err := json.Unmarshal([]byte(*schemaJSON), &t.Schema); err != nil {
			return nil, fmt.Errorf("loom: table schema: %w", err)
		}
	}
	return t, nil
}

func (s *Store) UpdateTableSchema(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, schema database.Schema) error {
	dbPK, err := requireDatabasePK(ctx, s.pool, projectID, dataSourceID, databaseID)
	if err != nil {
		return err
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("loom: table schema: %w", err)
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE databases_tables SET schema_json = $1 WHERE database = $2 AND table_id = $3`,
		string(schemaJSON), dbPK, tableID)
	if err != nil {
		return fmt.Errorf("loom: update table schema: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("unknown table %q: %w", tableID, loom.ErrInvalidInput)
	}
	return nil
}

func scanTable(tableID string, name, description string, created int64, schemaJSON *string) (*database.Table, error) {
	t := &database.Table{TableID: tableID, Name: name, Description: description, Created: fromMillis(created)}
	if schemaJSON != nil {
		if err := json.Unmarshal([]byte(*schemaJSON), &t.Schema); err != nil {
			return nil, fmt.Errorf("loom: table schema: %w", err)
		}
	}
	return t, nil
}

func (s *Store) LoadTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string) (*database.Table, error) {
	dbPK, found, err := databasePK(ctx, s.pool, projectID, dataSourceID, databaseID)
	if err != nil || !found {
		return nil, err
	}
	var name, description string
	var created int64
	var schemaJSON *string
	err = s.pool.QueryRow(ctx,
		`SELECT name, description, created, schema_json FROM databases_tables
		 WHERE database = $1 AND table_id = $2`, dbPK, tableID).
		Scan(&name, &description, &created, &schemaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load table: %w", err)
	}
	return scanTable(tableID, name, description, created, schemaJSON)
}

func (s *Store) ListTables(ctx context.Context, projectID int64, dataSourceID, databaseID string, p *loom.Pagination) ([]*database.Table, int, error) {
	dbPK, found, err := databasePK(ctx, s.pool, projectID, dataSourceID, databaseID)
	if err != nil || !found {
		return nil, 0, err
	}
	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM databases_tables WHERE database = $1`, dbPK).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count tables: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT table_id, name, description, created, schema_json FROM databases_tables
		 WHERE database = $1 ORDER BY created ASC, id ASC`+paginationClause(p), dbPK)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: list tables: %w", err)
	}
	defer rows.Close()
	var out []*database.Table
	for rows.Next() {
		var tableID, name, description string
		var created int64
		var schemaJSON *string
		if err := rows.Scan(&tableID, &name, &description, &created, &schemaJSON); err != nil {
			return nil, 0, fmt.Errorf("loom: list tables: %w", err)
		}
		t, err := scanTable(tableID, name, description, created, schemaJSON)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func tablePK(ctx context.Context, q querier, projectID int64, dataSourceID, databaseID, tableID string, forUpdate bool) (int64, bool, error) {
	query := `SELECT t.id FROM databases_tables t
		 JOIN databases d ON t.database = d.id
		 JOIN data_sources ds ON d.data_source = ds.id
		 WHERE ds.project = $1 AND ds.data_source_id = $2 AND d.database_id = $3 AND t.table_id = $4`
	if forUpdate {
		query += ` FOR UPDATE OF t`
	}
	var pk int64
	err := q.QueryRow(ctx, query, projectID, dataSourceID, databaseID, tableID).Scan(&pk)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loom: resolve table: %w", err)
	}
	return pk, true, nil
}

func (s *Store) BatchUpsertRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, rows []*database.Row, truncate bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Row lock on the table serializes concurrent batch writes.
		pk, found, err := tablePK(ctx, tx, projectID, dataSourceID, databaseID, tableID, true)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("unknown table %q: %w", tableID, loom.ErrInvalidInput)
		}
		if truncate {
			if _, err := tx.Exec(ctx,
				`DELETE FROM databases_rows WHERE database_table = $1`, pk); err != nil {
				return fmt.Errorf("loom: truncate rows: %w", err)
			}
		}
		now := millis(time.Now())
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(
				`INSERT INTO databases_rows (database_table, created, row_id, content)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (database_table, row_id) DO UPDATE SET content = excluded.content`,
				pk, now, r.RowID, string(r.Content))
		}
		results := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("loom: upsert rows: %w", err)
			}
		}
		return results.Close()
	})
}

func (s *Store) LoadRow(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, rowID string) (*database.Row, error) {
	pk, found, err := tablePK(ctx, s.pool, projectID, dataSourceID, databaseID, tableID, false)
	if err != nil || !found {
		return nil, err
	}
	var created int64
	var content string
	err = s.pool.QueryRow(ctx,
		`SELECT created, content FROM databases_rows
		 WHERE database_table = $1 AND row_id = $2`, pk, rowID).Scan(&created, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loom: load row: %w", err)
	}
	return &database.Row{RowID: rowID, Created: fromMillis(created), Content: json.RawMessage(content)}, nil
}

func (s *Store) ListRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, p *loom.Pagination) ([]*database.Row, int, error) {
	pk, found, err := tablePK(ctx, s.pool, projectID, dataSourceID, databaseID, tableID, false)
	if err != nil || !found {
		return nil, 0, err
	}
	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM databases_rows WHERE database_table = $1`, pk).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("loom: count rows: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT row_id, created, content FROM databases_rows
		 WHERE database_table = $1 ORDER BY created ASC, id ASC`+paginationClause(p), pk)
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		dbPK, found, err := databasePK(ctx, tx, projectID, dataSourceID, databaseID)
		if err != nil || !found {
			return err
		}
		stmts := []string{
			`DELETE FROM databases_rows WHERE database_table IN (
				SELECT id FROM databases_tables WHERE database = $1)`,
			`DELETE FROM databases_tables WHERE database = $1`,
			`DELETE FROM databases WHERE id = $1`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt, dbPK); err != nil {
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
	rows, err := s.pool.Query(ctx,
		`SELECT response FROM cache WHERE project = $1 AND hash = $2
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cache (project, created, hash, request, response)
		 VALUES ($1, $2, $3, $4, $5)`,
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
