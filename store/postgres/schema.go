package postgres

// Schema DDL. All statements are idempotent (IF NOT EXISTS / OR REPLACE), so
// Migrate can run on every startup.
//
// Creation times are stored as epoch milliseconds (BIGINT). Content-addressed
// blob tables (datasets_points, block_executions) are global, shared across
// projects, and referenced through join tables; the deletion functions below
// only remove a blob once its last join record is gone.

var tables = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS specifications (
		id            BIGSERIAL PRIMARY KEY,
		project       BIGINT NOT NULL REFERENCES projects(id),
		created       BIGINT NOT NULL,
		hash          TEXT NOT NULL,
		specification TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id         BIGSERIAL PRIMARY KEY,
		project    BIGINT NOT NULL REFERENCES projects(id),
		created    BIGINT NOT NULL,
		dataset_id TEXT NOT NULL,
		hash       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets_points (
		id   BIGSERIAL PRIMARY KEY,
		hash TEXT NOT NULL,
		json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets_joins (
		id        BIGSERIAL PRIMARY KEY,
		dataset   BIGINT NOT NULL REFERENCES datasets(id),
		point     BIGINT NOT NULL REFERENCES datasets_points(id),
		point_idx BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id          BIGSERIAL PRIMARY KEY,
		project     BIGINT NOT NULL REFERENCES projects(id),
		created     BIGINT NOT NULL,
		run_id      TEXT NOT NULL,
		run_type    TEXT NOT NULL,
		app_hash    TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS block_executions (
		id        BIGSERIAL PRIMARY KEY,
		hash      TEXT NOT NULL,
		execution TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs_joins (
		id              BIGSERIAL PRIMARY KEY,
		run             BIGINT NOT NULL REFERENCES runs(id),
		block_idx       BIGINT NOT NULL,
		block_type      TEXT NOT NULL,
		block_name      TEXT NOT NULL,
		input_idx       BIGINT NOT NULL,
		map_idx         BIGINT NOT NULL,
		block_execution BIGINT NOT NULL REFERENCES block_executions(id)
	)`,
	`CREATE TABLE IF NOT EXISTS data_sources (
		id             BIGSERIAL PRIMARY KEY,
		project        BIGINT NOT NULL REFERENCES projects(id),
		created        BIGINT NOT NULL,
		data_source_id TEXT NOT NULL,
		internal_id    TEXT NOT NULL,
		config_json    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_sources_documents (
		id          BIGSERIAL PRIMARY KEY,
		data_source BIGINT NOT NULL REFERENCES data_sources(id),
		created     BIGINT NOT NULL,
		document_id TEXT NOT NULL,
		timestamp   BIGINT NOT NULL,
		tags_array  TEXT[] NOT NULL,
		parents     TEXT[] NOT NULL,
		source_url  TEXT,
		hash        TEXT NOT NULL,
		text_size   BIGINT NOT NULL,
		chunk_count BIGINT NOT NULL,
		status      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS databases (
		id          BIGSERIAL PRIMARY KEY,
		data_source BIGINT NOT NULL REFERENCES data_sources(id),
		created     BIGINT NOT NULL,
		database_id TEXT NOT NULL,
		name        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS databases_tables (
		id          BIGSERIAL PRIMARY KEY,
		database    BIGINT NOT NULL REFERENCES databases(id),
		created     BIGINT NOT NULL,
		table_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL,
		schema_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS databases_rows (
		id             BIGSERIAL PRIMARY KEY,
		database_table BIGINT NOT NULL REFERENCES databases_tables(id),
		created        BIGINT NOT NULL,
		row_id         TEXT NOT NULL,
		content        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache (
		id       BIGSERIAL PRIMARY KEY,
		project  BIGINT NOT NULL REFERENCES projects(id),
		created  BIGINT NOT NULL,
		hash     TEXT NOT NULL,
		request  TEXT NOT NULL,
		response TEXT NOT NULL
	)`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_specifications_project_created ON specifications (project, created)`,
	`CREATE INDEX IF NOT EXISTS idx_specifications_project_hash ON specifications (project, hash)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_project_dataset_id_created ON datasets (project, dataset_id, created)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_project_dataset_id_hash ON datasets (project, dataset_id, hash)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_datasets_points_hash ON datasets_points (hash)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_joins_dataset ON datasets_joins (dataset)`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_joins_point ON datasets_joins (point)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_run_id ON runs (run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_project_run_type_created ON runs (project, run_type, created)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_project_run_id ON runs (project, run_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_block_executions_hash ON block_executions (hash)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_joins_run ON runs_joins (run)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_joins_block_execution ON runs_joins (block_execution)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_data_sources_project_data_source_id ON data_sources (project, data_source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_data_source_document_id_created ON data_sources_documents (data_source, document_id, created)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_data_source_created ON data_sources_documents (data_source, created)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_data_source_timestamp ON data_sources_documents (data_source, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_tags_array ON data_sources_documents USING GIN (tags_array)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_parents ON data_sources_documents USING GIN (parents)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_databases_data_source_database_id ON databases (data_source, database_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_databases_data_source_name ON databases (data_source, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tables_database_table_id ON databases_tables (database, table_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tables_database_name ON databases_tables (database, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rows_database_table_row_id ON databases_rows (database_table, row_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_project_hash ON cache (project, hash)`,
}

// Deletion procedures. Orphan checks run after the owning join records are
// gone, so a blob is deleted only when no run or dataset in ANY project still
// references it.
var functions = []string{
	`CREATE OR REPLACE FUNCTION delete_run(v_run_pk BIGINT)
	RETURNS void AS $$
	DECLARE
		exec_pks BIGINT[];
	BEGIN
		SELECT array_agg(DISTINCT block_execution) INTO exec_pks
			FROM runs_joins WHERE run = v_run_pk;
		DELETE FROM runs_joins WHERE run = v_run_pk;
		IF exec_pks IS NOT NULL THEN
			DELETE FROM block_executions be
				WHERE be.id = ANY(exec_pks)
				AND NOT EXISTS (
					SELECT 1 FROM runs_joins rj WHERE rj.block_execution = be.id
				);
		END IF;
		DELETE FROM runs WHERE id = v_run_pk;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION delete_project_runs(v_project BIGINT)
	RETURNS void AS $$
	DECLARE
		run_pks BIGINT[];
		exec_pks BIGINT[];
	BEGIN
		SELECT array_agg(id) INTO run_pks
			FROM runs WHERE project = v_project;
		IF run_pks IS NULL THEN
			RETURN;
		END IF;
		SELECT array_agg(DISTINCT block_execution) INTO exec_pks
			FROM runs_joins WHERE run = ANY(run_pks);
		DELETE FROM runs_joins WHERE run = ANY(run_pks);
		IF exec_pks IS NOT NULL THEN
			DELETE FROM block_executions be
				WHERE be.id = ANY(exec_pks)
				AND NOT EXISTS (
					SELECT 1 FROM runs_joins rj WHERE rj.block_execution = be.id
				);
		END IF;
		DELETE FROM runs WHERE id = ANY(run_pks);
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION delete_project_datasets(v_project BIGINT)
	RETURNS void AS $$
	DECLARE
		dataset_pks BIGINT[];
		point_pks BIGINT[];
	BEGIN
		SELECT array_agg(id) INTO dataset_pks
			FROM datasets WHERE project = v_project;
		IF dataset_pks IS NULL THEN
			RETURN;
		END IF;
		SELECT array_agg(DISTINCT point) INTO point_pks
			FROM datasets_joins WHERE dataset = ANY(dataset_pks);
		DELETE FROM datasets_joins WHERE dataset = ANY(dataset_pks);
		IF point_pks IS NOT NULL THEN
			DELETE FROM datasets_points dp
				WHERE dp.id = ANY(point_pks)
				AND NOT EXISTS (
					SELECT 1 FROM datasets_joins dj WHERE dj.point = dp.id
				);
		END IF;
		DELETE FROM datasets WHERE id = ANY(dataset_pks);
	END;
	$$ LANGUAGE plpgsql`,
}
