package sqlite

// Schema DDL. Mirrors the Postgres schema with SQLite types: creation times
// are epoch milliseconds, tag and parent arrays are JSON text. Cascade
// deletion runs as Go-side transactions, so there are no stored functions.

var tables = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT
	)`,
	`CREATE TABLE IF NOT EXISTS specifications (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		project       INTEGER NOT NULL REFERENCES projects(id),
		created       INTEGER NOT NULL,
		hash          TEXT NOT NULL,
		specification TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		project    INTEGER NOT NULL REFERENCES projects(id),
		created    INTEGER NOT NULL,
		dataset_id TEXT NOT NULL,
		hash       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets_points (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL,
		json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS datasets_joins (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset   INTEGER NOT NULL REFERENCES datasets(id),
		point     INTEGER NOT NULL REFERENCES datasets_points(id),
		point_idx INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		project     INTEGER NOT NULL REFERENCES projects(id),
		created     INTEGER NOT NULL,
		run_id      TEXT NOT NULL,
		run_type    TEXT NOT NULL,
		app_hash    TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS block_executions (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		hash      TEXT NOT NULL,
		execution TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs_joins (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		run             INTEGER NOT NULL REFERENCES runs(id),
		block_idx       INTEGER NOT NULL,
		block_type      TEXT NOT NULL,
		block_name      TEXT NOT NULL,
		input_idx       INTEGER NOT NULL,
		map_idx         INTEGER NOT NULL,
		block_execution INTEGER NOT NULL REFERENCES block_executions(id)
	)`,
	`CREATE TABLE IF NOT EXISTS data_sources (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		project        INTEGER NOT NULL REFERENCES projects(id),
		created        INTEGER NOT NULL,
		data_source_id TEXT NOT NULL,
		internal_id    TEXT NOT NULL,
		config_json    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_sources_documents (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		data_source  INTEGER NOT NULL REFERENCES data_sources(id),
		created      INTEGER NOT NULL,
		document_id  TEXT NOT NULL,
		timestamp    INTEGER NOT NULL,
		tags_json    TEXT NOT NULL,
		parents_json TEXT NOT NULL,
		source_url   TEXT,
		hash         TEXT NOT NULL,
		text_size    INTEGER NOT NULL,
		chunk_count  INTEGER NOT NULL,
		status       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS databases (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		data_source INTEGER NOT NULL REFERENCES data_sources(id),
		created     INTEGER NOT NULL,
		database_id TEXT NOT NULL,
		name        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS databases_tables (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		database    INTEGER NOT NULL REFERENCES databases(id),
		created     INTEGER NOT NULL,
		table_id    TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL,
		schema_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS databases_rows (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		database_table INTEGER NOT NULL REFERENCES databases_tables(id),
		created        INTEGER NOT NULL,
		row_id         TEXT NOT NULL,
		content        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cache (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		project  INTEGER NOT NULL REFERENCES projects(id),
		created  INTEGER NOT NULL,
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
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_databases_data_source_database_id ON databases (data_source, database_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_databases_data_source_name ON databases (data_source, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tables_database_table_id ON databases_tables (database, table_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tables_database_name ON databases_tables (database, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rows_database_table_row_id ON databases_rows (database_table, row_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_project_hash ON cache (project, hash)`,
}
