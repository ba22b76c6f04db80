package loom

import "errors"

var (
	// ErrDuplicateRun is returned when a run id is already registered.
	ErrDuplicateRun = errors.New("loom: run id already exists")

	// ErrDuplicateDataSource is returned when a data source id is already
	// registered within the project.
	ErrDuplicateDataSource = errors.New("loom: data source id already exists in project")

	// ErrDuplicateDatabase is returned when a database id or name is already
	// taken within the data source.
	ErrDuplicateDatabase = errors.New("loom: database id or name already exists in data source")

	// ErrDuplicateTable is returned when a table name is already taken by
	// another table within the database.
	ErrDuplicateTable = errors.New("loom: table name already exists in database")

	// ErrInvalidInput is returned for malformed identifiers or structurally
	// invalid payloads, including writes against an unknown parent entity.
	ErrInvalidInput = errors.New("loom: invalid input")
)
