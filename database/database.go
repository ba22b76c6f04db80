// Package database defines structured tabular data nested under a data
// source: a Database owns named tables, a table owns JSON rows keyed by a
// row id unique within the table. Table schemas are advisory — inferred
// from data and refreshed on writes, never enforced against rows.
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom"
)

// Database is a data-source-scoped collection of tables.
type Database struct {
	DatabaseID string    `json:"database_id"`
	Name       string    `json:"name"`
	Created    time.Time `json:"created"`
}

// Table is a database-scoped named table with an advisory schema.
type Table struct {
	TableID     string    `json:"table_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	Schema      Schema    `json:"schema,omitempty"`
}

// Row holds one JSON row, keyed by a row id unique within its table.
type Row struct {
	RowID   string          `json:"row_id"`
	Created time.Time       `json:"created"`
	Content json.RawMessage `json:"content"`
}

// Store defines persistence operations for databases, tables, and rows.
type Store interface {
	// RegisterDatabase creates a database under the data source. It fails
	// with loom.ErrDuplicateDatabase when the id or name is taken.
	RegisterDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID, name string) (*Database, error)

	// LoadDatabase returns the database, or nil when absent.
	LoadDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID string) (*Database, error)

	// ListDatabases returns the data source's databases in creation
	// order.
	ListDatabases(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination) ([]*Database, error)

	// UpsertTable is idempotent on (database, table id): it creates the
	// table if absent and updates name and description if present. It
	// fails with loom.ErrDuplicateTable when the name belongs to another
	// table in the database.
	UpsertTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, name, description string) (*Table, error)

	// UpdateTableSchema persists the most recently observed column shape.
	// The schema is an advisory cache; rows are never validated against
	// it.
	UpdateTableSchema(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, schema Schema) error

	// LoadTable returns the table, or nil when absent.
	LoadTable(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string) (*Table, error)

	// ListTables returns the database's tables in creation order, plus
	// the total count.
	ListTables(ctx context.Context, projectID int64, dataSourceID, databaseID string, p *loom.Pagination) ([]*Table, int, error)

	// BatchUpsertRows writes a batch of rows. With truncate the table's
	// entire content is replaced as one atomic unit — no reader observes
	// an empty or partially written table. Without truncate each row is
	// upserted on its row id.
	BatchUpsertRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, rows []*Row, truncate bool) error

	// LoadRow returns the row, or nil when absent.
	LoadRow(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID, rowID string) (*Row, error)

	// ListRows returns the table's rows in creation order, plus the total
	// count.
	ListRows(ctx context.Context, projectID int64, dataSourceID, databaseID, tableID string, p *loom.Pagination) ([]*Row, int, error)

	// DeleteDatabase removes the database, its tables, and all their rows
	// as one atomic unit.
	DeleteDatabase(ctx context.Context, projectID int64, dataSourceID, databaseID string) error
}
