// Package store defines the aggregate persistence interface. Each subsystem
// (project, specification, dataset, run, datasource, database, cache)
// defines its own store interface; the composite Store composes them all.
// Backends: Postgres, SQLite, and Memory.
package store

import (
	"context"

	"github.com/loomworks/loom/cache"
	"github.com/loomworks/loom/database"
	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/datasource"
	"github.com/loomworks/loom/project"
	"github.com/loomworks/loom/run"
	"github.com/loomworks/loom/specification"
)

// Store is the aggregate persistence interface. Callers hold this interface,
// never a concrete backend type. Every operation executes as one atomic unit
// of work: no call leaves partial effects visible to other callers, and
// context cancellation rolls back any open transaction.
type Store interface {
	project.Store
	specification.Store
	dataset.Store
	run.Store
	datasource.Store
	database.Store
	cache.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
