// Package project defines the tenant isolation root. Every other entity in
// Loom is owned, directly or transitively, by a project.
package project

import "context"

// Project is the tenant root. Its identifier is opaque to callers; the
// relational backends use a backend-assigned numeric id.
type Project struct {
	ID int64 `json:"project_id"`
}

// Store defines project lifecycle operations.
type Store interface {
	// CreateProject allocates a new empty project.
	CreateProject(ctx context.Context) (*Project, error)

	// DeleteProject removes the project and everything it transitively
	// owns — runs, datasets, specifications, data sources, documents,
	// databases, tables, rows, and cache entries — as one atomic unit.
	// Content-addressed blobs still referenced under other projects
	// survive.
	DeleteProject(ctx context.Context, projectID int64) error
}
