// Package specification defines the immutable pipeline specification blobs
// registered against a project. History is append-only: registering the
// same text twice appends two rows, and "latest" is the most recently
// created one.
package specification

import (
	"context"
	"time"

	"github.com/loomworks/loom/contenthash"
)

// Specification is one registered specification version.
type Specification struct {
	Created time.Time `json:"created"`
	Hash    string    `json:"hash"`
	Text    string    `json:"specification"`
}

// Hash computes the content hash of a specification text.
func Hash(text string) string {
	return contenthash.Text(text)
}

// Store defines persistence operations for specifications.
type Store interface {
	// RegisterSpecification appends a specification version.
	RegisterSpecification(ctx context.Context, projectID int64, hash, text string) error

	// LatestSpecificationHash returns the hash of the most recently
	// registered specification, or "" when none exists.
	LatestSpecificationHash(ctx context.Context, projectID int64) (string, error)

	// LoadSpecification returns the specification with the given hash,
	// or nil when absent.
	LoadSpecification(ctx context.Context, projectID int64, hash string) (*Specification, error)

	// ListSpecificationHashes returns all registered hashes in creation
	// order.
	ListSpecificationHashes(ctx context.Context, projectID int64) ([]string, error)
}
