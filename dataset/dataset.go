// Package dataset defines hash-versioned example collections. A Dataset is
// an ordered sequence of content-addressed points; registering a new
// version of a dataset stores only the points that did not already exist,
// sharing the rest with prior versions through ordered join records.
package dataset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/contenthash"
)

// Point is one content-addressed dataset element.
type Point struct {
	Hash string          `json:"hash"`
	JSON json.RawMessage `json:"json"`
}

// Version identifies one registered version of a dataset.
type Version struct {
	Hash    string    `json:"hash"`
	Created time.Time `json:"created"`
}

// Dataset is one version of a named, ordered point collection. The dataset
// hash is derived from the ordered point hashes, so two versions with
// identical content share a hash.
type Dataset struct {
	ID      string    `json:"dataset_id"`
	Created time.Time `json:"created"`
	Hash    string    `json:"hash"`
	Points  []Point   `json:"points"`
}

type datasetDigest struct {
	DatasetID string   `json:"dataset_id"`
	Points    []string `json:"points"`
}

// New builds a Dataset from raw JSON points, computing each point hash over
// its canonical serialization and the dataset hash over the ordered point
// hashes.
func New(datasetID string, points []json.RawMessage) (*Dataset, error) {
	ds := &Dataset{
		ID:      datasetID,
		Created: time.Now().UTC(),
		Points:  make([]Point, 0, len(points)),
	}
	hashes := make([]string, 0, len(points))
	for _, p := range points {
		h, err := contenthash.Raw(p)
		if err != nil {
			return nil, err
		}
		ds.Points = append(ds.Points, Point{Hash: h, JSON: p})
		hashes = append(hashes, h)
	}
	h, err := contenthash.Object(datasetDigest{DatasetID: datasetID, Points: hashes})
	if err != nil {
		return nil, err
	}
	ds.Hash = h
	return ds, nil
}

// Store defines persistence operations for datasets.
type Store interface {
	// RegisterDataset stores a dataset version. Points whose hash already
	// exists are reused, not re-stored; join records preserve order.
	RegisterDataset(ctx context.Context, projectID int64, d *Dataset) error

	// LoadDataset returns the dataset version with the given hash, with
	// points in exact registration order, or nil when absent.
	LoadDataset(ctx context.Context, projectID int64, datasetID, hash string) (*Dataset, error)

	// LatestDatasetHash returns the most recently registered hash for the
	// dataset id, or "" when none exists.
	LatestDatasetHash(ctx context.Context, projectID int64, datasetID string) (string, error)

	// ListDatasets returns, per dataset id, every registered version in
	// ascending creation order.
	ListDatasets(ctx context.Context, projectID int64) (map[string][]Version, error)
}
