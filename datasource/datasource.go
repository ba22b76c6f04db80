// Package datasource defines ingestion targets and their versioned
// documents.
//
// A DataSource is a project-scoped named target the ingestion pipeline
// writes documents into. Every content change of a document creates a new
// version row; "latest" is always derived as the version with the maximum
// creation time for that (data source, document id) identity, never read
// from a stored pointer. Tags, parents, and status are mutable metadata on
// the document identity and do not create versions.
package datasource

import (
	"context"
	"strings"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/contenthash"
	"github.com/loomworks/loom/id"
)

// SystemTagPrefix marks tags managed by the platform rather than callers.
const SystemTagPrefix = "__"

// Config controls how a data source chunks and embeds ingested documents.
// It is persisted as an opaque JSON blob; changing it never touches
// documents.
type Config struct {
	EmbedderProviderID string         `json:"provider_id"`
	EmbedderModelID    string         `json:"model_id"`
	SplitterID         string         `json:"splitter_id"`
	MaxChunkSize       int            `json:"max_chunk_size"`
	UseCache           bool           `json:"use_cache"`
	Extras             map[string]any `json:"extras,omitempty"`
}

// DataSource is a project-scoped named ingestion target.
type DataSource struct {
	DataSourceID string    `json:"data_source_id"`
	InternalID   id.ID     `json:"internal_id"`
	Created      time.Time `json:"created"`
	Config       Config    `json:"config"`
}

// New builds a DataSource with a freshly minted internal id.
func New(dataSourceID string, config Config) *DataSource {
	return &DataSource{
		DataSourceID: dataSourceID,
		InternalID:   id.NewDataSourceID(),
		Created:      time.Now().UTC(),
		Config:       config,
	}
}

// Document is one version of an ingested document. Created stamps the
// version; Timestamp is the caller-provided document time.
type Document struct {
	DocumentID string    `json:"document_id"`
	Created    time.Time `json:"created"`
	Timestamp  int64     `json:"timestamp"`
	Tags       []string  `json:"tags"`
	Parents    []string  `json:"parents"`
	SourceURL  string    `json:"source_url,omitempty"`
	Hash       string    `json:"hash"`
	TextSize   int64     `json:"text_size"`
	ChunkCount int64     `json:"chunk_count"`
	Status     string    `json:"status"`
}

// DocumentVersion identifies one stored version of a document.
type DocumentVersion struct {
	Hash    string    `json:"hash"`
	Created time.Time `json:"created"`
}

// HashContent computes the content hash of a document: the id and full text,
// so a document moved under a new id versions independently.
func HashContent(documentID, text string) string {
	return contenthash.Text(documentID + "\x00" + text)
}

// ApplyTagOps adds then removes tags as idempotent set operations,
// preserving the order of surviving tags.
func ApplyTagOps(current, add, remove []string) []string {
	tags := append([]string(nil), current...)
	for _, t := range add {
		present := false
		for _, existing := range tags {
			if existing == t {
				present = true
				break
			}
		}
		if !present {
			tags = append(tags, t)
		}
	}
	out := tags[:0]
	for _, t := range tags {
		removed := false
		for _, r := range remove {
			if r == t {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, t)
		}
	}
	return out
}

// StripSystemTags returns tags without the platform-managed ones.
func StripSystemTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !strings.HasPrefix(t, SystemTagPrefix) {
			out = append(out, t)
		}
	}
	return out
}

// TagsFilter matches documents by tag membership.
type TagsFilter struct {
	In  []string `json:"in,omitempty"`
	Not []string `json:"not,omitempty"`
}

// ParentsFilter matches documents by parent membership.
type ParentsFilter struct {
	In  []string `json:"in,omitempty"`
	Not []string `json:"not,omitempty"`
}

// TimestampFilter matches documents by caller-provided timestamp. Zero
// bounds are ignored.
type TimestampFilter struct {
	Gt int64 `json:"gt,omitempty"`
	Lt int64 `json:"lt,omitempty"`
}

// SearchFilter is a structured predicate over the latest version of each
// document. Nil members are ignored.
type SearchFilter struct {
	Tags      *TagsFilter      `json:"tags,omitempty"`
	Parents   *ParentsFilter   `json:"parents,omitempty"`
	Timestamp *TimestampFilter `json:"timestamp,omitempty"`
}

// Store defines persistence operations for data sources and documents.
type Store interface {
	// RegisterDataSource stores a data source. It fails with
	// loom.ErrDuplicateDataSource when the id is taken in the project.
	RegisterDataSource(ctx context.Context, projectID int64, ds *DataSource) error

	// LoadDataSource returns the data source, or nil when absent.
	LoadDataSource(ctx context.Context, projectID int64, dataSourceID string) (*DataSource, error)

	// UpdateDataSourceConfig replaces the stored config.
	UpdateDataSourceConfig(ctx context.Context, projectID int64, dataSourceID string, config *Config) error

	// HasDataSources reports whether the project has any data source.
	HasDataSources(ctx context.Context, projectID int64) (bool, error)

	// UpsertDocument stores doc. If the latest version of the identity
	// has a different hash a new version row is created; otherwise only
	// the mutable metadata of the existing latest version is updated.
	UpsertDocument(ctx context.Context, projectID int64, dataSourceID string, doc *Document) error

	// LoadDocument returns the document version with the given hash, or
	// the latest version when versionHash is "". Nil when absent.
	LoadDocument(ctx context.Context, projectID int64, dataSourceID, documentID, versionHash string) (*Document, error)

	// ListDocumentVersions returns version rows, most recent first, plus
	// the total count. When latestHash is non-empty and the caller thus
	// already knows the latest hash, exactly that version is returned
	// without scanning history.
	ListDocumentVersions(ctx context.Context, projectID int64, dataSourceID, documentID string, p *loom.Pagination, latestHash string) ([]*DocumentVersion, int, error)

	// FindDocumentIDs returns ids of documents whose latest version
	// matches the filter, plus the total match count.
	FindDocumentIDs(ctx context.Context, projectID int64, dataSourceID string, filter *SearchFilter, p *loom.Pagination) ([]string, int, error)

	// ListDocuments returns the latest version of every document, most
	// recently versioned first, plus the total document count. When
	// removeSystemTags is set, platform-managed tags are stripped from
	// the returned documents.
	ListDocuments(ctx context.Context, projectID int64, dataSourceID string, p *loom.Pagination, removeSystemTags bool) ([]*Document, int, error)

	// UpdateDocumentTags adds then removes tags on the document identity
	// as idempotent set operations and returns the resulting tag set.
	UpdateDocumentTags(ctx context.Context, projectID int64, dataSourceID, documentID string, addTags, removeTags []string) ([]string, error)

	// UpdateDocumentParents replaces the parent list of the document
	// identity.
	UpdateDocumentParents(ctx context.Context, projectID int64, dataSourceID, documentID string, parents []string) error

	// DeleteDocument removes every version row of the document identity.
	DeleteDocument(ctx context.Context, projectID int64, dataSourceID, documentID string) error

	// DeleteDataSource removes the data source and everything under it —
	// documents, databases, tables, rows — as one atomic unit.
	DeleteDataSource(ctx context.Context, projectID int64, dataSourceID string) error
}
