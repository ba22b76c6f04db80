// Package memory provides an in-memory implementation of the Loom composite
// store. It is intended for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/cache"
	"github.com/loomworks/loom/contenthash"
	"github.com/loomworks/loom/database"
	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/datasource"
	"github.com/loomworks/loom/project"
	"github.com/loomworks/loom/run"
	"github.com/loomworks/loom/specification"
	"github.com/loomworks/loom/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe in-memory store for all Loom entities. All state
// lives behind one RWMutex, so every operation is atomic with respect to
// every other.
type Store struct {
	mu sync.RWMutex

	nextProjectID int64
	nextSeq       int64
	projects      map[int64]*projectState

	// Content-addressed blobs are global, shared across projects, and
	// reference-counted so cascade deletion never removes a blob still
	// referenced under another owner.
	points        map[string]json.RawMessage
	pointRefs     map[string]int
	executions    map[string]json.RawMessage
	executionRefs map[string]int
}

type specRow struct {
	seq  int64
	spec specification.Specification
}

type datasetVersion struct {
	seq         int64
	hash        string
	created     time.Time
	pointHashes []string
}

type runJoin struct {
	blockIdx  int
	blockType string
	blockName string
	inputIdx  int
	mapIdx    int
	execHash  string
}

type runState struct {
	seq   int64
	meta  run.Run // no traces
	joins []runJoin
}

type docVersion struct {
	seq int64
	doc datasource.Document
}

type tableState struct {
	seq   int64
	table database.Table
	rows  map[string]*rowState
}

type rowState struct {
	seq int64
	row database.Row
}

type databaseState struct {
	seq    int64
	db     database.Database
	tables map[string]*tableState
}

type dataSourceState struct {
	seq       int64
	ds        datasource.DataSource
	documents map[string][]*docVersion
	databases map[string]*databaseState
}

type cacheRow struct {
	request  []byte
	response []byte
}

type projectState struct {
	specifications []*specRow
	datasets       map[string][]*datasetVersion
	runs           map[string]*runState
	dataSources    map[string]*dataSourceState
	cache          map[string][]cacheRow
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		projects:      make(map[int64]*projectState),
		points:        make(map[string]json.RawMessage),
		pointRefs:     make(map[string]int),
		executions:    make(map[string]json.RawMessage),
		executionRefs: make(map[string]int),
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

func (s *Store) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

// projectLocked returns the project state; callers hold the lock.
func (s *Store) projectLocked(projectID int64) (*projectState, error) {
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("unknown project %d: %w", projectID, loom.ErrInvalidInput)
	}
	return ps, nil
}

// ──────────────────────────────────────────────────
// Projects
// ──────────────────────────────────────────────────

func (s *Store) CreateProject(_ context.Context) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProjectID++
	s.projects[s.nextProjectID] = &projectState{
		datasets:    make(map[string][]*datasetVersion),
		runs:        make(map[string]*runState),
		dataSources: make(map[string]*dataSourceState),
		cache:       make(map[string][]cacheRow),
	}
	return &project.Project{ID: s.nextProjectID}, nil
}

func (s *Store) DeleteProject(_ context.Context, projectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	for _, versions := range ps.datasets {
		for _, v := range versions {
			s.releasePoints(v.pointHashes)
		}
	}
	for _, rs := range ps.runs {
		s.releaseJoins(rs.joins)
	}
	delete(s.projects, projectID)
	return nil
}

func (s *Store) releasePoints(hashes []string) {
	for _, h := range hashes {
		s.pointRefs[h]--
		if s.pointRefs[h] <= 0 {
			delete(s.pointRefs, h)
			delete(s.points, h)
		}
	}
}

func (s *Store) releaseJoins(joins []runJoin) {
	for _, j := range joins {
		s.executionRefs[j.execHash]--
		if s.executionRefs[j.execHash] <= 0 {
			delete(s.executionRefs, j.execHash)
			delete(s.executions, j.execHash)
		}
	}
}

// ──────────────────────────────────────────────────
// Specifications
// ──────────────────────────────────────────────────

func (s *Store) RegisterSpecification(_ context.Context, projectID int64, hash, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	ps.specifications = append(ps.specifications, &specRow{
		seq: s.seq(),
		spec: specification.Specification{
			Created: time.Now().UTC(),
			Hash:    hash,
			Text:    text,
		},
	})
	return nil
}

func (s *Store) LatestSpecificationHash(_ context.Context, projectID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok || len(ps.specifications) == 0 {
		return "", nil
	}
	return ps.specifications[len(ps.specifications)-1].spec.Hash, nil
}

func (s *Store) LoadSpecification(_ context.Context, projectID int64, hash string) (*specification.Specification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	for _, row := range ps.specifications {
		if row.spec.Hash == hash {
			spec := row.spec
			return &spec, nil
		}
	}
	return nil, nil
}

func (s *Store) ListSpecificationHashes(_ context.Context, projectID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	hashes := make([]string, 0, len(ps.specifications))
	for _, row := range ps.specifications {
		hashes = append(hashes, row.spec.Hash)
	}
	return hashes, nil
}

// ──────────────────────────────────────────────────
// Datasets
// ──────────────────────────────────────────────────

func (s *Store) RegisterDataset(_ context.Context, projectID int64, d *dataset.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	v := &datasetVersion{
		seq:         s.seq(),
		hash:        d.Hash,
		created:     d.Created,
		pointHashes: make([]string, 0, len(d.Points)),
	}
	for _, p := range d.Points {
		if _, ok := s.points[p.Hash]; !ok {
			canonical, err := contenthash.Canonicalize(p.JSON)
			if err != nil {
				return fmt.Errorf("loom: dataset point: %w", err)
			}
			s.points[p.Hash] = canonical
		}
		s.pointRefs[p.Hash]++
		v.pointHashes = append(v.pointHashes, p.Hash)
	}
	ps.datasets[d.ID] = append(ps.datasets[d.ID], v)
	return nil
}

func (s *Store) LoadDataset(_ context.Context, projectID int64, datasetID, hash string) (*dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	versions := ps.datasets[datasetID]
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.hash != hash {
			continue
		}
		d := &dataset.Dataset{
			ID:      datasetID,
			Created: v.created,
			Hash:    v.hash,
			Points:  make([]dataset.Point, 0, len(v.pointHashes)),
		}
		for _, ph := range v.pointHashes {
			d.Points = append(d.Points, dataset.Point{Hash: ph, JSON: cloneRaw(s.points[ph])})
		}
		return d, nil
	}
	return nil, nil
}

func (s *Store) LatestDatasetHash(_ context.Context, projectID int64, datasetID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return "", nil
	}
	versions := ps.datasets[datasetID]
	if len(versions) == 0 {
		return "", nil
	}
	return versions[len(versions)-1].hash, nil
}

func (s *Store) ListDatasets(_ context.Context, projectID int64) (map[string][]dataset.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return map[string][]dataset.Version{}, nil
	}
	out := make(map[string][]dataset.Version, len(ps.datasets))
	for datasetID, versions := range ps.datasets {
		list := make([]dataset.Version, 0, len(versions))
		for _, v := range versions {
			list = append(list, dataset.Version{Hash: v.hash, Created: v.created})
		}
		out[datasetID] = list
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

func (s *Store) CreateRun(_ context.Context, projectID int64, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	if _, ok := ps.runs[r.RunID]; ok {
		return fmt.Errorf("run %q: %w", r.RunID, loom.ErrDuplicateRun)
	}
	meta := copyRunMeta(r)
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}
	ps.runs[r.RunID] = &runState{seq: s.seq(), meta: *meta}
	return nil
}

func (s *Store) UpdateRunStatus(_ context.Context, projectID int64, runID string, status *run.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	rs, ok := ps.runs[runID]
	if !ok {
		return fmt.Errorf("unknown run %q: %w", runID, loom.ErrInvalidInput)
	}
	rs.meta.Status = *copyStatus(status)
	return nil
}

func (s *Store) AppendRunBlock(_ context.Context, projectID int64, r *run.Run, blockIdx int, blockType, blockName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	rs, ok := ps.runs[r.RunID]
	if !ok {
		return fmt.Errorf("unknown run %q: %w", r.RunID, loom.ErrInvalidInput)
	}
	trace := r.Trace(blockType, blockName)
	if trace == nil {
		return fmt.Errorf("run %q has no trace for block %s %s: %w", r.RunID, blockType, blockName, loom.ErrInvalidInput)
	}
	for inputIdx, executions := range trace.Executions {
		for mapIdx, e := range executions {
			if _, ok := s.executions[e.Hash]; !ok {
				canonical, err := contenthash.Canonicalize(e.JSON)
				if err != nil {
					return fmt.Errorf("loom: block execution: %w", err)
				}
				s.executions[e.Hash] = canonical
			}
			s.executionRefs[e.Hash]++
			rs.joins = append(rs.joins, runJoin{
				blockIdx:  blockIdx,
				blockType: blockType,
				blockName: blockName,
				inputIdx:  inputIdx,
				mapIdx:    mapIdx,
				execHash:  e.Hash,
			})
		}
	}
	return nil
}

func (s *Store) LoadRun(_ context.Context, projectID int64, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadRunLocked(projectID, runID, func(runJoin) bool { return true })
}

func (s *Store) LoadRunMetadata(_ context.Context, projectID int64, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadRunLocked(projectID, runID, nil)
}

func (s *Store) LoadRunBlock(_ context.Context, projectID int64, runID, blockType, blockName string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadRunLocked(projectID, runID, func(j runJoin) bool {
		return j.blockType == blockType && j.blockName == blockName
	})
}

// loadRunLocked reconstructs a run; include selects the joins to expand
// into traces, nil meaning metadata only. Callers hold the lock.
func (s *Store) loadRunLocked(projectID int64, runID string, include func(runJoin) bool) (*run.Run, error) {
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	rs, ok := ps.runs[runID]
	if !ok {
		return nil, nil
	}
	out := copyRunMeta(&rs.meta)
	if include == nil {
		return out, nil
	}
	joins := make([]runJoin, 0, len(rs.joins))
	for _, j := range rs.joins {
		if include(j) {
			joins = append(joins, j)
		}
	}
	sort.SliceStable(joins, func(a, b int) bool {
		if joins[a].blockIdx != joins[b].blockIdx {
			return joins[a].blockIdx < joins[b].blockIdx
		}
		if joins[a].inputIdx != joins[b].inputIdx {
			return joins[a].inputIdx < joins[b].inputIdx
		}
		return joins[a].mapIdx < joins[b].mapIdx
	})
	lastBlockIdx := -1
	for _, j := range joins {
		if j.blockIdx != lastBlockIdx {
			out.Traces = append(out.Traces, run.BlockTrace{Type: j.blockType, Name: j.blockName})
			lastBlockIdx = j.blockIdx
		}
		trace := &out.Traces[len(out.Traces)-1]
		for len(trace.Executions) <= j.inputIdx {
			trace.Executions = append(trace.Executions, nil)
		}
		trace.Executions[j.inputIdx] = append(trace.Executions[j.inputIdx], run.BlockExecution{
			Hash: j.execHash,
			JSON: cloneRaw(s.executions[j.execHash]),
		})
	}
	return out, nil
}

func (s *Store) LoadRunBatch(_ context.Context, projectID int64, runIDs []string) (map[string]*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*run.Run, len(runIDs))
	ps, ok := s.projects[projectID]
	if !ok {
		return out, nil
	}
	for _, runID := range runIDs {
		if rs, ok := ps.runs[runID]; ok {
			out[runID] = copyRunMeta(&rs.meta)
		}
	}
	return out, nil
}

func (s *Store) ListRuns(_ context.Context, projectID int64, runType run.Type, p *loom.Pagination) ([]*run.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, 0, nil
	}
	states := make([]*runState, 0, len(ps.runs))
	for _, rs := range ps.runs {
		if rs.meta.Type == runType {
			states = append(states, rs)
		}
	}
	sort.Slice(states, func(a, b int) bool {
		if !states[a].meta.Created.Equal(states[b].meta.Created) {
			return states[a].meta.Created.After(states[b].meta.Created)
		}
		return states[a].seq > states[b].seq
	})
	total := len(states)
	states = paginate(states, p)
	out := make([]*run.Run, 0, len(states))
	for _, rs := range states {
		out = append(out, copyRunMeta(&rs.meta))
	}
	return out, total, nil
}

func (s *Store) LatestRunID(_ context.Context, projectID int64, runType run.Type) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return "", nil
	}
	var latest *runState
	for _, rs := range ps.runs {
		if rs.meta.Type != runType {
			continue
		}
		if latest == nil || rs.meta.Created.After(latest.meta.Created) ||
			(rs.meta.Created.Equal(latest.meta.Created) && rs.seq > latest.seq) {
			latest = rs
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.meta.RunID, nil
}

func (s *Store) DeleteRun(_ context.Context, projectID int64, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	rs, ok := ps.runs[runID]
	if !ok {
		return nil
	}
	s.releaseJoins(rs.joins)
	delete(ps.runs, runID)
	return nil
}

// ──────────────────────────────────────────────────
// Data sources
// ──────────────────────────────────────────────────

func (s *Store) RegisterDataSource(_ context.Context, projectID int64, ds *datasource.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	if _, ok := ps.dataSources[ds.DataSourceID]; ok {
		return fmt.Errorf("data source %q: %w", ds.DataSourceID, loom.ErrDuplicateDataSource)
	}
	cp := *ds
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	ps.dataSources[ds.DataSourceID] = &dataSourceState{
		seq:       s.seq(),
		ds:        cp,
		documents: make(map[string][]*docVersion),
		databases: make(map[string]*databaseState),
	}
	return nil
}

func (s *Store) LoadDataSource(_ context.Context, projectID int64, dataSourceID string) (*datasource.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, nil
	}
	cp := state.ds
	return &cp, nil
}

func (s *Store) UpdateDataSourceConfig(_ context.Context, projectID int64, dataSourceID string, config *datasource.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return err
	}
	state.ds.Config = *config
	return nil
}

func (s *Store) HasDataSources(_ context.Context, projectID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return false, nil
	}
	return len(ps.dataSources) > 0, nil
}

func (s *Store) dataSourceLocked(projectID int64, dataSourceID string) (*dataSourceState, error) {
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return nil, err
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q: %w", dataSourceID, loom.ErrInvalidInput)
	}
	return state, nil
}

// ──────────────────────────────────────────────────
// Documents
// ──────────────────────────────────────────────────

func (s *Store) UpsertDocument(_ context.Context, projectID int64, dataSourceID string, doc *datasource.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return err
	}
	versions := state.documents[doc.DocumentID]
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		if latest.doc.Hash == doc.Hash {
			// Same content: metadata-only update, no new version.
			latest.doc.Timestamp = doc.Timestamp
			latest.doc.Tags = cloneStrings(doc.Tags)
			latest.doc.Parents = cloneStrings(doc.Parents)
			latest.doc.SourceURL = doc.SourceURL
			latest.doc.TextSize = doc.TextSize
			latest.doc.ChunkCount = doc.ChunkCount
			latest.doc.Status = doc.Status
			return nil
		}
	}
	cp := copyDocument(doc)
	cp.Created = time.Now().UTC()
	state.documents[doc.DocumentID] = append(versions, &docVersion{seq: s.seq(), doc: *cp})
	return nil
}

func (s *Store) LoadDocument(_ context.Context, projectID int64, dataSourceID, documentID, versionHash string) (*datasource.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, nil
	}
	versions := state.documents[documentID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versionHash == "" || versions[i].doc.Hash == versionHash {
			return copyDocument(&versions[i].doc), nil
		}
	}
	return nil, nil
}

func (s *Store) ListDocumentVersions(_ context.Context, projectID int64, dataSourceID, documentID string, p *loom.Pagination, latestHash string) ([]*datasource.DocumentVersion, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, 0, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, 0, nil
	}
	versions := state.documents[documentID]
	if latestHash != "" {
		// Caller already knows the latest hash: return exactly that
		// version without scanning history.
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].doc.Hash == latestHash {
				v := &datasource.DocumentVersion{Hash: versions[i].doc.Hash, Created: versions[i].doc.Created}
				return []*datasource.DocumentVersion{v}, 1, nil
			}
		}
		return nil, 0, nil
	}
	out := make([]*datasource.DocumentVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, &datasource.DocumentVersion{Hash: versions[i].doc.Hash, Created: versions[i].doc.Created})
	}
	total := len(out)
	return paginate(out, p), total, nil
}

func (s *Store) FindDocumentIDs(_ context.Context, projectID int64, dataSourceID string, filter *datasource.SearchFilter, p *loom.Pagination) ([]string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, 0, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, 0, nil
	}
	ids := make([]string, 0, len(state.documents))
	for documentID, versions := range state.documents {
		if len(versions) == 0 {
			continue
		}
		if matchesFilter(&versions[len(versions)-1].doc, filter) {
			ids = append(ids, documentID)
		}
	}
	sort.Strings(ids)
	total := len(ids)
	return paginate(ids, p), total, nil
}

func (s *Store) ListDocuments(_ context.Context, projectID int64, dataSourceID string, p *loom.Pagination, removeSystemTags bool) ([]*datasource.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, 0, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, 0, nil
	}
	latest := make([]*docVersion, 0, len(state.documents))
	for _, versions := range state.documents {
		if len(versions) > 0 {
			latest = append(latest, versions[len(versions)-1])
		}
	}
	sort.Slice(latest, func(a, b int) bool {
		if !latest[a].doc.Created.Equal(latest[b].doc.Created) {
			return latest[a].doc.Created.After(latest[b].doc.Created)
		}
		return latest[a].seq > latest[b].seq
	})
	total := len(latest)
	latest = paginate(latest, p)
	out := make([]*datasource.Document, 0, len(latest))
	for _, v := range latest {
		doc := copyDocument(&v.doc)
		if removeSystemTags {
			doc.Tags = datasource.StripSystemTags(doc.Tags)
		}
		out = append(out, doc)
	}
	return out, total, nil
}

func (s *Store) UpdateDocumentTags(_ context.Context, projectID int64, dataSourceID, documentID string, addTags, removeTags []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return nil, err
	}
	versions := state.documents[documentID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
	}
	tags := datasource.ApplyTagOps(versions[len(versions)-1].doc.Tags, addTags, removeTags)
	for _, v := range versions {
		v.doc.Tags = cloneStrings(tags)
	}
	return tags, nil
}

func (s *Store) UpdateDocumentParents(_ context.Context, projectID int64, dataSourceID, documentID string, parents []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return err
	}
	versions := state.documents[documentID]
	if len(versions) == 0 {
		return fmt.Errorf("unknown document %q: %w", documentID, loom.ErrInvalidInput)
	}
	for _, v := range versions {
		v.doc.Parents = cloneStrings(parents)
	}
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, projectID int64, dataSourceID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil
	}
	delete(state.documents, documentID)
	return nil
}

func (s *Store) DeleteDataSource(_ context.Context, projectID int64, dataSourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	delete(ps.dataSources, dataSourceID)
	return nil
}

// ──────────────────────────────────────────────────
// Databases
// ──────────────────────────────────────────────────

func (s *Store) RegisterDatabase(_ context.Context, projectID int64, dataSourceID, databaseID, name string) (*database.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return nil, err
	}
	if _, ok := state.databases[databaseID]; ok {
		return nil, fmt.Errorf("database %q: %w", databaseID, loom.ErrDuplicateDatabase)
	}
	for _, dbs := range state.databases {
		if dbs.db.Name == name {
			return nil, fmt.Errorf("database name %q: %w", name, loom.ErrDuplicateDatabase)
		}
	}
	db := database.Database{DatabaseID: databaseID, Name: name, Created: time.Now().UTC()}
	state.databases[databaseID] = &databaseState{
		seq:    s.seq(),
		db:     db,
		tables: make(map[string]*tableState),
	}
	cp := db
	return &cp, nil
}

func (s *Store) LoadDatabase(_ context.Context, projectID int64, dataSourceID, databaseID string) (*database.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dbs := s.databaseReadLocked(projectID, dataSourceID, databaseID)
	if dbs == nil {
		return nil, nil
	}
	cp := dbs.db
	return &cp, nil
}

func (s *Store) ListDatabases(_ context.Context, projectID int64, dataSourceID string, p *loom.Pagination) ([]*database.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil, nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil, nil
	}
	states := make([]*databaseState, 0, len(state.databases))
	for _, dbs := range state.databases {
		states = append(states, dbs)
	}
	sort.Slice(states, func(a, b int) bool { return states[a].seq < states[b].seq })
	states = paginate(states, p)
	out := make([]*database.Database, 0, len(states))
	for _, dbs := range states {
		cp := dbs.db
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) databaseReadLocked(projectID int64, dataSourceID, databaseID string) *databaseState {
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil
	}
	return state.databases[databaseID]
}

func (s *Store) databaseLocked(projectID int64, dataSourceID, databaseID string) (*databaseState, error) {
	state, err := s.dataSourceLocked(projectID, dataSourceID)
	if err != nil {
		return nil, err
	}
	dbs, ok := state.databases[databaseID]
	if !ok {
		return nil, fmt.Errorf("unknown database %q: %w", databaseID, loom.ErrInvalidInput)
	}
	return dbs, nil
}

// ──────────────────────────────────────────────────
// Tables and rows
// ──────────────────────────────────────────────────

func (s *Store) UpsertTable(_ context.Context, projectID int64, dataSourceID, databaseID, tableID, name, description string) (*database.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dbs, err := s.databaseLocked(projectID, dataSourceID, databaseID)
	if err != nil {
		return nil, err
	}
	for otherID, ts := range dbs.tables {
		if otherID != tableID && ts.table.Name == name {
			return nil, fmt.Errorf("table name %q: %w", name, loom.ErrDuplicateTable)
		}
	}
	ts, ok := dbs.tables[tableID]
	if ok {
		ts.table.Name = name
		ts.table.Description = description
	} else {
		ts = &tableState{
			seq: s.seq(),
			table: database.Table{
				TableID:     tableID,
				Name:        name,
				Description: description,
				Created:     time.Now().UTC(),
			},
			rows: make(map[string]*rowState),
		}
		dbs.tables[tableID] = ts
	}
	return copyTable(&ts.table), nil
}

func (s *Store) UpdateTableSchema(_ context.Context, projectID int64, dataSourceID, databaseID, tableID string, schema database.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, err := s.tableLocked(projectID, dataSourceID, databaseID, tableID)
	if err != nil {
		return err
	}
	ts.table.Schema = append(database.Schema(nil), schema...)
	return nil
}

func (s *Store) LoadTable(_ context.Context, projectID int64, dataSourceID, databaseID, tableID string) (*database.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dbs := s.databaseReadLocked(projectID, dataSourceID, databaseID)
	if dbs == nil {
		return nil, nil
	}
	ts, ok := dbs.tables[tableID]
	if !ok {
		return nil, nil
	}
	return copyTable(&ts.table), nil
}

func (s *Store) ListTables(_ context.Context, projectID int64, dataSourceID, databaseID string, p *loom.Pagination) ([]*database.Table, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dbs := s.databaseReadLocked(projectID, dataSourceID, databaseID)
	if dbs == nil {
		return nil, 0, nil
	}
	states := make([]*tableState, 0, len(dbs.tables))
	for _, ts := range dbs.tables {
		states = append(states, ts)
	}
	sort.Slice(states, func(a, b int) bool { return states[a].seq < states[b].seq })
	total := len(states)
	states = paginate(states, p)
	out := make([]*database.Table, 0, len(states))
	for _, ts := range states {
		out = append(out, copyTable(&ts.table))
	}
	return out, total, nil
}

func (s *Store) tableLocked(projectID int64, dataSourceID, databaseID, tableID string) (*tableState, error) {
	dbs, err := s.databaseLocked(projectID, dataSourceID, databaseID)
	if err != nil {
		return nil, err
	}
	ts, ok := dbs.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("unknown table %q: %w", tableID, loom.ErrInvalidInput)
	}
	return ts, nil
}

func (s *Store) BatchUpsertRows(_ context.Context, projectID int64, dataSourceID, databaseID, tableID string, rows []*database.Row, truncate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, err := s.tableLocked(projectID, dataSourceID, databaseID, tableID)
	if err != nil {
		return err
	}
	if truncate {
		ts.rows = make(map[string]*rowState, len(rows))
	}
	now := time.Now().UTC()
	for _, r := range rows {
		if existing, ok := ts.rows[r.RowID]; ok {
			existing.row.Content = cloneRaw(r.Content)
			continue
		}
		ts.rows[r.RowID] = &rowState{
			seq: s.seq(),
			row: database.Row{RowID: r.RowID, Created: now, Content: cloneRaw(r.Content)},
		}
	}
	return nil
}

func (s *Store) LoadRow(_ context.Context, projectID int64, dataSourceID, databaseID, tableID, rowID string) (*database.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dbs := s.databaseReadLocked(projectID, dataSourceID, databaseID)
	if dbs == nil {
		return nil, nil
	}
	ts, ok := dbs.tables[tableID]
	if !ok {
		return nil, nil
	}
	rs, ok := ts.rows[rowID]
	if !ok {
		return nil, nil
	}
	return copyRow(&rs.row), nil
}

func (s *Store) ListRows(_ context.Context, projectID int64, dataSourceID, databaseID, tableID string, p *loom.Pagination) ([]*database.Row, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dbs := s.databaseReadLocked(projectID, dataSourceID, databaseID)
	if dbs == nil {
		return nil, 0, nil
	}
	ts, ok := dbs.tables[tableID]
	if !ok {
		return nil, 0, nil
	}
	states := make([]*rowState, 0, len(ts.rows))
	for _, rs := range ts.rows {
		states = append(states, rs)
	}
	sort.Slice(states, func(a, b int) bool { return states[a].seq < states[b].seq })
	total := len(states)
	states = paginate(states, p)
	out := make([]*database.Row, 0, len(states))
	for _, rs := range states {
		out = append(out, copyRow(&rs.row))
	}
	return out, total, nil
}

func (s *Store) DeleteDatabase(_ context.Context, projectID int64, dataSourceID, databaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	state, ok := ps.dataSources[dataSourceID]
	if !ok {
		return nil
	}
	delete(state.databases, databaseID)
	return nil
}

// ──────────────────────────────────────────────────
// Caches
// ──────────────────────────────────────────────────

func (s *Store) cacheGetLocked(projectID int64, hash string) [][]byte {
	ps, ok := s.projects[projectID]
	if !ok {
		return nil
	}
	rows := ps.cache[hash]
	out := make([][]byte, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneRaw(r.response))
	}
	return out
}

func (s *Store) cacheStore(projectID int64, hash string, req, resp any) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("loom: cache request: %w", err)
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("loom: cache response: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.projectLocked(projectID)
	if err != nil {
		return err
	}
	ps.cache[hash] = append(ps.cache[hash], cacheRow{request: reqJSON, response: respJSON})
	return nil
}

func (s *Store) CompletionCacheGet(_ context.Context, projectID int64, req *cache.CompletionRequest) ([]*cache.Completion, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := s.cacheGetLocked(projectID, hash)
	s.mu.RUnlock()
	return decodeCacheRows[cache.Completion](rows)
}

func (s *Store) CompletionCacheStore(_ context.Context, projectID int64, req *cache.CompletionRequest, gen *cache.Completion) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(projectID, hash, req, gen)
}

func (s *Store) ChatCacheGet(_ context.Context, projectID int64, req *cache.ChatRequest) ([]*cache.ChatGeneration, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := s.cacheGetLocked(projectID, hash)
	s.mu.RUnlock()
	return decodeCacheRows[cache.ChatGeneration](rows)
}

func (s *Store) ChatCacheStore(_ context.Context, projectID int64, req *cache.ChatRequest, gen *cache.ChatGeneration) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(projectID, hash, req, gen)
}

func (s *Store) EmbeddingCacheGet(_ context.Context, projectID int64, req *cache.EmbeddingRequest) ([]*cache.EmbeddingVector, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := s.cacheGetLocked(projectID, hash)
	s.mu.RUnlock()
	return decodeCacheRows[cache.EmbeddingVector](rows)
}

func (s *Store) EmbeddingCacheStore(_ context.Context, projectID int64, req *cache.EmbeddingRequest, vec *cache.EmbeddingVector) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(projectID, hash, req, vec)
}

func (s *Store) HTTPCacheGet(_ context.Context, projectID int64, req *cache.HTTPRequest) ([]*cache.HTTPResponse, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := s.cacheGetLocked(projectID, hash)
	s.mu.RUnlock()
	return decodeCacheRows[cache.HTTPResponse](rows)
}

func (s *Store) HTTPCacheStore(_ context.Context, projectID int64, req *cache.HTTPRequest, resp *cache.HTTPResponse) error {
	hash, err := req.Hash()
	if err != nil {
		return err
	}
	return s.cacheStore(projectID, hash, req, resp)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func paginate[T any](items []T, p *loom.Pagination) []T {
	if p == nil {
		return items
	}
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
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

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyStatus(status *run.Status) *run.Status {
	cp := *status
	cp.Blocks = append([]run.BlockStatus(nil), status.Blocks...)
	return &cp
}

func copyRunMeta(r *run.Run) *run.Run {
	cp := &run.Run{
		RunID:   r.RunID,
		Created: r.Created,
		Type:    r.Type,
		AppHash: r.AppHash,
		Status:  *copyStatus(&r.Status),
	}
	if r.Config.Blocks != nil {
		cp.Config.Blocks = make(map[string]json.RawMessage, len(r.Config.Blocks))
		for k, v := range r.Config.Blocks {
			cp.Config.Blocks[k] = cloneRaw(v)
		}
	}
	return cp
}

func copyDocument(doc *datasource.Document) *datasource.Document {
	cp := *doc
	cp.Tags = cloneStrings(doc.Tags)
	cp.Parents = cloneStrings(doc.Parents)
	return &cp
}

func copyTable(t *database.Table) *database.Table {
	cp := *t
	cp.Schema = append(database.Schema(nil), t.Schema...)
	return &cp
}

func copyRow(r *database.Row) *database.Row {
	cp := *r
	cp.Content = cloneRaw(r.Content)
	return &cp
}

func matchesFilter(doc *datasource.Document, filter *datasource.SearchFilter) bool {
	if filter == nil {
		return true
	}
	if filter.Tags != nil {
		if len(filter.Tags.In) > 0 && !containsAny(doc.Tags, filter.Tags.In) {
			return false
		}
		if containsAny(doc.Tags, filter.Tags.Not) {
			return false
		}
	}
	if filter.Parents != nil {
		if len(filter.Parents.In) > 0 && !containsAny(doc.Parents, filter.Parents.In) {
			return false
		}
		if containsAny(doc.Parents, filter.Parents.Not) {
			return false
		}
	}
	if filter.Timestamp != nil {
		if filter.Timestamp.Gt != 0 && doc.Timestamp <= filter.Timestamp.Gt {
			return false
		}
		if filter.Timestamp.Lt != 0 && doc.Timestamp >= filter.Timestamp.Lt {
			return false
		}
	}
	return true
}

func containsAny(haystack, needles []string) bool {
	for _, n := range needles {
		for _, h := range haystack {
			if h == n {
				return true
			}
		}
	}
	return false
}
