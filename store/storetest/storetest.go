// Package storetest exercises a store.Store implementation against the
// behavior every backend must share. Each backend's test package opens a
// store and calls Run.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/cache"
	"github.com/loomworks/loom/database"
	"github.com/loomworks/loom/dataset"
	"github.com/loomworks/loom/datasource"
	"github.com/loomworks/loom/run"
	"github.com/loomworks/loom/specification"
	"github.com/loomworks/loom/store"
)

// Run executes the shared conformance suite. Every subtest creates its own
// project, so a single migrated store serves the whole suite.
func Run(t *testing.T, s store.Store) {
	t.Run("Specifications", func(t *testing.T) { testSpecifications(t, s) })
	t.Run("Datasets", func(t *testing.T) { testDatasets(t, s) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, s) })
	t.Run("RunSharedExecutions", func(t *testing.T) { testRunSharedExecutions(t, s) })
	t.Run("DataSources", func(t *testing.T) { testDataSources(t, s) })
	t.Run("DocumentVersioning", func(t *testing.T) { testDocumentVersioning(t, s) })
	t.Run("DocumentSearch", func(t *testing.T) { testDocumentSearch(t, s) })
	t.Run("DocumentTags", func(t *testing.T) { testDocumentTags(t, s) })
	t.Run("Databases", func(t *testing.T) { testDatabases(t, s) })
	t.Run("TableRows", func(t *testing.T) { testTableRows(t, s) })
	t.Run("Caches", func(t *testing.T) { testCaches(t, s) })
	t.Run("DeleteProject", func(t *testing.T) { testDeleteProject(t, s) })
	t.Run("SharedBlobsSurviveDeletion", func(t *testing.T) { testSharedBlobsSurviveDeletion(t, s) })
	t.Run("Concurrency", func(t *testing.T) { testConcurrency(t, s) })
}

// drain waits for the writers and fails on the first error any of them hit.
func drain(t *testing.T, wg *sync.WaitGroup, errs chan error) {
	t.Helper()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func newProject(t *testing.T, s store.Store) int64 {
	t.Helper()
	p, err := s.CreateProject(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func newDataSource(t *testing.T, s store.Store, projectID int64, dataSourceID string) {
	t.Helper()
	ds := datasource.New(dataSourceID, datasource.Config{
		EmbedderProviderID: "openai",
		EmbedderModelID:    "text-embedding-3-small",
		SplitterID:         "base",
		MaxChunkSize:       256,
	})
	if err := s.RegisterDataSource(context.Background(), projectID, ds); err != nil {
		t.Fatal(err)
	}
}

func upsertDoc(t *testing.T, s store.Store, projectID int64, dsID, docID, text string, tags []string, timestamp int64) string {
	t.Helper()
	hash := datasource.HashContent(docID, text)
	err := s.UpsertDocument(context.Background(), projectID, dsID, &datasource.Document{
		DocumentID: docID,
		Timestamp:  timestamp,
		Tags:       tags,
		Parents:    []string{docID},
		Hash:       hash,
		TextSize:   int64(len(text)),
		ChunkCount: 1,
		Status:     "ready",
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

func testSpecifications(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)

	hash, err := s.LatestSpecificationHash(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Fatalf("expected empty hash on fresh project, got %q", hash)
	}

	first := specification.Hash("spec-one")
	second := specification.Hash("spec-two")
	if err := s.RegisterSpecification(ctx, projectID, first, "spec-one"); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterSpecification(ctx, projectID, second, "spec-two"); err != nil {
		t.Fatal(err)
	}

	hash, err = s.LatestSpecificationHash(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if hash != second {
		t.Fatalf("latest hash = %q, want %q", hash, second)
	}

	spec, err := s.LoadSpecification(ctx, projectID, first)
	if err != nil {
		t.Fatal(err)
	}
	if spec == nil || spec.Text != "spec-one" {
		t.Fatalf("load specification: got %+v", spec)
	}

	spec, err = s.LoadSpecification(ctx, projectID, specification.Hash("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if spec != nil {
		t.Fatal("expected nil for unknown hash")
	}

	hashes, err := s.ListSpecificationHashes(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 2 || hashes[0] != first || hashes[1] != second {
		t.Fatalf("list hashes = %v", hashes)
	}
}

func testDatasets(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)

	v1, err := dataset.New("train", []json.RawMessage{
		json.RawMessage(`{"question": "a", "answer": 1}`),
		json.RawMessage(`{"question": "b", "answer": 2}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterDataset(ctx, projectID, v1); err != nil {
		t.Fatal(err)
	}

	// Second version shares a point with the first.
	v2, err := dataset.New("train", []json.RawMessage{
		json.RawMessage(`{"answer": 2, "question": "b"}`), // same point, keys reordered
		json.RawMessage(`{"question": "c", "answer": 3}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v2.Points[0].Hash != v1.Points[1].Hash {
		t.Fatal("expected key-order-insensitive point hashes to match")
	}
	if err := s.RegisterDataset(ctx, projectID, v2); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestDatasetHash(ctx, projectID, "train")
	if err != nil {
		t.Fatal(err)
	}
	if latest != v2.Hash {
		t.Fatalf("latest dataset hash = %q, want %q", latest, v2.Hash)
	}

	loaded, err := s.LoadDataset(ctx, projectID, "train", v1.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected dataset version")
	}
	if len(loaded.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(loaded.Points))
	}
	for i := range loaded.Points {
		if loaded.Points[i].Hash != v1.Points[i].Hash {
			t.Fatalf("point %d out of order", i)
		}
	}

	if missing, err := s.LoadDataset(ctx, projectID, "train", "no-such-hash"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown hash, got %v, %v", missing, err)
	}

	all, err := s.ListDatasets(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	versions := all["train"]
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Hash != v1.Hash || versions[1].Hash != v2.Hash {
		t.Fatalf("versions out of order: %v", versions)
	}
}

func makeRun(runID string, runType run.Type, created time.Time) *run.Run {
	return &run.Run{
		RunID:   runID,
		Created: created,
		Type:    runType,
		AppHash: "app-" + runID,
		Config: run.Config{Blocks: map[string]json.RawMessage{
			"MODEL generate": json.RawMessage(`{"temperature": 0.7}`),
		}},
		Status: run.Status{Run: run.StatusRunning},
	}
}

func appendBlock(t *testing.T, s store.Store, projectID int64, r *run.Run, blockIdx int, blockType, blockName string, payloads [][]string) {
	t.Helper()
	trace := run.BlockTrace{Type: blockType, Name: blockName}
	for _, input := range payloads {
		var execs []run.BlockExecution
		for _, p := range input {
			e, err := run.NewBlockExecution(json.RawMessage(p))
			if err != nil {
				t.Fatal(err)
			}
			execs = append(execs, e)
		}
		trace.Executions = append(trace.Executions, execs)
	}
	r.Traces = append(r.Traces, trace)
	if err := s.AppendRunBlock(context.Background(), projectID, r, blockIdx, blockType, blockName); err != nil {
		t.Fatal(err)
	}
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	base := time.Now().UTC().Truncate(time.Second)

	r := makeRun("run-alpha-1", run.TypeLocal, base)
	if err := s.CreateRun(ctx, projectID, r); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, projectID, makeRun("run-alpha-1", run.TypeLocal, base)); !errors.Is(err, loom.ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}

	if err := s.UpdateRunStatus(ctx, projectID, "no-such-run", &run.Status{Run: run.StatusErrored}); !errors.Is(err, loom.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	appendBlock(t, s, projectID, r, 0, "INPUT", "in", [][]string{
		{`{"value": 1}`},
		{`{"value": 2}`},
	})
	appendBlock(t, s, projectID, r, 1, "MODEL", "generate", [][]string{
		{`{"completion": "x"}`, `{"completion": "y"}`},
		{`{"completion": "z"}`},
	})

	status := &run.Status{
		Run: run.StatusSucceeded,
		Blocks: []run.BlockStatus{
			{BlockType: "INPUT", Name: "in", Status: run.StatusSucceeded, SuccessCount: 2},
			{BlockType: "MODEL", Name: "generate", Status: run.StatusSucceeded, SuccessCount: 3},
		},
	}
	if err := s.UpdateRunStatus(ctx, projectID, r.RunID, status); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadRun(ctx, projectID, r.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected run")
	}
	if loaded.Status.Run != run.StatusSucceeded || len(loaded.Status.Blocks) != 2 {
		t.Fatalf("status = %+v", loaded.Status)
	}
	if len(loaded.Traces) != 2 {
		t.Fatalf("expected 2 traces, got %d", len(loaded.Traces))
	}
	model := loaded.Trace("MODEL", "generate")
	if model == nil {
		t.Fatal("missing MODEL trace")
	}
	if len(model.Executions) != 2 || len(model.Executions[0]) != 2 || len(model.Executions[1]) != 1 {
		t.Fatalf("MODEL execution shape wrong: %+v", model.Executions)
	}
	if model.Executions[0][0].Hash != r.Trace("MODEL", "generate").Executions[0][0].Hash {
		t.Fatal("execution order not preserved")
	}

	meta, err := s.LoadRunMetadata(ctx, projectID, r.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Traces) != 0 {
		t.Fatal("metadata load must not carry traces")
	}
	if meta.Config.Blocks == nil {
		t.Fatal("metadata load must carry config")
	}

	blockOnly, err := s.LoadRunBlock(ctx, projectID, r.RunID, "MODEL", "generate")
	if err != nil {
		t.Fatal(err)
	}
	if len(blockOnly.Traces) != 1 || blockOnly.Traces[0].Name != "generate" {
		t.Fatalf("block load traces = %+v", blockOnly.Traces)
	}

	// A few more runs for listing.
	for i := 2; i <= 4; i++ {
		rr := makeRun(fmt.Sprintf("run-alpha-%d", i), run.TypeLocal, base.Add(time.Duration(i)*time.Second))
		if err := s.CreateRun(ctx, projectID, rr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateRun(ctx, projectID, makeRun("run-alpha-deploy", run.TypeDeploy, base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	runs, total, err := s.ListRuns(ctx, projectID, run.TypeLocal, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(runs) != 4 {
		t.Fatalf("total = %d, len = %d", total, len(runs))
	}
	if runs[0].RunID != "run-alpha-4" || runs[3].RunID != "run-alpha-1" {
		t.Fatalf("runs out of order: %s .. %s", runs[0].RunID, runs[3].RunID)
	}

	page, total, err := s.ListRuns(ctx, projectID, run.TypeLocal, &loom.Pagination{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(page) != 2 || page[0].RunID != "run-alpha-3" {
		t.Fatalf("paged runs: total=%d %+v", total, page)
	}

	latest, err := s.LatestRunID(ctx, projectID, run.TypeLocal)
	if err != nil {
		t.Fatal(err)
	}
	if latest != "run-alpha-4" {
		t.Fatalf("latest run = %q", latest)
	}

	batch, err := s.LoadRunBatch(ctx, projectID, []string{"run-alpha-1", "run-alpha-3", "no-such-run"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d", len(batch))
	}
	if _, ok := batch["no-such-run"]; ok {
		t.Fatal("absent id must be missing from batch")
	}

	if err := s.DeleteRun(ctx, projectID, "run-alpha-1"); err != nil {
		t.Fatal(err)
	}
	gone, err := s.LoadRun(ctx, projectID, "run-alpha-1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Fatal("run still present after delete")
	}
	// Deleting again is a no-op.
	if err := s.DeleteRun(ctx, projectID, "run-alpha-1"); err != nil {
		t.Fatal(err)
	}
}

func testRunSharedExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	base := time.Now().UTC()

	payload := [][]string{{`{"completion": "shared-result"}`}}
	a := makeRun("run-shared-a", run.TypeLocal, base)
	b := makeRun("run-shared-b", run.TypeLocal, base.Add(time.Second))
	if err := s.CreateRun(ctx, projectID, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, projectID, b); err != nil {
		t.Fatal(err)
	}
	appendBlock(t, s, projectID, a, 0, "MODEL", "gen", payload)
	appendBlock(t, s, projectID, b, 0, "MODEL", "gen", payload)

	if err := s.DeleteRun(ctx, projectID, a.RunID); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadRun(ctx, projectID, b.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Traces) != 1 || len(loaded.Traces[0].Executions) != 1 {
		t.Fatal("surviving run lost its trace")
	}
	got := loaded.Traces[0].Executions[0][0]
	if got.Hash != b.Traces[0].Executions[0][0].Hash || len(got.JSON) == 0 {
		t.Fatal("shared execution payload deleted with the other run")
	}
}

func testDataSources(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)

	has, err := s.HasDataSources(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("fresh project reports data sources")
	}

	newDataSource(t, s, projectID, "docs")
	ds := datasource.New("docs", datasource.Config{})
	if err := s.RegisterDataSource(ctx, projectID, ds); !errors.Is(err, loom.ErrDuplicateDataSource) {
		t.Fatalf("expected ErrDuplicateDataSource, got %v", err)
	}

	loaded, err := s.LoadDataSource(ctx, projectID, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.Config.EmbedderProviderID != "openai" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.InternalID.IsNil() {
		t.Fatal("internal id not persisted")
	}

	missing, err := s.LoadDataSource(ctx, projectID, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown data source, got %v, %v", missing, err)
	}

	cfg := loaded.Config
	cfg.MaxChunkSize = 512
	if err := s.UpdateDataSourceConfig(ctx, projectID, "docs", &cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.LoadDataSource(ctx, projectID, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Config.MaxChunkSize != 512 {
		t.Fatalf("config not updated: %+v", loaded.Config)
	}

	has, err = s.HasDataSources(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected data sources")
	}
}

func testDocumentVersioning(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	newDataSource(t, s, projectID, "docs")

	h1 := upsertDoc(t, s, projectID, "docs", "guide", "first contents", []string{"team:infra"}, 100)
	// Identical content: metadata refresh only, no new version.
	upsertDoc(t, s, projectID, "docs", "guide", "first contents", []string{"team:infra", "reviewed"}, 150)

	versions, total, err := s.ListDocumentVersions(ctx, projectID, "docs", "guide", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(versions) != 1 {
		t.Fatalf("expected 1 version after same-content upsert, got %d", total)
	}

	doc, err := s.LoadDocument(ctx, projectID, "docs", "guide", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Timestamp != 150 || len(doc.Tags) != 2 {
		t.Fatalf("metadata not refreshed: %+v", doc)
	}

	h2 := upsertDoc(t, s, projectID, "docs", "guide", "second contents", []string{"team:infra"}, 200)
	if h2 == h1 {
		t.Fatal("content hashes must differ")
	}

	versions, total, err = s.ListDocumentVersions(ctx, projectID, "docs", "guide", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", total)
	}
	if versions[0].Hash != h2 || versions[1].Hash != h1 {
		t.Fatalf("versions not newest-first: %v", versions)
	}

	// Fast path when the caller already knows the latest hash.
	versions, total, err = s.ListDocumentVersions(ctx, projectID, "docs", "guide", nil, h2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(versions) != 1 || versions[0].Hash != h2 {
		t.Fatalf("latest-hash fast path: total=%d %v", total, versions)
	}

	doc, err = s.LoadDocument(ctx, projectID, "docs", "guide", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Hash != h2 {
		t.Fatalf("latest = %q, want %q", doc.Hash, h2)
	}
	doc, err = s.LoadDocument(ctx, projectID, "docs", "guide", h1)
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc.Hash != h1 {
		t.Fatal("pinned version load failed")
	}
	doc, err = s.LoadDocument(ctx, projectID, "docs", "guide", "no-such-hash")
	if err != nil || doc != nil {
		t.Fatalf("expected nil for unknown version, got %v, %v", doc, err)
	}

	if err := s.DeleteDocument(ctx, projectID, "docs", "guide"); err != nil {
		t.Fatal(err)
	}
	doc, err = s.LoadDocument(ctx, projectID, "docs", "guide", "")
	if err != nil || doc != nil {
		t.Fatalf("expected nil after delete, got %v, %v", doc, err)
	}
}

func testDocumentSearch(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	newDataSource(t, s, projectID, "docs")

	upsertDoc(t, s, projectID, "docs", "a", "doc a", []string{"lang:en", "draft"}, 100)
	upsertDoc(t, s, projectID, "docs", "b", "doc b", []string{"lang:en"}, 200)
	upsertDoc(t, s, projectID, "docs", "c", "doc c", []string{"lang:fr"}, 300)
	// New version of "a" drops the draft tag; search sees only the latest.
	upsertDoc(t, s, projectID, "docs", "a", "doc a v2", []string{"lang:en"}, 400)

	ids, total, err := s.FindDocumentIDs(ctx, projectID, "docs",
		&datasource.SearchFilter{Tags: &datasource.TagsFilter{In: []string{"lang:en"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("tags.in: total=%d ids=%v", total, ids)
	}

	ids, _, err = s.FindDocumentIDs(ctx, projectID, "docs",
		&datasource.SearchFilter{Tags: &datasource.TagsFilter{Not: []string{"draft"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("tags.not should match all latest versions, got %v", ids)
	}

	ids, _, err = s.FindDocumentIDs(ctx, projectID, "docs",
		&datasource.SearchFilter{Parents: &datasource.ParentsFilter{In: []string{"b"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("parents.in: %v", ids)
	}

	ids, _, err = s.FindDocumentIDs(ctx, projectID, "docs",
		&datasource.SearchFilter{Timestamp: &datasource.TimestampFilter{Gt: 150, Lt: 350}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" {
		t.Fatalf("timestamp window: %v", ids)
	}

	ids, total, err = s.FindDocumentIDs(ctx, projectID, "docs", nil, &loom.Pagination{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("paged ids: total=%d %v", total, ids)
	}

	docs, total, err := s.ListDocuments(ctx, projectID, "docs", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(docs) != 3 {
		t.Fatalf("list documents: total=%d len=%d", total, len(docs))
	}
	// Latest version of "a" was written last, so it lists first.
	if docs[0].DocumentID != "a" || docs[0].Timestamp != 400 {
		t.Fatalf("list order: %+v", docs[0])
	}
}

func testDocumentTags(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	newDataSource(t, s, projectID, "docs")

	upsertDoc(t, s, projectID, "docs", "doc", "v1", []string{"alpha", "__system:managed"}, 100)
	upsertDoc(t, s, projectID, "docs", "doc", "v2", []string{"alpha", "__system:managed"}, 200)

	tags, err := s.UpdateDocumentTags(ctx, projectID, "docs", "doc", []string{"beta", "alpha"}, []string{"gone"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 3 {
		t.Fatalf("tags = %v", tags)
	}

	// Add is idempotent, removing an absent tag is a no-op.
	tags, err = s.UpdateDocumentTags(ctx, projectID, "docs", "doc", []string{"beta"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 3 {
		t.Fatalf("idempotent add changed tags: %v", tags)
	}

	tags, err = s.UpdateDocumentTags(ctx, projectID, "docs", "doc", nil, []string{"alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if containsString(tags, "alpha") {
		t.Fatalf("alpha not removed: %v", tags)
	}

	// Tag updates cover every version of the identity.
	versions, _, err := s.ListDocumentVersions(ctx, projectID, "docs", "doc", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range versions {
		doc, err := s.LoadDocument(ctx, projectID, "docs", "doc", v.Hash)
		if err != nil {
			t.Fatal(err)
		}
		if containsString(doc.Tags, "alpha") || !containsString(doc.Tags, "beta") {
			t.Fatalf("version %q tags = %v", v.Hash, doc.Tags)
		}
	}

	if _, err := s.UpdateDocumentTags(ctx, projectID, "docs", "no-such-doc", []string{"x"}, nil); !errors.Is(err, loom.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if err := s.UpdateDocumentParents(ctx, projectID, "docs", "doc", []string{"doc", "folder", "root"}); err != nil {
		t.Fatal(err)
	}
	doc, err := s.LoadDocument(ctx, projectID, "docs", "doc", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Parents) != 3 || doc.Parents[1] != "folder" {
		t.Fatalf("parents = %v", doc.Parents)
	}

	// System tags are hidden on request.
	docs, _, err := s.ListDocuments(ctx, projectID, "docs", nil, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range docs[0].Tags {
		if tag == "__system:managed" {
			t.Fatal("system tag not stripped")
		}
	}
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func testDatabases(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	newDataSource(t, s, projectID, "docs")

	db, err := s.RegisterDatabase(ctx, projectID, "docs", "db-main", "main")
	if err != nil {
		t.Fatal(err)
	}
	if db.DatabaseID != "db-main" || db.Name != "main" {
		t.Fatalf("database = %+v", db)
	}

	if _, err := s.RegisterDatabase(ctx, projectID, "docs", "db-main", "other"); !errors.Is(err, loom.ErrDuplicateDatabase) {
		t.Fatalf("duplicate id: expected ErrDuplicateDatabase, got %v", err)
	}
	if _, err := s.RegisterDatabase(ctx, projectID, "docs", "db-other", "main"); !errors.Is(err, loom.ErrDuplicateDatabase) {
		t.Fatalf("duplicate name: expected ErrDuplicateDatabase, got %v", err)
	}
	if _, err := s.RegisterDatabase(ctx, projectID, "no-such-ds", "db-x", "x"); !errors.Is(err, loom.ErrInvalidInput) {
		t.Fatalf("unknown data source: expected ErrInvalidInput, got %v", err)
	}

	if _, err := s.RegisterDatabase(ctx, projectID, "docs", "db-aux", "aux"); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadDatabase(ctx, projectID, "docs", "db-main")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.Name != "main" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if missing, err := s.LoadDatabase(ctx, projectID, "docs", "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil, got %v, %v", missing, err)
	}

	list, err := s.ListDatabases(ctx, projectID, "docs", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].DatabaseID != "db-main" || list[1].DatabaseID != "db-aux" {
		t.Fatalf("list = %+v", list)
	}

	if err := s.DeleteDatabase(ctx, projectID, "docs", "db-aux"); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListDatabases(ctx, projectID, "docs", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 database after delete, got %d", len(list))
	}
}

func testTableRows(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	newDataSource(t, s, projectID, "docs")
	if _, err := s.RegisterDatabase(ctx, projectID, "docs", "db", "main"); err != nil {
		t.Fatal(err)
	}

	tbl, err := s.UpsertTable(ctx, projectID, "docs", "db", "tbl-users", "users", "user records")
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Name != "users" {
		t.Fatalf("table = %+v", tbl)
	}

	// Idempotent on table id: updates name and description.
	tbl, err = s.UpsertTable(ctx, projectID, "docs", "db", "tbl-users", "users", "all user records")
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Description != "all user records" {
		t.Fatalf("description not updated: %+v", tbl)
	}

	if _, err := s.UpsertTable(ctx, projectID, "docs", "db", "tbl-events", "events", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTable(ctx, projectID, "docs", "db", "tbl-clash", "users", ""); !errors.Is(err, loom.ErrDuplicateTable) {
		t.Fatalf("expected ErrDuplicateTable, got %v", err)
	}

	rows := []*database.Row{
		{RowID: "u1", Content: json.RawMessage(`{"name": "ada", "age": 36}`)},
		{RowID: "u2", Content: json.RawMessage(`{"name": "gus", "age": 41, "active": true}`)},
	}
	if err := s.BatchUpsertRows(ctx, projectID, "docs", "db", "tbl-users", rows, false); err != nil {
		t.Fatal(err)
	}

	schema, err := database.InferSchema(rows)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTableSchema(ctx, projectID, "docs", "db", "tbl-users", schema); err != nil {
		t.Fatal(err)
	}
	tbl, err = s.LoadTable(ctx, projectID, "docs", "db", "tbl-users")
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Schema) != 3 {
		t.Fatalf("schema = %+v", tbl.Schema)
	}

	tablesList, total, err := s.ListTables(ctx, projectID, "docs", "db", nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(tablesList) != 2 {
		t.Fatalf("tables total=%d len=%d", total, len(tablesList))
	}

	// Upsert on an existing row id replaces content in place.
	if err := s.BatchUpsertRows(ctx, projectID, "docs", "db", "tbl-users", []*database.Row{
		{RowID: "u1", Content: json.RawMessage(`{"name": "ada", "age": 37}`)},
		{RowID: "u3", Content: json.RawMessage(`{"name": "eve", "age": 29}`)},
	}, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRow(ctx, projectID, "docs", "db", "tbl-users", "u1")
	if err != nil {
		t.Fatal(err)
	}
	var content map[string]any
	if err := json.Unmarshal(got.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["age"] != float64(37) {
		t.Fatalf("row not updated: %s", got.Content)
	}
	listed, total, err := s.ListRows(ctx, projectID, "docs", "db", "tbl-users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(listed) != 3 {
		t.Fatalf("rows total=%d len=%d", total, len(listed))
	}

	paged, total, err := s.ListRows(ctx, projectID, "docs", "db", "tbl-users", &loom.Pagination{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(paged) != 1 {
		t.Fatalf("paged rows total=%d len=%d", total, len(paged))
	}

	// Truncate atomically replaces the whole table content.
	if err := s.BatchUpsertRows(ctx, projectID, "docs", "db", "tbl-users", []*database.Row{
		{RowID: "u9", Content: json.RawMessage(`{"name": "zoe"}`)},
	}, true); err != nil {
		t.Fatal(err)
	}
	listed, total, err = s.ListRows(ctx, projectID, "docs", "db", "tbl-users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(listed) != 1 || listed[0].RowID != "u9" {
		t.Fatalf("after truncate: total=%d %+v", total, listed)
	}

	if missing, err := s.LoadRow(ctx, projectID, "docs", "db", "tbl-users", "u1"); err != nil || missing != nil {
		t.Fatalf("expected nil after truncate, got %v, %v", missing, err)
	}

	if err := s.BatchUpsertRows(ctx, projectID, "docs", "db", "no-such-table", rows, false); !errors.Is(err, loom.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func testCaches(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	now := time.Now().UTC().Truncate(time.Millisecond)

	creq := &cache.CompletionRequest{ProviderID: "openai", ModelID: "gpt-4", Prompt: "hello", MaxTokens: 16, Temperature: 0.9, N: 1}
	got, err := s.CompletionCacheGet(ctx, projectID, creq)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty cache, got %d", len(got))
	}
	// Sampled requests store several responses under one key.
	for _, text := range []string{"world", "there"} {
		err := s.CompletionCacheStore(ctx, projectID, creq, &cache.Completion{
			ProviderID: "openai", ModelID: "gpt-4", Created: now, Text: text,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err = s.CompletionCacheGet(ctx, projectID, creq)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(got))
	}

	other := *creq
	other.Temperature = 0.1
	got, err = s.CompletionCacheGet(ctx, projectID, &other)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatal("different request must not share a cache key")
	}

	chreq := &cache.ChatRequest{ProviderID: "openai", ModelID: "gpt-4", Messages: []cache.ChatMessage{{Role: "user", Content: "hi"}}}
	if err := s.ChatCacheStore(ctx, projectID, chreq, &cache.ChatGeneration{
		ProviderID: "openai", ModelID: "gpt-4", Created: now,
		Message: cache.ChatMessage{Role: "assistant", Content: "hello"},
	}); err != nil {
		t.Fatal(err)
	}
	chats, err := s.ChatCacheGet(ctx, projectID, chreq)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Message.Content != "hello" {
		t.Fatalf("chats = %+v", chats)
	}

	ereq := &cache.EmbeddingRequest{ProviderID: "openai", ModelID: "text-embedding-3-small", Text: "vectorize me"}
	if err := s.EmbeddingCacheStore(ctx, projectID, ereq, &cache.EmbeddingVector{
		ProviderID: "openai", ModelID: "text-embedding-3-small", Created: now, Vector: []float64{0.25, -0.5},
	}); err != nil {
		t.Fatal(err)
	}
	vecs, err := s.EmbeddingCacheGet(ctx, projectID, ereq)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || len(vecs[0].Vector) != 2 {
		t.Fatalf("vecs = %+v", vecs)
	}

	hreq := &cache.HTTPRequest{Method: "GET", URL: "https://example.com/feed"}
	if err := s.HTTPCacheStore(ctx, projectID, hreq, &cache.HTTPResponse{
		Created: now, StatusCode: 200, Body: json.RawMessage(`{"ok": true}`),
	}); err != nil {
		t.Fatal(err)
	}
	resps, err := s.HTTPCacheGet(ctx, projectID, hreq)
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 1 || resps[0].StatusCode != 200 {
		t.Fatalf("resps = %+v", resps)
	}

	// Caches are project-scoped.
	otherProject := newProject(t, s)
	got, err = s.CompletionCacheGet(ctx, otherProject, creq)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatal("cache leaked across projects")
	}
}

func testDeleteProject(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)

	if err := s.RegisterSpecification(ctx, projectID, specification.Hash("s"), "s"); err != nil {
		t.Fatal(err)
	}
	d, err := dataset.New("train", []json.RawMessage{json.RawMessage(`{"k": 1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterDataset(ctx, projectID, d); err != nil {
		t.Fatal(err)
	}
	r := makeRun("run-delete-project", run.TypeLocal, time.Now().UTC())
	if err := s.CreateRun(ctx, projectID, r); err != nil {
		t.Fatal(err)
	}
	appendBlock(t, s, projectID, r, 0, "MODEL", "gen", [][]string{{`{"out": 1}`}})
	newDataSource(t, s, projectID, "docs")
	upsertDoc(t, s, projectID, "docs", "doc", "contents", nil, 1)
	if _, err := s.RegisterDatabase(ctx, projectID, "docs", "db", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTable(ctx, projectID, "docs", "db", "tbl", "t", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.BatchUpsertRows(ctx, projectID, "docs", "db", "tbl",
		[]*database.Row{{RowID: "r1", Content: json.RawMessage(`{"v": 1}`)}}, false); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteProject(ctx, projectID); err != nil {
		t.Fatal(err)
	}

	if hash, err := s.LatestSpecificationHash(ctx, projectID); err != nil || hash != "" {
		t.Fatalf("specification survived: %q, %v", hash, err)
	}
	if hash, err := s.LatestDatasetHash(ctx, projectID, "train"); err != nil || hash != "" {
		t.Fatalf("dataset survived: %q, %v", hash, err)
	}
	if gone, err := s.LoadRun(ctx, projectID, "run-delete-project"); err != nil || gone != nil {
		t.Fatalf("run survived: %v, %v", gone, err)
	}
	if ds, err := s.LoadDataSource(ctx, projectID, "docs"); err != nil || ds != nil {
		t.Fatalf("data source survived: %v, %v", ds, err)
	}
	// Idempotent.
	if err := s.DeleteProject(ctx, projectID); err != nil {
		t.Fatal(err)
	}
}

func testSharedBlobsSurviveDeletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := newProject(t, s)
	b := newProject(t, s)

	point := json.RawMessage(`{"shared": "across-projects"}`)
	da, err := dataset.New("shared", []json.RawMessage{point})
	if err != nil {
		t.Fatal(err)
	}
	db, err := dataset.New("shared", []json.RawMessage{point})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterDataset(ctx, a, da); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterDataset(ctx, b, db); err != nil {
		t.Fatal(err)
	}

	ra := makeRun("run-blob-a", run.TypeLocal, time.Now().UTC())
	rb := makeRun("run-blob-b", run.TypeLocal, time.Now().UTC())
	if err := s.CreateRun(ctx, a, ra); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, b, rb); err != nil {
		t.Fatal(err)
	}
	payload := [][]string{{`{"result": "shared"}`}}
	appendBlock(t, s, a, ra, 0, "MODEL", "gen", payload)
	appendBlock(t, s, b, rb, 0, "MODEL", "gen", payload)

	if err := s.DeleteProject(ctx, a); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadDataset(ctx, b, "shared", db.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || len(loaded.Points) != 1 || len(loaded.Points[0].JSON) == 0 {
		t.Fatal("shared dataset point deleted with the other project")
	}

	lr, err := s.LoadRun(ctx, b, rb.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lr.Traces) != 1 || len(lr.Traces[0].Executions[0][0].JSON) == 0 {
		t.Fatal("shared block execution deleted with the other project")
	}
}

func testConcurrency(t *testing.T, s store.Store) {
	ctx := context.Background()
	projectID := newProject(t, s)
	const writers = 8

	// Concurrent stores under one cache key all succeed and all come back.
	req := &cache.CompletionRequest{ProviderID: "openai", ModelID: "gpt-4", Prompt: "sampled", N: 1}
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CompletionCacheStore(ctx, projectID, req, &cache.Completion{
				ProviderID: "openai", ModelID: "gpt-4",
				Created: time.Now().UTC(),
				Text:    fmt.Sprintf("sample-%d", i),
			})
		}(i)
	}
	drain(t, &wg, errs)
	got, err := s.CompletionCacheGet(ctx, projectID, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != writers {
		t.Fatalf("expected %d completions, got %d", writers, len(got))
	}

	// Concurrent first upserts of a brand-new document with identical
	// content must collapse to one version row.
	newDataSource(t, s, projectID, "docs")
	hash := datasource.HashContent("racer", "contents")
	errs = make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpsertDocument(ctx, projectID, "docs", &datasource.Document{
				DocumentID: "racer",
				Timestamp:  1,
				Parents:    []string{"racer"},
				Hash:       hash,
				TextSize:   8,
				ChunkCount: 1,
				Status:     "ready",
			})
		}()
	}
	drain(t, &wg, errs)
	_, total, err := s.ListDocumentVersions(ctx, projectID, "docs", "racer", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("expected 1 version after concurrent upserts, got %d", total)
	}

	// Two writers hashing identical content both succeed; the shared blob
	// keeps serving the survivor after one owner is deleted.
	other := newProject(t, s)
	point := json.RawMessage(`{"contended": true}`)
	errs = make(chan error, 2)
	for _, pid := range []int64{projectID, other} {
		wg.Add(1)
		go func(pid int64) {
			defer wg.Done()
			d, err := dataset.New("contended", []json.RawMessage{point})
			if err != nil {
				errs <- err
				return
			}
			errs <- s.RegisterDataset(ctx, pid, d)
		}(pid)
	}
	drain(t, &wg, errs)

	ra := makeRun("run-contended-a", run.TypeLocal, time.Now().UTC())
	rb := makeRun("run-contended-b", run.TypeLocal, time.Now().UTC())
	if err := s.CreateRun(ctx, projectID, ra); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRun(ctx, other, rb); err != nil {
		t.Fatal(err)
	}
	exec, err := run.NewBlockExecution(json.RawMessage(`{"contended": "result"}`))
	if err != nil {
		t.Fatal(err)
	}
	ra.Traces = append(ra.Traces, run.BlockTrace{Type: "MODEL", Name: "gen", Executions: [][]run.BlockExecution{{exec}}})
	rb.Traces = append(rb.Traces, run.BlockTrace{Type: "MODEL", Name: "gen", Executions: [][]run.BlockExecution{{exec}}})
	errs = make(chan error, 2)
	for _, rc := range []struct {
		pid int64
		r   *run.Run
	}{{projectID, ra}, {other, rb}} {
		wg.Add(1)
		go func(pid int64, r *run.Run) {
			defer wg.Done()
			errs <- s.AppendRunBlock(ctx, pid, r, 0, "MODEL", "gen")
		}(rc.pid, rc.r)
	}
	drain(t, &wg, errs)

	if err := s.DeleteProject(ctx, other); err != nil {
		t.Fatal(err)
	}
	d, err := dataset.New("contended", []json.RawMessage{point})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadDataset(ctx, projectID, "contended", d.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || len(loaded.Points) != 1 || len(loaded.Points[0].JSON) == 0 {
		t.Fatal("shared point lost after concurrent registration and deletion")
	}
	lr, err := s.LoadRun(ctx, projectID, ra.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lr.Traces) != 1 || len(lr.Traces[0].Executions[0][0].JSON) == 0 {
		t.Fatal("shared execution lost after concurrent append and deletion")
	}

	// A load racing a delete returns the whole run or nothing, never
	// metadata with missing traces.
	for i := 0; i < 4; i++ {
		rr := makeRun(fmt.Sprintf("run-vanishing-%d", i), run.TypeLocal, time.Now().UTC())
		if err := s.CreateRun(ctx, projectID, rr); err != nil {
			t.Fatal(err)
		}
		appendBlock(t, s, projectID, rr, 0, "MODEL", "gen", [][]string{{`{"v": 1}`}})

		type loadResult struct {
			r   *run.Run
			err error
		}
		res := make(chan loadResult, 1)
		go func() {
			r, err := s.LoadRun(ctx, projectID, rr.RunID)
			res <- loadResult{r, err}
		}()
		if err := s.DeleteRun(ctx, projectID, rr.RunID); err != nil {
			t.Fatal(err)
		}
		out := <-res
		if out.err != nil {
			t.Fatal(out.err)
		}
		if out.r != nil && len(out.r.Traces) != 1 {
			t.Fatalf("load during delete returned a partial run: %+v", out.r)
		}
	}
}
