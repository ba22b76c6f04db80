// Package loom is the persistence core of the Loom pipeline platform.
//
// Loom runs configurable pipelines ("runs") over datasets, ingests external
// content into versioned documents and structured tables, and memoizes
// expensive provider calls (completions, chat, embeddings, HTTP). This module
// defines the entity model for that platform and the backend-agnostic Store
// contract that upholds its invariants: content-addressed deduplication of
// bulk payloads, derived document versioning, atomic table replacement,
// append-only response caches, and cascading deletion that never strands a
// join row.
//
// The composite contract lives in the store package; backends are provided
// for Postgres (store/postgres), SQLite (store/sqlite), and an in-memory
// test double (store/memory).
//
// Retry semantics: content-addressed writes (dataset registration, block
// execution appends re-run with identical content) are idempotent under
// retry — re-inserting identical content reuses the existing blob row.
// Pure-append writes (cache stores, join-row inserts) are NOT idempotent;
// a blind caller-side retry duplicates data. The store never retries
// internally, so retry policy above this layer must respect the asymmetry.
package loom
