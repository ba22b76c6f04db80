// Package run defines pipeline execution records and their content-addressed
// block execution results.
//
// A Run is identified by a globally unique, caller-supplied run id and holds
// the pipeline config, the run status, and traces: per block, per input, per
// map iteration, the execution result of that block invocation. Execution
// results are content-addressed, so a block re-executed with an identical
// outcome is stored once and referenced from every run that produced it.
package run

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/contenthash"
)

// Type discriminates how a run was produced.
type Type string

// Run types.
const (
	TypeDeploy  Type = "deploy"
	TypeLocal   Type = "local"
	TypeExecute Type = "execute"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusErrored   = "errored"
)

// Config is the pipeline configuration a run was started with, keyed by
// block name.
type Config struct {
	Blocks map[string]json.RawMessage `json:"blocks"`
}

// BlockStatus tracks per-block progress within a run.
type BlockStatus struct {
	BlockType    string `json:"block_type"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	SuccessCount int    `json:"success_count"`
	ErrorCount   int    `json:"error_count"`
}

// Status is the overall run status plus per-block statuses.
type Status struct {
	Run    string        `json:"run"`
	Blocks []BlockStatus `json:"blocks"`
}

// BlockExecution is the content-addressed result of one block invocation.
type BlockExecution struct {
	Hash string          `json:"hash"`
	JSON json.RawMessage `json:"execution"`
}

// NewBlockExecution hashes a raw execution result over its canonical
// serialization.
func NewBlockExecution(raw json.RawMessage) (BlockExecution, error) {
	h, err := contenthash.Raw(raw)
	if err != nil {
		return BlockExecution{}, err
	}
	return BlockExecution{Hash: h, JSON: raw}, nil
}

// BlockTrace holds the executions of one pipeline block: outer index is the
// input, inner index the map iteration.
type BlockTrace struct {
	Type       string             `json:"block_type"`
	Name       string             `json:"name"`
	Executions [][]BlockExecution `json:"executions"`
}

// Run is one pipeline execution instance.
type Run struct {
	RunID   string       `json:"run_id"`
	Created time.Time    `json:"created"`
	Type    Type         `json:"run_type"`
	AppHash string       `json:"app_hash"`
	Config  Config       `json:"config"`
	Status  Status       `json:"status"`
	Traces  []BlockTrace `json:"traces,omitempty"`
}

// Trace returns the trace for the named block, or nil.
func (r *Run) Trace(blockType, name string) *BlockTrace {
	for i := range r.Traces {
		if r.Traces[i].Type == blockType && r.Traces[i].Name == name {
			return &r.Traces[i]
		}
	}
	return nil
}

// Store defines persistence operations for runs.
type Store interface {
	// CreateRun stores a run with no traces. It fails with
	// loom.ErrDuplicateRun if the run id is already registered, leaving
	// the original row unmodified.
	CreateRun(ctx context.Context, projectID int64, r *Run) error

	// UpdateRunStatus replaces the stored status of a run.
	UpdateRunStatus(ctx context.Context, projectID int64, runID string, status *Status) error

	// AppendRunBlock stores the executions of one block of r (located by
	// blockType and blockName) under the given block index. Identical
	// execution payloads are deduplicated by content hash; join records
	// carry (block index, input index, map index) so reads reproduce
	// write order exactly.
	AppendRunBlock(ctx context.Context, projectID int64, r *Run, blockIdx int, blockType, blockName string) error

	// LoadRun returns the run with all traces, or nil when absent.
	LoadRun(ctx context.Context, projectID int64, runID string) (*Run, error)

	// LoadRunMetadata returns the run without traces, or nil when absent.
	LoadRunMetadata(ctx context.Context, projectID int64, runID string) (*Run, error)

	// LoadRunBlock returns the run with only the named block's trace, or
	// nil when the run is absent.
	LoadRunBlock(ctx context.Context, projectID int64, runID, blockType, blockName string) (*Run, error)

	// LoadRunBatch returns the runs (without traces) for the given ids,
	// keyed by run id. Absent ids are simply missing from the map.
	LoadRunBatch(ctx context.Context, projectID int64, runIDs []string) (map[string]*Run, error)

	// ListRuns returns runs of the given type, most recent first, plus
	// the total match count.
	ListRuns(ctx context.Context, projectID int64, runType Type, p *loom.Pagination) ([]*Run, int, error)

	// LatestRunID returns the id of the most recent run of the given
	// type, or "" when none exists.
	LatestRunID(ctx context.Context, projectID int64, runType Type) (string, error)

	// DeleteRun removes the run, its join records, and any block
	// executions no longer referenced by any run, as one atomic unit.
	DeleteRun(ctx context.Context, projectID int64, runID string) error
}
