// Package cache defines the four append-only provider response caches:
// completion, chat, embedding, and HTTP.
//
// All four share one design: the key is (project, canonical hash of the
// request), the value is an unbounded, append-only collection of responses.
// Get returns every stored response in no guaranteed order — the caller
// picks one, since sampled requests legitimately produce several valid
// responses for one identical request. Store always appends and never
// deduplicates, merges, or evicts; retention is an external operational
// concern. The cache kind is mixed into the request hash, so the four key
// spaces never collide in the shared backing table.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/contenthash"
)

// Cache kinds mixed into request hashes.
const (
	kindCompletion = "completion"
	kindChat       = "chat"
	kindEmbedding  = "embedding"
	kindHTTP       = "http"
)

type hashEnvelope struct {
	Kind    string `json:"kind"`
	Request any    `json:"request"`
}

func hashRequest(kind string, req any) (string, error) {
	return contenthash.Object(hashEnvelope{Kind: kind, Request: req})
}

// ──────────────────────────────────────────────────
// Completion
// ──────────────────────────────────────────────────

// CompletionRequest identifies a text completion call.
type CompletionRequest struct {
	ProviderID  string   `json:"provider_id"`
	ModelID     string   `json:"model_id"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	N           int      `json:"n"`
	Stop        []string `json:"stop,omitempty"`
}

// Hash returns the canonical request hash.
func (r *CompletionRequest) Hash() (string, error) { return hashRequest(kindCompletion, r) }

// Completion is one stored completion response.
type Completion struct {
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Created    time.Time `json:"created"`
	Text       string    `json:"text"`
}

// ──────────────────────────────────────────────────
// Chat
// ──────────────────────────────────────────────────

// ChatMessage is one message of a chat exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest identifies a chat generation call.
type ChatRequest struct {
	ProviderID  string        `json:"provider_id"`
	ModelID     string        `json:"model_id"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	N           int           `json:"n"`
	Stop        []string      `json:"stop,omitempty"`
}

// Hash returns the canonical request hash.
func (r *ChatRequest) Hash() (string, error) { return hashRequest(kindChat, r) }

// ChatGeneration is one stored chat response.
type ChatGeneration struct {
	ProviderID string      `json:"provider_id"`
	ModelID    string      `json:"model_id"`
	Created    time.Time   `json:"created"`
	Message    ChatMessage `json:"message"`
}

// ──────────────────────────────────────────────────
// Embedding
// ──────────────────────────────────────────────────

// EmbeddingRequest identifies an embedding call.
type EmbeddingRequest struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	Text       string `json:"text"`
}

// Hash returns the canonical request hash.
func (r *EmbeddingRequest) Hash() (string, error) { return hashRequest(kindEmbedding, r) }

// EmbeddingVector is one stored embedding response.
type EmbeddingVector struct {
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Created    time.Time `json:"created"`
	Vector     []float64 `json:"vector"`
}

// ──────────────────────────────────────────────────
// HTTP
// ──────────────────────────────────────────────────

// HTTPRequest identifies an outbound HTTP call.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Hash returns the canonical request hash.
func (r *HTTPRequest) Hash() (string, error) { return hashRequest(kindHTTP, r) }

// HTTPResponse is one stored HTTP response.
type HTTPResponse struct {
	Created    time.Time         `json:"created"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// Store defines the four response caches. Every store call appends; blind
// caller-side retries of a store duplicate data.
type Store interface {
	// CompletionCacheGet returns every completion stored for the request.
	CompletionCacheGet(ctx context.Context, projectID int64, req *CompletionRequest) ([]*Completion, error)

	// CompletionCacheStore appends a completion for the request.
	CompletionCacheStore(ctx context.Context, projectID int64, req *CompletionRequest, gen *Completion) error

	// ChatCacheGet returns every chat generation stored for the request.
	ChatCacheGet(ctx context.Context, projectID int64, req *ChatRequest) ([]*ChatGeneration, error)

	// ChatCacheStore appends a chat generation for the request.
	ChatCacheStore(ctx context.Context, projectID int64, req *ChatRequest, gen *ChatGeneration) error

	// EmbeddingCacheGet returns every vector stored for the request.
	EmbeddingCacheGet(ctx context.Context, projectID int64, req *EmbeddingRequest) ([]*EmbeddingVector, error)

	// EmbeddingCacheStore appends a vector for the request.
	EmbeddingCacheStore(ctx context.Context, projectID int64, req *EmbeddingRequest, vec *EmbeddingVector) error

	// HTTPCacheGet returns every response stored for the request.
	HTTPCacheGet(ctx context.Context, projectID int64, req *HTTPRequest) ([]*HTTPResponse, error)

	// HTTPCacheStore appends a response for the request.
	HTTPCacheStore(ctx context.Context, projectID int64, req *HTTPRequest, resp *HTTPResponse) error
}
