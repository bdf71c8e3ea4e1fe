package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/ragserve/models"
)

type IngestionService interface {
	Ingest(ctx context.Context, tenantID string, userID string, name string, declaredType string, blob []byte) (*models.IngestResponse, error)
	Delete(ctx context.Context, tenantID string, userID string, documentID uuid.UUID) error
	Reprocess(ctx context.Context, tenantID string, userID string, documentID uuid.UUID) (*models.IngestResponse, error)
}

type DocumentService interface {
	ListDocuments(ctx context.Context, tenantID string, filter models.DocumentListFilter) (*models.DocumentListResponse, error)
	GetDocument(ctx context.Context, tenantID string, id uuid.UUID) (*models.Document, error)
	GetStats(ctx context.Context, tenantID string) (*models.DocumentStats, error)

	// RebuildIndex re-embeds every READY chunk for the tenant and swaps
	// in a freshly built index. Returns the number of chunks embedded.
	RebuildIndex(ctx context.Context, tenantID string) (int, error)
}

type QueryService interface {
	Query(ctx context.Context, tenantID string, userID string, req models.QueryRequest) (*models.QueryResult, error)

	// QueryStream runs the same pipeline but delivers the answer as a
	// sequence of deltas followed by one terminal event with the full
	// result. Pre-stream denials (quota, rate) are returned as errors.
	QueryStream(ctx context.Context, tenantID string, userID string, req models.QueryRequest) (<-chan models.StreamEvent, error)
}

type QuotaKind string

const (
	QuotaDocuments QuotaKind = "documents"
	QuotaStorage   QuotaKind = "storage_bytes"
	QuotaQueries   QuotaKind = "queries"
	QuotaTokens    QuotaKind = "tokens"
)

type QuotaService interface {
	// TryConsume atomically checks and consumes; amount 0 is a pure
	// cap check. Denials are *Error with KindQuotaExceeded.
	TryConsume(ctx context.Context, tenantID string, kind QuotaKind, amount int64) error

	// Consume records usage unconditionally. Used for post-call token
	// reconciliation where the spend already happened.
	Consume(ctx context.Context, tenantID string, kind QuotaKind, amount int64) error

	// TryConsumeUpload consumes one document plus its bytes as a single
	// atomic check so a concurrent upload cannot split the two limits.
	TryConsumeUpload(ctx context.Context, tenantID string, sizeBytes int64) error
	ReleaseUpload(ctx context.Context, tenantID string, sizeBytes int64) error

	GetStatus(ctx context.Context, tenantID string) (*models.QuotaStatusResponse, error)
}

// RateGrant is an admitted reservation against the per-tenant buckets.
// Exactly one of Reconcile or Cancel must be called.
type RateGrant interface {
	// Reconcile settles the token reservation against actual usage,
	// returning any excess to the bucket.
	Reconcile(actualTokens int)
	// Cancel returns the whole reservation, for requests that never
	// reached the model.
	Cancel()
}

type RateLimitService interface {
	// Acquire reserves one request and an estimated token spend.
	// Denials are *Error with KindRateLimited and a RetryAfter hint.
	Acquire(tenantID string, estimatedTokens int) (RateGrant, error)
}

type AuditService interface {
	Record(ctx context.Context, record *models.AuditRecord) error
	RecordQuery(ctx context.Context, tenantID string, userID string, details models.QueryAuditDetails) error
	List(ctx context.Context, tenantID string, filter models.AuditListFilter) (*models.AuditListResponse, error)
}

type FeedbackService interface {
	// Submit upserts the rating for (tenant, user, message).
	Submit(ctx context.Context, tenantID string, userID string, req models.FeedbackRequest) (*models.FeedbackRecord, error)
	GetStats(ctx context.Context, tenantID string, days int) (*models.FeedbackStats, error)
}

type ResponseCache interface {
	// Key derives the cache fingerprint from the tenant, the normalized
	// question and the sorted document scope.
	Key(tenantID string, question string, docScope []uuid.UUID) string

	// GetOrBuild returns the cached result when fresh, otherwise runs
	// build exactly once per key across concurrent callers. The bool
	// reports whether the result came from cache. Build errors are
	// returned and never cached.
	GetOrBuild(ctx context.Context, tenantID string, key string, build func(context.Context) (*models.QueryResult, error)) (*models.QueryResult, bool, error)

	// InvalidateTenant bumps the tenant epoch; existing entries become
	// unreadable without being scanned.
	InvalidateTenant(ctx context.Context, tenantID string) error
}

type LexicalHit struct {
	ChunkID uuid.UUID `json:"chunk_id"`
	Score   float64   `json:"score"`
}

type LexicalRetriever interface {
	Search(ctx context.Context, tenantID string, query string, k int) ([]LexicalHit, error)

	// MarkStale flags the tenant's in-memory statistics for rebuild on
	// the next search.
	MarkStale(tenantID string)
}

type RetrieveOptions struct {
	K        int         `json:"k"`
	DocScope []uuid.UUID `json:"doc_scope,omitempty"`
}

type RetrievalResult struct {
	Chunks []models.RetrievedChunk `json:"chunks"`

	// VectorDegraded is true when the vector leg failed (embedding or
	// index unavailable) and the results are lexical-only.
	VectorDegraded bool `json:"vector_degraded,omitempty"`
}

type HybridRetriever interface {
	Retrieve(ctx context.Context, tenantID string, question string, opts RetrieveOptions) (*RetrievalResult, error)
}

// Page is one page of extracted text, 1-indexed.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type PageExtractor interface {
	Extract(blob []byte, declaredType string) ([]Page, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

type Reranker interface {
	// Rerank scores each text against the query, one score in [0,1]
	// per input text.
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// CompressedContext is the budget-trimmed selection handed to the LLM.
type CompressedContext struct {
	Chunks      []models.RetrievedChunk `json:"chunks"`
	TotalTokens int                     `json:"total_tokens"`

	// Truncated is set when an oversized chunk had to be cut down to
	// fit the token budget.
	Truncated bool `json:"truncated,omitempty"`
}

type ContextCompressor interface {
	Compress(chunks []models.RetrievedChunk) CompressedContext
}

type ConfidenceScorer interface {
	// Score grades how well the answer is supported by the selected
	// context. An answer that states the context lacks the information
	// always grades as none.
	Score(answer string, context []models.RetrievedChunk) models.Confidence
}

type SuggestionGenerator interface {
	// Suggest returns exactly three follow-up questions derived from
	// the answer and the selected context.
	Suggest(question string, answer string, context []models.RetrievedChunk) []string

	// InitialSuggestions returns starter questions for a freshly
	// ingested document, derived from its extracted pages.
	InitialSuggestions(pages []Page) []string
}

type CompletionRequest struct {
	System      string               `json:"system"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	TopP        float64              `json:"top_p"`
}

type Completion struct {
	Content      string `json:"content"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// CompletionDelta is one frame of a streamed completion. Content is
// empty on the terminal frame, which carries Final instead. A failed
// stream delivers Err on its last frame before the channel closes.
type CompletionDelta struct {
	Content string      `json:"content,omitempty"`
	Done    bool        `json:"done,omitempty"`
	Final   *Completion `json:"final,omitempty"`
	Err     error       `json:"-"`
}

type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan CompletionDelta, error)
	ModelID() string
}
