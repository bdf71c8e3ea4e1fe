package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceNone   ConfidenceLevel = "none"
)

type Confidence struct {
	Level ConfidenceLevel `json:"level"`
	Score float64         `json:"score"`
}

type QueryRequest struct {
	Question     string      `json:"question" validate:"required,min=1,max=2000"`
	SessionID    string      `json:"session_id,omitempty"`
	TopK         *int        `json:"top_k,omitempty"`
	DocScope     []uuid.UUID `json:"doc_scope,omitempty"`
	EnableRerank *bool       `json:"enable_rerank,omitempty"`
	EnableCache  *bool       `json:"enable_cache,omitempty"`
	Stream       bool        `json:"stream,omitempty"`
}

type Source struct {
	DocumentID   uuid.UUID `json:"doc_id"`
	ChunkID      uuid.UUID `json:"chunk_id"`
	Page         int       `json:"page"`
	Score        float64   `json:"score"`
	DocumentName string    `json:"document_name,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
}

type QueryResult struct {
	Answer      string     `json:"answer"`
	Sources     []Source   `json:"sources"`
	Confidence  Confidence `json:"confidence"`
	Suggestions []string   `json:"suggestions"`
	CacheHit    bool       `json:"cache_hit"`
	TokensUsed  int        `json:"tokens_used"`
	LatencyMs   int64      `json:"latency_ms"`

	// Chat log row backing this answer; feedback submissions reference it.
	MessageID uuid.UUID `json:"message_id,omitempty"`
}

// RetrievedChunk is the unit flowing through retrieval, fusion, rerank
// and compression. Score fields are filled in as the pipeline advances.
type RetrievedChunk struct {
	ID           uuid.UUID `json:"id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name,omitempty"`
	Content      string    `json:"content"`
	Ordinal      int       `json:"ordinal"`
	Page         int       `json:"page"`
	TokenCount   int       `json:"token_count"`

	VectorScore  float64 `json:"vector_score,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	FusedScore   float64 `json:"fused_score,omitempty"`
	RerankScore  float64 `json:"rerank_score,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEvent is one SSE frame of a streamed answer. Type is "delta"
// while tokens arrive, then a single "done" carrying the full result,
// or "error" if generation was abandoned mid-stream.
type StreamEvent struct {
	Type   string       `json:"type"`
	Delta  string       `json:"delta,omitempty"`
	Result *QueryResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type ChatLog struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID  string    `json:"tenant_id" gorm:"type:varchar(255);not null;index"`
	UserID    string    `json:"user_id" gorm:"type:varchar(255);not null;index"`
	SessionID string    `json:"session_id" gorm:"type:varchar(64);not null;index"`

	Question string `json:"question" gorm:"type:text;not null"`
	Answer   string `json:"answer" gorm:"type:text;not null"`

	ContextChunks datatypes.JSON `json:"context_chunks,omitempty" gorm:"type:jsonb"`

	ModelUsed  string `json:"model_used,omitempty" gorm:"type:varchar(100)"`
	TokensUsed int    `json:"tokens_used" gorm:"default:0"`
	LatencyMs  int64  `json:"latency_ms" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now();index"`
}

func (ChatLog) TableName() string {
	return "rag_chat_logs"
}
