package impl

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
	"github.com/ragserve/services/index"
)

// Engine owns every moving part of the RAG core: the resident index
// cache, the governors, the model clients and the services built on
// them. Construct one per process and shut it down before exit so
// dirty indexes reach disk.
type Engine struct {
	Ingestion services.IngestionService
	Documents services.DocumentService
	Query     services.QueryService
	Quota     services.QuotaService
	Feedback  services.FeedbackService
	Audit     services.AuditService

	indexes *index.Cache
}

func NewEngine(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Engine, error) {
	store, err := index.NewFSStore(cfg.IndexCache.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}

	audit := NewAuditService(db)

	// Quarantines are operator events; they land in the audit trail the
	// moment the corrupt load is detected.
	onQuarantine := func(tenantID string, reason error) {
		record := &models.AuditRecord{
			TenantID:     tenantID,
			Action:       models.AuditActionIndexQuarantine,
			ResourceType: "vector_index",
			Status:       models.AuditStatusFailed,
		}
		if details, derr := models.ConvertToJSON(map[string]string{"reason": reason.Error()}); derr == nil {
			record.Details = details
		}
		if aerr := audit.Record(context.Background(), record); aerr != nil {
			log.Printf("Failed to audit index quarantine for tenant %s: %v", tenantID, aerr)
		}
	}

	indexes := index.NewCache(store, cfg.Embedding.Dimensions, cfg.IndexCache.Size, cfg.GetFlushInterval(), onQuarantine)

	embedder := NewEmbedderClient(&cfg.Embedding)
	llm := NewLLMClient(&cfg.LLM)
	lexical := NewLexicalRetriever(db)
	responseCache := NewResponseCache(&cfg.Cache, cfg.PipelineVersion(), redisClient)
	quota := NewQuotaService(db)
	suggester := NewSuggestionGenerator()
	locks := NewTenantLocks()

	ingestion := NewIngestionService(&cfg.Upload, IngestionDeps{
		DB:        db,
		Extractor: NewPlainTextExtractor(),
		Chunker:   NewChunker(cfg.Chunking),
		Embedder:  embedder,
		Indexes:   indexes,
		Uploads:   store,
		Quota:     quota,
		Lexical:   lexical,
		Cache:     responseCache,
		Audit:     audit,
		Suggester: suggester,
		Locks:     locks,
	})

	documents := NewDocumentService(DocumentDeps{
		DB:       db,
		Embedder: embedder,
		Indexes:  indexes,
		Lexical:  lexical,
		Cache:    responseCache,
		Audit:    audit,
		Locks:    locks,
	})

	query := NewQueryService(cfg, QueryDeps{
		DB:         db,
		Cache:      responseCache,
		Quota:      quota,
		Rate:       NewRateLimiter(&cfg.Rate),
		Retriever:  NewHybridRetriever(db, indexes, embedder, lexical, &cfg.Retrieval),
		Reranker:   NewReranker(&cfg.Reranker),
		Compressor: NewContextCompressor(&cfg.Context),
		Confidence: NewConfidenceScorer(&cfg.Confidence),
		Suggester:  suggester,
		LLM:        llm,
		Audit:      audit,
	})

	return &Engine{
		Ingestion: ingestion,
		Documents: documents,
		Query:     query,
		Quota:     quota,
		Feedback:  NewFeedbackService(db, audit),
		Audit:     audit,
		indexes:   indexes,
	}, nil
}

// Shutdown stops the background flusher and persists every dirty
// index. Call after the HTTP server has drained.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.indexes.Close(ctx)
}
