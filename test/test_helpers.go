package test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
	"github.com/ragserve/services/impl"
	"github.com/ragserve/services/index"
)

// testDB connects to the database named by RAG_TEST_DATABASE_DSN and
// migrates the schema. Tests are skipped when the variable is unset so
// the suite stays green on machines without Postgres.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("RAG_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("RAG_TEST_DATABASE_DSN not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Tenant{},
		&models.QuotaState{},
		&models.Document{},
		&models.Chunk{},
		&models.ChatLog{},
		&models.AuditRecord{},
		&models.FeedbackRecord{},
	))
	return db
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Chunking:   config.ChunkingConfig{TargetTokens: 450, OverlapTokens: 80, MinTokens: 20, TokenizerID: "simple"},
		Retrieval:  config.RetrievalConfig{KRetrieval: 20, KFused: 10, KRRF: 60},
		Context:    config.ContextConfig{BudgetTokens: 2000},
		Cache:      config.CacheConfig{TTLSeconds: 3600},
		Rate:       config.RateConfig{RPM: 500, TPM: 5000000},
		Confidence: config.ConfidenceConfig{HighThreshold: 0.75, MediumThreshold: 0.5, LowThreshold: 0.25},
		Reranker:   config.RerankerConfig{Enabled: true, ModelID: "lexical-overlap"},
		LLM:        config.LLMConfig{MaxTokens: 512, Temperature: 0.1},
		Upload:     config.UploadConfig{MaxFileSizeBytes: 1 << 20},
		Embedding:  config.EmbeddingConfig{Dimensions: 32},
		IndexCache: config.IndexCacheConfig{Size: 4, FlushInterval: 3600, DataDir: t.TempDir()},
		Greeting: config.GreetingConfig{
			Phrases:  []string{"hi", "hello", "good morning"},
			Response: "Hello! Ask me anything about your documents.",
		},
	}
}

// newTenant registers a tenant with a unique ID so tests sharing a
// database never collide with each other's rows.
func newTenant(t *testing.T, db *gorm.DB, tier models.TenantTier) string {
	t.Helper()
	id := "tenant-" + uuid.NewString()[:8]
	require.NoError(t, db.Create(&models.Tenant{
		ID:       id,
		Name:     id,
		Slug:     id,
		Tier:     tier,
		IsActive: true,
	}).Error)
	return id
}

// ragStack is the full service graph wired against a real database with
// the deterministic null model clients standing in for remote inference.
type ragStack struct {
	cfg *config.Config

	ingestion services.IngestionService
	documents services.DocumentService
	query     services.QueryService
	quota     services.QuotaService
	audit     services.AuditService
	feedback  services.FeedbackService

	indexes *index.Cache
}

func newRAGStack(t *testing.T, db *gorm.DB, answer string) *ragStack {
	t.Helper()
	cfg := testConfig(t)

	store, err := index.NewFSStore(cfg.IndexCache.DataDir)
	require.NoError(t, err)
	indexes := index.NewCache(store, cfg.Embedding.Dimensions, cfg.IndexCache.Size, cfg.GetFlushInterval(), nil)
	t.Cleanup(func() {
		require.NoError(t, indexes.Close(context.Background()))
	})

	embedder := impl.NewNullEmbedder(cfg.Embedding.Dimensions)
	audit := impl.NewAuditService(db)
	quota := impl.NewQuotaService(db)
	lexical := impl.NewLexicalRetriever(db)
	cache := impl.NewResponseCache(&cfg.Cache, cfg.PipelineVersion(), nil)
	suggester := impl.NewSuggestionGenerator()
	locks := impl.NewTenantLocks()

	ingestion := impl.NewIngestionService(&cfg.Upload, impl.IngestionDeps{
		DB:        db,
		Extractor: impl.NewPlainTextExtractor(),
		Chunker:   impl.NewChunker(cfg.Chunking),
		Embedder:  embedder,
		Indexes:   indexes,
		Uploads:   store,
		Quota:     quota,
		Lexical:   lexical,
		Cache:     cache,
		Audit:     audit,
		Suggester: suggester,
		Locks:     locks,
	})

	documents := impl.NewDocumentService(impl.DocumentDeps{
		DB:       db,
		Embedder: embedder,
		Indexes:  indexes,
		Lexical:  lexical,
		Cache:    cache,
		Audit:    audit,
		Locks:    locks,
	})

	query := impl.NewQueryService(cfg, impl.QueryDeps{
		DB:         db,
		Cache:      cache,
		Quota:      quota,
		Rate:       impl.NewRateLimiter(&cfg.Rate),
		Retriever:  impl.NewHybridRetriever(db, indexes, embedder, lexical, &cfg.Retrieval),
		Reranker:   impl.NewReranker(&cfg.Reranker),
		Compressor: impl.NewContextCompressor(&cfg.Context),
		Confidence: impl.NewConfidenceScorer(&cfg.Confidence),
		Suggester:  suggester,
		LLM:        impl.NewNullLLM(answer),
		Audit:      audit,
	})

	return &ragStack{
		cfg:       cfg,
		ingestion: ingestion,
		documents: documents,
		query:     query,
		quota:     quota,
		audit:     audit,
		feedback:  impl.NewFeedbackService(db, audit),
		indexes:   indexes,
	}
}

// ingestText uploads a markdown document and requires it to come out
// READY.
func (s *ragStack) ingestText(t *testing.T, tenantID, name, text string) *models.IngestResponse {
	t.Helper()
	resp, err := s.ingestion.Ingest(context.Background(), tenantID, "user-1", name, "text/markdown", []byte(text))
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusReady, resp.Status)
	return resp
}
