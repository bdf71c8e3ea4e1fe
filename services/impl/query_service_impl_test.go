package impl

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

type fakeRetriever struct {
	chunks   []models.RetrievedChunk
	degraded bool
	err      error
	calls    int32
}

func (f *fakeRetriever) Retrieve(ctx context.Context, tenantID, question string, opts services.RetrieveOptions) (*services.RetrievalResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &services.RetrievalResult{Chunks: f.chunks, VectorDegraded: f.degraded}, nil
}

type failingLLM struct{}

func (failingLLM) ModelID() string { return "failing" }

func (failingLLM) Complete(ctx context.Context, req services.CompletionRequest) (*services.Completion, error) {
	return nil, services.NewError(services.KindLLMFailure, "provider down")
}

func (failingLLM) Stream(ctx context.Context, req services.CompletionRequest) (<-chan services.CompletionDelta, error) {
	return nil, services.NewError(services.KindLLMFailure, "provider down")
}

// countingLLM wraps NullLLM and counts Complete calls, for the
// single-flight assertion.
type countingLLM struct {
	*NullLLM
	calls int32
}

func (c *countingLLM) Complete(ctx context.Context, req services.CompletionRequest) (*services.Completion, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.NullLLM.Complete(ctx, req)
}

type recordingQuota struct {
	mu          sync.Mutex
	queries     int64
	tokens      int64
	denyQueries bool
}

func (q *recordingQuota) TryConsume(ctx context.Context, tenantID string, kind services.QuotaKind, amount int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kind == services.QuotaQueries {
		if q.denyQueries {
			return services.QuotaDenied("daily query cap reached", nil)
		}
		q.queries += amount
	}
	return nil
}

func (q *recordingQuota) Consume(ctx context.Context, tenantID string, kind services.QuotaKind, amount int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kind == services.QuotaTokens {
		q.tokens += amount
	}
	return nil
}

func (q *recordingQuota) TryConsumeUpload(ctx context.Context, tenantID string, sizeBytes int64) error {
	return nil
}

func (q *recordingQuota) ReleaseUpload(ctx context.Context, tenantID string, sizeBytes int64) error {
	return nil
}

func (q *recordingQuota) GetStatus(ctx context.Context, tenantID string) (*models.QuotaStatusResponse, error) {
	return &models.QuotaStatusResponse{}, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	queries []models.QueryAuditDetails
}

func (a *recordingAudit) Record(ctx context.Context, record *models.AuditRecord) error { return nil }

func (a *recordingAudit) RecordQuery(ctx context.Context, tenantID string, userID string, details models.QueryAuditDetails) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, details)
	return nil
}

func (a *recordingAudit) List(ctx context.Context, tenantID string, filter models.AuditListFilter) (*models.AuditListResponse, error) {
	return &models.AuditListResponse{}, nil
}

func (a *recordingAudit) queryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queries)
}

func pipelineConfig() *config.Config {
	return &config.Config{
		Retrieval:  config.RetrievalConfig{KRetrieval: 20, KFused: 10, KRRF: 60},
		Context:    config.ContextConfig{BudgetTokens: 2000},
		Cache:      config.CacheConfig{TTLSeconds: 3600},
		Rate:       config.RateConfig{RPM: 100, TPM: 100000},
		Confidence: config.ConfidenceConfig{HighThreshold: 0.75, MediumThreshold: 0.5, LowThreshold: 0.25},
		Reranker:   config.RerankerConfig{Enabled: true, ModelID: "lexical-overlap"},
		LLM:        config.LLMConfig{MaxTokens: 1000, Temperature: 0.1},
		Greeting: config.GreetingConfig{
			Phrases:  []string{"hi", "hello", "good morning"},
			Response: "Hello! Ask me about your documents.",
		},
	}
}

type pipelineFixture struct {
	service   services.QueryService
	quota     *recordingQuota
	audit     *recordingAudit
	retriever *fakeRetriever
	llm       services.LLMClient
}

func newPipeline(t *testing.T, cfg *config.Config, retriever *fakeRetriever, llm services.LLMClient) *pipelineFixture {
	t.Helper()
	quota := &recordingQuota{}
	audit := &recordingAudit{}
	service := NewQueryService(cfg, QueryDeps{
		Cache:      NewResponseCache(&cfg.Cache, "test-version", nil),
		Quota:      quota,
		Rate:       NewRateLimiter(&cfg.Rate),
		Retriever:  retriever,
		Reranker:   NewReranker(&cfg.Reranker),
		Compressor: NewContextCompressor(&cfg.Context),
		Confidence: NewConfidenceScorer(&cfg.Confidence),
		Suggester:  NewSuggestionGenerator(),
		LLM:        llm,
		Audit:      audit,
	})
	return &pipelineFixture{service: service, quota: quota, audit: audit, retriever: retriever, llm: llm}
}

func supportChunks() []models.RetrievedChunk {
	return []models.RetrievedChunk{
		{
			ID:           uuid.New(),
			DocumentID:   uuid.New(),
			DocumentName: "runbook.md",
			Content:      "Deployment rollbacks use the blue green switch. The previous release stays warm for one hour after cutover.",
			Page:         2,
			TokenCount:   18,
			VectorScore:  0.91,
			FusedScore:   0.03,
		},
		{
			ID:           uuid.New(),
			DocumentID:   uuid.New(),
			DocumentName: "oncall.md",
			Content:      "Rollback is triggered from the deploy dashboard and completes within two minutes.",
			Page:         5,
			TokenCount:   13,
			VectorScore:  0.84,
			FusedScore:   0.02,
		},
	}
}

func TestQueryPipeline_AnswersAndAudits(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	llm := NewNullLLM("Rollbacks use the blue green switch and the previous release stays warm for one hour.")
	f := newPipeline(t, pipelineConfig(), retriever, llm)

	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{
		Question: "How do deployment rollbacks work?",
	})

	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Len(t, result.Sources, 2)
	assert.Len(t, result.Suggestions, 3)
	assert.NotEqual(t, models.ConfidenceNone, result.Confidence.Level)
	assert.Greater(t, result.TokensUsed, 0)
	assert.Equal(t, int64(1), f.quota.queries)
	assert.Equal(t, int64(result.TokensUsed), f.quota.tokens)
	assert.Equal(t, 1, f.audit.queryCount())
}

func TestQueryPipeline_CacheHitSkipsRetrievalButAudits(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	f := newPipeline(t, pipelineConfig(), retriever, NewNullLLM("Grounded answer about rollbacks."))

	first, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "How do rollbacks work?"})
	require.NoError(t, err)
	second, err := f.service.Query(context.Background(), "tenant-a", "user-2", models.QueryRequest{Question: "  how do ROLLBACKS work? "})
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, int32(1), atomic.LoadInt32(&retriever.calls))
	assert.Equal(t, 2, f.audit.queryCount())
}

func TestQueryPipeline_SingleFlight(t *testing.T) {
	cfg := pipelineConfig()
	// Headroom so 50 simultaneous reservations never trip the buckets.
	cfg.Rate.RPM = 200
	cfg.Rate.TPM = 1000000
	retriever := &fakeRetriever{chunks: supportChunks()}
	llm := &countingLLM{NullLLM: NewNullLLM("Shared answer.")}
	f := newPipeline(t, cfg, retriever, llm)

	const callers = 50
	var wg sync.WaitGroup
	var hits int32
	results := make([]*models.QueryResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "single flight question"})
			if !assert.NoError(t, err) {
				return
			}
			results[i] = result
			if result.CacheHit {
				atomic.AddInt32(&hits, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&llm.calls))
	assert.Equal(t, int32(callers-1), hits)

	// Shared answers are stamped per caller, so no two callers may hold
	// the same struct.
	distinct := make(map[*models.QueryResult]struct{}, callers)
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, results[0].Answer, result.Answer)
		distinct[result] = struct{}{}
	}
	assert.Len(t, distinct, callers)
}

func TestQueryPipeline_ConcurrentUncacheableAnswersAreCopies(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Rate.RPM = 200
	cfg.Rate.TPM = 1000000
	// No chunks: every build ends in the uncacheable grounded-empty
	// result, which concurrent callers share through one builder.
	retriever := &fakeRetriever{}
	f := newPipeline(t, cfg, retriever, NewNullLLM("should never run"))

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*models.QueryResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "no matching documents"})
			if assert.NoError(t, err) {
				results[i] = result
			}
		}(i)
	}
	wg.Wait()

	distinct := make(map[*models.QueryResult]struct{}, callers)
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, groundedEmptyAnswer, result.Answer)
		distinct[result] = struct{}{}
	}
	assert.Len(t, distinct, callers)
}

func TestQueryPipeline_GroundedEmpty(t *testing.T) {
	retriever := &fakeRetriever{}
	llm := &countingLLM{NullLLM: NewNullLLM("should never run")}
	f := newPipeline(t, pipelineConfig(), retriever, llm)

	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "anything about rollbacks"})

	require.NoError(t, err)
	assert.Equal(t, groundedEmptyAnswer, result.Answer)
	assert.Empty(t, result.Sources)
	assert.Equal(t, models.ConfidenceNone, result.Confidence.Level)
	assert.Zero(t, atomic.LoadInt32(&llm.calls))
	assert.Equal(t, 1, f.audit.queryCount(), "grounded-empty responses are still audited")

	// Degraded results are not cached: a second identical query runs
	// retrieval again.
	_, err = f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "anything about rollbacks"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&retriever.calls))
}

func TestQueryPipeline_GreetingShortCircuit(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	llm := &countingLLM{NullLLM: NewNullLLM("should never run")}
	f := newPipeline(t, pipelineConfig(), retriever, llm)

	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "Hello!"})

	require.NoError(t, err)
	assert.Equal(t, "Hello! Ask me about your documents.", result.Answer)
	assert.Zero(t, atomic.LoadInt32(&retriever.calls))
	assert.Zero(t, atomic.LoadInt32(&llm.calls))
	assert.Zero(t, f.quota.queries, "greetings do not consume query quota")
	assert.Zero(t, f.audit.queryCount())
}

func TestQueryPipeline_DegradedLLM(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	f := newPipeline(t, pipelineConfig(), retriever, failingLLM{})

	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "How do rollbacks work?"})

	require.NoError(t, err)
	assert.Contains(t, result.Answer, unableToSynthesizeNote)
	assert.Contains(t, result.Answer, "runbook.md")
	assert.Equal(t, models.ConfidenceNone, result.Confidence.Level)
	assert.Len(t, result.Sources, 2)
	assert.Zero(t, result.TokensUsed)
	assert.Equal(t, 1, f.audit.queryCount(), "degraded responses are still audited")
	require.Equal(t, 1, len(f.audit.queries))
	assert.Zero(t, f.audit.queries[0].TokensOut)
}

func TestQueryPipeline_VectorDegradedCapsConfidence(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks(), degraded: true}
	f := newPipeline(t, pipelineConfig(), retriever,
		NewNullLLM("Rollbacks use the blue green switch from the deploy dashboard."))

	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "How do rollbacks work?"})

	require.NoError(t, err)
	assert.NotEqual(t, models.ConfidenceHigh, result.Confidence.Level)
	assert.NotEqual(t, models.ConfidenceMedium, result.Confidence.Level)
}

func TestQueryPipeline_QuotaDenied(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	f := newPipeline(t, pipelineConfig(), retriever, NewNullLLM("answer"))
	f.quota.denyQueries = true

	_, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: "How do rollbacks work?"})

	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindQuotaExceeded))
	assert.Zero(t, atomic.LoadInt32(&retriever.calls))
}

func TestQueryPipeline_RateLimited(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Rate.RPM = 5
	cfg.Rate.TPM = 1000000
	retriever := &fakeRetriever{chunks: supportChunks()}
	llm := &countingLLM{NullLLM: NewNullLLM("answer")}
	f := newPipeline(t, cfg, retriever, llm)

	// Distinct questions so the response cache stays out of the way.
	questions := []string{"q one", "q two", "q three", "q four", "q five", "q six"}
	var denied error
	for i, q := range questions {
		_, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{Question: q})
		if i < 5 {
			require.NoError(t, err, "query %d should be admitted", i+1)
		} else {
			denied = err
		}
	}

	require.Error(t, denied)
	var se *services.Error
	require.ErrorAs(t, denied, &se)
	assert.Equal(t, services.KindRateLimited, se.Kind)
	assert.Greater(t, se.RetryAfter.Seconds(), 0.0)
	assert.LessOrEqual(t, se.RetryAfter.Seconds(), 60.0)
	assert.Equal(t, int32(5), atomic.LoadInt32(&llm.calls))
	assert.Equal(t, 5, f.audit.queryCount())
}

func TestQueryPipeline_RerankDisabledKeepsFusionOrder(t *testing.T) {
	chunks := supportChunks()
	retriever := &fakeRetriever{chunks: chunks}
	f := newPipeline(t, pipelineConfig(), retriever, NewNullLLM("answer about rollbacks"))

	disabled := false
	result, err := f.service.Query(context.Background(), "tenant-a", "user-1", models.QueryRequest{
		Question:     "How do rollbacks work?",
		EnableRerank: &disabled,
	})

	require.NoError(t, err)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, chunks[0].ID, result.Sources[0].ChunkID)
	assert.Equal(t, 1.0, result.Sources[0].Score)
	assert.Greater(t, result.Sources[0].Score, result.Sources[1].Score)
}

func TestQueryPipeline_StreamDeliversDeltasThenResult(t *testing.T) {
	retriever := &fakeRetriever{chunks: supportChunks()}
	f := newPipeline(t, pipelineConfig(), retriever,
		NewNullLLM("Streamed answer about the blue green switch."))

	events, err := f.service.QueryStream(context.Background(), "tenant-a", "user-1", models.QueryRequest{
		Question: "How do rollbacks work?",
		Stream:   true,
	})
	require.NoError(t, err)

	var streamed strings.Builder
	var final *models.QueryResult
	for event := range events {
		switch event.Type {
		case "delta":
			streamed.WriteString(event.Delta)
		case "done":
			final = event.Result
		case "error":
			t.Fatalf("unexpected stream error: %s", event.Error)
		}
	}

	require.NotNil(t, final)
	assert.Equal(t, "Streamed answer about the blue green switch.", streamed.String())
	assert.Equal(t, final.Answer, streamed.String())
	assert.Len(t, final.Sources, 2)
	assert.Equal(t, 1, f.audit.queryCount())
}

func TestIsGreeting(t *testing.T) {
	f := newPipeline(t, pipelineConfig(), &fakeRetriever{}, NewNullLLM(""))
	s := f.service.(*queryServiceImpl)

	assert.True(t, s.isGreeting("hello"))
	assert.True(t, s.isGreeting("  Good Morning!  "))
	assert.True(t, s.isGreeting("yo"))
	assert.False(t, s.isGreeting("hello, how are rollbacks configured?"))
	assert.False(t, s.isGreeting("k8s"))
}
