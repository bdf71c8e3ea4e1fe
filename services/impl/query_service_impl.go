package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ragserve/config"
	"github.com/ragserve/metrics"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	// groundedEmptyAnswer is the fixed reply when neither retriever
	// finds anything. Never synthesized, never cached.
	groundedEmptyAnswer = "I could not find any matching content in your documents for this question."

	// unableToSynthesizeNote prefixes the degraded reply when the model
	// is unavailable but retrieval succeeded.
	unableToSynthesizeNote = "I was unable to synthesize an answer right now. The most relevant passages found were:"

	sessionHistoryDepth = 4
)

const groundedSystemPrompt = `You are a document question answering assistant. Answer using ONLY the context provided below. If the context does not contain the information needed to answer, say that the information is not available in the provided documents. Never invent facts, cite the context where possible, and keep answers concise.`

// QueryDeps bundles the collaborators of the query pipeline.
type QueryDeps struct {
	DB         *gorm.DB
	Cache      services.ResponseCache
	Quota      services.QuotaService
	Rate       services.RateLimitService
	Retriever  services.HybridRetriever
	Reranker   services.Reranker
	Compressor services.ContextCompressor
	Confidence services.ConfidenceScorer
	Suggester  services.SuggestionGenerator
	LLM        services.LLMClient
	Audit      services.AuditService
}

type queryServiceImpl struct {
	cfg *config.Config

	db         *gorm.DB
	cache      services.ResponseCache
	quota      services.QuotaService
	rate       services.RateLimitService
	retriever  services.HybridRetriever
	reranker   services.Reranker
	compressor services.ContextCompressor
	confidence services.ConfidenceScorer
	suggester  services.SuggestionGenerator
	llm        services.LLMClient
	audit      services.AuditService

	greetings map[string]bool
}

// NewQueryService wires the full answer pipeline: governors, response
// cache, hybrid retrieval, rerank, compression, generation, confidence
// scoring, suggestions and the audit trail.
func NewQueryService(cfg *config.Config, deps QueryDeps) services.QueryService {
	greetings := make(map[string]bool, len(cfg.Greeting.Phrases))
	for _, phrase := range cfg.Greeting.Phrases {
		greetings[normalizeQuestion(phrase)] = true
	}
	return &queryServiceImpl{
		cfg:        cfg,
		db:         deps.DB,
		cache:      deps.Cache,
		quota:      deps.Quota,
		rate:       deps.Rate,
		retriever:  deps.Retriever,
		reranker:   deps.Reranker,
		compressor: deps.Compressor,
		confidence: deps.Confidence,
		suggester:  deps.Suggester,
		llm:        deps.LLM,
		audit:      deps.Audit,
		greetings:  greetings,
	}
}

func (s *queryServiceImpl) Query(ctx context.Context, tenantID string, userID string, req models.QueryRequest) (*models.QueryResult, error) {
	started := time.Now()

	req.Question = strings.TrimSpace(req.Question)
	if err := ValidateQueryRequest(req).AsServiceError(); err != nil {
		return nil, err
	}
	question := req.Question

	// Greetings cost a request slot but no quota, retrieval or model
	// time.
	if s.isGreeting(question) {
		grant, err := s.rate.Acquire(tenantID, 0)
		if err != nil {
			metrics.RateLimitedTotal.Inc()
			return nil, err
		}
		grant.Cancel()
		return &models.QueryResult{
			Answer:      s.cfg.Greeting.Response,
			Sources:     []models.Source{},
			Confidence:  models.Confidence{Level: models.ConfidenceNone, Score: 0},
			Suggestions: s.suggester.Suggest(question, "", nil),
			LatencyMs:   time.Since(started).Milliseconds(),
		}, nil
	}

	if err := s.quota.TryConsume(ctx, tenantID, services.QuotaQueries, 1); err != nil {
		metrics.QueriesTotal.WithLabelValues(tenantID, "quota_denied").Inc()
		return nil, err
	}

	grant, err := s.rate.Acquire(tenantID, s.estimateTokens(question))
	if err != nil {
		metrics.RateLimitedTotal.Inc()
		metrics.QueriesTotal.WithLabelValues(tenantID, "rate_denied").Inc()
		return nil, err
	}

	result, cacheHit, err := s.answer(ctx, tenantID, userID, req, grant, nil)
	if err != nil {
		grant.Cancel()
		metrics.QueriesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	s.finish(ctx, tenantID, userID, req, result, cacheHit, started)
	return result, nil
}

// QueryStream runs the pipeline with a streamed generation leg. The
// governors run before the channel is returned so denials surface as
// plain errors; everything after arrives as events.
func (s *queryServiceImpl) QueryStream(ctx context.Context, tenantID string, userID string, req models.QueryRequest) (<-chan models.StreamEvent, error) {
	started := time.Now()

	req.Question = strings.TrimSpace(req.Question)
	if err := ValidateQueryRequest(req).AsServiceError(); err != nil {
		return nil, err
	}
	question := req.Question

	if s.isGreeting(question) {
		grant, err := s.rate.Acquire(tenantID, 0)
		if err != nil {
			metrics.RateLimitedTotal.Inc()
			return nil, err
		}
		grant.Cancel()
		result := &models.QueryResult{
			Answer:      s.cfg.Greeting.Response,
			Sources:     []models.Source{},
			Confidence:  models.Confidence{Level: models.ConfidenceNone, Score: 0},
			Suggestions: s.suggester.Suggest(question, "", nil),
			LatencyMs:   time.Since(started).Milliseconds(),
		}
		events := make(chan models.StreamEvent, 2)
		events <- models.StreamEvent{Type: "delta", Delta: result.Answer}
		events <- models.StreamEvent{Type: "done", Result: result}
		close(events)
		return events, nil
	}

	if err := s.quota.TryConsume(ctx, tenantID, services.QuotaQueries, 1); err != nil {
		metrics.QueriesTotal.WithLabelValues(tenantID, "quota_denied").Inc()
		return nil, err
	}
	grant, err := s.rate.Acquire(tenantID, s.estimateTokens(question))
	if err != nil {
		metrics.RateLimitedTotal.Inc()
		metrics.QueriesTotal.WithLabelValues(tenantID, "rate_denied").Inc()
		return nil, err
	}

	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)
		emit := func(delta string) {
			select {
			case events <- models.StreamEvent{Type: "delta", Delta: delta}:
			case <-ctx.Done():
			}
		}

		result, cacheHit, err := s.answer(ctx, tenantID, userID, req, grant, emit)
		if err != nil {
			grant.Cancel()
			metrics.QueriesTotal.WithLabelValues(tenantID, "error").Inc()
			events <- models.StreamEvent{Type: "error", Error: publicError(err)}
			return
		}

		s.finish(ctx, tenantID, userID, req, result, cacheHit, started)
		events <- models.StreamEvent{Type: "done", Result: result}
	}()
	return events, nil
}

// answer resolves the request through the cache or, on a miss, runs the
// retrieval and generation pipeline. The returned result is a private
// copy safe to stamp with per-request fields. The emit callback, when
// non-nil, receives answer deltas as they are generated.
func (s *queryServiceImpl) answer(ctx context.Context, tenantID string, userID string, req models.QueryRequest, grant services.RateGrant, emit func(string)) (*models.QueryResult, bool, error) {
	useCache := req.EnableCache == nil || *req.EnableCache

	build := func(buildCtx context.Context) (*models.QueryResult, error) {
		return s.build(buildCtx, tenantID, userID, req, grant, emit)
	}

	if !useCache {
		result, err := build(ctx)
		if dnc, ok := asDoNotCache(err); ok {
			if emit != nil && dnc.Answer != "" {
				emit(dnc.Answer)
			}
			return dnc, false, nil
		}
		return result, false, err
	}

	key := s.cache.Key(tenantID, req.Question, req.DocScope)
	result, hit, err := s.cache.GetOrBuild(ctx, tenantID, key, build)
	if dnc, ok := asDoNotCache(err); ok {
		// Degraded answers skip the cache. The builder's grant settled
		// inside build; sharers hand theirs back here (a second settle
		// is a no-op). Singleflight hands all sharers the same error
		// value, so each caller stamps a copy of the embedded result.
		grant.Cancel()
		dnc = cloneResult(dnc)
		if emit != nil && dnc.Answer != "" {
			emit(dnc.Answer)
		}
		return dnc, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if hit {
		// The model never ran for this caller; hand the reservation back.
		grant.Cancel()
		metrics.CacheHitsTotal.Inc()
		if emit != nil && result.Answer != "" {
			emit(result.Answer)
		}
	}
	return result, hit, nil
}

// build is the cache-miss path: RETRIEVE, RERANK, COMPRESS, GENERATE,
// SCORE, SUGGEST. Dependency failures degrade deterministically rather
// than erroring, so every outcome still reaches the audit trail.
func (s *queryServiceImpl) build(ctx context.Context, tenantID string, userID string, req models.QueryRequest, grant services.RateGrant, emit func(string)) (*models.QueryResult, error) {
	retrieval, err := s.retriever.Retrieve(ctx, tenantID, req.Question, services.RetrieveOptions{
		K:        s.boundedTopK(req.TopK),
		DocScope: req.DocScope,
	})
	if err != nil {
		return nil, err
	}

	if len(retrieval.Chunks) == 0 {
		result := &models.QueryResult{
			Answer:      groundedEmptyAnswer,
			Sources:     []models.Source{},
			Confidence:  models.Confidence{Level: models.ConfidenceNone, Score: 0},
			Suggestions: s.suggester.Suggest(req.Question, "", nil),
		}
		// No model call happened; settle the reservation at zero.
		grant.Reconcile(0)
		return result, errDoNotCache{result}
	}

	ranked := s.rerank(ctx, req, retrieval.Chunks)
	compressed := s.compressor.Compress(ranked)

	completion, llmErr := s.generate(ctx, tenantID, req, compressed, emit)

	tokensUsed := 0
	if completion != nil {
		tokensUsed = completion.TokensIn + completion.TokensOut
	}
	grant.Reconcile(tokensUsed)
	if err := s.quota.Consume(ctx, tenantID, services.QuotaTokens, int64(tokensUsed)); err != nil {
		log.Printf("Failed to record token quota for tenant %s: %v", tenantID, err)
	}

	if llmErr != nil {
		log.Printf("LLM generation failed for tenant %s, returning degraded answer: %v", tenantID, llmErr)
		result := s.degradedResult(req.Question, compressed.Chunks)
		result.TokensUsed = tokensUsed
		return result, errDoNotCache{result}
	}

	conf := s.confidence.Score(completion.Content, compressed.Chunks)
	if retrieval.VectorDegraded {
		conf = capConfidence(conf, s.cfg.Confidence.LowThreshold)
	}

	result := &models.QueryResult{
		Answer:      completion.Content,
		Sources:     sourcesFrom(compressed.Chunks),
		Confidence:  conf,
		Suggestions: s.suggester.Suggest(req.Question, completion.Content, compressed.Chunks),
		TokensUsed:  tokensUsed,
	}
	return result, nil
}

// errDoNotCache smuggles a degraded-but-valid result past the response
// cache, which never stores build errors.
type errDoNotCache struct {
	result *models.QueryResult
}

func (errDoNotCache) Error() string { return "result not cacheable" }

func asDoNotCache(err error) (*models.QueryResult, bool) {
	if dnc, ok := err.(errDoNotCache); ok {
		return dnc.result, true
	}
	return nil, false
}

// finish stamps per-request fields, appends the chat log row, audits
// and records metrics. Runs for every answered query, cached or not.
func (s *queryServiceImpl) finish(ctx context.Context, tenantID string, userID string, req models.QueryRequest, result *models.QueryResult, cacheHit bool, started time.Time) {
	result.CacheHit = cacheHit
	result.LatencyMs = time.Since(started).Milliseconds()

	result.MessageID = s.appendChatLog(ctx, tenantID, userID, req, result)

	chunkIDs := make([]uuid.UUID, len(result.Sources))
	for i, src := range result.Sources {
		chunkIDs[i] = src.ChunkID
	}
	sum := sha256.Sum256([]byte(normalizeQuestion(req.Question)))
	details := models.QueryAuditDetails{
		QuestionHash: hex.EncodeToString(sum[:]),
		ChunkIDs:     chunkIDs,
		LatencyMs:    result.LatencyMs,
		CacheHit:     cacheHit,
		Confidence:   string(result.Confidence.Level),
		TokensIn:     0,
		TokensOut:    0,
	}
	if result.TokensUsed > 0 {
		// The split is not retained on cached results; attribute the
		// whole spend to output there.
		details.TokensOut = result.TokensUsed
	}
	if err := s.audit.RecordQuery(ctx, tenantID, userID, details); err != nil {
		log.Printf("Failed to audit query for tenant %s: %v", tenantID, err)
	}

	outcome := "answered"
	if result.Confidence.Level == models.ConfidenceNone && len(result.Sources) == 0 {
		outcome = "grounded_empty"
	}
	metrics.QueriesTotal.WithLabelValues(tenantID, outcome).Inc()
	metrics.QueryDuration.Observe(time.Since(started).Seconds())
}

func (s *queryServiceImpl) appendChatLog(ctx context.Context, tenantID string, userID string, req models.QueryRequest, result *models.QueryResult) uuid.UUID {
	if s.db == nil {
		return uuid.Nil
	}
	contextChunks, err := models.ConvertToJSON(result.Sources)
	if err != nil {
		contextChunks = nil
	}
	row := &models.ChatLog{
		ID:            uuid.New(),
		TenantID:      tenantID,
		UserID:        userID,
		SessionID:     req.SessionID,
		Question:      req.Question,
		Answer:        result.Answer,
		ContextChunks: contextChunks,
		ModelUsed:     s.llm.ModelID(),
		TokensUsed:    result.TokensUsed,
		LatencyMs:     result.LatencyMs,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		log.Printf("Failed to append chat log for tenant %s: %v", tenantID, err)
		return uuid.Nil
	}
	return row.ID
}

// rerank orders the fused candidates. With reranking enabled the
// scorer's output decides the order; otherwise the fusion order stands
// and rerank scores fall back to the normalized fusion rank so the
// confidence signals stay populated.
func (s *queryServiceImpl) rerank(ctx context.Context, req models.QueryRequest, chunks []models.RetrievedChunk) []models.RetrievedChunk {
	enabled := s.cfg.Reranker.Enabled
	if req.EnableRerank != nil {
		enabled = *req.EnableRerank
	}
	if !enabled || len(chunks) == 0 {
		for i := range chunks {
			chunks[i].RerankScore = 1 - float64(i)/float64(len(chunks))
		}
		return chunks
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	scores, err := s.reranker.Rerank(ctx, req.Question, texts)
	if err != nil || len(scores) != len(chunks) {
		log.Printf("Rerank failed, keeping fusion order: %v", err)
		for i := range chunks {
			chunks[i].RerankScore = 1 - float64(i)/float64(len(chunks))
		}
		return chunks
	}

	for i := range chunks {
		chunks[i].RerankScore = scores[i]
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].RerankScore > chunks[j].RerankScore
	})
	return chunks
}

// generate calls the model over the compressed context, streaming when
// an emit callback is present.
func (s *queryServiceImpl) generate(ctx context.Context, tenantID string, req models.QueryRequest, compressed services.CompressedContext, emit func(string)) (*services.Completion, error) {
	messages := s.sessionHistory(ctx, tenantID, req.SessionID)
	messages = append(messages, models.ChatMessage{
		Role:    "user",
		Content: formatContext(compressed.Chunks) + "\n\nQuestion: " + req.Question,
	})

	completionReq := services.CompletionRequest{
		System:      groundedSystemPrompt,
		Messages:    messages,
		MaxTokens:   s.cfg.LLM.MaxTokens,
		Temperature: s.cfg.LLM.Temperature,
		TopP:        0.95,
	}

	if emit == nil {
		return s.llm.Complete(ctx, completionReq)
	}

	deltas, err := s.llm.Stream(ctx, completionReq)
	if err != nil {
		return nil, err
	}
	var final *services.Completion
	for delta := range deltas {
		if delta.Err != nil {
			return nil, delta.Err
		}
		if delta.Content != "" {
			emit(delta.Content)
		}
		if delta.Done {
			final = delta.Final
		}
	}
	if final == nil {
		return nil, services.NewError(services.KindLLMFailure, "completion stream ended without a final frame")
	}
	return final, nil
}

// sessionHistory returns the last few exchanges of the session as chat
// messages, oldest first. No session means no history.
func (s *queryServiceImpl) sessionHistory(ctx context.Context, tenantID string, sessionID string) []models.ChatMessage {
	if sessionID == "" || s.db == nil {
		return nil
	}
	var rows []models.ChatLog
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		Order("created_at DESC").
		Limit(sessionHistoryDepth).
		Find(&rows).Error
	if err != nil {
		log.Printf("Failed to load session history for tenant %s: %v", tenantID, err)
		return nil
	}

	messages := make([]models.ChatMessage, 0, len(rows)*2)
	for i := len(rows) - 1; i >= 0; i-- {
		messages = append(messages,
			models.ChatMessage{Role: "user", Content: rows[i].Question},
			models.ChatMessage{Role: "assistant", Content: rows[i].Answer},
		)
	}
	return messages
}

func (s *queryServiceImpl) degradedResult(question string, chunks []models.RetrievedChunk) *models.QueryResult {
	var b strings.Builder
	b.WriteString(unableToSynthesizeNote)
	for i, chunk := range chunks {
		snippet := chunk.Content
		if len(snippet) > 300 {
			snippet = snippet[:300] + "..."
		}
		fmt.Fprintf(&b, "\n\n%d. (Source: %s, Page %d)\n%s", i+1, chunk.DocumentName, chunk.Page, snippet)
	}
	return &models.QueryResult{
		Answer:      b.String(),
		Sources:     sourcesFrom(chunks),
		Confidence:  models.Confidence{Level: models.ConfidenceNone, Score: 0},
		Suggestions: s.suggester.Suggest(question, "", chunks),
	}
}

func (s *queryServiceImpl) isGreeting(question string) bool {
	normalized := normalizeQuestion(strings.Trim(question, " .,!?"))
	if normalized == "" {
		return false
	}
	if s.greetings[normalized] {
		return true
	}
	return len([]rune(normalized)) < 4 && !strings.ContainsAny(normalized, "0123456789")
}

// boundedTopK clamps a caller-supplied retrieval size to the configured
// fusion window.
func (s *queryServiceImpl) boundedTopK(topK *int) int {
	if topK == nil || *topK <= 0 {
		return s.cfg.Retrieval.KFused
	}
	k := *topK
	if k > s.cfg.Retrieval.KRetrieval {
		k = s.cfg.Retrieval.KRetrieval
	}
	return k
}

// estimateTokens sizes the token-bucket reservation before the real
// spend is known: the question plus the full context budget plus the
// output cap.
func (s *queryServiceImpl) estimateTokens(question string) int {
	return CountTokens(question) + s.cfg.Context.BudgetTokens + s.cfg.LLM.MaxTokens
}

func capConfidence(conf models.Confidence, lowThreshold float64) models.Confidence {
	if conf.Level == models.ConfidenceHigh || conf.Level == models.ConfidenceMedium {
		conf.Level = models.ConfidenceLow
		if conf.Score > lowThreshold {
			conf.Score = lowThreshold
		}
	}
	return conf
}

func sourcesFrom(chunks []models.RetrievedChunk) []models.Source {
	sources := make([]models.Source, len(chunks))
	for i, chunk := range chunks {
		snippet := chunk.Content
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		sources[i] = models.Source{
			DocumentID:   chunk.DocumentID,
			ChunkID:      chunk.ID,
			Page:         chunk.Page,
			Score:        chunk.RerankScore,
			DocumentName: chunk.DocumentName,
			Snippet:      snippet,
		}
	}
	return sources
}

func formatContext(chunks []models.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, chunk := range chunks {
		fmt.Fprintf(&b, "\n---\n(Source: %s, Page %d)\n%s\n", chunk.DocumentName, chunk.Page, chunk.Content)
	}
	b.WriteString("---")
	return b.String()
}

// publicError reduces an internal error to a message safe for clients.
func publicError(err error) string {
	if kind := services.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal error"
}
