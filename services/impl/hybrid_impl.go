package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
	"github.com/ragserve/services/index"
)

type hybridRetrieverImpl struct {
	db       *gorm.DB
	cache    *index.Cache
	embedder services.Embedder
	lexical  services.LexicalRetriever
	cfg      *config.RetrievalConfig
}

// NewHybridRetriever combines dense vector search and BM25 keyword
// search with reciprocal rank fusion.
func NewHybridRetriever(db *gorm.DB, cache *index.Cache, embedder services.Embedder, lexical services.LexicalRetriever, cfg *config.RetrievalConfig) services.HybridRetriever {
	return &hybridRetrieverImpl{
		db:       db,
		cache:    cache,
		embedder: embedder,
		lexical:  lexical,
		cfg:      cfg,
	}
}

func (s *hybridRetrieverImpl) Retrieve(ctx context.Context, tenantID, query string, opts services.RetrieveOptions) (*services.RetrievalResult, error) {
	k := opts.K
	if k <= 0 {
		k = s.cfg.KFused
	}
	kLeg := s.cfg.KRetrieval

	var (
		vectorHits  []index.SearchHit
		lexicalHits []services.LexicalHit
		degraded    bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecs, err := s.embedder.Embed(gctx, []string{query})
		if err != nil {
			// A dead embedding provider degrades to keyword-only
			// retrieval instead of failing the query.
			if services.IsKind(err, services.KindEmbeddingFailure) {
				log.Printf("Embedding unavailable for tenant %s, falling back to lexical retrieval: %v", tenantID, err)
				degraded = true
				return nil
			}
			return err
		}
		return s.cache.WithIndex(gctx, tenantID, index.Read, func(ix *index.VectorIndex) error {
			hits, err := ix.Search(vecs[0], kLeg)
			if err != nil {
				return err
			}
			vectorHits = hits
			return nil
		})
	})
	g.Go(func() error {
		hits, err := s.lexical.Search(gctx, tenantID, query, kLeg)
		if err != nil {
			return fmt.Errorf("lexical retrieval failed: %w", err)
		}
		lexicalHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, index.ErrQuarantined) {
			return nil, services.WrapError(services.KindUnavailable, "vector index is quarantined", err)
		}
		if errors.Is(err, index.ErrDimension) {
			return nil, services.WrapError(services.KindUnavailable, "vector index dimensions do not match the embedder", err)
		}
		return nil, err
	}

	candidateIDs := make([]uuid.UUID, 0, len(vectorHits)+len(lexicalHits))
	seen := make(map[uuid.UUID]bool)
	for _, h := range vectorHits {
		if !seen[h.ChunkID] {
			seen[h.ChunkID] = true
			candidateIDs = append(candidateIDs, h.ChunkID)
		}
	}
	for _, h := range lexicalHits {
		if !seen[h.ChunkID] {
			seen[h.ChunkID] = true
			candidateIDs = append(candidateIDs, h.ChunkID)
		}
	}
	if len(candidateIDs) == 0 {
		return &services.RetrievalResult{VectorDegraded: degraded}, nil
	}

	rows, err := s.loadChunks(ctx, tenantID, candidateIDs)
	if err != nil {
		return nil, err
	}

	scope := make(map[uuid.UUID]bool, len(opts.DocScope))
	for _, docID := range opts.DocScope {
		scope[docID] = true
	}
	eligible := func(chunkID uuid.UUID) bool {
		row, ok := rows[chunkID]
		if !ok {
			return false
		}
		return len(scope) == 0 || scope[row.DocumentID]
	}

	fused := fuseByReciprocalRank(vectorHits, lexicalHits, eligible, s.cfg.KRRF)
	if len(fused) > k {
		fused = fused[:k]
	}

	chunks, err := s.hydrate(ctx, tenantID, fused, rows)
	if err != nil {
		return nil, err
	}
	return &services.RetrievalResult{Chunks: chunks, VectorDegraded: degraded}, nil
}

type fusedCandidate struct {
	chunkID uuid.UUID
	fused   float64
	vector  float64
	lexical float64
}

// fuseByReciprocalRank merges the two leg rankings with RRF. Each leg
// contributes 1/(kRRF+rank) with ranks starting at 1 over its eligible
// hits. Ties resolve to the higher vector score, then to chunk ID so
// the order is stable.
func fuseByReciprocalRank(vectorHits []index.SearchHit, lexicalHits []services.LexicalHit, eligible func(uuid.UUID) bool, kRRF int) []fusedCandidate {
	merged := make(map[uuid.UUID]*fusedCandidate)
	get := func(id uuid.UUID) *fusedCandidate {
		c, ok := merged[id]
		if !ok {
			c = &fusedCandidate{chunkID: id}
			merged[id] = c
		}
		return c
	}

	rank := 0
	for _, h := range vectorHits {
		if !eligible(h.ChunkID) {
			continue
		}
		rank++
		c := get(h.ChunkID)
		c.fused += 1 / float64(kRRF+rank)
		c.vector = h.Score
	}
	rank = 0
	for _, h := range lexicalHits {
		if !eligible(h.ChunkID) {
			continue
		}
		rank++
		c := get(h.ChunkID)
		c.fused += 1 / float64(kRRF+rank)
		c.lexical = h.Score
	}

	out := make([]fusedCandidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		if out[i].vector != out[j].vector {
			return out[i].vector > out[j].vector
		}
		return out[i].chunkID.String() < out[j].chunkID.String()
	})
	return out
}

func (s *hybridRetrieverImpl) loadChunks(ctx context.Context, tenantID string, ids []uuid.UUID) (map[uuid.UUID]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate chunks: %w", err)
	}
	rows := make(map[uuid.UUID]models.Chunk, len(chunks))
	for _, c := range chunks {
		rows[c.ID] = c
	}
	return rows, nil
}

func (s *hybridRetrieverImpl) hydrate(ctx context.Context, tenantID string, fused []fusedCandidate, rows map[uuid.UUID]models.Chunk) ([]models.RetrievedChunk, error) {
	docIDs := make([]uuid.UUID, 0, len(fused))
	docSeen := make(map[uuid.UUID]bool)
	for _, c := range fused {
		docID := rows[c.chunkID].DocumentID
		if !docSeen[docID] {
			docSeen[docID] = true
			docIDs = append(docIDs, docID)
		}
	}

	names := make(map[uuid.UUID]string, len(docIDs))
	if len(docIDs) > 0 {
		var docs []models.Document
		err := s.db.WithContext(ctx).
			Select("id", "name").
			Where("tenant_id = ? AND id IN ?", tenantID, docIDs).
			Find(&docs).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load document names: %w", err)
		}
		for _, d := range docs {
			names[d.ID] = d.Name
		}
	}

	out := make([]models.RetrievedChunk, 0, len(fused))
	for _, c := range fused {
		row := rows[c.chunkID]
		out = append(out, models.RetrievedChunk{
			ID:           row.ID,
			DocumentID:   row.DocumentID,
			DocumentName: names[row.DocumentID],
			Content:      row.Content,
			Ordinal:      row.Ordinal,
			Page:         row.Page,
			TokenCount:   row.TokenCount,
			VectorScore:  c.vector,
			LexicalScore: c.lexical,
			FusedScore:   c.fused,
		})
	}
	return out, nil
}
