package impl

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var wordRegex = regexp.MustCompile(`\b\w+\b`)

var lexicalStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true, "can": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true,
	"or": true, "and": true, "but": true, "if": true, "so": true,
	"yet": true, "both": true, "this": true, "that": true, "these": true,
	"those": true, "it": true, "its": true,
}

// lexicalTerms lowercases, splits on word boundaries, and drops short
// tokens and stopwords.
func lexicalTerms(text string) []string {
	tokens := wordRegex.FindAllString(strings.ToLower(text), -1)
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 && !lexicalStopwords[t] {
			terms = append(terms, t)
		}
	}
	return terms
}

// tenantLexicalIndex holds BM25 statistics over one tenant's ready
// chunks. Snapshots are immutable once built; staleness swaps in a
// fresh snapshot instead of mutating.
type tenantLexicalIndex struct {
	totalChunks int
	avgLength   float64
	lengths     map[uuid.UUID]int
	postings    map[string]map[uuid.UUID]int
}

type lexicalRetrieverImpl struct {
	db *gorm.DB

	mu      sync.Mutex
	tenants map[string]*tenantLexicalIndex
	group   singleflight.Group
}

// NewLexicalRetriever creates a BM25 retriever over the chunk store.
// Indexes build lazily per tenant on first search and rebuild after
// MarkStale.
func NewLexicalRetriever(db *gorm.DB) services.LexicalRetriever {
	return &lexicalRetrieverImpl{
		db:      db,
		tenants: make(map[string]*tenantLexicalIndex),
	}
}

func (s *lexicalRetrieverImpl) Search(ctx context.Context, tenantID, query string, k int) ([]services.LexicalHit, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := lexicalTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	idx, err := s.index(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if idx.totalChunks == 0 {
		return nil, nil
	}

	scores := make(map[uuid.UUID]float64)
	for _, term := range terms {
		posting, ok := idx.postings[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(idx.totalChunks)-float64(len(posting))+0.5)/(float64(len(posting))+0.5))
		for chunkID, tf := range posting {
			norm := 1 - bm25B + bm25B*float64(idx.lengths[chunkID])/idx.avgLength
			scores[chunkID] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	hits := make([]services.LexicalHit, 0, len(scores))
	for chunkID, score := range scores {
		if score > 0 {
			hits = append(hits, services.LexicalHit{ChunkID: chunkID, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID.String() < hits[j].ChunkID.String()
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// MarkStale drops the tenant's snapshot; the next search rebuilds from
// the database. Searches already running keep their old snapshot.
func (s *lexicalRetrieverImpl) MarkStale(tenantID string) {
	s.mu.Lock()
	delete(s.tenants, tenantID)
	s.mu.Unlock()
}

// index returns the tenant's snapshot, building it at most once even
// under concurrent searches.
func (s *lexicalRetrieverImpl) index(ctx context.Context, tenantID string) (*tenantLexicalIndex, error) {
	s.mu.Lock()
	idx, ok := s.tenants[tenantID]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}

	v, err, _ := s.group.Do(tenantID, func() (interface{}, error) {
		s.mu.Lock()
		idx, ok := s.tenants[tenantID]
		s.mu.Unlock()
		if ok {
			return idx, nil
		}

		built, err := s.build(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tenants[tenantID] = built
		s.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenantLexicalIndex), nil
}

func (s *lexicalRetrieverImpl) build(ctx context.Context, tenantID string) (*tenantLexicalIndex, error) {
	var docIDs []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.DocumentStatusReady).
		Pluck("id", &docIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ready documents: %w", err)
	}

	if len(docIDs) == 0 {
		return buildLexicalIndex(nil), nil
	}

	var chunks []models.Chunk
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id IN ?", tenantID, docIDs).
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return buildLexicalIndex(chunks), nil
}

func buildLexicalIndex(chunks []models.Chunk) *tenantLexicalIndex {
	idx := &tenantLexicalIndex{
		lengths:  make(map[uuid.UUID]int),
		postings: make(map[string]map[uuid.UUID]int),
	}

	var totalLength int
	for _, chunk := range chunks {
		terms := lexicalTerms(chunk.Content)
		idx.lengths[chunk.ID] = len(terms)
		totalLength += len(terms)
		for _, term := range terms {
			posting, ok := idx.postings[term]
			if !ok {
				posting = make(map[uuid.UUID]int)
				idx.postings[term] = posting
			}
			posting[chunk.ID]++
		}
	}
	idx.totalChunks = len(chunks)
	if idx.totalChunks > 0 {
		idx.avgLength = float64(totalLength) / float64(idx.totalChunks)
	}
	return idx
}
