package impl

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/models"
)

func lexicalChunk(content string) models.Chunk {
	return models.Chunk{ID: uuid.New(), Content: content}
}

// retrieverWithSnapshot wires a prebuilt index into the retriever so
// Search runs against it without touching a database.
func retrieverWithSnapshot(tenantID string, chunks []models.Chunk) *lexicalRetrieverImpl {
	return &lexicalRetrieverImpl{
		tenants: map[string]*tenantLexicalIndex{tenantID: buildLexicalIndex(chunks)},
	}
}

func TestLexicalTerms_FiltersShortAndStopwords(t *testing.T) {
	terms := lexicalTerms("The quick brown fox is on a log, and it can JUMP!")

	assert.Equal(t, []string{"quick", "brown", "fox", "log", "jump"}, terms)
}

func TestLexicalRetriever_Search_RanksByTermRelevance(t *testing.T) {
	heavy := lexicalChunk("kubernetes kubernetes kubernetes deployment guide")
	light := lexicalChunk("a short note mentioning kubernetes once among other words here")
	unrelated := lexicalChunk("cooking recipes with seasonal vegetables and herbs")

	s := retrieverWithSnapshot("tenant-a", []models.Chunk{unrelated, light, heavy})

	hits, err := s.Search(context.Background(), "tenant-a", "kubernetes deployment", 10)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, heavy.ID, hits[0].ChunkID)
	assert.Equal(t, light.ID, hits[1].ChunkID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestLexicalRetriever_Search_TruncatesToK(t *testing.T) {
	chunks := []models.Chunk{
		lexicalChunk("database indexing strategies"),
		lexicalChunk("database replication strategies"),
		lexicalChunk("database backup strategies"),
	}
	s := retrieverWithSnapshot("tenant-a", chunks)

	hits, err := s.Search(context.Background(), "tenant-a", "database strategies", 2)

	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestLexicalRetriever_Search_NoQueryTerms(t *testing.T) {
	s := retrieverWithSnapshot("tenant-a", []models.Chunk{lexicalChunk("some indexed content here")})

	// Every query token is a stopword or too short.
	hits, err := s.Search(context.Background(), "tenant-a", "is it the an", 10)

	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalRetriever_Search_EmptyIndex(t *testing.T) {
	s := retrieverWithSnapshot("tenant-a", nil)

	hits, err := s.Search(context.Background(), "tenant-a", "anything relevant", 10)

	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalRetriever_Search_DeterministicTieOrder(t *testing.T) {
	a := lexicalChunk("shared phrase appears here")
	b := lexicalChunk("shared phrase appears here")
	s := retrieverWithSnapshot("tenant-a", []models.Chunk{a, b})

	first, err := s.Search(context.Background(), "tenant-a", "shared phrase", 10)
	require.NoError(t, err)
	second, err := s.Search(context.Background(), "tenant-a", "shared phrase", 10)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Less(t, first[0].ChunkID.String(), first[1].ChunkID.String())
}

func TestLexicalRetriever_MarkStale_DropsSnapshot(t *testing.T) {
	s := retrieverWithSnapshot("tenant-a", []models.Chunk{lexicalChunk("resident content")})

	s.MarkStale("tenant-a")

	s.mu.Lock()
	_, ok := s.tenants["tenant-a"]
	s.mu.Unlock()
	assert.False(t, ok)
}

func TestBuildLexicalIndex_Statistics(t *testing.T) {
	c1 := lexicalChunk("alpha beta gamma")
	c2 := lexicalChunk("alpha alpha delta epsilon zeta")

	idx := buildLexicalIndex([]models.Chunk{c1, c2})

	assert.Equal(t, 2, idx.totalChunks)
	assert.Equal(t, 3, idx.lengths[c1.ID])
	assert.Equal(t, 5, idx.lengths[c2.ID])
	assert.InDelta(t, 4.0, idx.avgLength, 1e-9)
	assert.Equal(t, 1, idx.postings["alpha"][c1.ID])
	assert.Equal(t, 2, idx.postings["alpha"][c2.ID])
	assert.Len(t, idx.postings["delta"], 1)
}
