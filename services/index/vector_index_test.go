package index

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVec(dim int, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestVectorIndex_Upsert_AssignsContiguousSlots(t *testing.T) {
	ix := New(4)

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	slots, err := ix.Upsert([][]float32{unitVec(4, 0), unitVec(4, 1)}, ids)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, slots)

	// Appending again continues from the prior total.
	more, err := ix.Upsert([][]float32{unitVec(4, 2)}, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, more)
	assert.Equal(t, 3, ix.Total())
	assert.Equal(t, 3, ix.Live())
}

func TestVectorIndex_Upsert_RejectsWrongDimension(t *testing.T) {
	ix := New(4)

	_, err := ix.Upsert([][]float32{{1, 0}}, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestVectorIndex_Search_OrdersByScoreThenSlot(t *testing.T) {
	ix := New(2)

	// Two identical vectors to force a score tie, one orthogonal.
	_, err := ix.Upsert([][]float32{
		{0, 1},
		{1, 0},
		{1, 0},
	}, []uuid.UUID{uuid.New(), uuid.New(), uuid.New()})
	require.NoError(t, err)

	hits, err := ix.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)

	// Tie between slots 1 and 2 goes to the smaller slot.
	assert.Equal(t, int64(1), hits[0].Slot)
	assert.Equal(t, int64(2), hits[1].Slot)
	assert.Equal(t, int64(0), hits[2].Slot)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-9)
}

func TestVectorIndex_Search_SkipsTombstoned(t *testing.T) {
	ix := New(2)

	best := uuid.New()
	second := uuid.New()
	_, err := ix.Upsert([][]float32{{1, 0}, {0.6, 0.8}}, []uuid.UUID{best, second})
	require.NoError(t, err)

	ix.Remove([]int64{0})

	hits, err := ix.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, second, hits[0].ChunkID)
}

func TestVectorIndex_Remove_IsIdempotent(t *testing.T) {
	ix := New(2)

	_, err := ix.Upsert([][]float32{{1, 0}, {0, 1}}, []uuid.UUID{uuid.New(), uuid.New()})
	require.NoError(t, err)

	ix.Remove([]int64{0})
	ix.Remove([]int64{0, -1, 99})

	assert.Equal(t, 1, ix.Live())
	assert.Equal(t, 2, ix.Total())
}

func TestVectorIndex_NeedsCompaction_Threshold(t *testing.T) {
	ix := New(2)

	ids := make([]uuid.UUID, 4)
	vecs := make([][]float32, 4)
	for i := range ids {
		ids[i] = uuid.New()
		vecs[i] = unitVec(2, i%2)
	}
	_, err := ix.Upsert(vecs, ids)
	require.NoError(t, err)

	// 1/4 tombstoned is exactly the threshold, not past it.
	ix.Remove([]int64{0})
	assert.False(t, ix.NeedsCompaction())

	ix.Remove([]int64{1})
	assert.True(t, ix.NeedsCompaction())
}

func TestVectorIndex_Compact_PreservesSearchResults(t *testing.T) {
	ix := New(2)

	keepA := uuid.New()
	keepB := uuid.New()
	_, err := ix.Upsert([][]float32{
		{1, 0},
		{0.6, 0.8},
		{0, 1},
	}, []uuid.UUID{uuid.New(), keepA, keepB})
	require.NoError(t, err)

	ix.Remove([]int64{0})
	before, err := ix.Search([]float32{0.6, 0.8}, 2)
	require.NoError(t, err)

	remap := ix.Compact()

	assert.Equal(t, map[int64]int64{1: 0, 2: 1}, remap)
	assert.Equal(t, 2, ix.Total())
	assert.Equal(t, 2, ix.Live())

	after, err := ix.Search([]float32{0.6, 0.8}, 2)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ChunkID, after[i].ChunkID)
		assert.InDelta(t, before[i].Score, after[i].Score, 1e-9)
		assert.Equal(t, remap[before[i].Slot], after[i].Slot)
	}
}

func TestVectorIndex_EncodeDecode_RoundTrip(t *testing.T) {
	ix := New(3)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	_, err := ix.Upsert([][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}, ids)
	require.NoError(t, err)
	ix.Remove([]int64{1})

	blob, sidecar, err := ix.Encode()
	require.NoError(t, err)

	decoded, err := Decode(blob, sidecar)
	require.NoError(t, err)

	assert.Equal(t, ix.Dimensions(), decoded.Dimensions())
	assert.Equal(t, ix.Total(), decoded.Total())
	assert.Equal(t, ix.Live(), decoded.Live())

	hits, err := decoded.Search([]float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, ids[0], hits[0].ChunkID)
}

func TestVectorIndex_Decode_DetectsCorruption(t *testing.T) {
	ix := New(2)
	_, err := ix.Upsert([][]float32{{1, 0}}, []uuid.UUID{uuid.New()})
	require.NoError(t, err)

	blob, sidecar, err := ix.Encode()
	require.NoError(t, err)

	// Flip one payload byte; the checksum must catch it.
	corrupt := append([]byte(nil), blob...)
	corrupt[8] ^= 0xFF
	_, err = Decode(corrupt, sidecar)
	assert.ErrorIs(t, err, ErrChecksum)

	// Truncation is structural, not a checksum failure.
	_, err = Decode(blob[:10], sidecar)
	assert.ErrorIs(t, err, ErrMalformed)
}
