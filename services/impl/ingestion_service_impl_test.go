package impl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

func TestIngest_RejectsEmptyUpload(t *testing.T) {
	svc := NewIngestionService(&config.UploadConfig{MaxFileSizeBytes: 1024}, IngestionDeps{})

	_, err := svc.Ingest(context.Background(), "tenant-a", "user-1", "empty.txt", "text/plain", nil)
	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindCorruptInput))
}

func TestIngest_RejectsOversizeUpload(t *testing.T) {
	svc := NewIngestionService(&config.UploadConfig{MaxFileSizeBytes: 8}, IngestionDeps{})

	_, err := svc.Ingest(context.Background(), "tenant-a", "user-1", "big.txt", "text/plain",
		[]byte(strings.Repeat("x", 9)))
	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindCorruptInput))
	assert.Contains(t, err.Error(), "upload limit")
}

func TestUploadKey(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, "uploads/tenant-a/6ba7b810-9dad-11d1-80b4-00c04fd430c8", uploadKey("tenant-a", id))
}

func TestDuplicateResponse(t *testing.T) {
	doc := &models.Document{
		ID:         uuid.New(),
		Status:     models.DocumentStatusReady,
		ChunkCount: 7,
	}

	resp := duplicateResponse(doc)
	assert.Equal(t, doc.ID, resp.DocumentID)
	assert.Equal(t, models.DocumentStatusReady, resp.Status)
	assert.Equal(t, 7, resp.ChunkCount)
	assert.True(t, resp.Duplicate)
	assert.Empty(t, resp.Suggestions)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "storage limit reached",
		failureReason(services.QuotaDenied("storage limit reached", nil)))
	assert.Equal(t, "boom", failureReason(errors.New("boom")))

	wrapped := services.WrapError(services.KindEmbeddingFailure, "embedding failed after 3 attempts", errors.New("status 500"))
	assert.Equal(t, "embedding failed after 3 attempts", failureReason(wrapped))
}

func TestTenantLocks(t *testing.T) {
	locks := NewTenantLocks()
	assert.Same(t, locks.Get("a"), locks.Get("a"))
	assert.NotSame(t, locks.Get("a"), locks.Get("b"))
}
