package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ragserve/config"
	"github.com/ragserve/metrics"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
	"github.com/ragserve/services/index"
)

// uploadKey is the object-store path of a raw upload. The bytes are
// kept so a FAILED document can be reprocessed without re-uploading.
func uploadKey(tenantID string, documentID uuid.UUID) string {
	return "uploads/" + tenantID + "/" + documentID.String()
}

// IngestionDeps bundles the collaborators of the ingestion pipeline.
// Locks serializes ingests, deletes and index rebuilds per tenant and
// is shared with the document service.
type IngestionDeps struct {
	DB        *gorm.DB
	Extractor services.PageExtractor
	Chunker   *Chunker
	Embedder  services.Embedder
	Indexes   *index.Cache
	Uploads   index.ObjectStore
	Quota     services.QuotaService
	Lexical   services.LexicalRetriever
	Cache     services.ResponseCache
	Audit     services.AuditService
	Suggester services.SuggestionGenerator
	Locks     *TenantLocks
}

type ingestionServiceImpl struct {
	maxUploadBytes int64

	db        *gorm.DB
	extractor services.PageExtractor
	chunker   *Chunker
	embedder  services.Embedder
	indexes   *index.Cache
	uploads   index.ObjectStore
	quota     services.QuotaService
	lexical   services.LexicalRetriever
	cache     services.ResponseCache
	audit     services.AuditService
	suggester services.SuggestionGenerator
	locks     *TenantLocks
}

func NewIngestionService(cfg *config.UploadConfig, deps IngestionDeps) services.IngestionService {
	locks := deps.Locks
	if locks == nil {
		locks = NewTenantLocks()
	}
	return &ingestionServiceImpl{
		maxUploadBytes: cfg.MaxFileSizeBytes,
		db:             deps.DB,
		extractor:      deps.Extractor,
		chunker:        deps.Chunker,
		embedder:       deps.Embedder,
		indexes:        deps.Indexes,
		uploads:        deps.Uploads,
		quota:          deps.Quota,
		lexical:        deps.Lexical,
		cache:          deps.Cache,
		audit:          deps.Audit,
		suggester:      deps.Suggester,
		locks:          locks,
	}
}

func (s *ingestionServiceImpl) Ingest(ctx context.Context, tenantID string, userID string, name string, declaredType string, blob []byte) (*models.IngestResponse, error) {
	if len(blob) == 0 {
		return nil, services.NewError(services.KindCorruptInput, "document is empty")
	}
	if s.maxUploadBytes > 0 && int64(len(blob)) > s.maxUploadBytes {
		return nil, services.NewError(services.KindCorruptInput,
			fmt.Sprintf("document is %d bytes, upload limit is %d", len(blob), s.maxUploadBytes))
	}

	sum := sha256.Sum256(blob)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	var doc *models.Document
	var existing models.Document
	err := s.db.WithContext(ctx).
		First(&existing, "tenant_id = ? AND content_digest = ?", tenantID, digest).Error
	switch {
	case err == nil && existing.Status != models.DocumentStatusFailed:
		// Identical content already uploaded; hand back the original.
		return duplicateResponse(&existing), nil

	case err == nil:
		// Earlier attempt failed; retry under the same row.
		existing.Name = name
		existing.ContentType = declaredType
		existing.UploadedBy = userID
		existing.Status = models.DocumentStatusPending
		existing.FailureReason = ""
		existing.UpdatedAt = now
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to reset failed document: %w", err)
		}
		doc = &existing

	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = &models.Document{
			ID:            uuid.New(),
			TenantID:      tenantID,
			UploadedBy:    userID,
			Name:          name,
			ContentType:   declaredType,
			SizeBytes:     int64(len(blob)),
			ContentDigest: digest,
			Status:        models.DocumentStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
			// A concurrent upload of the same content may have won the
			// unique index; hand back the winner.
			var winner models.Document
			if ferr := s.db.WithContext(ctx).
				First(&winner, "tenant_id = ? AND content_digest = ?", tenantID, digest).Error; ferr == nil {
				return duplicateResponse(&winner), nil
			}
			return nil, fmt.Errorf("failed to create document: %w", err)
		}

	default:
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}

	if err := s.uploads.Put(ctx, uploadKey(tenantID, doc.ID), blob); err != nil {
		// Ingestion proceeds from the in-memory bytes; only a later
		// reprocess would miss the stored copy.
		log.Printf("Failed to store upload for document %s: %v", doc.ID, err)
	}

	return s.process(ctx, doc, blob, models.AuditActionDocumentUpload, userID)
}

func (s *ingestionServiceImpl) Reprocess(ctx context.Context, tenantID string, userID string, documentID uuid.UUID) (*models.IngestResponse, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		First(&doc, "id = ? AND tenant_id = ?", documentID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, services.NewError(services.KindNotFound, "document not found")
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc.Status != models.DocumentStatusFailed {
		return nil, services.NewError(services.KindCorruptInput, "only failed documents can be reprocessed")
	}

	blob, err := s.uploads.Get(ctx, uploadKey(tenantID, doc.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, services.NewError(services.KindNotFound, "original upload is no longer available")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stored upload: %w", err)
	}

	doc.Status = models.DocumentStatusPending
	doc.FailureReason = ""
	doc.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(&doc).Error; err != nil {
		return nil, fmt.Errorf("failed to reset document: %w", err)
	}

	return s.process(ctx, &doc, blob, models.AuditActionDocumentReprocess, userID)
}

// process runs extract, chunk, embed and the index+row publish for a
// PENDING document. The quota charge happens inside the tenant lock so
// a denial can still mark the row FAILED without racing a retry.
func (s *ingestionServiceImpl) process(ctx context.Context, doc *models.Document, blob []byte, action models.AuditAction, userID string) (*models.IngestResponse, error) {
	lock := s.locks.Get(doc.TenantID)
	lock.Lock()
	defer lock.Unlock()

	// While waiting for the lock a concurrent retry of the same content
	// may have finished the job, or a delete may have removed the row.
	var current models.Document
	err := s.db.WithContext(ctx).First(&current, "id = ?", doc.ID).Error
	if err == nil && current.Status != models.DocumentStatusPending {
		return duplicateResponse(&current), nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, services.NewError(services.KindNotFound, "document was deleted before processing")
	}

	if err := s.quota.TryConsumeUpload(ctx, doc.TenantID, doc.SizeBytes); err != nil {
		s.markFailed(doc, failureReason(err))
		return nil, err
	}

	if err := s.setStatus(ctx, doc, models.DocumentStatusProcessing); err != nil {
		s.releaseUpload(doc)
		return nil, err
	}

	pages, err := s.extractor.Extract(blob, doc.ContentType)
	if err != nil {
		s.failAndRelease(doc, err)
		return nil, err
	}

	chunks := s.chunker.Chunk(pages)
	if len(chunks) == 0 {
		err := services.NewError(services.KindCorruptInput, "document produced no chunks")
		s.failAndRelease(doc, err)
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.failAndRelease(doc, err)
		return nil, err
	}
	if len(vectors) != len(chunks) {
		err := services.NewError(services.KindEmbeddingFailure,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)))
		s.failAndRelease(doc, err)
		return nil, err
	}

	chunkIDs := make([]uuid.UUID, len(chunks))
	for i := range chunkIDs {
		chunkIDs[i] = uuid.New()
	}

	now := time.Now().UTC()
	err = s.indexes.WithIndex(ctx, doc.TenantID, index.Write, func(ix *index.VectorIndex) error {
		slots, err := ix.Upsert(vectors, chunkIDs)
		if err != nil {
			return err
		}

		rows := make([]models.Chunk, len(chunks))
		for i, ch := range chunks {
			rows[i] = models.Chunk{
				ID:            chunkIDs[i],
				DocumentID:    doc.ID,
				TenantID:      doc.TenantID,
				Ordinal:       ch.Ordinal,
				Content:       ch.Text,
				TokenCount:    ch.TokenCount,
				Page:          ch.Page,
				EmbeddingSlot: slots[i],
				CreatedAt:     now,
			}
		}

		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
			return tx.Model(&models.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
				"status":         models.DocumentStatusReady,
				"failure_reason": "",
				"page_count":     len(pages),
				"chunk_count":    len(rows),
				"updated_at":     now,
			}).Error
		})
		if txErr != nil {
			ix.Remove(slots)
			return fmt.Errorf("failed to commit chunks: %w", txErr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, index.ErrQuarantined) {
			err = services.WrapError(services.KindUnavailable, "vector index unavailable", err)
		}
		s.failAndRelease(doc, err)
		return nil, err
	}

	doc.Status = models.DocumentStatusReady
	doc.PageCount = len(pages)
	doc.ChunkCount = len(chunks)

	// Publish order: rows and index first, then the derived caches.
	s.lexical.MarkStale(doc.TenantID)
	if err := s.cache.InvalidateTenant(ctx, doc.TenantID); err != nil {
		log.Printf("Failed to invalidate response cache for tenant %s: %v", doc.TenantID, err)
	}

	metrics.IngestDocumentsTotal.WithLabelValues(string(models.DocumentStatusReady)).Inc()
	metrics.IngestChunksTotal.Add(float64(len(chunks)))
	s.auditDocument(ctx, doc, action, userID)

	return &models.IngestResponse{
		DocumentID:  doc.ID,
		Status:      models.DocumentStatusReady,
		ChunkCount:  len(chunks),
		Suggestions: s.suggester.InitialSuggestions(pages),
	}, nil
}

func (s *ingestionServiceImpl) Delete(ctx context.Context, tenantID string, userID string, documentID uuid.UUID) error {
	var doc models.Document
	err := s.db.WithContext(ctx).
		First(&doc, "id = ? AND tenant_id = ?", documentID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return services.NewError(services.KindNotFound, "document not found")
		}
		return fmt.Errorf("failed to load document: %w", err)
	}

	lock := s.locks.Get(tenantID)
	lock.Lock()
	defer lock.Unlock()

	var slots []int64
	err = s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("document_id = ?", doc.ID).
		Pluck("embedding_slot", &slots).Error
	if err != nil {
		return fmt.Errorf("failed to collect chunk slots: %w", err)
	}

	err = s.indexes.WithIndex(ctx, tenantID, index.Write, func(ix *index.VectorIndex) error {
		// Rows go first: a failed transaction leaves the index untouched.
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("document_id = ?", doc.ID).Delete(&models.Chunk{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Document{}, "id = ?", doc.ID).Error
		})
		if txErr != nil {
			return fmt.Errorf("failed to delete document rows: %w", txErr)
		}

		ix.Remove(slots)
		if !ix.NeedsCompaction() {
			return nil
		}
		remap := ix.Compact()
		return s.rewriteSlots(ctx, tenantID, remap)
	})
	if err != nil {
		if errors.Is(err, index.ErrQuarantined) {
			return services.WrapError(services.KindUnavailable, "vector index unavailable", err)
		}
		return err
	}

	// FAILED documents already gave their quota back when they failed.
	if doc.Status != models.DocumentStatusFailed {
		s.releaseUpload(&doc)
	}
	if err := s.uploads.Delete(ctx, uploadKey(tenantID, doc.ID)); err != nil {
		log.Printf("Failed to delete stored upload for document %s: %v", doc.ID, err)
	}

	s.lexical.MarkStale(tenantID)
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		log.Printf("Failed to invalidate response cache for tenant %s: %v", tenantID, err)
	}
	s.auditDocument(ctx, &doc, models.AuditActionDocumentDelete, userID)
	return nil
}

// rewriteSlots applies a compaction remap to the tenant's remaining
// chunk rows in one transaction so rows and index agree on slots.
func (s *ingestionServiceImpl) rewriteSlots(ctx context.Context, tenantID string, remap map[int64]int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Chunk
		if err := tx.Select("id", "embedding_slot").
			Where("tenant_id = ?", tenantID).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load chunk slots: %w", err)
		}
		for _, row := range rows {
			slot, ok := remap[row.EmbeddingSlot]
			if !ok {
				return fmt.Errorf("chunk %s references slot %d missing from compaction map", row.ID, row.EmbeddingSlot)
			}
			if slot == row.EmbeddingSlot {
				continue
			}
			if err := tx.Model(&models.Chunk{}).
				Where("id = ?", row.ID).
				Update("embedding_slot", slot).Error; err != nil {
				return fmt.Errorf("failed to rewrite slot for chunk %s: %w", row.ID, err)
			}
		}
		return nil
	})
}

func (s *ingestionServiceImpl) setStatus(ctx context.Context, doc *models.Document, status models.DocumentStatus) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	doc.Status = status
	doc.UpdatedAt = now
	return nil
}

// markFailed records the failure on the row. Cleanup writes use a
// background context so a cancelled request still leaves a coherent
// FAILED state instead of a stuck PROCESSING row.
func (s *ingestionServiceImpl) markFailed(doc *models.Document, reason string) {
	now := time.Now().UTC()
	err := s.db.Model(&models.Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":         models.DocumentStatusFailed,
		"failure_reason": reason,
		"updated_at":     now,
	}).Error
	if err != nil {
		log.Printf("Failed to mark document %s FAILED: %v", doc.ID, err)
	}
	doc.Status = models.DocumentStatusFailed
	doc.FailureReason = reason
	doc.UpdatedAt = now
	metrics.IngestDocumentsTotal.WithLabelValues(string(models.DocumentStatusFailed)).Inc()
}

func (s *ingestionServiceImpl) failAndRelease(doc *models.Document, cause error) {
	s.markFailed(doc, failureReason(cause))
	s.releaseUpload(doc)
}

func (s *ingestionServiceImpl) releaseUpload(doc *models.Document) {
	if err := s.quota.ReleaseUpload(context.Background(), doc.TenantID, doc.SizeBytes); err != nil {
		log.Printf("Failed to release upload quota for tenant %s: %v", doc.TenantID, err)
	}
}

func (s *ingestionServiceImpl) auditDocument(ctx context.Context, doc *models.Document, action models.AuditAction, userID string) {
	record := &models.AuditRecord{
		TenantID:     doc.TenantID,
		UserID:       userID,
		Action:       action,
		ResourceType: "document",
		ResourceID:   doc.ID.String(),
	}
	if err := s.audit.Record(ctx, record); err != nil {
		log.Printf("Failed to audit %s for document %s: %v", action, doc.ID, err)
	}
}

func duplicateResponse(doc *models.Document) *models.IngestResponse {
	return &models.IngestResponse{
		DocumentID: doc.ID,
		Status:     doc.Status,
		ChunkCount: doc.ChunkCount,
		Duplicate:  true,
	}
}

// failureReason prefers the service error message over the full chain
// so Document.failure_reason stays readable for operators.
func failureReason(err error) string {
	var se *services.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
