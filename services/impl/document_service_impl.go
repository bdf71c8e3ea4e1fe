package impl

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
	"github.com/ragserve/services/index"
)

const (
	documentDefaultPageSize = 20
	documentMaxPageSize     = 100
)

// DocumentDeps bundles the collaborators of the document service.
// Locks is shared with the ingestion service so rebuilds serialize
// against ingests and deletes for the same tenant.
type DocumentDeps struct {
	DB       *gorm.DB
	Embedder services.Embedder
	Indexes  *index.Cache
	Lexical  services.LexicalRetriever
	Cache    services.ResponseCache
	Audit    services.AuditService
	Locks    *TenantLocks
}

type documentServiceImpl struct {
	db       *gorm.DB
	embedder services.Embedder
	indexes  *index.Cache
	lexical  services.LexicalRetriever
	cache    services.ResponseCache
	audit    services.AuditService
	locks    *TenantLocks
}

func NewDocumentService(deps DocumentDeps) services.DocumentService {
	locks := deps.Locks
	if locks == nil {
		locks = NewTenantLocks()
	}
	return &documentServiceImpl{
		db:       deps.DB,
		embedder: deps.Embedder,
		indexes:  deps.Indexes,
		lexical:  deps.Lexical,
		cache:    deps.Cache,
		audit:    deps.Audit,
		locks:    locks,
	}
}

func (s *documentServiceImpl) ListDocuments(ctx context.Context, tenantID string, filter models.DocumentListFilter) (*models.DocumentListResponse, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.Size
	if size <= 0 {
		size = documentDefaultPageSize
	}
	if size > documentMaxPageSize {
		size = documentMaxPageSize
	}

	query := s.db.WithContext(ctx).Model(&models.Document{}).Where("tenant_id = ?", tenantID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var documents []models.Document
	err := query.Order("created_at DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&documents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return &models.DocumentListResponse{
		Documents: documents,
		Total:     total,
		Page:      page,
		Size:      size,
	}, nil
}

func (s *documentServiceImpl) GetDocument(ctx context.Context, tenantID string, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, services.NewError(services.KindNotFound, "document not found")
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

func (s *documentServiceImpl) GetStats(ctx context.Context, tenantID string) (*models.DocumentStats, error) {
	stats := &models.DocumentStats{ByStatus: make(map[string]int64)}

	err := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("tenant_id = ?", tenantID).
		Count(&stats.TotalDocuments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var byStatus []statusCount
	err = s.db.WithContext(ctx).Model(&models.Document{}).
		Select("status, count(*) as count").
		Where("tenant_id = ?", tenantID).
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate document statuses: %w", err)
	}
	for _, sc := range byStatus {
		stats.ByStatus[sc.Status] = sc.Count
	}

	// FAILED documents hold no chunks and their quota was released, so
	// they do not count toward storage.
	err = s.db.WithContext(ctx).Model(&models.Document{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Where("tenant_id = ? AND status <> ?", tenantID, models.DocumentStatusFailed).
		Scan(&stats.StorageBytes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum document sizes: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.Chunk{}).
		Where("tenant_id = ?", tenantID).
		Count(&stats.TotalChunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	return stats, nil
}

// RebuildIndex re-embeds every chunk the tenant has and swaps in a
// freshly built index, clearing any quarantine. The replacement index
// publishes before the chunk rows' slots are rewritten; queries resolve
// hits through the index's own chunk ids, so they stay correct at every
// point in between.
func (s *documentServiceImpl) RebuildIndex(ctx context.Context, tenantID string) (int, error) {
	lock := s.locks.Get(tenantID)
	lock.Lock()
	defer lock.Unlock()

	var chunks []models.Chunk
	err := s.db.WithContext(ctx).
		Select("id", "content", "embedding_slot").
		Where("tenant_id = ?", tenantID).
		Order("document_id, ordinal").
		Find(&chunks).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load chunks: %w", err)
	}

	fresh := index.New(s.embedder.Dimensions())
	var slots []int64
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		chunkIDs := make([]uuid.UUID, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
			chunkIDs[i] = ch.ID
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, err
		}
		slots, err = fresh.Upsert(vectors, chunkIDs)
		if err != nil {
			return 0, fmt.Errorf("failed to build replacement index: %w", err)
		}
	}

	if err := s.indexes.Swap(ctx, tenantID, fresh); err != nil {
		return 0, fmt.Errorf("failed to swap in rebuilt index for tenant %s: %w", tenantID, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, ch := range chunks {
			if ch.EmbeddingSlot == slots[i] {
				continue
			}
			if err := tx.Model(&models.Chunk{}).
				Where("id = ?", ch.ID).
				Update("embedding_slot", slots[i]).Error; err != nil {
				return fmt.Errorf("failed to rewrite slot for chunk %s: %w", ch.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.lexical.MarkStale(tenantID)
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		log.Printf("Failed to invalidate response cache for tenant %s: %v", tenantID, err)
	}

	if err := s.audit.Record(ctx, &models.AuditRecord{
		TenantID:     tenantID,
		Action:       models.AuditActionIndexRebuild,
		ResourceType: "index",
		ResourceID:   tenantID,
	}); err != nil {
		log.Printf("Failed to audit index rebuild for tenant %s: %v", tenantID, err)
	}
	return len(chunks), nil
}
