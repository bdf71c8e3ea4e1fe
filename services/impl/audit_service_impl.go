package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	auditDefaultPageSize = 50
	auditMaxPageSize     = 200
)

// auditServiceImpl appends operator-visible records of every
// significant tenant action. Records are never updated or deleted here.
type auditServiceImpl struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) services.AuditService {
	return &auditServiceImpl{db: db}
}

func (s *auditServiceImpl) Record(ctx context.Context, record *models.AuditRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = models.AuditStatusSuccess
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *auditServiceImpl) RecordQuery(ctx context.Context, tenantID string, userID string, details models.QueryAuditDetails) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode query audit details: %w", err)
	}
	return s.Record(ctx, &models.AuditRecord{
		TenantID:     tenantID,
		UserID:       userID,
		Action:       models.AuditActionChatQuery,
		ResourceType: "query",
		Details:      payload,
	})
}

func (s *auditServiceImpl) List(ctx context.Context, tenantID string, filter models.AuditListFilter) (*models.AuditListResponse, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.Size
	if size < 1 {
		size = auditDefaultPageSize
	}
	if size > auditMaxPageSize {
		size = auditMaxPageSize
	}

	query := s.db.WithContext(ctx).Model(&models.AuditRecord{}).Where("tenant_id = ?", tenantID)
	if filter.Action != nil {
		query = query.Where("action = ?", *filter.Action)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at <= ?", *filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	var records []models.AuditRecord
	err := query.
		Order("created_at DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	return &models.AuditListResponse{
		Records: records,
		Total:   total,
		Page:    page,
		Size:    size,
	}, nil
}
