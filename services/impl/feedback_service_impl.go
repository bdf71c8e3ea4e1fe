package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

// feedbackServiceImpl stores thumbs up/down ratings on answers. One
// rating per (tenant, user, message); re-submitting replaces it.
type feedbackServiceImpl struct {
	db    *gorm.DB
	audit services.AuditService
}

func NewFeedbackService(db *gorm.DB, audit services.AuditService) services.FeedbackService {
	return &feedbackServiceImpl{db: db, audit: audit}
}

func (s *feedbackServiceImpl) Submit(ctx context.Context, tenantID string, userID string, req models.FeedbackRequest) (*models.FeedbackRecord, error) {
	if err := ValidateFeedbackRequest(req).AsServiceError(); err != nil {
		return nil, err
	}

	// The rated message must exist and belong to this tenant.
	var message models.ChatLog
	err := s.db.WithContext(ctx).
		First(&message, "id = ? AND tenant_id = ?", req.MessageID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, services.NewError(services.KindNotFound, "message not found")
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	record, err := s.upsert(ctx, tenantID, userID, req)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, &models.AuditRecord{
		TenantID:     tenantID,
		UserID:       userID,
		Action:       models.AuditActionFeedbackSubmit,
		ResourceType: "message",
		ResourceID:   req.MessageID.String(),
	}); err != nil {
		log.Printf("Failed to audit feedback submission: %v", err)
	}
	return record, nil
}

func (s *feedbackServiceImpl) upsert(ctx context.Context, tenantID string, userID string, req models.FeedbackRequest) (*models.FeedbackRecord, error) {
	var existing models.FeedbackRecord
	err := s.db.WithContext(ctx).
		First(&existing, "tenant_id = ? AND user_id = ? AND message_id = ?", tenantID, userID, req.MessageID).Error

	if err == nil {
		existing.Rating = req.Rating
		existing.IssueType = req.IssueType
		existing.Note = req.Note
		existing.UpdatedAt = time.Now().UTC()
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to update feedback: %w", err)
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	record := &models.FeedbackRecord{
		TenantID:  tenantID,
		UserID:    userID,
		MessageID: req.MessageID,
		Rating:    req.Rating,
		IssueType: req.IssueType,
		Note:      req.Note,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if createErr := s.db.WithContext(ctx).Create(record).Error; createErr != nil {
		// A concurrent submit for the same message may have won the
		// unique index; replay as an update.
		err := s.db.WithContext(ctx).
			First(&existing, "tenant_id = ? AND user_id = ? AND message_id = ?", tenantID, userID, req.MessageID).Error
		if err != nil {
			return nil, fmt.Errorf("failed to store feedback: %w", createErr)
		}
		existing.Rating = req.Rating
		existing.IssueType = req.IssueType
		existing.Note = req.Note
		existing.UpdatedAt = time.Now().UTC()
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to update feedback: %w", err)
		}
		return &existing, nil
	}
	return record, nil
}

func (s *feedbackServiceImpl) GetStats(ctx context.Context, tenantID string, days int) (*models.FeedbackStats, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	type ratingCount struct {
		Rating int
		Count  int64
	}
	var ratings []ratingCount
	err := s.db.WithContext(ctx).
		Model(&models.FeedbackRecord{}).
		Select("rating, count(*) as count").
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Group("rating").
		Scan(&ratings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}

	var positive, negative int64
	for _, rc := range ratings {
		switch rc.Rating {
		case 1:
			positive = rc.Count
		case -1:
			negative = rc.Count
		}
	}

	type issueCount struct {
		IssueType string
		Count     int64
	}
	var issues []issueCount
	err = s.db.WithContext(ctx).
		Model(&models.FeedbackRecord{}).
		Select("issue_type, count(*) as count").
		Where("tenant_id = ? AND created_at >= ? AND rating = -1 AND issue_type <> ''", tenantID, since).
		Group("issue_type").
		Scan(&issues).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback issues: %w", err)
	}
	breakdown := make(map[string]int64, len(issues))
	for _, ic := range issues {
		breakdown[ic.IssueType] = ic.Count
	}

	total := positive + negative
	satisfaction := satisfactionRate(positive, total)
	return &models.FeedbackStats{
		Total:            total,
		Positive:         positive,
		Negative:         negative,
		SatisfactionRate: satisfaction,
		IssueBreakdown:   breakdown,
		QualityScore:     qualityScore(satisfaction, total),
	}, nil
}

func satisfactionRate(positive, total int64) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(positive) / float64(total) * 100)
}

// qualityScore turns the satisfaction rate into a 0..100 score. Small
// samples shrink toward a neutral 50 so a single rating cannot swing
// the score to an extreme; no feedback at all reports 75.
func qualityScore(satisfaction float64, total int64) float64 {
	if total == 0 {
		return 75.0
	}
	score := satisfaction
	if total < 10 {
		confidence := float64(total) / 10
		score = score*confidence + 50*(1-confidence)
	}
	return round1(score)
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
