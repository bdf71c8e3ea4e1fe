package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AuditAction string

const (
	AuditActionDocumentUpload    AuditAction = "DOCUMENT_UPLOAD"
	AuditActionDocumentDelete    AuditAction = "DOCUMENT_DELETE"
	AuditActionDocumentReprocess AuditAction = "DOCUMENT_REPROCESS"
	AuditActionChatQuery         AuditAction = "CHAT_QUERY"
	AuditActionFeedbackSubmit    AuditAction = "FEEDBACK_SUBMIT"
	AuditActionIndexRebuild      AuditAction = "INDEX_REBUILD"
	AuditActionIndexQuarantine   AuditAction = "INDEX_QUARANTINE"
)

type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "SUCCESS"
	AuditStatusFailed  AuditStatus = "FAILED"
	AuditStatusDenied  AuditStatus = "DENIED"
)

// AuditRecord rows are append-only; nothing in the service updates or
// deletes them.
type AuditRecord struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID string    `json:"tenant_id" gorm:"type:varchar(255);not null;index"`
	UserID   string    `json:"user_id,omitempty" gorm:"type:varchar(255);index"`

	Action       AuditAction `json:"action" gorm:"type:varchar(50);not null;index"`
	ResourceType string      `json:"resource_type,omitempty" gorm:"type:varchar(50)"`
	ResourceID   string      `json:"resource_id,omitempty" gorm:"type:varchar(64)"`

	Details datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`
	Status  AuditStatus    `json:"status" gorm:"type:varchar(20);not null;default:'SUCCESS'"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now();index"`
}

func (AuditRecord) TableName() string {
	return "rag_audit_records"
}

// QueryAuditDetails is the Details payload of a CHAT_QUERY record.
type QueryAuditDetails struct {
	QuestionHash string      `json:"question_hash"`
	ChunkIDs     []uuid.UUID `json:"chunk_ids"`
	LatencyMs    int64       `json:"latency_ms"`
	CacheHit     bool        `json:"cache_hit"`
	Confidence   string      `json:"confidence"`
	TokensIn     int         `json:"tokens_in"`
	TokensOut    int         `json:"tokens_out"`
}

type FeedbackIssue string

const (
	FeedbackIssueIncorrect  FeedbackIssue = "incorrect"
	FeedbackIssueIncomplete FeedbackIssue = "incomplete"
	FeedbackIssueIrrelevant FeedbackIssue = "irrelevant"
	FeedbackIssueOutdated   FeedbackIssue = "outdated"
	FeedbackIssueUnclear    FeedbackIssue = "unclear"
	FeedbackIssueOther      FeedbackIssue = "other"
)

type FeedbackRecord struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID  string    `json:"tenant_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_feedback_tenant_user_message"`
	UserID    string    `json:"user_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_feedback_tenant_user_message"`
	MessageID uuid.UUID `json:"message_id" gorm:"type:uuid;not null;index;uniqueIndex:idx_feedback_tenant_user_message"`

	// +1 or -1.
	Rating    int           `json:"rating" gorm:"not null;index"`
	IssueType FeedbackIssue `json:"issue_type,omitempty" gorm:"type:varchar(50)"`
	Note      string        `json:"note,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now();index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (FeedbackRecord) TableName() string {
	return "rag_feedback"
}

type FeedbackRequest struct {
	MessageID uuid.UUID     `json:"message_id" validate:"required"`
	Rating    int           `json:"rating" validate:"required,oneof=-1 1"`
	IssueType FeedbackIssue `json:"issue_type,omitempty"`
	Note      string        `json:"note,omitempty" validate:"max=2000"`
}

type FeedbackStats struct {
	Total            int64            `json:"total"`
	Positive         int64            `json:"positive"`
	Negative         int64            `json:"negative"`
	SatisfactionRate float64          `json:"satisfaction_rate"`
	IssueBreakdown   map[string]int64 `json:"issue_breakdown"`
	QualityScore     float64          `json:"quality_score"`
}

type AuditListFilter struct {
	Action *AuditAction `json:"action,omitempty"`
	UserID string       `json:"user_id,omitempty"`
	Since  *time.Time   `json:"since,omitempty"`
	Until  *time.Time   `json:"until,omitempty"`
	Page   int          `json:"page"`
	Size   int          `json:"size"`
}

type AuditListResponse struct {
	Records []AuditRecord `json:"records"`
	Total   int64         `json:"total"`
	Page    int           `json:"page"`
	Size    int           `json:"size"`
}
