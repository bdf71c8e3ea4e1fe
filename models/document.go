package models

import (
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "PENDING"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusReady      DocumentStatus = "READY"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

type Document struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	TenantID   string    `json:"tenant_id" gorm:"type:varchar(255);not null;index;uniqueIndex:idx_documents_tenant_digest"`
	UploadedBy string    `json:"uploaded_by,omitempty" gorm:"type:varchar(255)"`

	Name        string `json:"name" gorm:"type:varchar(255);not null"`
	ContentType string `json:"content_type" gorm:"type:varchar(100);not null"`
	SizeBytes   int64  `json:"size_bytes" gorm:"not null"`

	// SHA-256 of the uploaded bytes. (tenant, digest) is unique so a
	// re-upload of identical content resolves to the existing document.
	ContentDigest string `json:"content_digest" gorm:"type:varchar(64);not null;uniqueIndex:idx_documents_tenant_digest"`

	Status        DocumentStatus `json:"status" gorm:"type:varchar(20);not null;default:'PENDING';index"`
	FailureReason string         `json:"failure_reason,omitempty" gorm:"type:text"`

	PageCount  int `json:"page_count" gorm:"default:0"`
	ChunkCount int `json:"chunk_count" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Document) TableName() string {
	return "rag_documents"
}

func (d *Document) IsReady() bool {
	return d.Status == DocumentStatusReady
}

type Chunk struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	DocumentID uuid.UUID `json:"document_id" gorm:"type:uuid;not null;index"`
	TenantID   string    `json:"tenant_id" gorm:"type:varchar(255);not null;index"`

	Ordinal    int    `json:"ordinal" gorm:"not null"`
	Content    string `json:"content" gorm:"type:text;not null"`
	TokenCount int    `json:"token_count" gorm:"not null"`
	Page       int    `json:"page" gorm:"default:1"`

	// Slot of this chunk's vector in the tenant's index. Rewritten on
	// compaction and on full rebuilds.
	EmbeddingSlot int64 `json:"embedding_slot" gorm:"not null;index"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (Chunk) TableName() string {
	return "rag_chunks"
}

type IngestResponse struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Status     DocumentStatus `json:"status"`
	ChunkCount int            `json:"chunk_count,omitempty"`
	Duplicate  bool           `json:"duplicate,omitempty"`

	// Starter questions for exploring the freshly ingested document.
	Suggestions []string `json:"suggestions,omitempty"`
}

type DocumentListFilter struct {
	Status *DocumentStatus `json:"status,omitempty"`
	Page   int             `json:"page"`
	Size   int             `json:"size"`
}

type DocumentListResponse struct {
	Documents []Document `json:"documents"`
	Total     int64      `json:"total"`
	Page      int        `json:"page"`
	Size      int        `json:"size"`
}

type DocumentStats struct {
	TotalDocuments int64            `json:"total_documents"`
	ByStatus       map[string]int64 `json:"by_status"`
	StorageBytes   int64            `json:"storage_bytes"`
	TotalChunks    int64            `json:"total_chunks"`
}
