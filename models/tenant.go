package models

import (
	"time"
)

type TenantTier string

const (
	TenantTierFree         TenantTier = "free"
	TenantTierStarter      TenantTier = "starter"
	TenantTierProfessional TenantTier = "professional"
)

type Tenant struct {
	ID       string     `json:"id" gorm:"type:varchar(255);primary_key"`
	Name     string     `json:"name" gorm:"type:varchar(255);not null"`
	Slug     string     `json:"slug" gorm:"type:varchar(100);not null;uniqueIndex"`
	Tier     TenantTier `json:"tier" gorm:"type:varchar(50);not null;default:'free'"`
	IsActive bool       `json:"is_active" gorm:"default:true"`

	// Answer cache TTL override in seconds; 0 uses the service default.
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Tenant) TableName() string {
	return "rag_tenants"
}

// QuotaState carries both the limits and the live counters for a tenant.
// Daily counters reset on the first operation of a new UTC day; DayKey
// records which day the counters belong to.
type QuotaState struct {
	TenantID string `json:"tenant_id" gorm:"type:varchar(255);primary_key"`

	MaxDocuments    int   `json:"max_documents" gorm:"not null;default:100"`
	MaxStorageBytes int64 `json:"max_storage_bytes" gorm:"not null;default:524288000"`
	MaxDailyQueries int64 `json:"max_daily_queries" gorm:"not null;default:500"`
	MaxDailyTokens  int64 `json:"max_daily_tokens" gorm:"not null;default:500000"`

	DocumentsUsed    int   `json:"documents_used" gorm:"not null;default:0"`
	StorageUsedBytes int64 `json:"storage_used_bytes" gorm:"not null;default:0"`
	QueriesToday     int64 `json:"queries_today" gorm:"not null;default:0"`
	TokensToday      int64 `json:"tokens_today" gorm:"not null;default:0"`

	DayKey string `json:"day_key" gorm:"type:varchar(10);not null;default:''"`

	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (QuotaState) TableName() string {
	return "rag_quota_states"
}

type TierLimits struct {
	MaxDocuments    int   `json:"max_documents"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
	MaxDailyQueries int64 `json:"max_daily_queries"`
	MaxDailyTokens  int64 `json:"max_daily_tokens"`
}

// LimitsForTier returns the default quota limits for a subscription tier.
// Unknown tiers fall back to free.
func LimitsForTier(tier TenantTier) TierLimits {
	switch tier {
	case TenantTierStarter:
		return TierLimits{
			MaxDocuments:    100,
			MaxStorageBytes: 500 * 1024 * 1024,
			MaxDailyQueries: 500,
			MaxDailyTokens:  500000,
		}
	case TenantTierProfessional:
		return TierLimits{
			MaxDocuments:    1000,
			MaxStorageBytes: 5000 * 1024 * 1024,
			MaxDailyQueries: 5000,
			MaxDailyTokens:  5000000,
		}
	default:
		return TierLimits{
			MaxDocuments:    10,
			MaxStorageBytes: 50 * 1024 * 1024,
			MaxDailyQueries: 50,
			MaxDailyTokens:  50000,
		}
	}
}

// NewQuotaState seeds a quota row from the tier defaults.
func NewQuotaState(tenantID string, tier TenantTier) *QuotaState {
	limits := LimitsForTier(tier)
	return &QuotaState{
		TenantID:        tenantID,
		MaxDocuments:    limits.MaxDocuments,
		MaxStorageBytes: limits.MaxStorageBytes,
		MaxDailyQueries: limits.MaxDailyQueries,
		MaxDailyTokens:  limits.MaxDailyTokens,
	}
}

type QuotaUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type QuotaStatusResponse struct {
	Documents    QuotaUsage `json:"documents"`
	StorageBytes QuotaUsage `json:"storage_bytes"`
	QueriesToday QuotaUsage `json:"queries_today"`
	TokensToday  QuotaUsage `json:"tokens_today"`
	ResetsAt     time.Time  `json:"resets_at"`
}
