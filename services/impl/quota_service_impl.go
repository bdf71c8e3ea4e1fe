package impl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const quotaDayFormat = "2006-01-02"

// quotaServiceImpl enforces per-tenant document, storage and daily
// usage limits. A per-tenant mutex serializes check-and-consume so two
// concurrent requests cannot both squeeze through the last unit of
// headroom.
type quotaServiceImpl struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewQuotaService(db *gorm.DB) services.QuotaService {
	return &quotaServiceImpl{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *quotaServiceImpl) TryConsume(ctx context.Context, tenantID string, kind services.QuotaKind, amount int64) error {
	return s.withState(ctx, tenantID, func(state *models.QuotaState) error {
		if denial := quotaDenial(state, kind, amount, time.Now().UTC()); denial != nil {
			return denial
		}
		return applyConsume(state, kind, amount)
	})
}

func (s *quotaServiceImpl) Consume(ctx context.Context, tenantID string, kind services.QuotaKind, amount int64) error {
	return s.withState(ctx, tenantID, func(state *models.QuotaState) error {
		return applyConsume(state, kind, amount)
	})
}

// TryConsumeUpload admits one document of the given size, checking the
// document and storage caps together so neither can be oversubscribed.
func (s *quotaServiceImpl) TryConsumeUpload(ctx context.Context, tenantID string, sizeBytes int64) error {
	return s.withState(ctx, tenantID, func(state *models.QuotaState) error {
		now := time.Now().UTC()
		if denial := quotaDenial(state, services.QuotaDocuments, 1, now); denial != nil {
			return denial
		}
		if denial := quotaDenial(state, services.QuotaStorage, sizeBytes, now); denial != nil {
			return denial
		}
		state.DocumentsUsed++
		state.StorageUsedBytes += sizeBytes
		return nil
	})
}

func (s *quotaServiceImpl) ReleaseUpload(ctx context.Context, tenantID string, sizeBytes int64) error {
	return s.withState(ctx, tenantID, func(state *models.QuotaState) error {
		state.DocumentsUsed--
		if state.DocumentsUsed < 0 {
			state.DocumentsUsed = 0
		}
		state.StorageUsedBytes -= sizeBytes
		if state.StorageUsedBytes < 0 {
			state.StorageUsedBytes = 0
		}
		return nil
	})
}

func (s *quotaServiceImpl) GetStatus(ctx context.Context, tenantID string) (*models.QuotaStatusResponse, error) {
	var status *models.QuotaStatusResponse
	err := s.withState(ctx, tenantID, func(state *models.QuotaState) error {
		status = &models.QuotaStatusResponse{
			Documents:    quotaUsage(int64(state.DocumentsUsed), int64(state.MaxDocuments)),
			StorageBytes: quotaUsage(state.StorageUsedBytes, state.MaxStorageBytes),
			QueriesToday: quotaUsage(state.QueriesToday, state.MaxDailyQueries),
			TokensToday:  quotaUsage(state.TokensToday, state.MaxDailyTokens),
			ResetsAt:     nextUTCMidnight(time.Now().UTC()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// withState runs fn against the tenant's quota row under its lock,
// applying the day rollover first and persisting whatever changed.
// Quota denials from fn still persist the rollover.
func (s *quotaServiceImpl) withState(ctx context.Context, tenantID string, fn func(*models.QuotaState) error) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.loadState(ctx, tenantID)
	if err != nil {
		return err
	}
	applyDayRollover(state, time.Now().UTC())

	fnErr := fn(state)
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("failed to save quota state: %w", err)
	}
	return fnErr
}

func (s *quotaServiceImpl) loadState(ctx context.Context, tenantID string) (*models.QuotaState, error) {
	var state models.QuotaState
	err := s.db.WithContext(ctx).First(&state, "tenant_id = ?", tenantID).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load quota state: %w", err)
	}

	// First sighting of this tenant; seed limits from its tier.
	tier := models.TenantTierFree
	var tenant models.Tenant
	if s.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error == nil {
		tier = tenant.Tier
	}
	seeded := models.NewQuotaState(tenantID, tier)
	if createErr := s.db.WithContext(ctx).Create(seeded).Error; createErr != nil {
		// Another instance may have seeded concurrently.
		if err := s.db.WithContext(ctx).First(&state, "tenant_id = ?", tenantID).Error; err != nil {
			return nil, fmt.Errorf("failed to seed quota state: %w", createErr)
		}
		return &state, nil
	}
	return seeded, nil
}

func (s *quotaServiceImpl) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantID] = lock
	}
	return lock
}

// applyDayRollover zeroes the daily counters when the UTC day has
// changed since the last operation.
func applyDayRollover(state *models.QuotaState, now time.Time) {
	today := now.Format(quotaDayFormat)
	if state.DayKey != today {
		state.DayKey = today
		state.QueriesToday = 0
		state.TokensToday = 0
	}
}

// quotaDenial reports whether consuming amount of kind would break the
// cap. Amount zero is a pure headroom check: it denies once the counter
// has reached the cap without consuming anything.
func quotaDenial(state *models.QuotaState, kind services.QuotaKind, amount int64, now time.Time) *services.Error {
	var used, limit int64
	var reason string
	var resetAt *time.Time

	switch kind {
	case services.QuotaDocuments:
		used, limit = int64(state.DocumentsUsed), int64(state.MaxDocuments)
		reason = "document limit reached"
	case services.QuotaStorage:
		used, limit = state.StorageUsedBytes, state.MaxStorageBytes
		reason = "storage limit reached"
	case services.QuotaQueries:
		used, limit = state.QueriesToday, state.MaxDailyQueries
		reason = "daily query limit reached"
		midnight := nextUTCMidnight(now)
		resetAt = &midnight
	case services.QuotaTokens:
		used, limit = state.TokensToday, state.MaxDailyTokens
		reason = "daily token limit reached"
		midnight := nextUTCMidnight(now)
		resetAt = &midnight
	default:
		return services.NewError(services.KindQuotaExceeded, fmt.Sprintf("unknown quota kind %q", kind))
	}

	if amount == 0 {
		if used >= limit {
			return services.QuotaDenied(reason, resetAt)
		}
		return nil
	}
	if used+amount > limit {
		return services.QuotaDenied(reason, resetAt)
	}
	return nil
}

func applyConsume(state *models.QuotaState, kind services.QuotaKind, amount int64) error {
	switch kind {
	case services.QuotaDocuments:
		state.DocumentsUsed += int(amount)
		if state.DocumentsUsed < 0 {
			state.DocumentsUsed = 0
		}
	case services.QuotaStorage:
		state.StorageUsedBytes += amount
		if state.StorageUsedBytes < 0 {
			state.StorageUsedBytes = 0
		}
	case services.QuotaQueries:
		state.QueriesToday += amount
		if state.QueriesToday < 0 {
			state.QueriesToday = 0
		}
	case services.QuotaTokens:
		state.TokensToday += amount
		if state.TokensToday < 0 {
			state.TokensToday = 0
		}
	default:
		return fmt.Errorf("unknown quota kind %q", kind)
	}
	return nil
}

func quotaUsage(used, limit int64) models.QuotaUsage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return models.QuotaUsage{Used: used, Limit: limit, Remaining: remaining}
}

func nextUTCMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
