package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	answerKeyPrefix = "rag:answer:"
	epochKeyPrefix  = "rag:epoch:"

	// DefaultAnswerTTL bounds cache entries when no TTL is configured.
	DefaultAnswerTTL = 60 * 60
)

// responseCacheImpl caches full answer payloads keyed by tenant,
// normalized question, document scope and pipeline version. Redis backs
// the cache when persistence is enabled; an in-memory map serves
// otherwise and as the fallback when Redis errors.
type responseCacheImpl struct {
	defaultTTL      time.Duration
	pipelineVersion string

	mu       sync.RWMutex
	memCache map[string]answerEntry
	epochs   map[string]int64
	ttls     map[string]time.Duration

	redis    *redis.Client
	useRedis bool

	group singleflight.Group
}

type answerEntry struct {
	data      []byte
	expiresAt time.Time
}

// answerEnvelope is the stored form; the epoch pins the entry to the
// tenant generation it was built under.
type answerEnvelope struct {
	Epoch  int64               `json:"epoch"`
	Result *models.QueryResult `json:"result"`
}

// NewResponseCache creates the answer cache. A nil Redis client or
// disabled persistence keeps everything in process memory.
func NewResponseCache(cfg *config.CacheConfig, pipelineVersion string, redisClient *redis.Client) services.ResponseCache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if cfg.TTLSeconds <= 0 {
		ttl = time.Duration(DefaultAnswerTTL) * time.Second
	}
	return &responseCacheImpl{
		defaultTTL:      ttl,
		pipelineVersion: pipelineVersion,
		memCache:        make(map[string]answerEntry),
		epochs:          make(map[string]int64),
		ttls:            make(map[string]time.Duration),
		redis:           redisClient,
		useRedis:        cfg.EnablePersist && redisClient != nil,
	}
}

// Key fingerprints a query. Equivalent questions against the same scope
// and pipeline settings share an entry; any pipeline config change
// shifts every key.
func (s *responseCacheImpl) Key(tenantID string, question string, docScope []uuid.UUID) string {
	ids := make([]string, len(docScope))
	for i, id := range docScope {
		ids[i] = id.String()
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(normalizeQuestion(question)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, ",")))
	h.Write([]byte{0})
	h.Write([]byte(s.pipelineVersion))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

func (s *responseCacheImpl) GetOrBuild(ctx context.Context, tenantID string, key string, build func(context.Context) (*models.QueryResult, error)) (*models.QueryResult, bool, error) {
	type outcome struct {
		result *models.QueryResult
		hit    bool
	}

	// Only the caller whose closure singleflight executes counts as the
	// builder; everyone else shares its result and reports a hit.
	built := false
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if cached := s.get(ctx, tenantID, key); cached != nil {
			return outcome{result: cached, hit: true}, nil
		}
		built = true
		result, err := build(ctx)
		if err != nil {
			return nil, err
		}
		s.set(ctx, tenantID, key, result)
		return outcome{result: result}, nil
	})
	if err != nil {
		return nil, false, err
	}

	// Every caller stamps per-request fields on its result, so each one
	// gets a private copy; the shared struct singleflight hands out is
	// never written after the closure returns.
	out := v.(outcome)
	return cloneResult(out.result), out.hit || !built, nil
}

// cloneResult deep-copies a result through its JSON form, the same
// round-trip a cache read performs.
func cloneResult(result *models.QueryResult) *models.QueryResult {
	data, err := json.Marshal(result)
	if err != nil {
		return result
	}
	clone := &models.QueryResult{}
	if err := json.Unmarshal(data, clone); err != nil {
		return result
	}
	return clone
}

// InvalidateTenant advances the tenant epoch in every backend. Entries
// written under older epochs fail the epoch check on read and age out
// through their TTL.
func (s *responseCacheImpl) InvalidateTenant(ctx context.Context, tenantID string) error {
	if s.useRedis {
		if err := s.redis.Incr(ctx, epochKeyPrefix+tenantID).Err(); err != nil {
			log.Printf("Redis epoch bump failed for tenant %s: %v", tenantID, err)
		}
	}
	s.mu.Lock()
	s.epochs[tenantID]++
	s.mu.Unlock()
	return nil
}

// SetTenantTTL installs a per-tenant TTL override; zero restores the
// default.
func (s *responseCacheImpl) SetTenantTTL(tenantID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.ttls, tenantID)
		return
	}
	s.ttls[tenantID] = ttl
}

func (s *responseCacheImpl) ttlFor(tenantID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ttl, ok := s.ttls[tenantID]; ok {
		return ttl
	}
	return s.defaultTTL
}

func (s *responseCacheImpl) get(ctx context.Context, tenantID string, key string) *models.QueryResult {
	if s.useRedis {
		data, err := s.redis.Get(ctx, answerKeyPrefix+key).Bytes()
		if err == nil {
			return s.decode(tenantID, key, data, s.redisEpoch(ctx, tenantID), true)
		}
		if err != redis.Nil {
			return s.getFromMemCache(tenantID, key)
		}
		return nil
	}
	return s.getFromMemCache(tenantID, key)
}

func (s *responseCacheImpl) getFromMemCache(tenantID string, key string) *models.QueryResult {
	s.mu.RLock()
	entry, exists := s.memCache[key]
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.memCache, key)
		s.mu.Unlock()
		return nil
	}
	return s.decode(tenantID, key, entry.data, s.memEpoch(tenantID), false)
}

// decode unmarshals a stored envelope, discarding it when the tenant
// epoch has moved on. Each call returns a fresh value so callers can
// stamp per-request fields without corrupting the cache.
func (s *responseCacheImpl) decode(tenantID, key string, data []byte, epoch int64, fromRedis bool) *models.QueryResult {
	var envelope answerEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.drop(key, fromRedis)
		return nil
	}
	if envelope.Epoch != epoch {
		s.drop(key, fromRedis)
		return nil
	}
	return envelope.Result
}

func (s *responseCacheImpl) drop(key string, fromRedis bool) {
	if fromRedis {
		s.redis.Del(context.Background(), answerKeyPrefix+key)
		return
	}
	s.mu.Lock()
	delete(s.memCache, key)
	s.mu.Unlock()
}

func (s *responseCacheImpl) set(ctx context.Context, tenantID string, key string, result *models.QueryResult) {
	if result == nil {
		return
	}
	ttl := s.ttlFor(tenantID)

	if s.useRedis {
		data, err := json.Marshal(answerEnvelope{Epoch: s.redisEpoch(ctx, tenantID), Result: result})
		if err != nil {
			return
		}
		if err := s.redis.Set(ctx, answerKeyPrefix+key, data, ttl).Err(); err == nil {
			return
		}
		// Redis write failed; keep the answer in memory instead.
	}

	data, err := json.Marshal(answerEnvelope{Epoch: s.memEpoch(tenantID), Result: result})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.memCache[key] = answerEntry{data: data, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *responseCacheImpl) redisEpoch(ctx context.Context, tenantID string) int64 {
	epoch, err := s.redis.Get(ctx, epochKeyPrefix+tenantID).Int64()
	if err != nil {
		if err != redis.Nil {
			log.Printf("Redis epoch read failed for tenant %s: %v", tenantID, err)
		}
		return 0
	}
	return epoch
}

func (s *responseCacheImpl) memEpoch(tenantID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[tenantID]
}
