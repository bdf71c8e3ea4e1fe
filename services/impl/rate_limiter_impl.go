package impl

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

const maxRetryAfter = 60 * time.Second

// rateLimiterImpl keeps two continuously refilling token buckets per
// tenant: one counting requests per minute, one counting model tokens
// per minute. Admission never waits; a request either has the budget
// now or is denied with a retry hint.
type rateLimiterImpl struct {
	rpm int
	tpm int

	mu      sync.Mutex
	tenants map[string]*tenantBuckets
}

type tenantBuckets struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

func NewRateLimiter(cfg *config.RateConfig) services.RateLimitService {
	return &rateLimiterImpl{
		rpm:     cfg.RPM,
		tpm:     cfg.TPM,
		tenants: make(map[string]*tenantBuckets),
	}
}

// Acquire reserves one request slot plus the estimated token spend.
// When the token leg is denied the request slot is returned, so a
// denied call leaves both buckets untouched.
func (l *rateLimiterImpl) Acquire(tenantID string, estimatedTokens int) (services.RateGrant, error) {
	buckets := l.buckets(tenantID)
	now := time.Now()

	requestRes := buckets.requests.ReserveN(now, 1)
	if !requestRes.OK() {
		return nil, services.RateDenied(maxRetryAfter)
	}
	if delay := requestRes.DelayFrom(now); delay > 0 {
		requestRes.CancelAt(now)
		return nil, services.RateDenied(clampRetryAfter(delay))
	}

	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	if estimatedTokens > l.tpm {
		// Can never fit the bucket; do not hold the request slot.
		requestRes.CancelAt(now)
		return nil, services.RateDenied(maxRetryAfter)
	}
	tokenRes := buckets.tokens.ReserveN(now, estimatedTokens)
	if delay := tokenRes.DelayFrom(now); delay > 0 {
		tokenRes.CancelAt(now)
		requestRes.CancelAt(now)
		return nil, services.RateDenied(clampRetryAfter(delay))
	}

	return &rateGrant{
		tokens:    buckets.tokens,
		res:       tokenRes,
		acquired:  now,
		burst:     l.tpm,
		estimated: estimatedTokens,
	}, nil
}

func (l *rateLimiterImpl) buckets(tenantID string) *tenantBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBuckets{
			requests: rate.NewLimiter(rate.Limit(l.rpm)/60, l.rpm),
			tokens:   rate.NewLimiter(rate.Limit(l.tpm)/60, l.tpm),
		}
		l.tenants[tenantID] = b
	}
	return b
}

// rateGrant settles a token reservation exactly once: the estimate is
// handed back and the actual spend is charged in its place.
type rateGrant struct {
	tokens    *rate.Limiter
	res       *rate.Reservation
	acquired  time.Time
	burst     int
	estimated int
	once      sync.Once
}

// Reconcile settles the grant at the real spend. CancelAt refunds
// nothing once the reservation's act time has passed, and settlement
// always runs after the query finishes, so the refund is issued at the
// acquire timestamp rather than at settle time.
func (g *rateGrant) Reconcile(actualTokens int) {
	g.once.Do(func() {
		if actualTokens < 0 {
			actualTokens = 0
		}
		if actualTokens > g.burst {
			actualTokens = g.burst
		}
		if actualTokens >= g.estimated {
			// The estimate stands as part of the spend; charge only the
			// overrun, even if that overdraws. The bucket repays the
			// debt through refill.
			if extra := actualTokens - g.estimated; extra > 0 {
				g.tokens.ReserveN(time.Now(), extra)
			}
			return
		}
		g.res.CancelAt(g.acquired)
		if actualTokens > 0 {
			g.tokens.ReserveN(time.Now(), actualTokens)
		}
	})
}

func (g *rateGrant) Cancel() {
	g.Reconcile(0)
}

func clampRetryAfter(delay time.Duration) time.Duration {
	if delay > maxRetryAfter {
		return maxRetryAfter
	}
	if delay <= 0 {
		return time.Second
	}
	return delay
}
