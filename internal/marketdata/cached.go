package marketdata

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/pkg/logger"
	"github.com/wonny/quantcore/pkg/redis"
)

// CachedPriceRepository wraps a PriceRepository with a Redis read-through
// cache for per-symbol history windows. Cache failures degrade to direct
// store reads.
type CachedPriceRepository struct {
	inner  contracts.PriceRepository
	cache  *redis.Cache
	ttl    time.Duration
	logger *logger.Logger
}

// NewCachedPriceRepository creates a cached price repository
func NewCachedPriceRepository(inner contracts.PriceRepository, cache *redis.Cache, ttl time.Duration, log *logger.Logger) *CachedPriceRepository {
	return &CachedPriceRepository{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: log,
	}
}

// GetByCodeAndDateRange retrieves bars, preferring the cache
func (r *CachedPriceRepository) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.Bar, error) {
	key := redis.PriceRangeKey(code, from.Format("2006-01-02"), to.Format("2006-01-02"))

	var cached []contracts.Bar
	if found, err := r.cache.Get(ctx, key, &cached); err == nil && found {
		return cached, nil
	}

	bars, err := r.inner.GetByCodeAndDateRange(ctx, code, from, to)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, key, bars, r.ttl); err != nil {
		r.logger.WithError(err).WithField("code", code).Warn("Price cache write failed")
	}
	return bars, nil
}

// GetClosesOnDate delegates to the inner repository. Cross-sectional
// close lookups are cheap single queries and are not cached.
func (r *CachedPriceRepository) GetClosesOnDate(ctx context.Context, date time.Time, codes []string) (map[string]float64, error) {
	return r.inner.GetClosesOnDate(ctx, date, codes)
}

// ListTradeDates delegates to the inner repository
func (r *CachedPriceRepository) ListTradeDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	return r.inner.ListTradeDates(ctx, from, to)
}

// LimitedPriceRepository throttles store reads with a token-bucket rate
// limiter. Parallel factor workers share one limiter so aggregate read
// pressure on the store (or its read replica) stays bounded.
type LimitedPriceRepository struct {
	inner   contracts.PriceRepository
	limiter *rate.Limiter
}

// NewLimitedPriceRepository creates a rate-limited price repository.
// readsPerSecond <= 0 disables throttling.
func NewLimitedPriceRepository(inner contracts.PriceRepository, readsPerSecond float64) *LimitedPriceRepository {
	var limiter *rate.Limiter
	if readsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(readsPerSecond), int(readsPerSecond)+1)
	}
	return &LimitedPriceRepository{inner: inner, limiter: limiter}
}

func (r *LimitedPriceRepository) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// GetByCodeAndDateRange retrieves bars after acquiring a rate token
func (r *LimitedPriceRepository) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.Bar, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetByCodeAndDateRange(ctx, code, from, to)
}

// GetClosesOnDate retrieves closes after acquiring a rate token
func (r *LimitedPriceRepository) GetClosesOnDate(ctx context.Context, date time.Time, codes []string) (map[string]float64, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetClosesOnDate(ctx, date, codes)
}

// ListTradeDates retrieves trade dates after acquiring a rate token
func (r *LimitedPriceRepository) ListTradeDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.ListTradeDates(ctx, from, to)
}
