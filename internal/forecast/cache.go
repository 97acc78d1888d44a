package forecast

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/observability"
)

// CachedSource wraps a Source with an in-memory LRU cache whose entries expire after a TTL.
// Errors and empty series are never cached so an outage or a not-yet-generated forecast is
// retried on the next lookup.
type CachedSource struct {
	inner   Source
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *observability.Metrics

	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	entries    map[string]*list.Element
}

type cacheEntry struct {
	regionID  string
	series    Series
	expiresAt time.Time
}

// NewCachedSource creates a cache decorator around a forecast source.
func NewCachedSource(
	inner Source,
	maxEntries int,
	ttl time.Duration,
	clock clockwork.Clock,
	metrics *observability.Metrics,
) *CachedSource {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CachedSource{
		inner:      inner,
		ttl:        ttl,
		clock:      clock,
		metrics:    metrics,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Forecast implements Source.
func (c *CachedSource) Forecast(ctx context.Context, regionID string) (Series, error) {
	if series, ok := c.get(regionID); ok {
		c.observe("hit")

		return series, nil
	}

	c.observe("miss")

	series, err := c.inner.Forecast(ctx, regionID)
	if err != nil {
		return nil, err
	}

	if len(series) > 0 {
		c.put(regionID, series)
	}

	return series, nil
}

func (c *CachedSource) get(regionID string) (Series, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[regionID]
	if !ok {
		return nil, false
	}

	e := el.Value.(*cacheEntry) //nolint:forcetypeassert // only *cacheEntry is stored

	if !c.clock.Now().Before(e.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, regionID)

		return nil, false
	}

	c.order.MoveToFront(el)

	return e.series, true
}

func (c *CachedSource) put(regionID string, series Series) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(c.ttl)

	if el, ok := c.entries[regionID]; ok {
		e := el.Value.(*cacheEntry) //nolint:forcetypeassert // only *cacheEntry is stored
		e.series = series
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)

		return
	}

	c.entries[regionID] = c.order.PushFront(&cacheEntry{regionID: regionID, series: series, expiresAt: expiresAt})

	if c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).regionID) //nolint:forcetypeassert // only *cacheEntry is stored
	}
}

func (c *CachedSource) observe(result string) {
	if c.metrics != nil {
		c.metrics.ForecastCache.WithLabelValues(result).Inc()
	}
}
