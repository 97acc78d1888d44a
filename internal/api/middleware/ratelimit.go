package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	maxClients                 = 100
	defaultGlobalRPS           = 100
	defaultClientRPS           = 50
	defaultUnAuthRPS           = 10
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = time.Hour
	rateLimitDetail            = "Request rate limit exceeded, retry shortly"
)

type (
	// RateLimiter decides whether a request may proceed.
	RateLimiter interface {
		// Allow reports whether a request is allowed. clientID is empty for anonymous requests.
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter keeps token buckets for one process.
	//
	// Every request spends a token from the service-wide bucket first. Authenticated field
	// stations and dashboards then spend from their own bucket, anonymous callers from one
	// shared bucket. Station buckets unused for IdleTimeout are swept, and at MaxClients the
	// longest-idle bucket is evicted to admit a new station.
	InMemoryRateLimiter struct {
		clock  clockwork.Clock
		logger *slog.Logger

		service   *rate.Limiter
		anonymous *rate.Limiter

		mu      sync.Mutex
		buckets map[string]*clientBucket

		clientRPS   rate.Limit
		clientBurst int
		capacity    int
		idleTimeout time.Duration
		sweepEvery  time.Duration

		stop     chan struct{}
		stopOnce sync.Once
	}

	clientBucket struct {
		tokens   *rate.Limiter
		lastSeen time.Time
	}

	// LimiterOption configures an InMemoryRateLimiter.
	LimiterOption func(*InMemoryRateLimiter)
)

// WithLimiterClock drives token refill and idle sweeps from clock.
func WithLimiterClock(clock clockwork.Clock) LimiterOption {
	return func(rl *InMemoryRateLimiter) {
		if clock != nil {
			rl.clock = clock
		}
	}
}

// WithLimiterLogger sets the logger used for bucket evictions.
func WithLimiterLogger(logger *slog.Logger) LimiterOption {
	return func(rl *InMemoryRateLimiter) {
		if logger != nil {
			rl.logger = logger
		}
	}
}

// NewInMemoryRateLimiter builds the limiter and starts its idle sweep. Call Close to stop it.
func NewInMemoryRateLimiter(config *Config, opts ...LimiterOption) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		service:     rate.NewLimiter(rate.Limit(config.GlobalRPS), burstFor(config.GlobalRPS, config.GlobalBurst)),
		anonymous:   rate.NewLimiter(rate.Limit(config.UnAuthRPS), burstFor(config.UnAuthRPS, config.UnAuthBurst)),
		buckets:     make(map[string]*clientBucket),
		clientRPS:   rate.Limit(config.ClientRPS),
		clientBurst: burstFor(config.ClientRPS, config.ClientBurst),
		capacity:    positiveOr(config.MaxClients, maxClients),
		idleTimeout: positiveOr(config.IdleTimeout, rateLimiterIdleTimeout),
		sweepEvery:  positiveOr(config.CleanupInterval, rateLimiterCleanupInterval),
		stop:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(rl)
	}

	go rl.sweepLoop()

	return rl
}

// burstFor returns override when set, otherwise twice the rate.
func burstFor(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}

	return fallback
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	now := rl.clock.Now()

	if !rl.service.AllowN(now, 1) {
		return false
	}

	if clientID == "" {
		return rl.anonymous.AllowN(now, 1)
	}

	return rl.bucket(clientID, now).AllowN(now, 1)
}

// bucket returns the station's limiter, creating it and evicting the idlest one at capacity.
func (rl *InMemoryRateLimiter) bucket(clientID string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets[clientID]; ok {
		b.lastSeen = now

		return b.tokens
	}

	if len(rl.buckets) >= rl.capacity {
		rl.evictIdlest()
	}

	b := &clientBucket{tokens: rate.NewLimiter(rl.clientRPS, rl.clientBurst), lastSeen: now}
	rl.buckets[clientID] = b

	return b.tokens
}

// evictIdlest drops the bucket with the oldest lastSeen. Callers hold mu.
func (rl *InMemoryRateLimiter) evictIdlest() {
	var (
		victim string
		oldest time.Time
	)

	for id, b := range rl.buckets {
		if victim == "" || b.lastSeen.Before(oldest) {
			victim, oldest = id, b.lastSeen
		}
	}

	delete(rl.buckets, victim)

	rl.logger.Warn("Rate limiter at client capacity, evicted idlest client",
		slog.String("client_id", victim),
		slog.Int("max_clients", rl.capacity),
	)
}

// Close stops the idle sweep. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })

	return nil
}

func (rl *InMemoryRateLimiter) sweepLoop() {
	ticker := rl.clock.NewTicker(rl.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep removes buckets unused for longer than the idle timeout.
func (rl *InMemoryRateLimiter) sweep() {
	cutoff := rl.clock.Now().Add(-rl.idleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}

// tracked reports how many station buckets exist and whether clientID has one.
func (rl *InMemoryRateLimiter) tracked(clientID string) (int, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	_, ok := rl.buckets[clientID]

	return len(rl.buckets), ok
}

// RateLimit answers 429 once a caller runs out of tokens. It runs after Authenticate so that
// authenticated stations spend from their own bucket. Public endpoints are never limited.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			var clientID string
			if clientCtx, ok := GetClientContext(r.Context()); ok {
				clientID = clientCtx.ClientID
			}

			if limiter.Allow(clientID) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			logger.Debug("Request rate limited",
				slog.String("client_id", clientID),
				slog.String("path", r.URL.Path),
				slog.String("correlation_id", correlationID),
			)

			w.Header().Set("Retry-After", "1")

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, rateLimitDetail, correlationID); err != nil {
				logger.Error("Failed to encode error response",
					slog.String("error", err.Error()),
					slog.String("correlation_id", correlationID),
				)
			}
		})
	}
}
