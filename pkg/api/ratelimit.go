package api

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/factorial-io/scotty/pkg/config"
	"github.com/factorial-io/scotty/pkg/metrics"
	"github.com/factorial-io/scotty/pkg/services"
)

// Limiter tiers. Public-auth covers unauthenticated endpoints keyed by
// client IP, oauth covers the token flows, authenticated covers the API
// keyed by credential.
const (
	tierPublicAuth    = "public_auth"
	tierOAuth         = "oauth"
	tierAuthenticated = "authenticated"
)

// maxLimiterKeys caps the per-tier bucket map. When the cap is reached the
// map is dropped wholesale; refilling is cheap and the alternative is an
// unbounded map fed by spoofed source addresses.
const maxLimiterKeys = 16384

type tierLimiter struct {
	cfg config.RateLimitTier

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newTierLimiter(cfg config.RateLimitTier) *tierLimiter {
	return &tierLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

// allow consumes one token from the bucket for key. Tiers with a
// non-positive rate are unlimited.
func (t *tierLimiter) allow(key string) bool {
	if t.cfg.PerSecond <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buckets) >= maxLimiterKeys {
		t.buckets = make(map[string]*rate.Limiter)
	}
	b, ok := t.buckets[key]
	if !ok {
		burst := t.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(t.cfg.PerSecond), burst)
		t.buckets[key] = b
	}
	return b.Allow()
}

// rateLimiters bundles the three tiers.
type rateLimiters struct {
	tiers   map[string]*tierLimiter
	metrics *metrics.Recorder
}

func newRateLimiters(cfg config.RateLimitConfig, rec *metrics.Recorder) *rateLimiters {
	return &rateLimiters{
		tiers: map[string]*tierLimiter{
			tierPublicAuth:    newTierLimiter(cfg.PublicAuth),
			tierOAuth:         newTierLimiter(cfg.OAuth),
			tierAuthenticated: newTierLimiter(cfg.Authenticated),
		},
		metrics: rec,
	}
}

// check returns ErrRateLimited when the tier denies the key.
func (r *rateLimiters) check(tier, key string) error {
	if r == nil {
		return nil
	}
	if r.tiers[tier].allow(key) {
		return nil
	}
	if r.metrics != nil {
		r.metrics.RateLimited(tier)
	}
	return fmt.Errorf("%w: tier %s", services.ErrRateLimited, tier)
}
