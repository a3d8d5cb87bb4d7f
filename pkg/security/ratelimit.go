// Package security limits how fast tenants may dispatch model calls.
package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter. A zero rate disables that limit.
type RateLimitConfig struct {
	// TenantRPS and TenantBurst bound each tenant independently.
	TenantRPS   float64 `yaml:"tenant_rps"`
	TenantBurst int     `yaml:"tenant_burst"`

	// GlobalRPS and GlobalBurst bound all tenants together.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`

	// IdleTTL drops a tenant's limiter after this long without requests.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Enabled reports whether any limit is set.
func (c RateLimitConfig) Enabled() bool {
	return c.TenantRPS > 0 || c.GlobalRPS > 0
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-tenant and global rate limiting
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	tenantLimiters map[string]*tenantLimiter
	mu             sync.Mutex

	// Configuration
	tenantRPS   float64
	tenantBurst int
	idleTTL     time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a limiter where every tenant gets requestsPerSecond
// with the given burst and no global limit applies.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimitConfig{TenantRPS: requestsPerSecond, TenantBurst: burst})
}

// NewRateLimiterWithConfig creates a rate limiter from cfg.
func NewRateLimiterWithConfig(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		tenantLimiters: make(map[string]*tenantLimiter),
		tenantRPS:      cfg.TenantRPS,
		tenantBurst:    burstOrDefault(cfg.TenantBurst, cfg.TenantRPS),
		idleTTL:        cfg.IdleTTL,
		now:            time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstOrDefault(cfg.GlobalBurst, cfg.GlobalRPS))
	}
	if rl.idleTTL <= 0 {
		rl.idleTTL = 30 * time.Minute
	}
	return rl
}

func burstOrDefault(burst int, rps float64) int {
	if burst > 0 {
		return burst
	}
	if rps >= 1 {
		return int(rps)
	}
	return 1
}

// Allow reports whether a request for tenantID may proceed now, consuming a
// token from the tenant and global buckets if so. A denied request consumes
// nothing.
func (rl *RateLimiter) Allow(tenantID string) bool {
	now := rl.now()
	var held *rate.Reservation
	if limiter := rl.getTenantLimiter(tenantID); limiter != nil {
		if held = reserveNow(limiter, now); held == nil {
			return false
		}
	}
	if rl.globalLimiter != nil && reserveNow(rl.globalLimiter, now) == nil {
		if held != nil {
			held.CancelAt(now)
		}
		return false
	}
	return true
}

// reserveNow takes a token only if one is available at now.
func reserveNow(l *rate.Limiter, now time.Time) *rate.Reservation {
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil
	}
	return r
}

// getTenantLimiter gets or creates the limiter for a tenant. It returns nil
// when no per-tenant limit is configured.
func (rl *RateLimiter) getTenantLimiter(tenantID string) *rate.Limiter {
	if rl.tenantRPS <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if tl, exists := rl.tenantLimiters[tenantID]; exists {
		tl.lastSeen = now
		return tl.limiter
	}

	tl := &tenantLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.tenantRPS), rl.tenantBurst),
		lastSeen: now,
	}
	rl.tenantLimiters[tenantID] = tl
	return tl.limiter
}

// Prune drops limiters of tenants idle for longer than the idle TTL and
// returns how many were dropped.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	dropped := 0
	for id, tl := range rl.tenantLimiters {
		if tl.lastSeen.Before(cutoff) {
			delete(rl.tenantLimiters, id)
			dropped++
		}
	}
	return dropped
}

// Tenants returns the number of tenants currently tracked.
func (rl *RateLimiter) Tenants() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.tenantLimiters)
}
