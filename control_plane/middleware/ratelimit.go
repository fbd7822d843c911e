package middleware

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/petrhale/camshaft/control_plane/observability"
)

// RateLimiter holds one token bucket per tenant. Buckets are created lazily
// on first use and live for the process lifetime; the tenant cardinality here
// is operator-bounded, not end-user-bounded.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	rate  rate.Limit
	burst int
}

// NewRateLimiter builds a per-tenant limiter: r requests per second with the
// given burst.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(r),
		burst:   burst,
	}
}

func (rl *RateLimiter) limiter(tenant string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.buckets[tenant]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.buckets[tenant] = l
	}
	return l
}

// Allow reports whether the tenant may proceed right now.
func (rl *RateLimiter) Allow(tenant string) bool {
	return rl.limiter(tenant).Allow()
}

// Middleware rejects over-limit requests with 429 and a jittered Retry-After
// so throttled clients do not retry in lockstep.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := GetTenantFromContext(r.Context())
		if err != nil {
			tenant = "anonymous"
		}
		if !rl.Allow(tenant) {
			observability.APIRateLimited.WithLabelValues(tenant).Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", 1+rand.Intn(3)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
