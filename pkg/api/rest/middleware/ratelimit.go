package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerSec float64
	Burst          int
	// PerUser keys authenticated requests by token subject instead of client
	// address, so callers behind one proxy do not share a bucket.
	PerUser     bool
	GlobalLimit bool
	// IdleTTL is how long an unused client bucket is kept; 0 means 10 minutes.
	IdleTTL time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client and an optional global one.
type RateLimiter struct {
	config  RateLimitConfig
	global  *rate.Limiter
	mu      sync.Mutex
	clients map[string]*clientBucket

	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter. Stop releases its sweep goroutine.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*clientBucket),
		done:    make(chan struct{}),
	}
	if config.GlobalLimit {
		rl.global = rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst)
	}
	go rl.sweepEvery(config.IdleTTL / 2)
	return rl
}

// Stop ends the sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// bucket returns the limiter for key, creating it on first use.
func (rl *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSec), rl.config.Burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// sweep drops buckets idle for longer than IdleTTL.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.clients {
		if now.Sub(b.lastSeen) > rl.config.IdleTTL {
			delete(rl.clients, key)
		}
	}
}

func (rl *RateLimiter) sweepEvery(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// tracked returns the number of client buckets.
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientKey identifies the caller: its token subject under PerUser, else its
// address.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	if rl.config.PerUser {
		if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
			return "sub:" + claims.Subject
		}
	}
	return "ip:" + getClientIP(r)
}

// RateLimitMiddleware rejects requests over the caller's budget with 429 and a
// Retry-After of the seconds until a token is available.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			now := time.Now()

			if limiter.global != nil {
				if wait, ok := take(limiter.global, now); !ok {
					writeRateLimitError(w, "Global rate limit exceeded", wait)
					return
				}
			}

			key := limiter.clientKey(r)
			bucket := limiter.bucket(key, now)
			wait, ok := take(bucket, now)
			if !ok {
				writeRateLimitError(w, "Rate limit exceeded for "+key, wait)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.config.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(bucket.TokensAt(now))))
			next.ServeHTTP(w, r)
		})
	}
}

// take consumes a token if one is available now. Otherwise it reports how long
// until one would be, leaving the bucket untouched.
func take(l *rate.Limiter, now time.Time) (time.Duration, bool) {
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return time.Duration(math.MaxInt64), false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeRateLimitError(w http.ResponseWriter, message string, wait time.Duration) {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 || wait == time.Duration(math.MaxInt64) {
		secs = 60
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSONError(w, message, http.StatusTooManyRequests)
}
