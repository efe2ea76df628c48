package api

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatter/cmd/internal/auth"
)

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per caller: the user id when
// authenticated, the remote IP otherwise.
type RateLimiter struct {
	log   *slog.Logger
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter returns nil when limit is not positive, which disables limiting.
func NewRateLimiter(log *slog.Logger, limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		log:     log,
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware must run after authentication so the user id is known.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := limiterKey(r)
		if !rl.allow(key) {
			rl.log.Warn("api.rate_limited", "key", key, "path", r.URL.Path)
			writeRateLimited(w, rl.limit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run evicts idle buckets until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context) error {
	if rl == nil {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(rl.idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rl.evictIdle()
		}
	}
}

// Len reports how many callers currently hold a bucket.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastAccess = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle() {
	cut := rl.now().Add(-rl.idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, cl := range rl.clients {
		if cl.lastAccess.Before(cut) {
			delete(rl.clients, k)
		}
	}
}

func limiterKey(r *http.Request) string {
	if id := auth.UserID(r.Context()); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func writeRateLimited(w http.ResponseWriter, limit rate.Limit) {
	retry := int(math.Ceil(1.0 / float64(limit)))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
