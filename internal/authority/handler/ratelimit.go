package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request counts against. An empty key is not
// limited.
type KeyFunc func(c *gin.Context) string

// ByClientIP buckets requests by the caller's address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByRequestID buckets chain polls by the identifier being polled, so a node
// cannot be polled faster than the limit from any number of addresses.
func ByRequestID(c *gin.Context) string { return c.Param("id") }

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed token bucket gin middleware. Buckets idle for ten
// minutes are dropped. Close stops the sweeper.
type Limiter struct {
	scope string
	rps   rate.Limit
	burst int
	key   KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	once    sync.Once
}

// NewLimiter allows rps requests per second with burst per key. scope labels
// the nodetrust_rate_limited_total metric.
func NewLimiter(scope string, rps, burst int, key KeyFunc) *Limiter {
	l := &Limiter{
		scope:   scope,
		rps:     rate.Limit(rps),
		burst:   burst,
		key:     key,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for k, b := range l.buckets {
				if time.Since(b.lastSeen) > limiterIdle {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Close stops the idle-bucket sweeper. It is safe to call more than once.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Allow spends one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Middleware answers 429 once the request's bucket is empty.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := l.key(c)
		if key == "" || l.Allow(key) {
			c.Next()
			return
		}
		recordRateLimited(l.scope)
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
			"scope": l.scope,
		})
	}
}
