package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an idle client keeps its limiter before
// the map entry is dropped.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiters tracks one token bucket per client IP.
type rateLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	rps   rate.Limit
	burst int
}

func newRateLimiters(requestsPerMinute int) *rateLimiters {
	return &rateLimiters{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
	}
}

func (rl *rateLimiters) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = c
	}

	c.lastSeen = time.Now()

	return c.limiter
}

func (rl *rateLimiters) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, c := range rl.clients {
		if time.Since(c.lastSeen) > limiterIdleTTL {
			delete(rl.clients, ip)
		}
	}
}

// rateLimitMiddleware applies a per-IP request budget to all routes.
func (s *server) rateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	rl := newRateLimiters(requestsPerMinute)

	go func() {
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()

		for range ticker.C {
			rl.cleanup()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !rl.get(ip).Allow() {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
