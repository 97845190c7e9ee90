package httpserver

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// multiLimiter keeps one token bucket per client key and forgets keys that
// were idle longer than ttl.
type multiLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*limBucket
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	return &multiLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*limBucket),
	}
}

func (m *multiLimiter) allow(key string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst), lastSeen: now}
		m.entries[key] = b
	}
	b.lastSeen = now

	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}
	return b.lim.AllowN(now, 1)
}

func (m *multiLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
