package web

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ipSweepEvery = 5 * time.Minute
	ipIdleAfter  = 10 * time.Minute
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// IPLimiter is a per-client token bucket guarding write endpoints. It is an
// abuse guard only; tenant quotas live in the usage ledger.
type IPLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64
	burst     int
	lastSweep time.Time
	// TrustForwarded reads the client address from X-Forwarded-For. Enable
	// only behind a proxy that overwrites the header.
	TrustForwarded bool
}

var ipLimitNow = time.Now

func NewIPLimiter(ratePerSecond float64, burst int) *IPLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		buckets:   make(map[string]*bucket),
		rate:      ratePerSecond,
		burst:     burst,
		lastSweep: ipLimitNow(),
	}
}

func (l *IPLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := ipLimitNow()
	if now.Sub(l.lastSweep) > ipSweepEvery {
		cutoff := now.Add(-ipIdleAfter)
		for k, b := range l.buckets {
			if b.lastCheck.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[client]
	if !ok {
		l.buckets[client] = &bucket{tokens: float64(l.burst) - 1, lastCheck: now}
		return true
	}
	b.tokens += now.Sub(b.lastCheck).Seconds() * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l != nil && !l.Allow(l.clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPLimiter) clientIP(r *http.Request) string {
	if l.TrustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *IPLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
