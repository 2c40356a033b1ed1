// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Limit defines rate limit parameters for one client.
type Limit struct {
	RequestsPerSecond int64
	BurstSize         int64
}

// DefaultLimit returns sensible rate limit defaults for a public
// dashboard API.
func DefaultLimit() *Limit {
	return &Limit{
		RequestsPerSecond: 10,
		BurstSize:         20,
	}
}

// RateLimiter applies a token bucket per client key (remote IP, or the
// X-Api-Key header when present).
type RateLimiter struct {
	mu           sync.RWMutex
	clients      map[string]*clientLimit
	defaultLimit *Limit
}

type clientLimit struct {
	mu         sync.Mutex
	limit      *Limit
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// NewRateLimiter creates a rate limiter and starts its idle-client
// cleanup loop.
func NewRateLimiter(defaultLimit *Limit) *RateLimiter {
	if defaultLimit == nil {
		defaultLimit = DefaultLimit()
	}
	rl := &RateLimiter{
		clients:      make(map[string]*clientLimit),
		defaultLimit: defaultLimit,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks if a request from the given client key should proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.RLock()
	cl, exists := r.clients[key]
	r.mu.RUnlock()

	if !exists {
		r.mu.Lock()
		cl, exists = r.clients[key]
		if !exists {
			cl = &clientLimit{
				limit:      r.defaultLimit,
				tokens:     float64(r.defaultLimit.BurstSize),
				lastRefill: time.Now(),
			}
			r.clients[key] = cl
		}
		r.mu.Unlock()
	}
	return cl.allow()
}

func (cl *clientLimit) allow() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cl.lastSeen = now

	elapsed := now.Sub(cl.lastRefill).Seconds()
	cl.tokens += elapsed * float64(cl.limit.RequestsPerSecond)
	if cl.tokens > float64(cl.limit.BurstSize) {
		cl.tokens = float64(cl.limit.BurstSize)
	}
	cl.lastRefill = now

	if cl.tokens < 1 {
		return false
	}
	cl.tokens--
	return true
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		r.mu.Lock()
		for key, cl := range r.clients {
			cl.mu.Lock()
			stale := cl.lastSeen.Before(cutoff)
			cl.mu.Unlock()
			if stale {
				delete(r.clients, key)
			}
		}
		r.mu.Unlock()
	}
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware rejects clients that exceed their bucket.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
