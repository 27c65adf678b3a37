// Package ratelimit protects the task pool's HTTP surface from a noisy
// caller submitting more work than the pool can schedule. It is grounded on
// the teacher's per-client sliding-window limiter, trimmed to what the
// submit endpoint needs: a per-minute ceiling, a concurrent-in-flight
// ceiling, and temporary bans for repeat offenders.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config controls one Limiter's policy.
type Config struct {
	RequestsPerMinute int
	MaxConcurrent     int
	BanDuration       time.Duration
	CleanupInterval   time.Duration
}

// DefaultConfig mirrors spec.md §4's "rate-limited per caller" requirement
// with a 60 req/min ceiling (taskpoolcfg.Config.Server.RateLimitPerMin
// overrides RequestsPerMinute at construction time).
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		MaxConcurrent:     5,
		BanDuration:       15 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
}

type client struct {
	requestsThisMinute int
	lastMinute         time.Time
	lastRequest        time.Time
	bannedUntil        time.Time
	concurrent         int
}

// Limiter is a per-client-IP rate limiter with a fixed one-minute counting
// window (the count resets once a minute has passed since the window opened)
// and a concurrency cap, suitable as HTTP middleware in front of POST /submit.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	cfg     Config
	cleanup *time.Ticker
	done    chan struct{}
}

// New starts a Limiter, including its background cleanup goroutine. Call
// Stop to release it.
func New(cfg Config) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		cfg:     cfg,
		cleanup: time.NewTicker(cfg.CleanupInterval),
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop halts the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.cleanup.Stop()
	close(l.done)
}

// Allow enforces the rate/concurrency policy for the request's client IP.
// On success the caller must call Release exactly once when the request
// finishes, mirroring the teacher's CheckLimit/ReleaseRequest pairing.
func (l *Limiter) Allow(r *http.Request) error {
	ip := clientIP(r)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &client{lastMinute: now}
		l.clients[ip] = c
	}

	if now.Before(c.bannedUntil) {
		return fmt.Errorf("client %s is temporarily banned", ip)
	}

	if now.Sub(c.lastMinute) >= time.Minute {
		c.requestsThisMinute = 0
		c.lastMinute = now
	}

	if c.concurrent >= l.cfg.MaxConcurrent {
		return fmt.Errorf("too many concurrent requests from %s", ip)
	}

	if c.requestsThisMinute >= l.cfg.RequestsPerMinute {
		c.requestsThisMinute++ // rejected attempts count toward the ban threshold
		if c.requestsThisMinute > l.cfg.RequestsPerMinute*2 {
			c.bannedUntil = now.Add(l.cfg.BanDuration)
		}
		return fmt.Errorf("rate limit exceeded for %s", ip)
	}

	c.requestsThisMinute++
	c.lastRequest = now
	c.concurrent++
	return nil
}

// Release decrements the concurrent-request counter for the request's
// client IP. Safe to call even if Allow was never called for that IP.
func (l *Limiter) Release(r *http.Request) {
	ip := clientIP(r)

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[ip]; ok && c.concurrent > 0 {
		c.concurrent--
	}
}

// Middleware wraps next with Allow/Release, responding 429 on rejection.
func (l *Limiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := l.Allow(r); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		defer l.Release(r)
		next(w, r)
	}
}

// Stats reports a point-in-time summary for the health/stats endpoints.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	active, banned, concurrent := 0, 0, 0
	now := time.Now()
	for _, c := range l.clients {
		active++
		concurrent += c.concurrent
		if now.Before(c.bannedUntil) {
			banned++
		}
	}
	return map[string]interface{}{
		"active_clients":      active,
		"banned_clients":      banned,
		"total_concurrent":    concurrent,
		"requests_per_minute": l.cfg.RequestsPerMinute,
	}
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanup.C:
			l.evictStale()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	cutoff := time.Now().Add(-2 * time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if c.lastRequest.Before(cutoff) && c.concurrent == 0 {
			delete(l.clients, ip)
		}
	}
}

// clientIP extracts the caller's address from X-Forwarded-For, X-Real-IP,
// or RemoteAddr, in that order of preference.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if ip != "" && net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
