// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"datatrust/platform/policy"
)

// RateLimitConfig tunes the per-caller request limiter.
type RateLimitConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Requests      int    `yaml:"requests,omitempty" json:"requests,omitempty"`
	WindowSeconds int    `yaml:"windowSeconds,omitempty" json:"window_seconds,omitempty"`
	Key           string `yaml:"key,omitempty" json:"key,omitempty"` // ip, subject, ip_subject
}

const (
	defaultRateLimitRequests = 120
	defaultRateLimitWindow   = 60 * time.Second
)

type rateWindow struct {
	start time.Time
	count int
}

// rateLimiter is a fixed-window counter per caller key. Windows reset on
// the first request after expiry; stale keys are pruned as a side effect.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	window  time.Duration
	keyMode string
	now     func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	limit := cfg.Requests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := defaultRateLimitWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	keyMode := cfg.Key
	if keyMode == "" {
		keyMode = "ip"
	}
	return &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   limit,
		window:  window,
		keyMode: keyMode,
		now:     time.Now,
	}
}

// allow consumes one slot for the key. It reports whether the request may
// proceed, the remaining slots, and when the current window resets.
func (l *rateLimiter) allow(key string) (ok bool, remaining int, reset time.Time) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.window {
		l.prune(now)
		w = &rateWindow{start: now}
		l.windows[key] = w
	}
	reset = w.start.Add(l.window)
	if w.count >= l.limit {
		return false, 0, reset
	}
	w.count++
	return true, l.limit - w.count, reset
}

func (l *rateLimiter) prune(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}

// callerKey derives the limiter key for a request.
func (l *rateLimiter) callerKey(r *http.Request, id policy.Identity) string {
	ip := clientIP(r)
	switch l.keyMode {
	case "subject":
		if id.Subject != "" {
			return id.Subject
		}
		return ip
	case "ip_subject":
		return ip + "|" + id.Subject
	default:
		return ip
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// setRateHeaders writes the standard limit headers on every limited route.
func setRateHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

func setRetryAfter(w http.ResponseWriter, reset time.Time, now time.Time) {
	secs := int(reset.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
}
