package httpapi

import (
	"sync"
	"time"
)

// RateLimiter implements per-IP rate limiting with a sliding one-minute
// window.
type RateLimiter struct {
	limits            map[string][]int64
	maxRequestsPerMin int
	mu                sync.Mutex
	stopCleanup       chan struct{}
}

// NewRateLimiter creates a rate limiter allowing maxRequestsPerMinute per
// client IP.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:            make(map[string][]int64),
		maxRequestsPerMin: maxRequestsPerMinute,
		stopCleanup:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// CheckLimit reports whether a request from the given IP is allowed and
// records it if so.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()
	valid := rl.limits[ip][:0]
	for _, ts := range rl.limits[ip] {
		if now-ts < 60000 {
			valid = append(valid, ts)
		}
	}
	if len(valid) >= rl.maxRequestsPerMin {
		rl.limits[ip] = valid
		return false
	}
	rl.limits[ip] = append(valid, now)
	return true
}

// RetryAfter returns the seconds until the oldest recorded request leaves
// the window.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	reqs := rl.limits[ip]
	if len(reqs) == 0 {
		return 0
	}
	remaining := 60000 - (time.Now().UnixMilli() - reqs[0])
	if remaining < 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now().UnixMilli()
			for ip, reqs := range rl.limits {
				valid := reqs[:0]
				for _, ts := range reqs {
					if now-ts < 60000 {
						valid = append(valid, ts)
					}
				}
				if len(valid) == 0 {
					delete(rl.limits, ip)
				} else {
					rl.limits[ip] = valid
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}
