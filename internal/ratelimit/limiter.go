// Package ratelimit throttles login attempts per account in the identity
// provider double, the way a real realm's brute-force detection does.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the login attempt limits.
type Config struct {
	AttemptsPerSecond float64       // Sustained attempts per account
	Burst             int           // Attempts allowed back to back
	CleanupInterval   time.Duration // How often idle limiters are dropped
}

// DefaultConfig is generous enough for a test run yet still trips on a
// scripted brute-force loop.
var DefaultConfig = Config{
	AttemptsPerSecond: 2,
	Burst:             10,
	CleanupInterval:   10 * time.Minute,
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// LoginLimiter manages one token bucket per account key.
type LoginLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLoginLimiter starts a limiter and its cleanup goroutine.
func NewLoginLimiter(config Config) *LoginLimiter {
	l := &LoginLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// Key normalizes an account identifier. Usernames are compared
// case-insensitively so "A@x" and "a@x" share a bucket.
func Key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Allow consumes one attempt for the account and reports whether it is
// within limits.
func (l *LoginLimiter) Allow(username string) bool {
	return l.limiter(Key(username)).Allow()
}

// Remaining returns the whole attempts currently available to the account.
func (l *LoginLimiter) Remaining(username string) int {
	remaining := int(l.limiter(Key(username)).Tokens())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Forget drops the account's bucket, used after a successful login.
func (l *LoginLimiter) Forget(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, Key(username))
}

func (l *LoginLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.config.AttemptsPerSecond), l.config.Burst)}
		l.limiters[key] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Cleanup removes limiters idle for longer than the cleanup interval.
func (l *LoginLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.config.CleanupInterval)
	for key, entry := range l.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

func (l *LoginLimiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish.
func (l *LoginLimiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Len returns the number of tracked accounts.
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
