// SPDX-License-Identifier: MIT

package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxgate/transcribe-server/internal/cache"
)

const (
	// FailureWindow is the sliding window over which failed attempts accumulate.
	FailureWindow = 60 * time.Second
	// FailureMaxAttempts is the number of failures within FailureWindow that trips a lockout.
	FailureMaxAttempts = 5
	// FailureLockout is how long an IP is locked out after tripping the limit.
	FailureLockout = 300 * time.Second
)

var loginBlocked = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "transcribe_server",
	Name:      "login_lockouts_total",
	Help:      "Total number of IPs that tripped the login failure lockout.",
})

// failureRecord tracks failed-login timestamps and an optional lockout
// deadline for a single source IP.
type failureRecord struct {
	failures []time.Time
	lockout  time.Time
}

// FailureLimiter implements the sliding-window + lockout policy for the
// login endpoint: window=60s, max 5 failures, lockout=300s. It is backed by
// an in-memory map guarded by a mutex (grounded on the token-bucket
// Limiter's perIP pattern in limiter.go), or by a shared cache.Cache
// implementation (e.g. Redis) when one is supplied for multi-replica
// deployments.
type FailureLimiter struct {
	mu      sync.Mutex
	records map[string]*failureRecord

	shared cache.Cache // optional; nil means in-memory only
}

// NewFailureLimiter creates an in-memory failure limiter.
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{records: make(map[string]*failureRecord)}
}

// NewFailureLimiterWithCache creates a failure limiter backed by a shared
// cache.Cache for the lockout deadline, so multiple server replicas behind
// a load balancer share lockout state. Failure-count tracking itself
// remains local; the lockout deadline, once tripped, is the field that
// matters across replicas.
func NewFailureLimiterWithCache(shared cache.Cache) *FailureLimiter {
	return &FailureLimiter{records: make(map[string]*failureRecord), shared: shared}
}

// IsBlocked reports whether ip is currently locked out, and if so, the
// remaining seconds until the lockout clears.
func (l *FailureLimiter) IsBlocked(ip string) (bool, int) {
	if l.shared != nil {
		if until, ok := l.sharedLockout(ip); ok {
			remaining := time.Until(until)
			if remaining <= 0 {
				return false, 0
			}
			return true, int(remaining.Seconds()) + 1
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[ip]
	if !ok {
		return false, 0
	}

	if rec.lockout.IsZero() {
		return false, 0
	}

	remaining := time.Until(rec.lockout)
	if remaining <= 0 {
		delete(l.records, ip)
		return false, 0
	}

	return true, int(remaining.Seconds()) + 1
}

// Record logs a login attempt for ip. success=true clears all state for the
// IP; success=false appends a failure timestamp, evicts timestamps outside
// the sliding window, and installs a lockout deadline if the threshold is
// crossed.
func (l *FailureLimiter) Record(ip string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		delete(l.records, ip)
		if l.shared != nil {
			l.shared.Delete(lockoutKey(ip))
		}
		return
	}

	rec, ok := l.records[ip]
	if !ok {
		rec = &failureRecord{}
		l.records[ip] = rec
	}

	now := time.Now()
	rec.failures = evictExpired(rec.failures, now)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= FailureMaxAttempts {
		rec.lockout = now.Add(FailureLockout)
		loginBlocked.Inc()
		if l.shared != nil {
			l.shared.Set(lockoutKey(ip), rec.lockout.Unix(), FailureLockout)
		}
	}
}

// RemainingAttempts returns how many more failures ip may record before a
// lockout is installed.
func (l *FailureLimiter) RemainingAttempts(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[ip]
	if !ok {
		return FailureMaxAttempts
	}

	active := evictExpired(rec.failures, time.Now())
	remaining := FailureMaxAttempts - len(active)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *FailureLimiter) sharedLockout(ip string) (time.Time, bool) {
	val, ok := l.shared.Get(lockoutKey(ip))
	if !ok {
		return time.Time{}, false
	}
	unixSeconds, ok := val.(float64) // JSON round-trip decodes numbers as float64
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(unixSeconds), 0), true
}

func lockoutKey(ip string) string {
	return "ratelimit:lockout:" + ip
}

func evictExpired(timestamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-FailureWindow)
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
