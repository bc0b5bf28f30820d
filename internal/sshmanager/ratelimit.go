package sshmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

// Connection attempts per identity are limited two ways: a sliding window of
// attempts per minute, and a temporary block after consecutive failures.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the SSH connection rate limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int           // Maximum connection attempts per connection id per minute
	MaxConsecFailures    int           // Consecutive failures before temporary block
	BlockDuration        time.Duration // Duration to block after max consecutive failures
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type rateState struct {
	attempts       []time.Time // recent connection attempts
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter enforces limits on connection attempts per connection id.
// A zero-valued field of RateLimitConfig disables that limit.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*rateState
	nowFn  func() time.Time // injectable clock for testing
}

// NewRateLimiter creates a new RateLimiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*rateState),
		nowFn:  time.Now,
	}
}

// Allow records an attempt for id and returns nil, or an error explaining
// why the attempt is denied.
func (rl *RateLimiter) Allow(id string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(id)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		logger.Warnf("rate limit: %s is blocked for %s (consecutive failures: %d)",
			logutil.SanitizeForLog(id), remaining, s.consecFailures)
		return fmt.Errorf("rate limit: %s blocked after %d consecutive failures; retry after %s",
			logutil.SanitizeForLog(id), s.consecFailures, remaining)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		logger.Warnf("rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(id), rl.config.MaxAttemptsPerMinute)
		return fmt.Errorf("rate limit exceeded for %s: %d connection attempts in the last minute (max %d)",
			logutil.SanitizeForLog(id), len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block for id.
func (rl *RateLimiter) RecordSuccess(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(id)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak of id and blocks it once the
// streak reaches MaxConsecFailures.
func (rl *RateLimiter) RecordFailure(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(id)
	s.consecFailures++

	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		logger.Warnf("rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(id), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Status returns the current rate limit state of id.
func (rl *RateLimiter) Status(id string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s, ok := rl.state[id]
	if !ok {
		return RateLimitStatus{
			MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
			MaxConsecFailures: rl.config.MaxConsecFailures,
		}
	}

	cutoff := now.Add(-1 * time.Minute)
	recentAttempts := 0
	for _, t := range s.attempts {
		if t.After(cutoff) {
			recentAttempts++
		}
	}

	blocked := now.Before(s.blockedUntil)
	var blockedUntil *time.Time
	if blocked {
		bu := s.blockedUntil
		blockedUntil = &bu
	}

	return RateLimitStatus{
		RecentAttempts:    recentAttempts,
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		ConsecFailures:    s.consecFailures,
		MaxConsecFailures: rl.config.MaxConsecFailures,
		Blocked:           blocked,
		BlockedUntil:      blockedUntil,
	}
}

// Reset forgets all state of id.
func (rl *RateLimiter) Reset(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, id)
}

// RateLimitStatus is the rate limit state of one connection id.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// must hold rl.mu
func (rl *RateLimiter) getOrCreateState(id string) *rateState {
	s, ok := rl.state[id]
	if !ok {
		s = &rateState{}
		rl.state[id] = s
	}
	return s
}
