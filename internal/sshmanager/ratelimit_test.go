package sshmanager

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	if rl.config.MaxAttemptsPerMinute != 10 || rl.config.MaxConsecFailures != 5 || rl.config.BlockDuration != 5*time.Minute {
		t.Errorf("unexpected defaults: %+v", rl.config)
	}
}

func TestAllowExceedsPerMinuteLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 3, MaxConsecFailures: 10, BlockDuration: time.Minute})
	id := "root@10.0.0.1:22"

	for i := 0; i < 3; i++ {
		if err := rl.Allow(id); err != nil {
			t.Fatalf("attempt %d should be allowed: %v", i+1, err)
		}
	}
	err := rl.Allow(id)
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	// Other ids are independent.
	if err := rl.Allow("root@10.0.0.2:22"); err != nil {
		t.Errorf("unrelated id should be allowed: %v", err)
	}
}

func TestAllowResetsAfterWindowExpires(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 2, MaxConsecFailures: 10, BlockDuration: time.Minute})
	rl.nowFn = func() time.Time { return now }

	rl.Allow("a@h:22")
	rl.Allow("a@h:22")
	if err := rl.Allow("a@h:22"); err == nil {
		t.Fatal("expected the window to be full")
	}

	now = now.Add(61 * time.Second)
	if err := rl.Allow("a@h:22"); err != nil {
		t.Errorf("expected attempt after window to be allowed: %v", err)
	}
}

func TestConsecutiveFailuresBlock(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 3, BlockDuration: 5 * time.Minute})
	rl.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.RecordFailure("a@h:22")
	}
	err := rl.Allow("a@h:22")
	if err == nil || !strings.Contains(err.Error(), "consecutive failures") {
		t.Fatalf("expected block error, got %v", err)
	}
	st := rl.Status("a@h:22")
	if !st.Blocked || st.BlockedUntil == nil || st.ConsecFailures != 3 {
		t.Errorf("unexpected status %+v", st)
	}

	now = now.Add(5*time.Minute + time.Second)
	if err := rl.Allow("a@h:22"); err != nil {
		t.Errorf("expected block to expire: %v", err)
	}
}

func TestRecordSuccessClearsBlock(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 100, MaxConsecFailures: 2, BlockDuration: time.Hour})
	rl.RecordFailure("a@h:22")
	rl.RecordFailure("a@h:22")
	rl.RecordSuccess("a@h:22")
	if err := rl.Allow("a@h:22"); err != nil {
		t.Errorf("expected success to clear the block: %v", err)
	}
	if st := rl.Status("a@h:22"); st.ConsecFailures != 0 || st.Blocked {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestZeroConfigDisablesLimits(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		rl.RecordFailure("a@h:22")
		if err := rl.Allow("a@h:22"); err != nil {
			t.Fatalf("attempt %d: limits should be disabled: %v", i, err)
		}
	}
}

func TestResetAndUnknownStatus(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	rl.Allow("a@h:22")
	rl.Reset("a@h:22")
	st := rl.Status("a@h:22")
	if st.RecentAttempts != 0 || st.MaxAttemptsPerMin != DefaultMaxAttemptsPerMinute {
		t.Errorf("unexpected status after reset %+v", st)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttemptsPerMinute: 1000, MaxConsecFailures: 1000, BlockDuration: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow("a@h:22")
				rl.RecordFailure("a@h:22")
				rl.Status("a@h:22")
			}
		}()
	}
	wg.Wait()
	if st := rl.Status("a@h:22"); st.RecentAttempts != 200 {
		t.Errorf("expected 200 attempts, got %d", st.RecentAttempts)
	}
}
