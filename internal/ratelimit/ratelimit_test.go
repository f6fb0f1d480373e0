package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnlimitedWhenRateZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestBurstThenLimit(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if err := l.Allow("s1"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRefillOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	if err := l.Allow("s1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected empty bucket, got %v", err)
	}

	// 60 rpm refills one token per second.
	now = base.Add(1100 * time.Millisecond)
	if err := l.Allow("s1"); err != nil {
		t.Fatalf("expected refilled token, got %v", err)
	}
}

func TestSessionsIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Allow("s1"); err != nil {
		t.Fatalf("s1 first request: %v", err)
	}
	if err := l.Allow("s1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("s1 should be limited, got %v", err)
	}
	if err := l.Allow("s2"); err != nil {
		t.Errorf("s2 must not share s1's bucket: %v", err)
	}
}

func TestForgetResetsBucket(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	base := time.Now()
	l.now = func() time.Time { return base }

	if err := l.Allow("s1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	l.Forget("s1")
	if err := l.Allow("s1"); err != nil {
		t.Errorf("forgotten session should start with a full bucket: %v", err)
	}
}
