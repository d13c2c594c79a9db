package http

import (
	"testing"
	"time"
)

func TestClientLimitersIsolatesKeys(t *testing.T) {
	limiters := newClientLimiters(RateLimitConfig{RequestsPerMinute: 60, Burst: 1})

	if !limiters.allow("10.0.0.1") {
		t.Fatal("first request for a key must pass")
	}
	if limiters.allow("10.0.0.1") {
		t.Fatal("second request must exhaust a burst of 1")
	}
	if !limiters.allow("10.0.0.2") {
		t.Fatal("a different key has its own budget")
	}
}

func TestClientLimitersPrunesIdleBuckets(t *testing.T) {
	limiters := newClientLimiters(RateLimitConfig{
		RequestsPerMinute: 60,
		Burst:             1,
		EntryTTL:          time.Minute,
		CleanupInterval:   time.Minute,
	})

	limiters.allow("10.0.0.1")
	limiters.allow("10.0.0.2")

	// Age one bucket past the TTL and force the sweep deadline into the past.
	limiters.mu.Lock()
	limiters.buckets["10.0.0.1"].seen = time.Now().Add(-2 * time.Minute)
	limiters.sweepAt = time.Now().Add(-time.Second)
	limiters.mu.Unlock()

	limiters.allow("10.0.0.3")

	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	if _, ok := limiters.buckets["10.0.0.1"]; ok {
		t.Fatal("idle bucket survived the sweep")
	}
	if _, ok := limiters.buckets["10.0.0.2"]; !ok {
		t.Fatal("recently seen bucket must survive the sweep")
	}
	if limiters.sweepAt.Before(time.Now()) {
		t.Fatal("sweep must push the next deadline forward")
	}
}

func TestClientLimitersEmptyKeyPasses(t *testing.T) {
	limiters := newClientLimiters(RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	for i := 0; i < 5; i++ {
		if !limiters.allow("") {
			t.Fatal("empty keys are never throttled")
		}
	}
}
