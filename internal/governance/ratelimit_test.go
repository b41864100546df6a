package governance

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg RateLimiterConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newRateLimiter(cfg, clock.Now), clock
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 5})

	// Burst: first 5 should succeed immediately
	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("burst request %d should be allowed", i)
		}
	}

	ok, wait := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("expected request after burst to be limited")
	}
	if wait != 100*time.Millisecond {
		t.Fatalf("expected 100ms until next token, got %v", wait)
	}

	clock.Advance(200 * time.Millisecond)
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected 2 requests allowed after refill, got %d", allowed)
	}
}

func TestRateLimiterRejectionsDoNotDelayRecovery(t *testing.T) {
	rl, clock := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})

	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("first request should be allowed")
	}
	for i := 0; i < 10; i++ {
		ok, wait := rl.Allow("10.0.0.1")
		if ok {
			t.Fatalf("request %d should be limited", i)
		}
		if wait != time.Second {
			t.Fatalf("expected 1s until next token, got %v", wait)
		}
	}

	clock.Advance(time.Second)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("rejected attempts should not push back the next token")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})

	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("first request from host A should be allowed")
	}
	if ok, _ := rl.Allow("10.0.0.1"); ok {
		t.Fatal("second request from host A should be limited")
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Fatal("host B should not share host A's bucket")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl, _ := newTestLimiter(RateLimiterConfig{})
	for i := 0; i < 1000; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
	if rl.Len() != 0 {
		t.Fatalf("disabled limiter should not track keys, got %d", rl.Len())
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl, clock := newTestLimiter(RateLimiterConfig{RequestsPerSecond: 1, IdleTTL: time.Minute})

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")
	if rl.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.Len())
	}

	clock.Advance(2 * time.Minute)
	rl.Allow("10.0.0.3")
	if rl.Len() != 1 {
		t.Fatalf("expected idle buckets to be evicted, got %d", rl.Len())
	}
}

func TestRateLimiterNeverExceedsBurstProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0.5, 50).Draw(t, "rate")
		burst := rapid.IntRange(1, 20).Draw(t, "burst")
		steps := rapid.SliceOfN(rapid.IntRange(0, 500), 1, 50).Draw(t, "gaps_ms")

		rl, clock := newTestLimiter(RateLimiterConfig{RequestsPerSecond: rate, BurstSize: burst})

		// Within any instant at most burst requests pass, and over the whole
		// run at most burst + rate*elapsed.
		allowed := 0
		var elapsed time.Duration
		for _, gap := range steps {
			d := time.Duration(gap) * time.Millisecond
			clock.Advance(d)
			elapsed += d

			instant := 0
			for i := 0; i < burst+2; i++ {
				if ok, _ := rl.Allow("host"); ok {
					instant++
				}
			}
			if instant > burst {
				t.Fatalf("allowed %d requests at one instant, burst is %d", instant, burst)
			}
			allowed += instant
		}

		limit := float64(burst) + rate*elapsed.Seconds() + 1e-6
		if float64(allowed) > limit {
			t.Fatalf("allowed %d requests, limit %.2f", allowed, limit)
		}
	})
}

func TestWriteRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRetryAfter(rec, 1500*time.Millisecond)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}

	rec = httptest.NewRecorder()
	WriteRetryAfter(rec, 0)
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After floor of 1, got %q", got)
	}
}
