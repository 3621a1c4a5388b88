package ratelimiter

import (
	"testing"
	"time"
)

func TestNilAndDisabledLimitersAllowEverything(t *testing.T) {
	var nilLimiter *MapLimiter
	if !nilLimiter.Allow("acme", time.Now()) {
		t.Fatalf("nil limiter refused a request")
	}
	if New(0, 5, 0) != nil || New(5, 0, 0) != nil {
		t.Fatalf("disabled configuration should construct nil")
	}
}

func TestBurstThenRefusalPerKey(t *testing.T) {
	l := New(0.0001, 2, 0)
	now := time.Now()

	for i := 0; i < 2; i++ {
		if !l.Allow("acme", now) {
			t.Fatalf("request %d within burst refused", i)
		}
	}
	if l.Allow("acme", now) {
		t.Fatalf("request beyond burst allowed")
	}
	// Independent bucket per key.
	if !l.Allow("globex", now) {
		t.Fatalf("fresh key refused")
	}
}

func TestBlankKeyIsNeverLimited(t *testing.T) {
	l := New(0.0001, 1, 0)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("  ", now) {
			t.Fatalf("blank key limited on call %d", i)
		}
	}
}

func TestIdleKeysAreEvicted(t *testing.T) {
	l := New(1000, 1000, time.Minute)
	start := time.Now()
	l.Allow("stale", start)

	// Drive enough calls past the TTL to trigger a sweep.
	later := start.Add(2 * time.Minute)
	for i := 0; i < evictEvery+1; i++ {
		l.Allow("active", later)
	}

	l.mu.Lock()
	_, ok := l.byOrg["stale"]
	l.mu.Unlock()
	if ok {
		t.Fatalf("stale key survived eviction")
	}
}
