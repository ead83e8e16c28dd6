package gateway

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := newRateLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !rl.allow() {
			t.Fatalf("Request %d rejected within capacity", i)
		}
	}
	if rl.allow() {
		t.Error("Request beyond capacity was allowed")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := newRateLimiter(2, 100*time.Millisecond)

	rl.allow()
	rl.allow()
	if rl.allow() {
		t.Fatal("Bucket not empty after draining")
	}

	time.Sleep(120 * time.Millisecond)
	if !rl.allow() {
		t.Error("Bucket did not refill after the interval")
	}
}

func TestRateLimiter_CapsAtCapacity(t *testing.T) {
	rl := newRateLimiter(2, 50*time.Millisecond)

	// Idle well past several refill intervals; the bucket must not exceed
	// its capacity.
	time.Sleep(200 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.allow() {
			allowed++
		}
	}
	if allowed > 2 {
		t.Errorf("Bucket overfilled: %d requests allowed with capacity 2", allowed)
	}
}

func TestRateLimiter_ZeroConfig(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if !rl.allow() {
		t.Error("Zero-value construction should still allow one request")
	}
}

func TestRateLimiter_Concurrency(t *testing.T) {
	rl := newRateLimiter(50, time.Hour)
	results := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			results <- rl.allow()
		}()
	}

	allowed := 0
	for i := 0; i < 100; i++ {
		if <-results {
			allowed++
		}
	}
	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed under contention, got %d", allowed)
	}
}
