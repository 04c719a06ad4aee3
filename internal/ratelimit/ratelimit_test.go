package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	// Next request should be denied (bucket empty)
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	// Wait and check if tokens are refilled
	time.Sleep(1100 * time.Millisecond) // Wait slightly more than 1 second

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}

	// Third request should be denied
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	bucket := NewTokenBucket(10, 1)
	if !bucket.Allow() {
		t.Fatal("Expected first token to be available")
	}

	start := time.Now()
	if err := bucket.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to block for the refill", elapsed)
	}
}

func TestWaitCancellation(t *testing.T) {
	bucket := NewTokenBucket(1, 1)
	bucket.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want context.DeadlineExceeded", err)
	}
}

func TestWaitDisabled(t *testing.T) {
	bucket := NewTokenBucket(0, 0)
	for i := 0; i < 100; i++ {
		if err := bucket.Wait(context.Background()); err != nil {
			t.Fatalf("Wait with pacing disabled must not block, got %v", err)
		}
	}
}
