package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	tb := NewTokenBucket(1, 5)
	for i := 0; i < 5; i++ {
		if !tb.Allow(1) {
			t.Fatalf("Allow(1) call %d should succeed within burst", i)
		}
	}
}

func TestAllowRejectsBeyondBurst(t *testing.T) {
	tb := NewTokenBucket(1, 2)
	if !tb.Allow(1) || !tb.Allow(1) {
		t.Fatal("expected first two Allow(1) calls to succeed")
	}
	if tb.Allow(1) {
		t.Fatal("expected third Allow(1) to be rejected once burst is exhausted")
	}
}

func TestWaitEventuallySucceeds(t *testing.T) {
	tb := NewTokenBucket(1000, 1)
	tb.Allow(1) // exhaust the single burst slot
	done := make(chan struct{})
	go func() {
		tb.Wait(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once tokens should have refilled")
	}
}
