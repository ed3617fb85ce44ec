package util

import (
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// 10 tokens per second, burst of 2
	l := NewLimiter(10, 2)

	if !l.Allow(1) {
		t.Error("expected first token to be allowed")
	}
	if !l.Allow(1) {
		t.Error("expected second token to be allowed (burst)")
	}
	if l.Allow(1) {
		t.Error("expected third token to be rejected (burst exhausted)")
	}
	if d := l.Delay(); d <= 0 {
		t.Errorf("expected positive delay with an empty bucket, got %v", d)
	}

	time.Sleep(150 * time.Millisecond)
	if !l.Allow(1) {
		t.Error("expected token to be refilled after wait")
	}
}

func TestLimiter_DelayDoesNotConsume(t *testing.T) {
	l := NewLimiter(1, 1)
	if d := l.Delay(); d != 0 {
		t.Fatalf("expected zero delay with a full bucket, got %v", d)
	}
	if !l.Allow(1) {
		t.Fatal("Delay must not consume the token")
	}
}

func TestLimiterRegistry(t *testing.T) {
	// 100 tokens/sec, burst 10, ttl 100ms
	reg := NewLimiterRegistry(100, 10, 100*time.Millisecond)
	defer reg.Close()

	l1 := reg.Get("grammars/go.tsg")
	l2 := reg.Get("grammars/rust.tsg")

	if l1 == l2 {
		t.Error("expected different limiters for different keys")
	}
	if reg.Get("grammars/go.tsg") != l1 {
		t.Error("expected same limiter for same key")
	}

	time.Sleep(250 * time.Millisecond)
	if reg.Len() != 0 {
		t.Errorf("expected idle limiters to be dropped, %d left", reg.Len())
	}
	if reg.Get("grammars/go.tsg") == l1 {
		t.Error("expected old limiter to be cleaned up and replaced")
	}
	reg.Close()
}
