package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestLimiterAllowsWithinCap(t *testing.T) {
	l := NewIPLimiter(time.Minute, 3)
	defer l.Close()
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("event %d should be allowed", i)
		}
	}
}

func TestLimiterBlocksOverCap(t *testing.T) {
	l := NewIPLimiter(time.Minute, 2)
	defer l.Close()
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if l.Allow("1.2.3.4") {
		t.Fatalf("third event should be blocked")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("still-blocked key must stay blocked")
	}
}

func TestLimiterResetClearsBlock(t *testing.T) {
	l := NewResumeLimiter(time.Minute, 1)
	defer l.Close()
	l.Allow("sess-1")
	if l.Allow("sess-1") {
		t.Fatalf("second resume in window should be blocked")
	}
	l.Reset("sess-1")
	if !l.Allow("sess-1") {
		t.Fatalf("reset key should be allowed again")
	}
}

func TestLimiterIndependentKeys(t *testing.T) {
	l := NewIPLimiter(time.Minute, 1)
	defer l.Close()
	l.Allow("a")
	if !l.Allow("b") {
		t.Fatalf("distinct key must not be affected by another key's count")
	}
}

func TestBufferGuard(t *testing.T) {
	if !BufferGuard(100, 50, 200) {
		t.Fatalf("should fit within cap")
	}
	if BufferGuard(180, 50, 200) {
		t.Fatalf("should exceed cap")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r, _ := http.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:1234"
	if got := ClientIP(r); got != "9.9.9.9" {
		t.Fatalf("want 9.9.9.9, got %s", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r, _ := http.NewRequest("GET", "/", nil)
	r.RemoteAddr = "8.8.8.8:5555"
	if got := ClientIP(r); got != "8.8.8.8" {
		t.Fatalf("want 8.8.8.8, got %s", got)
	}
}
