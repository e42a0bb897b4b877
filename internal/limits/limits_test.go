package limits

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestLimiter(cfg Config) *ConnectionRateLimiter {
	l := New(cfg, zerolog.Nop())
	return l
}

func TestAllowWithinBurstSucceeds(t *testing.T) {
	l := newTestLimiter(Config{IPBurst: 3, IPRate: 1, GlobalBurst: 10, GlobalRate: 10})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
}

func TestAllowRejectsBeyondPerIPBurst(t *testing.T) {
	l := newTestLimiter(Config{IPBurst: 1, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100})
	defer l.Stop()

	if !l.Allow("10.0.0.2") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("10.0.0.2") {
		t.Fatal("second immediate request should exceed the per-IP burst")
	}
}

func TestAllowTracksIPsIndependently(t *testing.T) {
	l := newTestLimiter(Config{IPBurst: 1, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100})
	defer l.Stop()

	if !l.Allow("10.0.0.3") {
		t.Fatal("first IP's first request should be allowed")
	}
	if !l.Allow("10.0.0.4") {
		t.Fatal("a different IP must not be throttled by another IP's burst")
	}
}

func TestAllowRejectsBeyondGlobalBurst(t *testing.T) {
	l := newTestLimiter(Config{IPBurst: 100, IPRate: 100, GlobalBurst: 1, GlobalRate: 0.001})
	defer l.Stop()

	if !l.Allow("10.0.0.5") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("10.0.0.6") {
		t.Fatal("second request from a different IP should exceed the global burst")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := newTestLimiter(Config{})
	l.Stop()
	l.Stop()
}
