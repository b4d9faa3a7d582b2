package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func newTestConnLimiter(t *testing.T, cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	crl := NewConnectionRateLimiter(cfg)
	t.Cleanup(crl.Stop)
	return crl
}

func TestConnectionLimiterPerIPBurst(t *testing.T) {
	crl := newTestConnLimiter(t, ConnectionRateLimiterConfig{IPBurst: 3, IPRate: 1, GlobalBurst: 100, GlobalRate: 100})
	for i := 0; i < 3; i++ {
		if !crl.Admit("10.0.0.1", t0).Allowed {
			t.Fatalf("upgrade %d should be allowed", i+1)
		}
	}
	d := crl.Admit("10.0.0.1", t0)
	if d.Allowed {
		t.Fatal("upgrade beyond burst should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}
	if !crl.Admit("10.0.0.2", t0).Allowed {
		t.Error("another IP should not be affected")
	}
	if !crl.Admit("10.0.0.1", t0.Add(time.Second)).Allowed {
		t.Error("one token should have refilled after 1s")
	}
}

func TestConnectionLimiterGlobal(t *testing.T) {
	crl := newTestConnLimiter(t, ConnectionRateLimiterConfig{IPBurst: 100, IPRate: 100, GlobalBurst: 2, GlobalRate: 1})
	crl.Admit("a", t0)
	crl.Admit("b", t0)
	if d := crl.Admit("c", t0); d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("third upgrade = %+v, want global rejection", d)
	}
}

func TestConnectionLimiterPerIPRejectionReturnsGlobalToken(t *testing.T) {
	crl := newTestConnLimiter(t, ConnectionRateLimiterConfig{IPBurst: 1, IPRate: 0.001, GlobalBurst: 2, GlobalRate: 0.001})
	crl.Admit("a", t0)
	if crl.Admit("a", t0).Allowed {
		t.Fatal("second upgrade from a should be rejected per-IP")
	}
	if !crl.Admit("b", t0).Allowed {
		t.Fatal("global token taken by the rejected upgrade was not returned")
	}
}

func TestConnectionLimiterCleanup(t *testing.T) {
	crl := newTestConnLimiter(t, ConnectionRateLimiterConfig{IPTTL: time.Minute})
	crl.Admit("old", t0)
	crl.Admit("new", t0.Add(50*time.Second))
	if n := crl.Cleanup(t0.Add(90 * time.Second)); n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	if crl.TrackedIPs() != 1 {
		t.Errorf("TrackedIPs = %d, want 1", crl.TrackedIPs())
	}
}

func TestConnectionLimiterStopLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop(), CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	crl.Stop()
	crl.Stop()
}
