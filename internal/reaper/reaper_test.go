package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type release struct {
	ident  registry.Identity
	reason string
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []release
}

func (f *fakeReleaser) Release(_ context.Context, ident registry.Identity, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, release{ident, reason})
}

func (f *fakeReleaser) all() []release {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]release(nil), f.released...)
}

func bind(reg *registry.Registry, connID, agentID string, at time.Time) {
	reg.Open(connID, at)
	reg.Bind(connID, registry.Identity{AgentID: agentID, Name: agentID}, at)
}

func TestSweepReleasesOnlyIdleIdentities(t *testing.T) {
	reg := registry.New()
	rel := &fakeReleaser{}
	r := New(Config{Registry: reg, Releaser: rel, Threshold: 5 * time.Minute, Logger: zerolog.Nop()})

	bind(reg, "c1", "A", t0)
	bind(reg, "c2", "B", t0)
	reg.Touch("c2", t0.Add(4*time.Minute))

	if n := r.Sweep(context.Background(), t0.Add(6*time.Minute)); n != 1 {
		t.Fatalf("Sweep released %d, want 1", n)
	}
	got := rel.all()
	if len(got) != 1 || got[0].ident.AgentID != "A" || got[0].reason != ReasonStale {
		t.Fatalf("released = %+v, want A stale", got)
	}
	if _, ok := reg.Lookup("A"); ok {
		t.Error("A is still bound")
	}
	if _, ok := reg.Lookup("B"); !ok {
		t.Error("B was unbound despite recent activity")
	}
	// The connection stays open, unbound.
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2 open connections", reg.Len())
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	reg := registry.New()
	rel := &fakeReleaser{}
	r := New(Config{Registry: reg, Releaser: rel, Logger: zerolog.Nop()})
	bind(reg, "c1", "A", t0)

	now := t0.Add(10 * time.Minute)
	r.Sweep(context.Background(), now)
	if n := r.Sweep(context.Background(), now); n != 0 {
		t.Fatalf("second sweep released %d, want 0", n)
	}
	if len(rel.all()) != 1 {
		t.Errorf("released %d times, want 1", len(rel.all()))
	}
}

func TestSweepBoundaryIsExclusive(t *testing.T) {
	reg := registry.New()
	rel := &fakeReleaser{}
	r := New(Config{Registry: reg, Releaser: rel, Threshold: time.Minute, Logger: zerolog.Nop()})
	bind(reg, "c1", "A", t0)

	if n := r.Sweep(context.Background(), t0.Add(time.Minute)); n != 0 {
		t.Fatalf("identity idle for exactly the threshold was reaped")
	}
	if n := r.Sweep(context.Background(), t0.Add(time.Minute+time.Millisecond)); n != 1 {
		t.Fatalf("identity idle past the threshold was not reaped")
	}
}

func TestSweepPrunesLimiterKeys(t *testing.T) {
	reg := registry.New()
	set := limits.NewSet(limits.DefaultSetConfig())
	set.General.Admit("gone", t0)
	r := New(Config{Registry: reg, Releaser: &fakeReleaser{}, Limits: set, LimiterIdle: 10 * time.Minute, Logger: zerolog.Nop()})

	r.Sweep(context.Background(), t0.Add(5*time.Minute))
	if set.General.Len() != 1 {
		t.Fatalf("key pruned before the idle period")
	}
	r.Sweep(context.Background(), t0.Add(11*time.Minute))
	if set.General.Len() != 0 {
		t.Errorf("Len = %d after idle period, want 0", set.General.Len())
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := registry.New()
	rel := &fakeReleaser{}
	bind(reg, "c1", "A", t0)
	r := New(Config{
		Registry:  reg,
		Releaser:  rel,
		Period:    5 * time.Millisecond,
		Threshold: time.Minute,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return t0.Add(time.Hour) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(rel.all()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("Run never reaped the idle identity")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
