// Package reaper unbinds identities whose connection went quiet.
//
// A connection that stops sending envelopes but keeps its socket open (a
// frozen agent, a half-open TCP session the ping has not caught yet) would
// otherwise keep its agent "active" forever. Every period the reaper looks at
// each bound identity and, when the last activity is older than threshold,
// unbinds it and marks the agent offline exactly like a disconnect would. The
// socket itself stays open: an agent that wakes up only has to register again.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/rs/zerolog"
)

// Releaser reflects an unbound identity into the store and fans it out.
// *router.Router implements it.
type Releaser interface {
	Release(ctx context.Context, ident registry.Identity, reason string)
}

// ReasonStale is the release reason recorded for reaped identities.
const ReasonStale = "stale"

type Config struct {
	Registry  *registry.Registry
	Releaser  Releaser
	Limits    *limits.Set   // optional, idle keys are pruned on every sweep
	Period    time.Duration // default 60s
	Threshold time.Duration // default 5m
	// LimiterIdle is how long a limiter key must be idle before it is pruned.
	// Defaults to 2*Threshold.
	LimiterIdle time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Reaper struct {
	registry    *registry.Registry
	releaser    Releaser
	limits      *limits.Set
	period      time.Duration
	threshold   time.Duration
	limiterIdle time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	// sweepMu keeps a manual Sweep from overlapping the ticker's.
	sweepMu sync.Mutex
}

func New(cfg Config) *Reaper {
	if cfg.Period <= 0 {
		cfg.Period = 60 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = 2 * cfg.Threshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{
		registry:    cfg.Registry,
		releaser:    cfg.Releaser,
		limits:      cfg.Limits,
		period:      cfg.Period,
		threshold:   cfg.Threshold,
		limiterIdle: cfg.LimiterIdle,
		logger:      cfg.Logger.With().Str("component", "reaper").Logger(),
		now:         cfg.Now,
	}
}

// Run sweeps every period until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(r.logger, "reaper", nil)

	r.logger.Info().
		Dur("period", r.period).
		Dur("threshold", r.threshold).
		Msg("Reaper started")

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Sweep releases every identity idle since before now-threshold and returns
// how many were released. A second sweep at the same instant releases
// nothing.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	cutoff := now.Add(-r.threshold)
	reaped := 0
	for _, b := range r.registry.ListBoundIdentities() {
		if !b.LastActivity.Before(cutoff) {
			continue
		}
		// Re-checked under the registry lock: a touch since the listing wins.
		unbound, ok := r.registry.UnbindIfIdle(b.Identity.AgentID, cutoff)
		if !ok {
			continue
		}
		r.logger.Info().
			Str("agent_id", unbound.Identity.AgentID).
			Str("conn_id", unbound.ConnID).
			Dur("idle", now.Sub(unbound.LastActivity)).
			Msg("Reaping stale identity")
		r.releaser.Release(ctx, unbound.Identity, ReasonStale)
		monitoring.ReapedIdentities.Inc()
		reaped++
	}
	monitoring.IdentitiesBound.Set(float64(r.registry.BoundLen()))

	pruned := 0
	if r.limits != nil {
		pruned = r.limits.Prune(now, r.limiterIdle)
	}
	if reaped > 0 || pruned > 0 {
		r.logger.Debug().
			Int("reaped", reaped).
			Int("pruned_limiter_keys", pruned).
			Msg("Sweep finished")
	}
	return reaped
}
