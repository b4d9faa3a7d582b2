package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/adred-codev/agentsync/internal/model"
	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/notify"
	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/store"
	"github.com/adred-codev/agentsync/internal/types"
)

// errRebound aborts marking an agent offline that registered again elsewhere.
var errRebound = errors.New("identity bound to another connection")

// Disconnect runs when the transport loses c. It is called after any handler
// in flight for c has finished.
func (r *Router) Disconnect(ctx context.Context, c Conn) {
	ident, ok := r.registry.Close(c.ID())
	r.limits.General.Forget(c.ID())
	r.limits.Register.Forget(c.ID())
	r.limits.Message.Forget(c.ID())
	monitoring.ConnectionsActive.Set(float64(r.registry.Len()))
	if !ok {
		return
	}
	r.Release(ctx, ident, "disconnected")
}

// Release reflects an identity that lost its connection into the store:
// the agent is marked offline, "agent disconnected" fans out and a
// notification is queued. The reaper calls it after UnbindIfIdle.
func (r *Router) Release(ctx context.Context, ident registry.Identity, reason string) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var fx effects
	r.releaseInto(sctx, ident, reason, &fx)
	r.emit(ctx, nil, &fx)
}

func (r *Router) releaseInto(ctx context.Context, ident registry.Identity, reason string, fx *effects) {
	monitoring.IdentitiesBound.Set(float64(r.registry.BoundLen()))

	now := r.now()
	agent, err := r.store.MutateAgent(ctx, ident.AgentID, func(a *model.Agent) error {
		if _, bound := r.registry.Lookup(a.ID); bound {
			return errRebound
		}
		a.Status = model.AgentOffline
		a.LastActivity = now
		return nil
	})
	switch {
	case errors.Is(err, errRebound):
		return
	case errors.Is(err, store.ErrNotFound):
		r.logger.Warn().Str("agent_id", ident.AgentID).Msg("Released identity has no agent row")
		return
	case err != nil:
		monitoring.LogError(r.logger, err, "Failed to mark agent offline", map[string]any{"agent_id": ident.AgentID, "reason": reason})
		return
	}

	r.logger.Info().Str("agent_id", ident.AgentID).Str("reason", reason).Msg("Agent offline")
	fx.addBroadcast(protocol.AgentChanged{ChangeType: protocol.ChangeDisconnected, Agent: *agent})
	fx.addNote(notify.Notification{
		Title:    "Agent disconnected",
		Body:     fmt.Sprintf("%s went offline (%s)", labelOf(ident), reason),
		Severity: types.SeverityNotify,
		At:       now,
	}, false)
}

func labelOf(ident registry.Identity) string {
	if ident.Name != "" {
		return ident.Name
	}
	return ident.AgentID
}
