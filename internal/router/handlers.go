package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
	"github.com/adred-codev/agentsync/internal/notify"
	"github.com/adred-codev/agentsync/internal/protocol"
	"github.com/adred-codev/agentsync/internal/registry"
	"github.com/adred-codev/agentsync/internal/store"
	"github.com/adred-codev/agentsync/internal/types"
)

// Communication type tags written by the router.
const (
	CommMessage          = "message"
	CommUserInputRequest = "user_input_request"
)

// actor is the connection an envelope came from.
type actor struct {
	conn     Conn
	identity registry.Identity
	bound    bool
}

func (a actor) label() string { return labelOf(a.identity) }

// errUnchanged aborts a Mutate* callback without an error reaching the client.
var errUnchanged = errors.New("unchanged")

func (r *Router) handleRegister(ctx context.Context, act actor, m *protocol.Register, fx *effects) error {
	now := r.now()
	id := m.ID
	if id == "" {
		id = r.newID()
	}

	// Bind before the row goes active. A release of the same identity racing
	// in from the old connection then finds the new binding and leaves the
	// row alone.
	res := r.registry.Bind(act.conn.ID(), registry.Identity{AgentID: id, Name: m.Name, Type: m.AgentType}, now)

	agent, err := r.store.MutateAgent(ctx, id, func(a *model.Agent) error {
		a.Name = m.Name
		a.Type = m.AgentType
		if m.Capabilities != nil {
			a.Capabilities = m.Capabilities
		}
		a.Status = model.AgentActive
		a.LastActivity = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		agent = &model.Agent{
			ID:           id,
			Name:         m.Name,
			Type:         m.AgentType,
			Capabilities: m.Capabilities,
			Status:       model.AgentActive,
			LastActivity: now,
			CreatedAt:    now,
		}
		if agent.Capabilities == nil {
			agent.Capabilities = []string{}
		}
		err = r.store.UpsertAgent(ctx, agent)
	}
	if err != nil {
		r.abortRegister(ctx, act.conn.ID(), res)
		return fmt.Errorf("register agent %s: %w", id, err)
	}

	r.logger.Info().
		Str("conn_id", act.conn.ID()).
		Str("agent_id", id).
		Str("replaced_conn", res.ReplacedConn).
		Msg("Agent registered")

	if res.PreviousIdentity != nil {
		r.releaseInto(ctx, *res.PreviousIdentity, "switched identity", fx)
	}
	fx.addBroadcast(protocol.AgentChanged{ChangeType: protocol.ChangeRegistered, Agent: *agent})
	return nil
}

// abortRegister undoes a binding whose row could not be written. Identities
// left without a connection are released so they do not stay active.
func (r *Router) abortRegister(ctx context.Context, connID string, res registry.BindResult) {
	if ident, ok := r.registry.Unbind(connID); ok {
		r.Release(ctx, ident, "register failed")
	}
	if res.PreviousIdentity != nil {
		r.Release(ctx, *res.PreviousIdentity, "switched identity")
	}
}

func (r *Router) handleStatusUpdate(ctx context.Context, act actor, m *protocol.StatusUpdate, fx *effects) error {
	now := r.now()
	agent, err := r.store.MutateAgent(ctx, act.identity.AgentID, func(a *model.Agent) error {
		a.Status = m.Status
		if m.CurrentTask != nil {
			a.CurrentTaskID = *m.CurrentTask
		}
		a.LastActivity = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("update agent %s status: %w", act.identity.AgentID, err)
	}

	fx.addBroadcast(protocol.AgentChanged{ChangeType: protocol.ChangeStatus, Agent: *agent})
	if m.Status == model.AgentError {
		fx.addNote(notify.Notification{
			Title:    "Agent error",
			Body:     fmt.Sprintf("%s reported an error status", act.label()),
			Severity: types.SeverityHigh,
			At:       now,
		}, false)
	}
	return nil
}

func (r *Router) handleTaskUpdate(ctx context.Context, act actor, m *protocol.TaskUpdate, fx *effects) error {
	now := r.now()
	var from model.TaskStatus
	task, err := r.store.MutateTask(ctx, m.TaskID, func(t *model.Task) error {
		if t.Status.Terminal() {
			return invalidTransition("task %s is %s and cannot change", t.ID, t.Status)
		}
		from = t.Status
		t.Status = m.Status
		if m.Status == model.TaskInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if m.Status.Terminal() && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if t.AssignedAgentID == "" && (m.Status == model.TaskAssigned || m.Status == model.TaskInProgress) {
			t.AssignedAgentID = act.identity.AgentID
		}
		t.Metadata = merge(t.Metadata, m.Metadata)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task %s: %w", m.TaskID, err)
	}
	fx.addBroadcast(protocol.TaskChanged{ChangeType: protocol.ChangeUpdated, Task: *task})

	if !task.Status.Terminal() {
		return nil
	}

	if task.Status == model.TaskCompleted || task.Status == model.TaskFailed {
		agent, err := r.store.MutateAgent(ctx, act.identity.AgentID, func(a *model.Agent) error {
			a.Performance.Record(task.Status == model.TaskCompleted)
			if a.CurrentTaskID == task.ID {
				a.CurrentTaskID = ""
			}
			a.LastActivity = now
			return nil
		})
		if err != nil {
			// The task write stands; the counters are reported but not retried.
			r.logger.Error().Err(err).Str("agent_id", act.identity.AgentID).Str("task_id", task.ID).Msg("Failed to update agent performance")
		} else {
			fx.addBroadcast(protocol.AgentChanged{ChangeType: protocol.ChangePerformance, Agent: *agent})
		}
	}

	if project, err := r.recomputeProgress(ctx, task.ProjectID, now); err != nil {
		r.logger.Error().Err(err).Str("project_id", task.ProjectID).Msg("Failed to recompute project progress")
	} else if project != nil {
		fx.addBroadcast(protocol.ProjectChanged{ChangeType: protocol.ChangeProgress, Project: *project})
	}

	fx.addNote(notify.Notification{
		Title:    fmt.Sprintf("Task %s", task.Status),
		Body:     fmt.Sprintf("%s moved %q from %s to %s", act.label(), task.Title, from, task.Status),
		Severity: types.SeverityNotify,
		At:       now,
	}, false)
	return nil
}

// recomputeProgress derives the project's progress from its tasks. It
// returns nil when the project has an explicit override or nothing changed.
func (r *Router) recomputeProgress(ctx context.Context, projectID string, now time.Time) (*model.Project, error) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	tasks, err := r.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	progress := model.Progress(tasks)
	project, err := r.store.MutateProject(ctx, projectID, func(p *model.Project) error {
		if p.ProgressOverride || p.Progress == progress {
			return errUnchanged
		}
		p.Progress = progress
		p.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	return project, err
}

func (r *Router) handleProjectUpdate(ctx context.Context, act actor, m *protocol.ProjectUpdate, fx *effects) error {
	now := r.now()
	becomesTerminal := m.Status != nil && m.Status.Terminal()

	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	derived := -1
	if becomesTerminal && m.Progress == nil {
		tasks, err := r.store.ListTasksByProject(ctx, m.ProjectID)
		if err != nil {
			return fmt.Errorf("list tasks of project %s: %w", m.ProjectID, err)
		}
		derived = model.Progress(tasks)
	}

	project, err := r.store.MutateProject(ctx, m.ProjectID, func(p *model.Project) error {
		if p.Status.Terminal() {
			return invalidTransition("project %s is %s and cannot change", p.ID, p.Status)
		}
		if m.Status != nil {
			p.Status = *m.Status
		}
		switch {
		case m.Progress != nil:
			p.Progress = *m.Progress
			p.ProgressOverride = true
		case derived >= 0:
			p.Progress = derived
		}
		p.Metadata = merge(p.Metadata, m.Metadata)
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("update project %s: %w", m.ProjectID, err)
	}

	fx.addBroadcast(protocol.ProjectChanged{ChangeType: protocol.ChangeUpdated, Project: *project})
	if becomesTerminal {
		fx.addNote(notify.Notification{
			Title:    fmt.Sprintf("Project %s", project.Status),
			Body:     fmt.Sprintf("%s marked %q %s at %d%%", act.label(), project.Name, project.Status, project.Progress),
			Severity: types.SeverityNotify,
			At:       now,
		}, false)
	}
	return nil
}

func (r *Router) handleAgentMessage(ctx context.Context, act actor, m *protocol.AgentMessage, fx *effects) error {
	if m.ToID != "" {
		if _, err := r.store.GetAgent(ctx, m.ToID); err != nil {
			return fmt.Errorf("message recipient %s: %w", m.ToID, err)
		}
	}

	comm := &model.Communication{
		ID:        r.newID(),
		ToID:      m.ToID,
		Type:      m.MessageType,
		Body:      m.Body,
		Priority:  m.Priority,
		Metadata:  m.Metadata,
		ProjectID: m.ProjectID,
		TaskID:    m.TaskID,
		CreatedAt: r.now(),
	}
	if act.bound {
		comm.FromID = act.identity.AgentID
	}
	if comm.Type == "" {
		comm.Type = CommMessage
	}
	if comm.Priority == "" {
		comm.Priority = model.PriorityNormal
	}
	if err := r.store.AppendCommunication(ctx, comm); err != nil {
		return fmt.Errorf("append communication: %w", err)
	}

	fx.addBroadcast(protocol.MessagePosted{Message: *comm})
	if comm.ToID != "" {
		fx.direct = append(fx.direct, directDelivery{
			agentID:  comm.ToID,
			envelope: protocol.MessagePosted{Message: *comm, Direct: true},
		})
	}
	return nil
}

func (r *Router) handleRequestUserInput(ctx context.Context, act actor, m *protocol.RequestUserInput, fx *effects) error {
	now := r.now()
	comm := &model.Communication{
		ID:        r.newID(),
		FromID:    act.identity.AgentID,
		Type:      CommUserInputRequest,
		Body:      m.Question,
		Priority:  model.PriorityHigh,
		Metadata:  map[string]any{"context": m.Context},
		ProjectID: m.ProjectID,
		TaskID:    m.TaskID,
		CreatedAt: now,
	}
	if err := r.store.AppendCommunication(ctx, comm); err != nil {
		return fmt.Errorf("append user input request: %w", err)
	}

	fx.addBroadcast(protocol.UserInputRequested{
		AgentID:  act.identity.AgentID,
		Context:  m.Context,
		Question: m.Question,
		Message:  *comm,
	})
	fx.addNote(notify.Notification{
		Title:    fmt.Sprintf("Input requested by %s", act.label()),
		Body:     m.Question,
		Severity: types.SeverityHigh,
		At:       now,
	}, true)
	return nil
}

// merge shallow-merges patch into base. A nil patch leaves base unchanged.
func merge(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
