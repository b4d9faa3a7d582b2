package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
)

// Memory is an in-process Store. All rows are copied on the way in and out,
// so callers never share memory with the stored state.
type Memory struct {
	mu       sync.Mutex
	agents   map[string]*model.Agent
	projects map[string]*model.Project
	tasks    map[string]*model.Task
	comms    []*model.Communication
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:   make(map[string]*model.Agent),
		projects: make(map[string]*model.Project),
		tasks:    make(map[string]*model.Task),
	}
}

func cloneAgent(a *model.Agent) *model.Agent {
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}

func cloneProject(p *model.Project) *model.Project {
	c := *p
	c.AgentIDs = slices.Clone(p.AgentIDs)
	c.TaskIDs = nil
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Metadata = maps.Clone(t.Metadata)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func cloneCommunication(m *model.Communication) *model.Communication {
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return ctx.Err()
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertAgent(ctx context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *Memory) MutateAgent(ctx context.Context, id string, fn func(*model.Agent) error) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cur, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	next := cloneAgent(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	m.agents[id] = cloneAgent(next)
	return next, nil
}

func (m *Memory) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(m.agents, id)
	return nil
}

func (m *Memory) MarkAllAgentsOffline(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, a := range m.agents {
		if a.Status != model.AgentOffline {
			a.Status = model.AgentOffline
			a.LastActivity = at
			n++
		}
	}
	return n, nil
}

func (m *Memory) withTaskIDs(p *model.Project) *model.Project {
	c := cloneProject(p)
	ids := make([]string, 0)
	for _, t := range m.tasks {
		if t.ProjectID == p.ID {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	c.TaskIDs = ids
	return c
}

func (m *Memory) GetProject(ctx context.Context, id string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return m.withTaskIDs(p), nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *m.withTaskIDs(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertProject(ctx context.Context, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.projects[p.ID] = cloneProject(p)
	return nil
}

func (m *Memory) MutateProject(ctx context.Context, id string, fn func(*model.Project) error) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cur, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	next := m.withTaskIDs(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	m.projects[id] = cloneProject(next)
	return m.withTaskIDs(next), nil
}

// DeleteProject removes the project and cascades to its tasks.
func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.projects[id]; !ok {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	delete(m.projects, id)
	for tid, t := range m.tasks {
		if t.ProjectID == id {
			delete(m.tasks, tid)
		}
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) listTasks(match func(*model.Task) bool) []model.Task {
	out := make([]model.Task, 0)
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ListTasks(ctx context.Context) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.listTasks(func(*model.Task) bool { return true }), nil
}

func (m *Memory) ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.listTasks(func(t *model.Task) bool { return t.ProjectID == projectID }), nil
}

func (m *Memory) UpsertTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.projects[t.ProjectID]; !ok {
		return fmt.Errorf("project %s: %w", t.ProjectID, ErrNotFound)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) MutateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cur, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	next := cloneTask(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.ProjectID = cur.ProjectID
	m.tasks[id] = cloneTask(next)
	return next, nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) AppendCommunication(ctx context.Context, c *model.Communication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for _, existing := range m.comms {
		if existing.ID == c.ID {
			return fmt.Errorf("communication %s already exists", c.ID)
		}
	}
	m.comms = append(m.comms, cloneCommunication(c))
	return nil
}

func (m *Memory) GetCommunication(ctx context.Context, id string) (*model.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	for _, c := range m.comms {
		if c.ID == id {
			return cloneCommunication(c), nil
		}
	}
	return nil, fmt.Errorf("communication %s: %w", id, ErrNotFound)
}

// ListCommunications returns the newest limit messages, newest first.
// A non-positive limit returns all of them.
func (m *Memory) ListCommunications(ctx context.Context, limit int) ([]model.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Communication, 0, len(m.comms))
	for i := len(m.comms) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *cloneCommunication(m.comms[i]))
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
