// Package store is the persistence adapter used by the real-time core.
//
// Two implementations share one contract: SQLite (production) and an in-memory
// map store (tests and local runs). Both serialize writes to the same row and
// apply a Mutate* callback atomically: the row is written only if the callback
// returns nil.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the row-level surface the router, reaper and server depend on.
type Store interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	UpsertAgent(ctx context.Context, a *model.Agent) error
	MutateAgent(ctx context.Context, id string, fn func(*model.Agent) error) (*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	MarkAllAgentsOffline(ctx context.Context, at time.Time) (int, error)

	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	UpsertProject(ctx context.Context, p *model.Project) error
	MutateProject(ctx context.Context, id string, fn func(*model.Project) error) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error)
	UpsertTask(ctx context.Context, t *model.Task) error
	MutateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error

	AppendCommunication(ctx context.Context, c *model.Communication) error
	GetCommunication(ctx context.Context, id string) (*model.Communication, error)
	ListCommunications(ctx context.Context, limit int) ([]model.Communication, error)

	Ping(ctx context.Context) error
	Close() error
}
