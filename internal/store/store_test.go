package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
)

// --- Test helpers ---

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, testSQLite(t)) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedProject(t *testing.T, s Store, id string) *model.Project {
	t.Helper()
	p := &model.Project{
		ID:        id,
		Name:      "Project " + id,
		Status:    model.ProjectActive,
		Priority:  2,
		AgentIDs:  []string{"a1"},
		Metadata:  map[string]any{"owner": "ops"},
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
	if err := s.UpsertProject(context.Background(), p); err != nil {
		t.Fatalf("seedProject: %v", err)
	}
	return p
}

func seedTask(t *testing.T, s Store, id, projectID string, status model.TaskStatus) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:           id,
		ProjectID:    projectID,
		Title:        "Task " + id,
		Status:       status,
		Dependencies: []string{},
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
	if err := s.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seedTask: %v", err)
	}
	return task
}

// --- Agents ---

func TestAgentRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := &model.Agent{
			ID:           "a1",
			Name:         "backend-bot",
			Type:         "worker",
			Capabilities: []string{"backend", "sql"},
			Status:       model.AgentActive,
			LastActivity: epoch,
			Performance:  model.Performance{TasksCompleted: 3, ErrorCount: 1, SuccessRate: 75},
			CreatedAt:    epoch,
		}
		if err := s.UpsertAgent(ctx, a); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
		got, err := s.GetAgent(ctx, "a1")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if got.Name != a.Name || got.Status != model.AgentActive {
			t.Errorf("got %+v", got)
		}
		if len(got.Capabilities) != 2 || got.Capabilities[1] != "sql" {
			t.Errorf("Capabilities = %v, want [backend sql]", got.Capabilities)
		}
		if got.Performance != a.Performance {
			t.Errorf("Performance = %+v, want %+v", got.Performance, a.Performance)
		}
		if !got.LastActivity.Equal(epoch) {
			t.Errorf("LastActivity = %v, want %v", got.LastActivity, epoch)
		}
	})
}

func TestGetAgentNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetAgent(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if _, err := s.MutateAgent(context.Background(), "missing", func(*model.Agent) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MutateAgent err = %v, want ErrNotFound", err)
		}
	})
}

func TestMutateAgentAbortLeavesRowUnchanged(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.UpsertAgent(ctx, &model.Agent{ID: "a1", Name: "x", Status: model.AgentIdle, LastActivity: epoch, CreatedAt: epoch}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
		boom := errors.New("boom")
		_, err := s.MutateAgent(ctx, "a1", func(a *model.Agent) error {
			a.Status = model.AgentError
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
		got, _ := s.GetAgent(ctx, "a1")
		if got.Status != model.AgentIdle {
			t.Errorf("Status = %s, want idle", got.Status)
		}
	})
}

func TestMutateAgentSerializesConcurrentUpdates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.UpsertAgent(ctx, &model.Agent{ID: "a1", Name: "x", LastActivity: epoch, CreatedAt: epoch}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
		const n = 25
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.MutateAgent(ctx, "a1", func(a *model.Agent) error {
					a.Performance.Record(i%5 != 0)
					return nil
				})
				if err != nil {
					t.Errorf("MutateAgent: %v", err)
				}
			}(i)
		}
		wg.Wait()
		got, _ := s.GetAgent(ctx, "a1")
		if total := got.Performance.TasksCompleted + got.Performance.ErrorCount; total != n {
			t.Fatalf("recorded outcomes = %d, want %d", total, n)
		}
		if got.Performance.ErrorCount != 5 {
			t.Errorf("ErrorCount = %d, want 5", got.Performance.ErrorCount)
		}
	})
}

func TestMarkAllAgentsOffline(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, st := range []model.AgentStatus{model.AgentActive, model.AgentBusy, model.AgentOffline} {
			a := &model.Agent{ID: fmt.Sprintf("a%d", i), Name: "x", Status: st, LastActivity: epoch, CreatedAt: epoch}
			if err := s.UpsertAgent(ctx, a); err != nil {
				t.Fatalf("UpsertAgent: %v", err)
			}
		}
		n, err := s.MarkAllAgentsOffline(ctx, epoch.Add(time.Hour))
		if err != nil {
			t.Fatalf("MarkAllAgentsOffline: %v", err)
		}
		if n != 2 {
			t.Errorf("n = %d, want 2", n)
		}
		agents, _ := s.ListAgents(ctx)
		for _, a := range agents {
			if a.Status != model.AgentOffline {
				t.Errorf("agent %s status = %s, want offline", a.ID, a.Status)
			}
		}
	})
}

// --- Projects and tasks ---

func TestProjectTaskIDsAndCascade(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedProject(t, s, "p1")
		seedTask(t, s, "t1", "p1", model.TaskPending)
		seedTask(t, s, "t2", "p1", model.TaskCompleted)

		p, err := s.GetProject(ctx, "p1")
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if len(p.TaskIDs) != 2 || p.TaskIDs[0] != "t1" {
			t.Errorf("TaskIDs = %v, want [t1 t2]", p.TaskIDs)
		}
		if p.Metadata["owner"] != "ops" {
			t.Errorf("Metadata = %v", p.Metadata)
		}

		if err := s.DeleteProject(ctx, "p1"); err != nil {
			t.Fatalf("DeleteProject: %v", err)
		}
		if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetTask after cascade err = %v, want ErrNotFound", err)
		}
	})
}

func TestUpsertTaskRequiresProject(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		err := s.UpsertTask(context.Background(), &model.Task{ID: "t1", ProjectID: "nope", Title: "x", CreatedAt: epoch, UpdatedAt: epoch})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestMutateTaskKeepsTimestampsAndProject(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedProject(t, s, "p1")
		seedTask(t, s, "t1", "p1", model.TaskPending)

		started := epoch.Add(time.Minute)
		got, err := s.MutateTask(ctx, "t1", func(task *model.Task) error {
			task.Status = model.TaskInProgress
			task.StartedAt = &started
			task.ProjectID = "other"
			task.Metadata = map[string]any{"step": "build"}
			return nil
		})
		if err != nil {
			t.Fatalf("MutateTask: %v", err)
		}
		if got.ProjectID != "p1" {
			t.Errorf("ProjectID = %s, want p1", got.ProjectID)
		}
		reread, _ := s.GetTask(ctx, "t1")
		if reread.StartedAt == nil || !reread.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", reread.StartedAt, started)
		}
		if reread.CompletedAt != nil {
			t.Errorf("CompletedAt = %v, want nil", reread.CompletedAt)
		}
		if reread.Metadata["step"] != "build" {
			t.Errorf("Metadata = %v", reread.Metadata)
		}
		tasks, _ := s.ListTasksByProject(ctx, "p1")
		if len(tasks) != 1 {
			t.Errorf("ListTasksByProject len = %d, want 1", len(tasks))
		}
	})
}

// --- Communications ---

func TestCommunicationsAppendOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			c := &model.Communication{
				ID:        fmt.Sprintf("c%d", i),
				FromID:    "a1",
				Type:      "note",
				Body:      fmt.Sprintf("body %d", i),
				Priority:  model.PriorityNormal,
				CreatedAt: epoch.Add(time.Duration(i) * time.Second),
			}
			if err := s.AppendCommunication(ctx, c); err != nil {
				t.Fatalf("AppendCommunication: %v", err)
			}
		}
		if err := s.AppendCommunication(ctx, &model.Communication{ID: "c0", Type: "note", CreatedAt: epoch}); err == nil {
			t.Fatal("appending a duplicate id should fail")
		}
		got, err := s.GetCommunication(ctx, "c0")
		if err != nil {
			t.Fatalf("GetCommunication: %v", err)
		}
		if got.Body != "body 0" {
			t.Errorf("Body = %q, existing row was modified", got.Body)
		}
		latest, err := s.ListCommunications(ctx, 2)
		if err != nil {
			t.Fatalf("ListCommunications: %v", err)
		}
		if len(latest) != 2 || latest[0].ID != "c2" || latest[1].ID != "c1" {
			t.Errorf("ListCommunications = %v, want [c2 c1]", ids(latest))
		}
	})
}

func ids(cs []model.Communication) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestMemoryCopiesRows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := &model.Agent{ID: "a1", Capabilities: []string{"x"}}
	if err := m.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	a.Capabilities[0] = "mutated"
	got, _ := m.GetAgent(ctx, "a1")
	if got.Capabilities[0] != "x" {
		t.Fatalf("stored row shares memory with caller")
	}
}
