package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite is a Store backed by a SQLite database file.
//
// The pool is capped at one open connection: every statement and transaction
// runs on it in turn, which serializes writers (including Mutate* read-modify-write
// cycles) without application-level locks.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Pass ":memory:" for a
// throwaway database. The bootstrap schema is applied with IF NOT EXISTS, so an
// already-initialized database is left untouched.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" || s == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- agents ---

const agentColumns = `id, name, type, capabilities, status, current_task_id, last_activity,
	tasks_completed, error_count, success_rate, created_at`

func scanAgent(row scanner) (*model.Agent, error) {
	var (
		a                     model.Agent
		caps, status          string
		lastActivity, created string
	)
	err := row.Scan(&a.ID, &a.Name, &a.Type, &caps, &status, &a.CurrentTaskID, &lastActivity,
		&a.Performance.TasksCompleted, &a.Performance.ErrorCount, &a.Performance.SuccessRate, &created)
	if err != nil {
		return nil, err
	}
	a.Status = model.AgentStatus(status)
	if a.Capabilities, err = decodeStrings(caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if a.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &a, nil
}

func getAgent(ctx context.Context, q execer, id string) (*model.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("agent", id, err)
	}
	return a, nil
}

func writeAgent(ctx context.Context, q execer, a *model.Agent) error {
	caps, err := encodeJSON(a.Capabilities, "[]")
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities = excluded.capabilities,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_activity = excluded.last_activity,
			tasks_completed = excluded.tasks_completed,
			error_count = excluded.error_count,
			success_rate = excluded.success_rate`,
		a.ID, a.Name, a.Type, caps, string(a.Status), a.CurrentTaskID, formatTime(a.LastActivity),
		a.Performance.TasksCompleted, a.Performance.ErrorCount, a.Performance.SuccessRate, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return getAgent(ctx, s.db, id)
}

func (s *SQLite) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	out := []model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertAgent(ctx context.Context, a *model.Agent) error {
	return writeAgent(ctx, s.db, a)
}

func (s *SQLite) MutateAgent(ctx context.Context, id string, fn func(*model.Agent) error) (*model.Agent, error) {
	var out *model.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.ID = id
		if err := writeAgent(ctx, tx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *SQLite) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return requireAffected(res, "agent", id)
}

func (s *SQLite) MarkAllAgentsOffline(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_activity = ? WHERE status != ?`,
		string(model.AgentOffline), formatTime(at), string(model.AgentOffline))
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// --- projects ---

const projectColumns = `id, name, description, status, priority, progress, progress_override,
	agent_ids, metadata, created_at, updated_at`

func scanProject(row scanner) (*model.Project, error) {
	var (
		p                    model.Project
		status, agents, meta string
		override             int
		created, updated     string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &status, &p.Priority, &p.Progress, &override,
		&agents, &meta, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Status = model.ProjectStatus(status)
	p.ProgressOverride = override != 0
	if p.AgentIDs, err = decodeStrings(agents); err != nil {
		return nil, fmt.Errorf("decode agent_ids: %w", err)
	}
	if p.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func taskIDs(ctx context.Context, q execer, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func getProject(ctx context.Context, q execer, id string) (*model.Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("project", id, err)
	}
	if p.TaskIDs, err = taskIDs(ctx, q, id); err != nil {
		return nil, err
	}
	return p, nil
}

func writeProject(ctx context.Context, q execer, p *model.Project) error {
	agents, err := encodeJSON(p.AgentIDs, "[]")
	if err != nil {
		return fmt.Errorf("encode agent_ids: %w", err)
	}
	meta, err := encodeJSON(p.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	override := 0
	if p.ProgressOverride {
		override = 1
	}
	_, err = q.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			progress = excluded.progress,
			progress_override = excluded.progress_override,
			agent_ids = excluded.agent_ids,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description, string(p.Status), p.Priority, p.Progress, override,
		agents, meta, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) GetProject(ctx context.Context, id string) (*model.Project, error) {
	return getProject(ctx, s.db, id)
}

func (s *SQLite) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := []model.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	// Child ids are read after the cursor is closed: the pool holds one connection.
	for i := range out {
		if out[i].TaskIDs, err = taskIDs(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) UpsertProject(ctx context.Context, p *model.Project) error {
	return writeProject(ctx, s.db, p)
}

func (s *SQLite) MutateProject(ctx context.Context, id string, fn func(*model.Project) error) (*model.Project, error) {
	var out *model.Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.ID = id
		if err := writeProject(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// DeleteProject removes the project; the foreign key cascades to its tasks.
func (s *SQLite) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return requireAffected(res, "project", id)
}

// --- tasks ---

const taskColumns = `id, project_id, title, description, status, priority, assigned_agent_id,
	dependencies, started_at, completed_at, metadata, created_at, updated_at`

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                  model.Task
		status, deps, meta string
		started, completed sql.NullString
		created, updated   string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.Priority,
		&t.AssignedAgentID, &deps, &started, &completed, &meta, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if t.Dependencies, err = decodeStrings(deps); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if t.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if t.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func getTask(ctx context.Context, q execer, id string) (*model.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("task", id, err)
	}
	return t, nil
}

func writeTask(ctx context.Context, q execer, t *model.Task) error {
	deps, err := encodeJSON(t.Dependencies, "[]")
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	meta, err := encodeJSON(t.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			assigned_agent_id = excluded.assigned_agent_id,
			dependencies = excluded.dependencies,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.Priority, t.AssignedAgentID,
		deps, formatNullTime(t.StartedAt), formatNullTime(t.CompletedAt), meta,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getTask(ctx, s.db, id)
}

func (s *SQLite) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLite) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *SQLite) ListTasksByProject(ctx context.Context, projectID string) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id`, projectID)
}

func (s *SQLite) UpsertTask(ctx context.Context, t *model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, t.ProjectID).Scan(&one)
		if err != nil {
			return notFound("project", t.ProjectID, err)
		}
		return writeTask(ctx, tx, t)
	})
}

func (s *SQLite) MutateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	var out *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		projectID := t.ProjectID
		if err := fn(t); err != nil {
			return err
		}
		t.ID = id
		t.ProjectID = projectID
		if err := writeTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return requireAffected(res, "task", id)
}

// --- communications ---

const commColumns = `id, from_agent_id, to_agent_id, type, body, priority, metadata, read,
	project_id, task_id, created_at`

func scanCommunication(row scanner) (*model.Communication, error) {
	var (
		c                       model.Communication
		priority, meta, created string
		read                    int
	)
	err := row.Scan(&c.ID, &c.FromID, &c.ToID, &c.Type, &c.Body, &priority, &meta, &read,
		&c.ProjectID, &c.TaskID, &created)
	if err != nil {
		return nil, err
	}
	c.Priority = model.Priority(priority)
	c.Read = read != 0
	if c.Metadata, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &c, nil
}

// AppendCommunication inserts a new row. Existing rows are never updated.
func (s *SQLite) AppendCommunication(ctx context.Context, c *model.Communication) error {
	meta, err := encodeJSON(c.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	read := 0
	if c.Read {
		read = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO communications (`+commColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FromID, c.ToID, c.Type, c.Body, string(c.Priority), meta, read,
		c.ProjectID, c.TaskID, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert communication %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLite) GetCommunication(ctx context.Context, id string) (*model.Communication, error) {
	c, err := scanCommunication(s.db.QueryRowContext(ctx,
		`SELECT `+commColumns+` FROM communications WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("communication", id, err)
	}
	return c, nil
}

// ListCommunications returns the newest limit messages, newest first.
func (s *SQLite) ListCommunications(ctx context.Context, limit int) ([]model.Communication, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commColumns+` FROM communications ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list communications: %w", err)
	}
	defer rows.Close()
	out := []model.Communication{}
	for rows.Next() {
		c, err := scanCommunication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan communication: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
