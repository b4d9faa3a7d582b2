// Package model holds the persistent rows mirrored to dashboard and agent clients.
package model

import "time"

// AgentStatus is the lifecycle status of an agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentIdle, AgentBusy, AgentOffline, AgentError:
		return true
	}
	return false
}

// Performance holds the cumulative counters of an agent.
// SuccessRate is a percentage in [0, 100].
type Performance struct {
	TasksCompleted int     `json:"tasksCompleted"`
	ErrorCount     int     `json:"errorCount"`
	SuccessRate    float64 `json:"successRate"`
}

// Record folds one terminal task outcome into the counters.
func (p *Performance) Record(success bool) {
	n := float64(p.TasksCompleted + p.ErrorCount)
	outcome := 0.0
	if success {
		outcome = 100
	}
	p.SuccessRate = (p.SuccessRate*n + outcome) / (n + 1)
	if success {
		p.TasksCompleted++
	} else {
		p.ErrorCount++
	}
}

type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"currentTask,omitempty"`
	LastActivity  time.Time   `json:"lastActivity"`
	Performance   Performance `json:"performance"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectOnHold    ProjectStatus = "on-hold"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectPlanning, ProjectActive, ProjectOnHold, ProjectCompleted, ProjectCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectCancelled
}

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	Priority    int           `json:"priority"`
	Progress    int           `json:"progress"`
	// ProgressOverride is set once a direct update supplied Progress; from then on
	// task completion no longer recomputes it.
	ProgressOverride bool           `json:"progressOverride"`
	AgentIDs         []string       `json:"assignedAgents"`
	TaskIDs          []string       `json:"tasks"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type Task struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"projectId"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Status          TaskStatus     `json:"status"`
	Priority        int            `json:"priority"`
	AssignedAgentID string         `json:"assignedAgent,omitempty"`
	Dependencies    []string       `json:"dependencies"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Priority of a communication.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Communication is an append-only message between agents, the user and the system.
// An empty FromID or ToID marks a system or broadcast message.
type Communication struct {
	ID        string         `json:"id"`
	FromID    string         `json:"fromAgent,omitempty"`
	ToID      string         `json:"toAgent,omitempty"`
	Type      string         `json:"type"`
	Body      string         `json:"content"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	ProjectID string         `json:"projectId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Progress returns the completed/total percentage of tasks, rounded down.
// A project without tasks has zero progress.
func Progress(tasks []Task) int {
	if len(tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	return done * 100 / len(tasks)
}
