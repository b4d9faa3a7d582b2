package protocol

import (
	"errors"
	"fmt"

	"github.com/adred-codev/agentsync/internal/model"
)

// Inbound is one of the client-issued envelopes below. The set is closed:
// only this package can add variants.
type Inbound interface {
	Type() Type
	validate() error
}

// Register binds the connection to an agent identity. An empty ID asks the
// server to mint one.
type Register struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	AgentType    string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (*Register) Type() Type { return TypeRegister }

func (r *Register) validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// StatusUpdate changes the bound agent's status. A nil CurrentTask leaves the
// current task untouched; an empty one clears it.
type StatusUpdate struct {
	Status      model.AgentStatus `json:"status"`
	CurrentTask *string           `json:"currentTask,omitempty"`
}

func (*StatusUpdate) Type() Type { return TypeStatusUpdate }

func (s *StatusUpdate) validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	return nil
}

type TaskUpdate struct {
	TaskID   string           `json:"taskId"`
	Status   model.TaskStatus `json:"status"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

func (*TaskUpdate) Type() Type { return TypeTaskUpdate }

func (t *TaskUpdate) validate() error {
	if t.TaskID == "" {
		return errors.New("taskId is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	return nil
}

// ProjectUpdate changes any subset of status, progress and metadata.
type ProjectUpdate struct {
	ProjectID string               `json:"projectId"`
	Status    *model.ProjectStatus `json:"status,omitempty"`
	Progress  *int                 `json:"progress,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
}

func (*ProjectUpdate) Type() Type { return TypeProjectUpdate }

func (p *ProjectUpdate) validate() error {
	if p.ProjectID == "" {
		return errors.New("projectId is required")
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", *p.Status)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("progress %d out of range 0-100", *p.Progress)
	}
	return nil
}

// AgentMessage posts a communication. An empty ToID broadcasts.
type AgentMessage struct {
	ToID        string         `json:"toId,omitempty"`
	MessageType string         `json:"type"`
	Body        string         `json:"body"`
	Priority    model.Priority `json:"priority,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
	TaskID      string         `json:"taskId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (*AgentMessage) Type() Type { return TypeAgentMessage }

func (m *AgentMessage) validate() error {
	if m.Body == "" {
		return errors.New("body is required")
	}
	switch m.Priority {
	case "", model.PriorityLow, model.PriorityNormal, model.PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", m.Priority)
	}
	return nil
}

type RequestUserInput struct {
	Context   string `json:"context"`
	Question  string `json:"question"`
	ProjectID string `json:"projectId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

func (*RequestUserInput) Type() Type { return TypeRequestUserInput }

func (r *RequestUserInput) validate() error {
	if r.Question == "" {
		return errors.New("question is required")
	}
	return nil
}

type Subscribe struct {
	Channels []string `json:"channels"`
}

func (*Subscribe) Type() Type { return TypeSubscribe }

func (s *Subscribe) validate() error {
	for _, c := range s.Channels {
		if c == "" {
			return errors.New("empty channel name")
		}
	}
	return nil
}

type Ping struct{}

func (*Ping) Type() Type { return TypePing }

func (*Ping) validate() error { return nil }

// IdentityScoped reports whether in may only be issued by a bound connection.
func IdentityScoped(in Inbound) bool {
	switch in.(type) {
	case *StatusUpdate, *TaskUpdate, *ProjectUpdate, *RequestUserInput:
		return true
	}
	return false
}
