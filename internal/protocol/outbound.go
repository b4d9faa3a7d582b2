package protocol

import "github.com/adred-codev/agentsync/internal/model"

// Outbound is a server-issued envelope. Its fields form the "data" object.
type Outbound interface {
	Type() Type
}

// Change types carried by the *-update envelopes.
const (
	ChangeRegistered   = "registered"
	ChangeStatus       = "status"
	ChangeDisconnected = "disconnected"
	ChangePerformance  = "performance"
	ChangeUpdated      = "updated"
	ChangeProgress     = "progress"
)

// InitialSnapshot is sent once to every new connection.
type InitialSnapshot struct {
	Agents   []model.Agent   `json:"agents"`
	Projects []model.Project `json:"projects"`
	Tasks    []model.Task    `json:"tasks"`
}

func (InitialSnapshot) Type() Type { return TypeInitialSnapshot }

type AgentChanged struct {
	ChangeType string      `json:"changeType"`
	Agent      model.Agent `json:"agent"`
}

func (AgentChanged) Type() Type { return TypeAgentUpdate }

type TaskChanged struct {
	ChangeType string     `json:"changeType"`
	Task       model.Task `json:"task"`
}

func (TaskChanged) Type() Type { return TypeTaskUpdate }

type ProjectChanged struct {
	ChangeType string        `json:"changeType"`
	Project    model.Project `json:"project"`
}

func (ProjectChanged) Type() Type { return TypeProjectUpdate }

// MessagePosted carries a new communication. Direct is set on the copy
// delivered straight to the recipient's connection.
type MessagePosted struct {
	Message model.Communication `json:"message"`
	Direct  bool                `json:"direct,omitempty"`
}

func (MessagePosted) Type() Type { return TypeAgentMessage }

type UserInputRequested struct {
	AgentID  string              `json:"agentId"`
	Context  string              `json:"context"`
	Question string              `json:"question"`
	Message  model.Communication `json:"message"`
}

func (UserInputRequested) Type() Type { return TypeUserInputRequest }

type RateLimited struct {
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	Category          string `json:"category"`
}

func (RateLimited) Type() Type { return TypeRateLimited }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) Type() Type { return TypeError }

type Subscribed struct {
	Channels []string `json:"channels"`
}

func (Subscribed) Type() Type { return TypeSubscribed }

type Pong struct {
	TS int64 `json:"ts"`
}

func (Pong) Type() Type { return TypePong }
