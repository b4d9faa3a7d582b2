// Package protocol defines the envelopes exchanged with clients.
//
// Wire format, both directions:
//
//	{"type": "task-update", "data": {...}}
//
// Outbound envelopes also carry "timestamp" (unix millis). Inbound payloads
// decode into a closed set of variants; anything else fails at Decode.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the envelope type tag.
type Type string

// Inbound types.
const (
	TypeRegister         Type = "register"
	TypeStatusUpdate     Type = "status-update"
	TypeTaskUpdate       Type = "task-update"
	TypeProjectUpdate    Type = "project-update"
	TypeAgentMessage     Type = "agent-message"
	TypeRequestUserInput Type = "request-user-input"
	TypeSubscribe        Type = "subscribe"
	TypePing             Type = "ping"
)

// Outbound-only types. task-update, project-update and agent-message are
// shared with the inbound set.
const (
	TypeInitialSnapshot  Type = "initial-snapshot"
	TypeAgentUpdate      Type = "agent-update"
	TypeUserInputRequest Type = "user-input-request"
	TypeRateLimited      Type = "rate-limited"
	TypeError            Type = "error"
	TypeSubscribed       Type = "subscribed"
	TypePong             Type = "pong"
)

var (
	// ErrInvalidEnvelope is returned for frames that are not a known envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidPayload is returned when a known envelope has a bad payload.
	ErrInvalidPayload = errors.New("invalid payload")
)

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundEnvelope struct {
	Type      Type  `json:"type"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Decode parses one inbound frame. Errors wrap ErrInvalidEnvelope or
// ErrInvalidPayload.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	var in Inbound
	switch env.Type {
	case TypeRegister:
		in = &Register{}
	case TypeStatusUpdate:
		in = &StatusUpdate{}
	case TypeTaskUpdate:
		in = &TaskUpdate{}
	case TypeProjectUpdate:
		in = &ProjectUpdate{}
	case TypeAgentMessage:
		in = &AgentMessage{}
	case TypeRequestUserInput:
		in = &RequestUserInput{}
	case TypeSubscribe:
		in = &Subscribe{}
	case TypePing:
		in = &Ping{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, in); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return in, nil
}

// Encode renders an outbound envelope stamped with now.
func Encode(out Outbound, now time.Time) ([]byte, error) {
	data, err := json.Marshal(outboundEnvelope{Type: out.Type(), Data: out, Timestamp: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", out.Type(), err)
	}
	return data, nil
}

// Marshal renders an inbound envelope. Clients and tests use it.
func Marshal(in Inbound) ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: in.Type(), Data: data})
}
