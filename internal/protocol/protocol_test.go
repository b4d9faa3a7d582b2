package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adred-codev/agentsync/internal/model"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want Type
	}{
		{`{"type":"register","data":{"name":"bot","type":"worker","capabilities":["backend"]}}`, TypeRegister},
		{`{"type":"status-update","data":{"status":"busy","currentTask":"t1"}}`, TypeStatusUpdate},
		{`{"type":"task-update","data":{"taskId":"t1","status":"completed"}}`, TypeTaskUpdate},
		{`{"type":"project-update","data":{"projectId":"p1","progress":40}}`, TypeProjectUpdate},
		{`{"type":"agent-message","data":{"type":"note","body":"hi"}}`, TypeAgentMessage},
		{`{"type":"request-user-input","data":{"context":"deploy","question":"ship?"}}`, TypeRequestUserInput},
		{`{"type":"subscribe","data":{"channels":["tasks"]}}`, TypeSubscribe},
		{`{"type":"ping"}`, TypePing},
	}
	for _, tt := range tests {
		in, err := Decode([]byte(tt.raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.raw, err)
		}
		if in.Type() != tt.want {
			t.Errorf("Decode(%s).Type() = %s, want %s", tt.raw, in.Type(), tt.want)
		}
	}
}

func TestDecodeFields(t *testing.T) {
	in, err := Decode([]byte(`{"type":"register","data":{"id":"A","name":"bot","type":"worker","capabilities":["backend"]}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reg := in.(*Register)
	if reg.ID != "A" || reg.AgentType != "worker" || len(reg.Capabilities) != 1 {
		t.Errorf("Register = %+v", reg)
	}

	in, err = Decode([]byte(`{"type":"status-update","data":{"status":"idle","currentTask":""}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	su := in.(*StatusUpdate)
	if su.CurrentTask == nil || *su.CurrentTask != "" {
		t.Errorf("CurrentTask = %v, want pointer to empty string", su.CurrentTask)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{nope`, ErrInvalidEnvelope},
		{"missing type", `{"data":{}}`, ErrInvalidEnvelope},
		{"unknown type", `{"type":"teleport"}`, ErrInvalidEnvelope},
		{"wrong field type", `{"type":"task-update","data":{"taskId":5,"status":"completed"}}`, ErrInvalidPayload},
		{"bad task status", `{"type":"task-update","data":{"taskId":"t1","status":"done"}}`, ErrInvalidPayload},
		{"missing name", `{"type":"register","data":{}}`, ErrInvalidPayload},
		{"progress range", `{"type":"project-update","data":{"projectId":"p1","progress":101}}`, ErrInvalidPayload},
		{"bad project status", `{"type":"project-update","data":{"projectId":"p1","status":"archived"}}`, ErrInvalidPayload},
		{"empty body", `{"type":"agent-message","data":{"type":"note"}}`, ErrInvalidPayload},
		{"no question", `{"type":"request-user-input","data":{"context":"x"}}`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIdentityScoped(t *testing.T) {
	scoped := []Inbound{&StatusUpdate{}, &TaskUpdate{}, &ProjectUpdate{}, &RequestUserInput{}}
	open := []Inbound{&Register{}, &AgentMessage{}, &Subscribe{}, &Ping{}}
	for _, in := range scoped {
		if !IdentityScoped(in) {
			t.Errorf("%s should require an identity", in.Type())
		}
	}
	for _, in := range open {
		if IdentityScoped(in) {
			t.Errorf("%s should not require an identity", in.Type())
		}
	}
}

func TestEncodeEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := Encode(TaskChanged{ChangeType: ChangeUpdated, Task: model.Task{ID: "t1", Status: model.TaskCompleted}}, now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		Data      struct {
			ChangeType string `json:"changeType"`
			Task       struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"task"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "task-update" || got.Timestamp != now.UnixMilli() {
		t.Errorf("envelope = %+v", got)
	}
	if got.Data.ChangeType != "updated" || got.Data.Task.ID != "t1" || got.Data.Task.Status != "completed" {
		t.Errorf("data = %+v", got.Data)
	}
}

func TestMarshalDecodes(t *testing.T) {
	raw, err := Marshal(&AgentMessage{ToID: "B", MessageType: "note", Body: "hello"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	in, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m := in.(*AgentMessage); m.ToID != "B" || m.Body != "hello" {
		t.Errorf("AgentMessage = %+v", m)
	}
}
