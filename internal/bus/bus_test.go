package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	fail     error
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return p.fail
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestMirrorPrefixesSubjects(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMirror(pub, "agentsync.", zerolog.Nop())
	m.Publish(context.Background(), "task-update", []byte(`{}`))
	if len(pub.subjects) != 1 || pub.subjects[0] != "agentsync.task-update" {
		t.Fatalf("subjects = %v", pub.subjects)
	}
	if got := NewMirror(pub, "", zerolog.Nop()).Subject("ping"); got != "ping" {
		t.Errorf("Subject without prefix = %q", got)
	}
	if err := m.Close(); err != nil || !pub.closed {
		t.Errorf("Close = %v, closed = %v", err, pub.closed)
	}
}

func TestMirrorAbsorbsFailures(t *testing.T) {
	pub := &recordingPublisher{fail: errors.New("broker down")}
	m := NewMirror(pub, "x", zerolog.Nop())
	m.Publish(context.Background(), "agent-update", nil)
	if len(pub.subjects) != 1 {
		t.Fatalf("publish not attempted")
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	m := NewMirror(nil, "x", zerolog.Nop())
	m.Publish(context.Background(), "agent-update", nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewNATSUnreachable(t *testing.T) {
	if _, err := NewNATS(NATSConfig{URL: "nats://127.0.0.1:1", Logger: zerolog.Nop()}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestKafkaPublishDoesNotBlockWhenBufferIsFull(t *testing.T) {
	k, err := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "agentsync", MaxBuffered: 1, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewKafka: %v", err)
	}
	t.Cleanup(k.client.Close)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := k.Publish(context.Background(), "agent-update", []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish blocked for %v with an unreachable broker", elapsed)
	}
}
