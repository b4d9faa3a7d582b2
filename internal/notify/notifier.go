// Package notify delivers human-readable alerts to an external channel and
// keeps a bounded local log of the ones that could not be delivered.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/agentsync/internal/types"
)

// Notification is one alert.
type Notification struct {
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Severity types.Severity `json:"severity"`
	At       time.Time      `json:"timestamp"`
}

// Notifier delivers a notification or returns why it could not.
// Implementations must honor ctx cancellation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ErrNoChannel is returned by Disabled.
var ErrNoChannel = errors.New("no external notification channel configured")

// Disabled is the notifier used when no channel is configured. Every
// notification goes straight to the fallback log.
type Disabled struct{}

func (Disabled) Notify(context.Context, Notification) error { return ErrNoChannel }

// Recorder keeps notifications in memory. Set Fail to make every call fail.
type Recorder struct {
	mu   sync.Mutex
	Fail error
	got  []Notification
}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.got = append(r.got, n)
	return nil
}

// Notifications returns a copy of what was delivered.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}
