package notify

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/adred-codev/agentsync/internal/types"
	"github.com/rs/zerolog"
)

var errNotifierPanic = errors.New("notifier panicked")

// Outcome of a Bridge call. Callers treat both as handled.
type Outcome string

const (
	Delivered Outcome = "delivered"
	FellBack  Outcome = "fell_back"
)

// Bridge tries the external notifier once with a bounded timeout and falls
// back to the local log on any failure. It never returns an error.
type Bridge struct {
	notifier Notifier
	fallback *FallbackLog
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type BridgeConfig struct {
	Notifier Notifier
	Fallback *FallbackLog
	Timeout  time.Duration // default 10s
	Logger   zerolog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = Disabled{}
	}
	return &Bridge{
		notifier: cfg.Notifier,
		fallback: cfg.Fallback,
		timeout:  cfg.Timeout,
		now:      time.Now,
		logger:   cfg.Logger.With().Str("component", "notify_bridge").Logger(),
	}
}

// Notify delivers (title, body, severity).
func (b *Bridge) Notify(ctx context.Context, title, body string, severity types.Severity) Outcome {
	return b.Deliver(ctx, Notification{Title: title, Body: body, Severity: severity, At: b.now()})
}

// Deliver is Notify for a prepared notification.
func (b *Bridge) Deliver(ctx context.Context, n Notification) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic_value", r).Str("title", n.Title).Msg("Notifier panicked")
			outcome = b.FallBack(n, errNotifierPanic)
		}
	}()

	if n.At.IsZero() {
		n.At = b.now()
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.notifier.Notify(ctx, n); err != nil {
		return b.FallBack(n, err)
	}
	monitoring.NotificationsTotal.WithLabelValues(string(Delivered)).Inc()
	b.logger.Debug().Str("title", n.Title).Str("severity", string(n.Severity)).Msg("Notification delivered")
	return Delivered
}

// FallBack records n in the local log without trying the notifier.
func (b *Bridge) FallBack(n Notification, cause error) Outcome {
	monitoring.NotificationsTotal.WithLabelValues(string(FellBack)).Inc()
	b.logger.Warn().
		Err(cause).
		Str("title", n.Title).
		Str("severity", string(n.Severity)).
		Msg("Notification delivery failed, writing to fallback log")

	if b.fallback == nil {
		return FellBack
	}
	err := b.fallback.Append(FallbackEntry{Notification: n, Error: cause.Error()})
	switch {
	case errors.Is(err, ErrCorruptLog):
		b.logger.Warn().
			Err(err).
			Str("path", b.fallback.Path()).
			Str("moved_to", b.fallback.Path()+".corrupt").
			Msg("Fallback log was corrupt, started a new one")
	case err != nil:
		b.logger.Error().Err(err).Str("path", b.fallback.Path()).Msg("Fallback log append failed")
	}
	return FellBack
}
