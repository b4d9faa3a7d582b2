// Package bus mirrors accepted fan-out envelopes to an external broker so
// other systems can follow the dashboard stream. It is write-only: nothing is
// consumed back into the server.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/adred-codev/agentsync/internal/monitoring"
	"github.com/rs/zerolog"
)

// Publisher sends one message to subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Noop discards everything. Used when MIRROR_DRIVER=none.
type Noop struct{}

func (Noop) Publish(context.Context, string, []byte) error { return nil }
func (Noop) Close() error                                  { return nil }

// Mirror prefixes subjects and absorbs publish failures.
type Mirror struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

func NewMirror(pub Publisher, prefix string, logger zerolog.Logger) *Mirror {
	if pub == nil {
		pub = Noop{}
	}
	return &Mirror{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With().Str("component", "mirror").Logger(),
	}
}

// Subject returns the subject used for an envelope type.
func (m *Mirror) Subject(envelopeType string) string {
	if m.prefix == "" {
		return envelopeType
	}
	return m.prefix + "." + envelopeType
}

// Publish mirrors one encoded envelope. Failures are logged and counted only.
func (m *Mirror) Publish(ctx context.Context, envelopeType string, data []byte) {
	if _, ok := m.pub.(Noop); ok {
		return
	}
	subject := m.Subject(envelopeType)
	if err := m.pub.Publish(ctx, subject, data); err != nil {
		monitoring.MirrorPublished.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("subject", subject).Msg("Mirror publish failed")
		return
	}
	monitoring.MirrorPublished.WithLabelValues("ok").Inc()
}

func (m *Mirror) Close() error {
	if err := m.pub.Close(); err != nil {
		return fmt.Errorf("close mirror: %w", err)
	}
	return nil
}
