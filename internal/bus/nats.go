package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL           string
	MaxReconnects int           // default 60
	ReconnectWait time.Duration // default 2s
	PingInterval  time.Duration // default 20s
	MaxPingsOut   int           // default 3
	Logger        zerolog.Logger
}

// NATS publishes core NATS messages.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}

	n := &NATS{logger: cfg.Logger.With().Str("component", "mirror_nats").Logger()}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("agentsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			n.logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.conn = conn
	n.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return n, nil
}

func (n *NATS) Publish(_ context.Context, subject string, data []byte) error {
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes buffered messages and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
