package main

import (
	"context"
	"fmt"

	"github.com/adred-codev/agentsync/internal/bus"
	"github.com/adred-codev/agentsync/internal/notify"
	"github.com/adred-codev/agentsync/internal/platform"
	"github.com/adred-codev/agentsync/internal/store"
	"github.com/rs/zerolog"
)

// Driver names accepted by STORE_DRIVER, NOTIFY_DRIVER and MIRROR_DRIVER.
const (
	driverSQLite  = "sqlite"
	driverMemory  = "memory"
	driverNone    = "none"
	driverCommand = "command"
	driverWebhook = "webhook"
	driverNATS    = "nats"
	driverKafka   = "kafka"
)

func openStore(ctx context.Context, cfg *platform.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case driverMemory:
		return store.NewMemory(), nil
	case driverSQLite:
		return store.OpenSQLite(ctx, cfg.StorePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newNotifier returns nil for "none"; the bridge then writes every
// notification to the fallback log.
func newNotifier(cfg *platform.Config) (notify.Notifier, error) {
	switch cfg.NotifyDriver {
	case driverNone:
		return nil, nil
	case driverCommand:
		return notify.NewCommand(cfg.NotifyCommand, cfg.NotifyArgs...), nil
	case driverWebhook:
		return notify.NewWebhook(cfg.NotifyWebhookURL, "agentsync"), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
	}
}

func newMirror(cfg *platform.Config, logger zerolog.Logger) (*bus.Mirror, error) {
	var pub bus.Publisher
	switch cfg.MirrorDriver {
	case driverNone:
	case driverNATS:
		n, err := bus.NewNATS(bus.NATSConfig{URL: cfg.NATSURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		pub = n
	case driverKafka:
		k, err := bus.NewKafka(bus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Logger: logger})
		if err != nil {
			return nil, err
		}
		pub = k
	default:
		return nil, fmt.Errorf("unknown mirror driver %q", cfg.MirrorDriver)
	}
	return bus.NewMirror(pub, cfg.MirrorPrefix, logger), nil
}
