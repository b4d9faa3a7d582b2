package platform

import (
	"strings"
	"testing"
	"time"

	"github.com/adred-codev/agentsync/internal/types"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":3002" || cfg.StoreTimeout != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	set := cfg.LimitSet()
	if set.General.Points != 100 || set.General.Duration != time.Minute {
		t.Errorf("general policy = %+v, want 100/1m", set.General)
	}
	if set.Register.BlockDuration != 5*time.Minute {
		t.Errorf("register block = %v, want 5m", set.Register.BlockDuration)
	}
	if cfg.FallbackLogEntries != 50 || cfg.NotifyTimeout != 10*time.Second {
		t.Errorf("notification defaults = %d, %v", cfg.FallbackLogEntries, cfg.NotifyTimeout)
	}
	if cfg.PingInterval != 27*time.Second || cfg.ReapThreshold != 5*time.Minute {
		t.Errorf("timing defaults = %v, %v", cfg.PingInterval, cfg.ReapThreshold)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RATE_GENERAL_POINTS", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NOTIFY_DRIVER", "command")
	t.Setenv("NOTIFY_COMMAND", "notify-send")
	t.Setenv("NOTIFY_ARGS", "--app agentsync")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GeneralPoints != 5 {
		t.Errorf("GeneralPoints = %d, want 5", cfg.GeneralPoints)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.NotifyArgs) != 2 || cfg.NotifyArgs[0] != "--app" {
		t.Errorf("NotifyArgs = %v", cfg.NotifyArgs)
	}
	if cfg.LogFormat != types.LogFormatPretty {
		t.Errorf("LogFormat = %s", cfg.LogFormat)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"pong before ping", func(c *Config) { c.PongWait = c.PingInterval }, "WS_PONG_WAIT"},
		{"store driver", func(c *Config) { c.StoreDriver = "postgres" }, "STORE_DRIVER"},
		{"command without binary", func(c *Config) { c.NotifyDriver = "command" }, "NOTIFY_COMMAND"},
		{"webhook without url", func(c *Config) { c.NotifyDriver = "webhook" }, "NOTIFY_WEBHOOK_URL"},
		{"severity", func(c *Config) { c.NotifyMinSeverity = "loud" }, "NOTIFY_MIN_SEVERITY"},
		{"mirror", func(c *Config) { c.MirrorDriver = "redis" }, "MIRROR_DRIVER"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"negative points", func(c *Config) { c.MessagePoints = -1 }, "RATE_MESSAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(nil)
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
