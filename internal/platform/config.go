package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/agentsync/internal/limits"
	"github.com/adred-codev/agentsync/internal/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Transport
	Addr            string        `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections  int           `env:"WS_MAX_CONNECTIONS" envDefault:"1000"`
	SendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	MaxMessageBytes int64         `env:"WS_MAX_MESSAGE_BYTES" envDefault:"65536"`
	PingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"27s"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	ShutdownGrace   time.Duration `env:"WS_SHUTDOWN_GRACE" envDefault:"10s"`

	// Persistence
	StoreDriver  string        `env:"STORE_DRIVER" envDefault:"sqlite"` // sqlite | memory
	StorePath    string        `env:"STORE_PATH" envDefault:"agentsync.db"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	// Envelope rate limits
	GeneralPoints    int           `env:"RATE_GENERAL_POINTS" envDefault:"100"`
	GeneralDuration  time.Duration `env:"RATE_GENERAL_DURATION" envDefault:"60s"`
	GeneralBlock     time.Duration `env:"RATE_GENERAL_BLOCK" envDefault:"60s"`
	RegisterPoints   int           `env:"RATE_REGISTER_POINTS" envDefault:"10"`
	RegisterDuration time.Duration `env:"RATE_REGISTER_DURATION" envDefault:"60s"`
	RegisterBlock    time.Duration `env:"RATE_REGISTER_BLOCK" envDefault:"300s"`
	MessagePoints    int           `env:"RATE_MESSAGE_POINTS" envDefault:"30"`
	MessageDuration  time.Duration `env:"RATE_MESSAGE_DURATION" envDefault:"60s"`
	MessageBlock     time.Duration `env:"RATE_MESSAGE_BLOCK" envDefault:"60s"`

	// Upgrade admission
	ConnIPBurst     int           `env:"CONN_IP_BURST" envDefault:"20"`
	ConnIPRate      float64       `env:"CONN_IP_RATE" envDefault:"2"`
	ConnIPTTL       time.Duration `env:"CONN_IP_TTL" envDefault:"5m"`
	ConnGlobalBurst int           `env:"CONN_GLOBAL_BURST" envDefault:"300"`
	ConnGlobalRate  float64       `env:"CONN_GLOBAL_RATE" envDefault:"50"`

	// Reaper
	ReapInterval  time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`
	ReapThreshold time.Duration `env:"REAPER_THRESHOLD" envDefault:"5m"`
	LimiterIdle   time.Duration `env:"LIMITER_IDLE" envDefault:"10m"`

	// Notifications
	NotifyDriver       string        `env:"NOTIFY_DRIVER" envDefault:"none"` // command | webhook | none
	NotifyCommand      string        `env:"NOTIFY_COMMAND"`
	NotifyArgs         []string      `env:"NOTIFY_ARGS" envSeparator:" "`
	NotifyWebhookURL   string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyTimeout      time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyMinSeverity  string        `env:"NOTIFY_MIN_SEVERITY" envDefault:"notify"`
	NotifyQueueSize    int           `env:"NOTIFY_QUEUE_SIZE" envDefault:"256"`
	FallbackLogPath    string        `env:"NOTIFY_FALLBACK_PATH" envDefault:"notifications-fallback.json"`
	FallbackLogEntries int           `env:"NOTIFY_FALLBACK_MAX" envDefault:"50"`

	// Event mirror
	MirrorDriver string   `env:"MIRROR_DRIVER" envDefault:"none"` // none | nats | kafka
	MirrorPrefix string   `env:"MIRROR_SUBJECT_PREFIX" envDefault:"agentsync"`
	NATSURL      string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"agentsync.events"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  types.LogLevel  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment. Priority: ENV vars > .env file > defaults.
//
// logger may be nil, in which case notices go to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("WS_PONG_WAIT (%s) must be greater than WS_PING_INTERVAL (%s)", c.PongWait, c.PingInterval)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0, got %s", c.StoreTimeout)
	}
	if c.ReapInterval <= 0 || c.ReapThreshold <= 0 {
		return fmt.Errorf("REAPER_INTERVAL and REAPER_THRESHOLD must be > 0")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be > 0, got %s", c.NotifyTimeout)
	}
	if c.FallbackLogEntries < 1 {
		return fmt.Errorf("NOTIFY_FALLBACK_MAX must be > 0, got %d", c.FallbackLogEntries)
	}
	if c.NotifyQueueSize < 1 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be > 0, got %d", c.NotifyQueueSize)
	}
	for _, p := range []struct {
		name   string
		points int
		dur    time.Duration
		block  time.Duration
	}{
		{"RATE_GENERAL", c.GeneralPoints, c.GeneralDuration, c.GeneralBlock},
		{"RATE_REGISTER", c.RegisterPoints, c.RegisterDuration, c.RegisterBlock},
		{"RATE_MESSAGE", c.MessagePoints, c.MessageDuration, c.MessageBlock},
	} {
		if p.points < 0 || p.dur < 0 || p.block < 0 {
			return fmt.Errorf("%s_* values must be >= 0", p.name)
		}
	}

	// Enum checks
	switch c.StoreDriver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: sqlite, memory (got: %s)", c.StoreDriver)
	}
	switch c.NotifyDriver {
	case "command":
		if c.NotifyCommand == "" {
			return fmt.Errorf("NOTIFY_COMMAND is required when NOTIFY_DRIVER=command")
		}
	case "webhook":
		if c.NotifyWebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_DRIVER=webhook")
		}
	case "none":
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be one of: command, webhook, none (got: %s)", c.NotifyDriver)
	}
	if !types.Severity(c.NotifyMinSeverity).Valid() {
		return fmt.Errorf("NOTIFY_MIN_SEVERITY must be one of: info, notify, high (got: %s)", c.NotifyMinSeverity)
	}
	switch c.MirrorDriver {
	case "none", "nats":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when MIRROR_DRIVER=kafka")
		}
	default:
		return fmt.Errorf("MIRROR_DRIVER must be one of: none, nats, kafka (got: %s)", c.MirrorDriver)
	}

	validLogLevels := map[types.LogLevel]bool{
		types.LogLevelDebug: true, types.LogLevelInfo: true, types.LogLevelWarn: true, types.LogLevelError: true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	if c.LogFormat != types.LogFormatJSON && c.LogFormat != types.LogFormatPretty {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LimitSet returns the envelope limiter policies.
func (c *Config) LimitSet() limits.SetConfig {
	return limits.SetConfig{
		General:  limits.Policy{Points: c.GeneralPoints, Duration: c.GeneralDuration, BlockDuration: c.GeneralBlock},
		Register: limits.Policy{Points: c.RegisterPoints, Duration: c.RegisterDuration, BlockDuration: c.RegisterBlock},
		Message:  limits.Policy{Points: c.MessagePoints, Duration: c.MessageDuration, BlockDuration: c.MessageBlock},
	}
}

// ConnectionLimits returns the upgrade admission config.
func (c *Config) ConnectionLimits(logger zerolog.Logger) limits.ConnectionRateLimiterConfig {
	return limits.ConnectionRateLimiterConfig{
		IPBurst:     c.ConnIPBurst,
		IPRate:      c.ConnIPRate,
		IPTTL:       c.ConnIPTTL,
		GlobalBurst: c.ConnGlobalBurst,
		GlobalRate:  c.ConnGlobalRate,
		Logger:      logger,
	}
}

// Print writes the configuration in a human-readable form (debug mode).
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Printf("Ping/Pong:       %s / %s\n", c.PingInterval, c.PongWait)
	fmt.Println("\n=== Store ===")
	fmt.Printf("Driver:          %s\n", c.StoreDriver)
	fmt.Printf("Path:            %s\n", c.StorePath)
	fmt.Printf("Timeout:         %s\n", c.StoreTimeout)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("General:         %d / %s (block %s)\n", c.GeneralPoints, c.GeneralDuration, c.GeneralBlock)
	fmt.Printf("Register:        %d / %s (block %s)\n", c.RegisterPoints, c.RegisterDuration, c.RegisterBlock)
	fmt.Printf("Message:         %d / %s (block %s)\n", c.MessagePoints, c.MessageDuration, c.MessageBlock)
	fmt.Printf("Upgrades/IP:     burst %d, %.1f/sec\n", c.ConnIPBurst, c.ConnIPRate)
	fmt.Printf("Upgrades/global: burst %d, %.1f/sec\n", c.ConnGlobalBurst, c.ConnGlobalRate)
	fmt.Println("\n=== Reaper ===")
	fmt.Printf("Interval:        %s\n", c.ReapInterval)
	fmt.Printf("Threshold:       %s\n", c.ReapThreshold)
	fmt.Println("\n=== Notifications ===")
	fmt.Printf("Driver:          %s\n", c.NotifyDriver)
	fmt.Printf("Min Severity:    %s\n", c.NotifyMinSeverity)
	fmt.Printf("Fallback Log:    %s (max %d)\n", c.FallbackLogPath, c.FallbackLogEntries)
	fmt.Println("\n=== Mirror ===")
	fmt.Printf("Driver:          %s\n", c.MirrorDriver)
	fmt.Printf("Prefix:          %s\n", c.MirrorPrefix)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs the configuration as one structured line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("ping_interval", c.PingInterval).
		Dur("pong_wait", c.PongWait).
		Str("store_driver", c.StoreDriver).
		Str("store_path", c.StorePath).
		Dur("store_timeout", c.StoreTimeout).
		Str("rate_general", fmt.Sprintf("%d/%s", c.GeneralPoints, c.GeneralDuration)).
		Str("rate_register", fmt.Sprintf("%d/%s", c.RegisterPoints, c.RegisterDuration)).
		Str("rate_message", fmt.Sprintf("%d/%s", c.MessagePoints, c.MessageDuration)).
		Dur("reap_interval", c.ReapInterval).
		Dur("reap_threshold", c.ReapThreshold).
		Str("notify_driver", c.NotifyDriver).
		Str("notify_min_severity", c.NotifyMinSeverity).
		Str("fallback_log", c.FallbackLogPath).
		Str("mirror_driver", c.MirrorDriver).
		Str("kafka_brokers", strings.Join(c.KafkaBrokers, ",")).
		Str("log_level", string(c.LogLevel)).
		Str("log_format", string(c.LogFormat)).
		Msg("Server configuration loaded")
}
