package types

import "time"

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log shipping
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Severity ranks notifications. Ordered: info < notify < high.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityNotify Severity = "notify"
	SeverityHigh   Severity = "high"
)

// Rank returns the ordering position of s; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityNotify:
		return 1
	case SeverityHigh:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityNotify, SeverityHigh:
		return true
	}
	return false
}

// Health is the body of GET /health.
type Health struct {
	Status      string    `json:"status"`
	Uptime      string    `json:"uptime"`
	Connections int       `json:"connections"`
	Identities  int       `json:"identities"`
	Store       string    `json:"store"`
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryMB    float64   `json:"memoryMB"`
	Goroutines  int       `json:"goroutines"`
	Timestamp   time.Time `json:"timestamp"`
}
