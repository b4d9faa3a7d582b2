package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/agentsync/internal/types"
	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
	Output io.Writer       // Defaults to os.Stdout
}

// NewLogger creates the process logger.
//
// JSON output carries a timestamp, the caller and a fixed service field so
// every line can be filtered per component:
//
//	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
//	logger.Info().Str("component", "router").Int("connections", 3).Msg("Router ready")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	case types.LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "agentsync").
		Logger()
}

// LogError logs err with additional context fields.
//
//	LogError(logger, err, "Failed to persist task", map[string]any{
//	    "task_id": id,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every long-lived goroutine. It logs a
// recovered panic with its stack trace and lets the process keep running.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
		PanicsRecovered.WithLabelValues(goroutineName).Inc()
	}
}
