package infrastructure

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log field names shared by every component.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldChannel   = "channel_id"
	FieldEventID   = "event_id"
	FieldRoomID    = "room_id"
	FieldSessionID = "session_id"
)

type LogConfig struct {
	Level       string
	Pretty      bool
	ServiceName string
}

var (
	globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	logOnce      sync.Once
)

// NewLogger builds a zerolog logger; JSON unless Pretty is set.
func NewLogger(cfg LogConfig) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.ServiceName != "" {
		logger = logger.With().Str(FieldService, cfg.ServiceName).Logger()
	}
	return logger
}

// InitLogger sets the global logger once and routes stdlib log output (whatsmeow, pgx notices) through it.
func InitLogger(cfg LogConfig) {
	logOnce.Do(func() {
		globalLogger = NewLogger(cfg)
		stdlog.SetFlags(0)
		stdlog.SetOutput(globalLogger.With().Str("source", "stdlog").Logger())
	})
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &globalLogger
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return globalLogger.With().Str(FieldComponent, name).Logger()
}

type loggerCtxKey struct{}

func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// LoggerFrom returns the request-scoped logger, or fallback when none is attached.
// Like zerolog.Ctx it hands out a pointer so event methods can be chained on the result.
func LoggerFrom(ctx context.Context, fallback zerolog.Logger) *zerolog.Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(zerolog.Logger); ok {
		return &l
	}
	return &fallback
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
