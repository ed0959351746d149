// Package logging provides structured JSON logging with trace IDs threaded
// through context, used by every pipeline stage.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the engine
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
}

// Level represents a logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel parses a level name, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID returns a context carrying the given trace ID, minting one
// when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from a context, if any
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// jsonLogger writes one JSON object per line to stdout
type jsonLogger struct {
	level     Level
	component string
}

// New creates a logger at the given level
func New(level Level) Logger {
	return &jsonLogger{level: level}
}

// WithComponent returns a copy of the logger tagged with a component name
func (l *jsonLogger) WithComponent(component string) Logger {
	return &jsonLogger{level: l.level, component: component}
}

func (l *jsonLogger) Debug(msg string, fields ...interface{}) {
	l.log(LevelDebug, "", msg, fields)
}

func (l *jsonLogger) Info(msg string, fields ...interface{}) {
	l.log(LevelInfo, "", msg, fields)
}

func (l *jsonLogger) Warn(msg string, fields ...interface{}) {
	l.log(LevelWarn, "", msg, fields)
}

func (l *jsonLogger) Error(msg string, fields ...interface{}) {
	l.log(LevelError, "", msg, fields)
}

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelDebug, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelInfo, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelWarn, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(LevelError, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) log(level Level, traceID, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	// Fields arrive as alternating key/value pairs
	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelName(level),
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
	}
	if len(fieldMap) > 0 {
		e.Fields = fieldMap
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func levelName(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// NopLogger discards all output; used in tests
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}

func (NopLogger) Info(string, ...interface{}) {}

func (NopLogger) Warn(string, ...interface{}) {}

func (NopLogger) Error(string, ...interface{}) {}

func (NopLogger) DebugContext(context.Context, string, ...interface{}) {}

func (NopLogger) InfoContext(context.Context, string, ...interface{}) {}

func (NopLogger) WarnContext(context.Context, string, ...interface{}) {}

func (NopLogger) ErrorContext(context.Context, string, ...interface{}) {}

func (n NopLogger) WithComponent(string) Logger { return n }
