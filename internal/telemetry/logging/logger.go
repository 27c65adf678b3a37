// Package logging provides the structured, leveled, component-scoped logger
// used throughout taskpool instead of the standard library's log package.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a hierarchical severity; setting a logger's level filters out any
// message below it.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts the canonical level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Format selects the on-wire representation of a log entry.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// entry is one structured log record.
type entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	Component string
}

func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: os.Stdout,
	}
}

// Logger is a thread-safe, leveled, component-scoped logger satisfying
// engine.Logger, breaker/api consumers, and anything else in taskpool that
// wants structured output instead of fmt.Println.
type Logger struct {
	mu        sync.RWMutex
	level     Level
	format    Format
	output    io.Writer
	component string
}

func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{level: cfg.Level, format: cfg.Format, output: cfg.Output, component: cfg.Component}
}

// WithComponent returns a new Logger tagging every entry with component,
// e.g. "engine", "breaker", "api" — mirrors the teacher's per-subsystem
// logger convention so log aggregation can filter by source.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{level: l.level, format: l.format, output: l.output, component: component}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ErrorLevel, msg, fields) }

// log accepts fields as alternating key, value, key, value, ... pairs, the
// convention used across taskpool's engine/breaker/api packages.
func (l *Logger) log(level Level, message string, kv []interface{}) {
	if !l.enabled(level) {
		return
	}

	l.mu.RLock()
	format, output, component := l.format, l.output, l.component
	l.mu.RUnlock()

	e := entry{Timestamp: time.Now(), Level: level.String(), Component: component, Message: message}
	if len(kv) > 0 {
		e.Fields = make(map[string]interface{}, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", kv[i])
			}
			e.Fields[key] = kv[i+1]
		}
	}

	var line string
	if format == JSONFormat {
		data, err := json.Marshal(e)
		if err != nil {
			line = fmt.Sprintf("%s [%s] %s (log marshal error: %v)\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message, err)
		} else {
			line = string(data) + "\n"
		}
	} else {
		line = formatText(e)
	}
	output.Write([]byte(line))
}

func formatText(e entry) string {
	parts := []string{e.Timestamp.Format("2006-01-02 15:04:05"), fmt.Sprintf("[%s]", e.Level)}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("(%s)", e.Component))
	}
	parts = append(parts, e.Message)
	line := strings.Join(parts, " ")

	if len(e.Fields) > 0 {
		fieldParts := make([]string, 0, len(e.Fields))
		for k, v := range e.Fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		line += " [" + strings.Join(fieldParts, " ") + "]"
	}
	return line + "\n"
}
