package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/kanbanlab/boardsync/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured leveled logging. Derived loggers share the
// output writer; fields accumulate through WithField chains.
type Logger struct {
	mu     *sync.Mutex
	level  LogLevel
	format string
	output io.Writer
	fields map[string]any
}

// NewLogger creates a logger from config.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	var output io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	return &Logger{
		mu:     &sync.Mutex{},
		level:  parseLevel(cfg.Level),
		format: cfg.Format,
		output: output,
		fields: make(map[string]any),
	}, nil
}

// NewTestLogger creates a logger writing to the given writer, for tests.
func NewTestLogger(level LogLevel, output io.Writer) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		format: "text",
		output: output,
		fields: make(map[string]any),
	}
}

// WithField returns a logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		mu:     l.mu,
		level:  l.level,
		format: l.format,
		output: l.output,
		fields: newFields,
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.log(DebugLevel, msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.log(InfoLevel, msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.log(WarnLevel, msg) }

// Error logs at error level.
func (l *Logger) Error(msg string) { l.log(ErrorLevel, msg) }

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := make(map[string]any, len(l.fields)+3)
		for k, v := range l.fields {
			entry[k] = v
		}
		entry["time"] = now
		entry["level"] = levelString(level)
		entry["msg"] = msg

		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q}`,
				now, levelString(level), msg))
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	fmt.Fprintf(l.output, "%s %s %s", now, levelColor(level), msg)

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(l.output, " %s=%v", k, l.fields[k])
	}
	fmt.Fprintln(l.output)
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func levelColor(l LogLevel) string {
	switch l {
	case DebugLevel:
		return color.CyanString("[DEBUG]")
	case InfoLevel:
		return color.GreenString("[INFO]")
	case WarnLevel:
		return color.YellowString("[WARN]")
	case ErrorLevel:
		return color.RedString("[ERROR]")
	default:
		return "[?]"
	}
}
