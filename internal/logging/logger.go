// Package logging provides the agent's leveled, redacting logger.
//
// Every line carries a timestamp, level and component tag, followed by
// key=value fields. While a job is current, a job=<id> field is attached
// to every line. A nil *Logger is a valid no-op logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level label.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// core is the state shared by a logger and everything derived from it.
type core struct {
	mu       sync.Mutex
	console  io.Writer
	file     *os.File
	level    Level
	colorize bool
	redactor *Redactor
	jobID    atomic.Int64
}

// Logger writes leveled lines for one component.
type Logger struct {
	core      *core
	component string
	fields    Fields
}

// Options configures a new Logger.
type Options struct {
	// Level is the minimum level written.
	Level Level
	// Console receives every line. Defaults to os.Stderr.
	Console io.Writer
	// FilePath, when set, mirrors every line (uncolored) to this file.
	FilePath string
	// NoColor disables level colors on the console.
	NoColor bool
}

// New creates a root logger.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	c := &core{
		console:  console,
		level:    opts.Level,
		colorize: !opts.NoColor && !color.NoColor,
		redactor: NewRedactor(),
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		c.file = f
	}

	return &Logger{core: c}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return nil
}

// Named returns a logger tagged with the given component.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{core: l.core, component: component, fields: l.fields}
}

// WithFields returns a logger that attaches the given fields to every line.
func (l *Logger) WithFields(fields Fields) *Logger {
	if l == nil {
		return nil
	}
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{core: l.core, component: l.component, fields: merged}
}

// SetJob attaches job=<id> to every line written through this logger tree.
func (l *Logger) SetJob(jobID int64) {
	if l == nil {
		return
	}
	l.core.jobID.Store(jobID)
}

// ClearJob removes the job context.
func (l *Logger) ClearJob() {
	if l == nil {
		return
	}
	l.core.jobID.Store(0)
}

// AddSecret registers a literal value that must never appear in output.
func (l *Logger) AddSecret(secret string) {
	if l == nil {
		return
	}
	l.core.redactor.AddSecret(secret)
}

// Redact applies this logger's redaction rules to s.
func (l *Logger) Redact(s string) string {
	if l == nil {
		return s
	}
	return l.core.redactor.Redact(s)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
}

// Close closes the file sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.core.file == nil {
		return nil
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return l.core.file.Close()
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l == nil || level < l.core.level {
		return
	}

	c := l.core
	msg := c.redactor.Redact(fmt.Sprintf(format, args...))
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var b strings.Builder
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	b.WriteString(l.formatFields())
	body := b.String()

	plain := fmt.Sprintf("%s %-5s %s\n", ts, level, body)
	console := plain
	if c.colorize {
		console = fmt.Sprintf("%s %s %s\n", ts, levelColor(level).Sprintf("%-5s", level), body)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.console, console)
	if c.file != nil {
		fmt.Fprint(c.file, plain)
	}
}

func (l *Logger) formatFields() string {
	jobID := l.core.jobID.Load()
	if len(l.fields) == 0 && jobID == 0 {
		return ""
	}

	var b strings.Builder
	if jobID != 0 {
		fmt.Fprintf(&b, " job=%d", jobID)
	}

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := l.fields[k]
		if s, ok := v.(string); ok {
			v = l.core.redactor.Redact(s)
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func levelColor(level Level) *color.Color {
	switch level {
	case LevelDebug:
		return color.New(color.FgHiBlack)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}
