// Package logx provides the component logger used across the engine, with env-driven domain debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables every domain
}

type taskIDKey struct{}

//nolint:gochecknoglobals // process-wide log sink and debug switches
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	// logWriter overrides stderr when set.
	logWriter     io.Writer
	logWriterLock sync.Mutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=engine,tools
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// Logger writes leveled lines tagged with a component id.
type Logger struct {
	component string
}

// NewLogger creates a logger for the given component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	logWriter = w
	logWriterLock.Unlock()
}

// SetDebug enables or disables debug output.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains restricts domain debug output. An empty list enables every domain.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func writeLine(component string, level Level, msg string) {
	line := fmt.Sprintf("[%s] [%s] %s: %s", time.Now().UTC().Format(timestampLayout), component, level, msg)

	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	_, _ = fmt.Fprintln(w, line)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	writeLine(l.component, LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	writeLine(l.component, LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	writeLine(l.component, LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	writeLine(l.component, LevelError, fmt.Sprintf(format, args...))
}

// Component returns the component id of this logger.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger writing under another component id.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// WithTaskID attaches a task id to ctx for domain debug logging.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFrom returns the task id stored by WithTaskID, or "unknown".
func TaskIDFrom(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(taskIDKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

// Debug logs a domain-scoped debug line under the task id carried by ctx.
//
//	DEBUG=1                          # every domain
//	DEBUG=1 DEBUG_DOMAINS=engine     # only the engine domain
//	DEBUG=1 DEBUG_DOMAINS=stream,tools
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	writeLine(TaskIDFrom(ctx), LevelDebug, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

//nolint:gochecknoglobals // fallback logger for package-level helpers
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}
