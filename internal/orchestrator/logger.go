package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// pkgLogger is the package-level debug logger used by orchestrator components.
var pkgLogger *DebugLogger
var pkgLoggerMu sync.RWMutex

// setPackageLogger sets the package-level logger.
func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes a message using the package-level logger. Helpers that do
// not hold the orchestrator use it.
func debugLog(format string, args ...any) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()

	if l != nil {
		l.Log(format, args...)
	}
}

// logSink is the destination shared by a logger and its scoped children.
type logSink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// DebugLogger writes timestamped lines to the orchestrator debug log. Scoped
// loggers made with With share the destination and add a tag to each line.
type DebugLogger struct {
	sink *logSink
	tags []string
	now  func() time.Time
}

// NewDebugLogger creates a logger appending to logPath, creating parent
// directories. An empty path gives a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := newWriterLogger(f, f)
	l.Log("=== autopilot debug log opened %s (pid %d) ===", time.Now().Format(time.RFC3339), os.Getpid())
	return l, nil
}

func newWriterLogger(w io.Writer, c io.Closer) *DebugLogger {
	return &DebugLogger{sink: &logSink{w: w, c: c}, now: time.Now}
}

// NewDebugLoggerForStateDir creates a debug logger at
// <stateDir>/logs/orchestrator-debug.log, falling back to a no-op logger.
func NewDebugLoggerForStateDir(stateDir string) *DebugLogger {
	l, err := NewDebugLogger(filepath.Join(stateDir, "logs", "orchestrator-debug.log"))
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// With returns a logger that tags every line with tag, such as a session id.
func (l *DebugLogger) With(tag string) *DebugLogger {
	if l == nil {
		return nil
	}
	tags := append(append([]string(nil), l.tags...), tag)
	return &DebugLogger{sink: l.sink, tags: tags, now: l.now}
}

// Log writes one line. Safe on a nil or no-op logger.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.sink == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[" + l.now().Format("15:04:05.000") + "] ")
	for _, t := range l.tags {
		b.WriteString("[" + t + "] ")
	}
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.w == nil {
		return
	}
	io.WriteString(l.sink.w, b.String())
	if f, ok := l.sink.w.(*os.File); ok {
		f.Sync()
	}
}

// Close closes the destination shared by l and its scoped loggers. Later
// writes are dropped.
func (l *DebugLogger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	c := l.sink.c
	l.sink.w, l.sink.c = nil, nil
	if c == nil {
		return nil
	}
	return c.Close()
}
