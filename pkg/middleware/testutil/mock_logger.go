// Package testutil holds test doubles shared by the coordination packages.
package testutil

import (
	"context"
	"sync"

	"github.com/nimburion/coordination/pkg/observability/logger"
)

// MockLogger captures log entries so tests can assert on them.
// It is safe for concurrent use; child loggers share the parent's buffer.
type MockLogger struct {
	mu     sync.Mutex
	Logs   []LogEntry
	fields []any
	root   *MockLogger
}

// LogEntry is a single captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]interface{}
}

// Debug records a debug entry.
func (m *MockLogger) Debug(msg string, args ...any) { m.record("debug", msg, args) }

// Info records an info entry.
func (m *MockLogger) Info(msg string, args ...any) { m.record("info", msg, args) }

// Warn records a warn entry.
func (m *MockLogger) Warn(msg string, args ...any) { m.record("warn", msg, args) }

// Error records an error entry.
func (m *MockLogger) Error(msg string, args ...any) { m.record("error", msg, args) }

// With returns a child logger that prepends args to every entry.
func (m *MockLogger) With(args ...any) logger.Logger {
	fields := append(append([]any{}, m.fields...), args...)
	return &MockLogger{fields: fields, root: m.base()}
}

// WithContext returns the receiver; request ids are not tracked by the mock.
func (m *MockLogger) WithContext(context.Context) logger.Logger {
	return m
}

// Entries returns a snapshot of the captured entries.
func (m *MockLogger) Entries() []LogEntry {
	root := m.base()
	root.mu.Lock()
	defer root.mu.Unlock()
	out := make([]LogEntry, len(root.Logs))
	copy(out, root.Logs)
	return out
}

// Count returns how many entries were logged at level with message msg.
// An empty msg matches every message at that level.
func (m *MockLogger) Count(level, msg string) int {
	count := 0
	for _, entry := range m.Entries() {
		if entry.Level == level && (msg == "" || entry.Msg == msg) {
			count++
		}
	}
	return count
}

func (m *MockLogger) base() *MockLogger {
	if m.root != nil {
		return m.root
	}
	return m
}

func (m *MockLogger) record(level, msg string, args []any) {
	all := append(append([]any{}, m.fields...), args...)
	root := m.base()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Logs = append(root.Logs, LogEntry{Level: level, Msg: msg, Fields: argsToMap(all)})
}

func argsToMap(args []any) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
