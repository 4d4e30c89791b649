package types

import "sync"

// LogEntry is a single message captured by MockLogger.
type LogEntry struct {
	Level   string
	Message string
	Fields  []interface{}
}

type logSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

var mockInit sync.Mutex

// MockLogger records every message so tests can assert on what was logged.
// The zero value is ready to use.
type MockLogger struct {
	sink   *logSink
	fields []interface{}
}

func (m *MockLogger) getSink() *logSink {
	mockInit.Lock()
	defer mockInit.Unlock()
	if m.sink == nil {
		m.sink = &logSink{}
	}
	return m.sink
}

func (m *MockLogger) record(level, msg string, fields []interface{}) {
	s := m.getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]interface{}{}, m.fields...), fields...)
	s.entries = append(s.entries, LogEntry{Level: level, Message: msg, Fields: all})
}

func (m *MockLogger) Debug(msg string, fields ...interface{})  { m.record("debug", msg, fields) }
func (m *MockLogger) Info(msg string, fields ...interface{})   { m.record("info", msg, fields) }
func (m *MockLogger) Warn(msg string, fields ...interface{})   { m.record("warn", msg, fields) }
func (m *MockLogger) Error(msg string, fields ...interface{})  { m.record("error", msg, fields) }
func (m *MockLogger) Fatalf(msg string, fields ...interface{}) { m.record("fatal", msg, fields) }

// With returns a logger sharing the same entry buffer.
func (m *MockLogger) With(fields ...interface{}) Logger {
	return &MockLogger{sink: m.getSink(), fields: append(append([]interface{}{}, m.fields...), fields...)}
}

// Entries returns a copy of the captured entries.
func (m *MockLogger) Entries() []LogEntry {
	s := m.getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.entries...)
}

// Messages returns the captured messages at the given level.
func (m *MockLogger) Messages(level string) []string {
	var out []string
	for _, e := range m.Entries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}
