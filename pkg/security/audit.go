package security

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType represents the type of security event
type EventType string

const (
	EventAccessDenied    EventType = "access_denied"
	EventCommandDenied   EventType = "command_denied"
	EventParamRejected   EventType = "param_rejected"
	EventCommandExecuted EventType = "command_executed"
	EventCommandTimeout  EventType = "command_timeout"
	EventProcessKilled   EventType = "process_killed"
)

// Severity represents the severity level of a security event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Details   string                 `json:"details"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditOptions configures the audit log
type AuditOptions struct {
	// Path of the JSON lines file; empty keeps events in memory only
	Path       string
	MaxSizeMB  int
	MaxBackups int
	// Keep is the number of recent events retained in memory
	Keep int
}

// AuditLog records security events as JSON lines. A nil *AuditLog is valid
// and discards everything.
type AuditLog struct {
	mu     sync.Mutex
	out    io.WriteCloser
	recent []AuditEvent
	keep   int
	counts map[EventType]uint64
}

// NewAuditLog creates a new audit log
func NewAuditLog(opts AuditOptions) (*AuditLog, error) {
	a := &AuditLog{keep: opts.Keep, counts: make(map[EventType]uint64)}
	if a.keep <= 0 {
		a.keep = 100
	}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, err
		}
		a.out = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
	}
	return a, nil
}

// Log records a security event
func (a *AuditLog) Log(eventType EventType, severity Severity, source, details string, metadata map[string]interface{}) {
	if a == nil {
		return
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Source:    source,
		Details:   details,
		Metadata:  metadata,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts[eventType]++
	a.recent = append(a.recent, event)
	if len(a.recent) > a.keep {
		a.recent = a.recent[len(a.recent)-a.keep:]
	}

	if a.out != nil {
		if data, err := jsoniter.Marshal(event); err == nil {
			_, _ = a.out.Write(append(data, '\n'))
		}
	}
}

// Recent returns the most recent events, oldest first
func (a *AuditLog) Recent() []AuditEvent {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEvent, len(a.recent))
	copy(out, a.recent)
	return out
}

// Count returns how many events of a type were recorded
func (a *AuditLog) Count(eventType EventType) uint64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[eventType]
}

// Close closes the log file
func (a *AuditLog) Close() error {
	if a == nil || a.out == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}
