// Package audit records security-relevant events as structured JSON lines.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventDenied   EventType = "DENIED"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	ActorID   string            `json:"actor_id"`
	Type      EventType         `json:"type"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]string)
}

// logger writes structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(tenantID, actorID string, eventType EventType, action, resource string, metadata map[string]string) {
	event := Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Prefix with AUDIT: for easy filtering
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
}

// Nop discards every event.
type Nop struct{}

// Record implements Logger.
func (Nop) Record(string, string, EventType, string, string, map[string]string) {}
