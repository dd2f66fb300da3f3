// Package audit keeps an append-only JSONL trail of the events that
// matter after the fact: conversation lifecycle, tool calls, and system
// errors. It is wired as a catch-all bus subscriber.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	recordCount atomic.Int64
)

// auditedPrefixes selects which event types land in the trail. Analysis
// events are high-volume and already snapshotted in the store.
var auditedPrefixes = []string{"conversation.", "tool.", "system.", "agent."}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of events recorded since startup.
func Count() int64 {
	return recordCount.Load()
}

// Audited reports whether events of this type belong in the trail.
func Audited(eventType string) bool {
	for _, prefix := range auditedPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// Record appends one event to the trail. Payloads are summarized and
// redacted; the trail records that something happened, not transcripts.
func Record(event bus.Event) {
	if !Audited(event.Type) {
		return
	}
	recordCount.Add(1)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventID:   event.ID,
		Type:      event.Type,
		SessionID: event.SessionID,
		AgentID:   event.AgentID,
		Detail:    shared.Redact(detail(event)),
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// detail picks the one payload field worth keeping per event family.
func detail(event bus.Event) string {
	for _, key := range []string{"reason", "tool", "error", "role", "state"} {
		if v, ok := event.Data[key].(string); ok && v != "" {
			return key + "=" + v
		}
	}
	return ""
}
