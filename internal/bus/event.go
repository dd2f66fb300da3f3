package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record published on the bus. Handlers must not
// mutate an Event they receive; the bus hands the same value to every
// subscriber.
type Event struct {
	ID        string
	Type      string // dot-namespaced, e.g. "conversation.turn"
	SessionID string
	AgentID   string
	Timestamp time.Time
	Data      map[string]any
	Metadata  map[string]any
}

// Conversation event types published by the foreground agent.
const (
	TypeConversationStarted = "conversation.started"
	TypeConversationTurn    = "conversation.turn"
	TypeConversationEnded   = "conversation.ended"
)

// Analysis event types. The suffix is the analyzer kind, e.g. "analysis.topics".
const AnalysisTypePrefix = "analysis."

// System event types.
const (
	TypeSystemError       = "system.error"
	TypeAgentStateChanged = "agent.state_changed"
	TypeToolCallCompleted = "tool.call.completed"
	TypeToolCallFailed    = "tool.call.failed"
)

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(eventType, sessionID, agentID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// ValidationError reports a malformed event rejected by Publish.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

// Validate checks the fields Publish requires.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if e.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if e.Data == nil {
		return &ValidationError{Field: "data", Reason: "must be a map"}
	}
	return nil
}
