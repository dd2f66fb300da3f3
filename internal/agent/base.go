package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/vox/internal/bus"
)

// Base implements the state machine and metrics bookkeeping shared by
// all agents. Embedders call Transition from their lifecycle methods and
// Observe from their HandleEvent.
type Base struct {
	id     string
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	since       time.Time
	err         error
	initialized bool
	startedAt   time.Time

	eventsProcessed int64
	errorCount      int64
	totalProcessing time.Duration
	lastActivity    time.Time
}

// NewBase creates a Base in the initializing state.
func NewBase(id string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		id:     id,
		logger: logger.With("agent_id", id),
		state:  StateInitializing,
		since:  time.Now(),
	}
}

// ID returns the agent id.
func (b *Base) ID() string { return b.id }

// Logger returns the agent-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// MarkInitialized records that Initialize has run. A second call reports
// the violation.
func (b *Base) MarkInitialized() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return &TransitionError{AgentID: b.id, From: b.state, To: StateInitializing}
	}
	b.initialized = true
	return nil
}

// Transition moves the agent to a new state, validating against the
// transition table. Moving to StateError is always allowed from a
// non-terminal state and records err.
func (b *Base) Transition(to State, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to == StateError {
		if b.state == StateError {
			return &TransitionError{AgentID: b.id, From: b.state, To: to}
		}
		b.state = StateError
		b.since = time.Now()
		b.err = err
		b.logger.Error("agent entered error state", "error", err)
		return nil
	}
	for _, allowed := range validTransitions[b.state] {
		if allowed == to {
			b.state = to
			b.since = time.Now()
			if to == StateRunning {
				b.startedAt = b.since
			}
			return nil
		}
	}
	return &TransitionError{AgentID: b.id, From: b.state, To: to}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a lifecycle snapshot.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{State: b.state, Since: b.since, Err: b.err}
}

// Metrics returns a counters snapshot.
func (b *Base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		EventsProcessed: b.eventsProcessed,
		ErrorCount:      b.errorCount,
		LastActivity:    b.lastActivity,
	}
	if b.eventsProcessed > 0 {
		m.AverageProcessingTime = b.totalProcessing / time.Duration(b.eventsProcessed)
	}
	if !b.startedAt.IsZero() {
		m.Uptime = time.Since(b.startedAt)
	}
	return m
}

// Observe times fn around one event, updates the metrics, and re-returns
// fn's error after logging so the bus still counts it as a handler
// failure.
func (b *Base) Observe(ctx context.Context, event bus.Event, fn func(context.Context, bus.Event) error) error {
	start := time.Now()
	err := fn(ctx, event)
	elapsed := time.Since(start)

	b.mu.Lock()
	b.eventsProcessed++
	b.totalProcessing += elapsed
	b.lastActivity = time.Now()
	if err != nil {
		b.errorCount++
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("event handling failed",
			"event_type", event.Type, "event_id", event.ID, "error", err)
		return err
	}
	return nil
}
