// Package agent defines the lifecycle contract shared by the foreground
// conversation agent and the background subconscious analyzers, plus the
// Base implementation of its state machine and metrics.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/registry"
)

// State is an agent lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// validTransitions is the closed transition table. StateError is
// reachable from every non-terminal state and is terminal.
var validTransitions = map[State][]State{
	StateInitializing: {StateRunning, StateError},
	StateRunning:      {StatePaused, StateStopping, StateError},
	StatePaused:       {StateRunning, StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateRunning},
}

// Config describes one agent instance, typically loaded from the
// agents section of the config file.
type Config struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Enabled      bool           `yaml:"enabled"`
	Frequency    time.Duration  `yaml:"frequency"`
	Settings     map[string]any `yaml:"settings"`
	Dependencies []string       `yaml:"dependencies"`
}

// Context carries the shared runtime collaborators an agent wires itself
// to during Initialize.
type Context struct {
	Bus      *bus.Bus
	Services *registry.Registry
	Logger   *slog.Logger
}

// Status is a snapshot of an agent's lifecycle.
type Status struct {
	State State
	Since time.Time
	Err   error
}

// Metrics is a snapshot of an agent's event-processing counters.
type Metrics struct {
	EventsProcessed       int64
	ErrorCount            int64
	AverageProcessingTime time.Duration
	LastActivity          time.Time
	Uptime                time.Duration
}

// Agent is the lifecycle contract. Initialize wires subscriptions and is
// called once; Start and Stop toggle only the actively-scheduled aspect;
// Destroy implies Stop and releases resources.
type Agent interface {
	ID() string
	Initialize(ctx context.Context, ac *Context) error
	Start() error
	Stop() error
	Destroy() error
	HandleEvent(ctx context.Context, event bus.Event) error
	Status() Status
	Metrics() Metrics
}

// TransitionError reports an invalid lifecycle transition.
type TransitionError struct {
	AgentID string
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid transition %s -> %s", e.AgentID, e.From, e.To)
}
