package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the set of live agents: it initializes them against the
// shared runtime context, starts and stops them, and tears them all down
// on shutdown.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]Agent
	ac     *Context
	logger *slog.Logger
}

// NewManager creates a Manager bound to the shared runtime context.
func NewManager(ac *Context, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]Agent),
		ac:     ac,
		logger: logger,
	}
}

// Add initializes an agent and tracks it. The agent is not started.
func (m *Manager) Add(ctx context.Context, a Agent) error {
	m.mu.Lock()
	if _, exists := m.agents[a.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("agent %q already managed", a.ID())
	}
	m.agents[a.ID()] = a
	m.mu.Unlock()

	if err := a.Initialize(ctx, m.ac); err != nil {
		m.mu.Lock()
		delete(m.agents, a.ID())
		m.mu.Unlock()
		return fmt.Errorf("initialize agent %q: %w", a.ID(), err)
	}
	return nil
}

// Get returns a managed agent by id.
func (m *Manager) Get(id string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// IDs returns the managed agent ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll starts every managed agent. Failures are logged; the rest
// still start.
func (m *Manager) StartAll() {
	for _, id := range m.IDs() {
		a, ok := m.Get(id)
		if !ok {
			continue
		}
		if err := a.Start(); err != nil {
			m.logger.Error("agent start failed", "agent_id", id, "error", err)
		}
	}
}

// StopAll stops every managed agent in reverse order of IDs. A slow or
// failing agent does not block the others from being asked to stop.
func (m *Manager) StopAll() {
	ids := m.IDs()
	for i := len(ids) - 1; i >= 0; i-- {
		a, ok := m.Get(ids[i])
		if !ok {
			continue
		}
		if err := a.Stop(); err != nil {
			m.logger.Error("agent stop failed", "agent_id", ids[i], "error", err)
		}
	}
}

// Destroy stops and destroys all agents. Used as the registry teardown
// hook for the "agents" service.
func (m *Manager) Destroy(ctx context.Context) error {
	m.StopAll()
	m.mu.Lock()
	agents := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.agents = make(map[string]Agent)
	m.mu.Unlock()

	for i, a := range agents {
		if ctx.Err() != nil {
			m.logger.Warn("agent teardown cut short", "remaining", len(agents)-i)
			break
		}
		if err := a.Destroy(); err != nil {
			m.logger.Error("agent destroy failed", "agent_id", a.ID(), "error", err)
		}
	}
	return nil
}
