// Package plugin maps named agent types and tool names to the plugins
// that provide them. Exactly one plugin owns each name; re-registration
// is logged and last-wins unless the registry is strict.
package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/vox/internal/agent"
)

// Capability is a closed enumeration of what an agent can do. The set is
// deliberately small; growing it is an API change, not a config change.
type Capability string

const (
	CapabilityConversation  Capability = "conversation"
	CapabilityAnalysis      Capability = "analysis"
	CapabilityToolExecution Capability = "tool-execution"
	CapabilityTransport     Capability = "transport"
	CapabilityMemory        Capability = "memory"
)

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityConversation, CapabilityAnalysis, CapabilityToolExecution,
		CapabilityTransport, CapabilityMemory:
		return true
	}
	return false
}

// AgentFactory builds an agent instance from its config.
type AgentFactory func(cfg agent.Config) (agent.Agent, error)

// Plugin bundles the agent types and tool names one provider registers.
type Plugin struct {
	Name         string
	Capabilities []Capability
	AgentTypes   map[string]AgentFactory
	Tools        []string
}

// Options configure a Registry.
type Options struct {
	// Strict rejects re-registration of an agent type or tool name.
	Strict bool
	Logger *slog.Logger
}

// Registry resolves one plugin per agent type and one owner per tool.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[string]*Plugin
	agentTypes map[string]*Plugin
	toolOwners map[string]*Plugin
	opts       Options
	logger     *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins:    make(map[string]*Plugin),
		agentTypes: make(map[string]*Plugin),
		toolOwners: make(map[string]*Plugin),
		opts:       opts,
		logger:     logger,
	}
}

// Register wires a plugin's agent types and tool ownership.
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("register plugin: missing name")
	}
	for _, c := range p.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("register plugin %q: unknown capability %q", p.Name, c)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.Strict {
		for typ := range p.AgentTypes {
			if owner, taken := r.agentTypes[typ]; taken {
				return fmt.Errorf("register plugin %q: agent type %q already owned by %q", p.Name, typ, owner.Name)
			}
		}
		for _, tool := range p.Tools {
			if owner, taken := r.toolOwners[tool]; taken {
				return fmt.Errorf("register plugin %q: tool %q already owned by %q", p.Name, tool, owner.Name)
			}
		}
	}

	r.plugins[p.Name] = p
	for typ := range p.AgentTypes {
		if owner, taken := r.agentTypes[typ]; taken {
			r.logger.Warn("agent type re-registered",
				"type", typ, "previous_owner", owner.Name, "new_owner", p.Name)
		}
		r.agentTypes[typ] = p
	}
	for _, tool := range p.Tools {
		if owner, taken := r.toolOwners[tool]; taken {
			r.logger.Warn("tool re-registered",
				"tool", tool, "previous_owner", owner.Name, "new_owner", p.Name)
		}
		r.toolOwners[tool] = p
	}
	return nil
}

// CreateAgent builds an agent by delegating to the plugin owning its
// type.
func (r *Registry) CreateAgent(agentType string, cfg agent.Config) (agent.Agent, error) {
	r.mu.RLock()
	p, ok := r.agentTypes[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no plugin registered for agent type %q", agentType)
	}
	factory := p.AgentTypes[agentType]
	a, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: create agent type %q: %w", p.Name, agentType, err)
	}
	return a, nil
}

// ToolOwner returns the plugin owning a tool name.
func (r *Registry) ToolOwner(tool string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.toolOwners[tool]
	return p, ok
}

// AgentTypes returns the registered agent type names, sorted.
func (r *Registry) AgentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.agentTypes))
	for typ := range r.agentTypes {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
