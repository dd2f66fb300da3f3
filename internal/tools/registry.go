// Package tools is the executor registry for tools the conversation
// agent can call. Each tool is registered by name with a JSON Schema
// describing its parameters; arguments are validated against the schema
// before the executor runs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vox/internal/otel"
	"github.com/basket/vox/internal/registry"
)

// Definition describes a tool to the model and to validation.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the arguments object
}

// Context carries per-call collaborators into an executor.
type Context struct {
	SessionID string
	AgentID   string
	Services  *registry.Registry
	Logger    *slog.Logger
}

// Executor runs one tool call.
type Executor interface {
	Execute(ctx context.Context, args map[string]any, tc *Context) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, args map[string]any, tc *Context) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any, tc *Context) (any, error) {
	return f(ctx, args, tc)
}

type registered struct {
	def    Definition
	exec   Executor
	schema *jsonschema.Schema
}

// Registry holds the registered tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registered
	strict  bool
	logger  *slog.Logger
	metrics *otel.Metrics
}

// SetMetrics enables call-duration instrumentation.
func (r *Registry) SetMetrics(m *otel.Metrics) { r.metrics = m }

// NewRegistry creates an empty tool registry. strict rejects
// re-registration of a name instead of overwriting it.
func NewRegistry(strict bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registered),
		strict: strict,
		logger: logger,
	}
}

// Register compiles the definition's parameter schema and stores the
// executor under the tool name.
func (r *Registry) Register(def Definition, exec Executor) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if exec == nil {
		return fmt.Errorf("register tool %q: nil executor", def.Name)
	}
	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		if r.strict {
			return fmt.Errorf("register tool %q: already registered", def.Name)
		}
		r.logger.Warn("tool re-registered, previous executor discarded", "tool", def.Name)
	}
	r.tools[def.Name] = &registered{def: def, exec: exec, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tool %q: unmarshal parameter schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("params.json", doc); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	schema, err := c.Compile("params.json")
	if err != nil {
		return nil, fmt.Errorf("tool %q: compile parameter schema: %w", name, err)
	}
	return schema, nil
}

// Execute validates args against the tool's schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tc *Context) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}

	// Round-trip through jsonschema's decoder so numbers validate.
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tool %q: marshal args: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tool %q: decode args: %w", name, err)
	}
	if err := reg.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("tool %q: invalid arguments: %w", name, err)
	}

	ctx, span := otel.StartSpan(ctx, "tool.execute", otel.AttrToolName.String(name))
	defer span.End()
	start := time.Now()
	out, err := reg.exec.Execute(ctx, args, tc)
	if r.metrics != nil {
		r.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrToolName.String(name)))
	}
	return out, err
}

// Definitions returns the registered tool definitions sorted by name,
// for handing to the model.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}
