// Package subconscious implements the background analyzers that ride
// along with a conversation: each one buffers turns per session, ticks
// on its own timer, delegates to an analysis collaborator, and merges
// the result into durable per-session state republished on the bus.
package subconscious

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vox/internal/agent"
	"github.com/basket/vox/internal/analysis"
	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/otel"
)

const defaultFrequency = 5 * time.Second

// Snapshots persists merged analysis state, best-effort.
type Snapshots interface {
	SaveAnalysis(ctx context.Context, sessionID, kind string, state analysis.State) error
}

// Options configure one subconscious agent.
type Options struct {
	ID             string
	Kind           string // suffix of the published "analysis.<kind>" event
	Frequency      time.Duration
	BufferCapacity int
	Analyzer       analysis.Analyzer
	Snapshots      Snapshots     // optional
	Metrics        *otel.Metrics // optional
	Logger         *slog.Logger
}

// Agent is a background analyzer. It implements agent.Agent.
type Agent struct {
	*agent.Base
	kind      string
	frequency time.Duration
	bufCap    int
	analyzer  analysis.Analyzer
	snapshots Snapshots
	metrics   *otel.Metrics

	runtime *agent.Context
	subs    []*bus.Subscription

	mu      sync.Mutex
	buffers map[string]*Buffer
	states  map[string]analysis.State

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickErrors atomic.Int64
	ticks      atomic.Int64
}

// New creates a subconscious agent.
func New(opts Options) *Agent {
	if opts.Frequency <= 0 {
		opts.Frequency = defaultFrequency
	}
	return &Agent{
		Base:      agent.NewBase(opts.ID, opts.Logger),
		kind:      opts.Kind,
		frequency: opts.Frequency,
		bufCap:    opts.BufferCapacity,
		analyzer:  opts.Analyzer,
		snapshots: opts.Snapshots,
		metrics:   opts.Metrics,
		buffers:   make(map[string]*Buffer),
		states:    make(map[string]analysis.State),
	}
}

// Initialize wires the conversation event subscriptions. Called once.
func (a *Agent) Initialize(ctx context.Context, ac *agent.Context) error {
	if err := a.MarkInitialized(); err != nil {
		return err
	}
	a.runtime = ac
	for _, typ := range []string{
		bus.TypeConversationStarted,
		bus.TypeConversationTurn,
		bus.TypeConversationEnded,
	} {
		sub := ac.Bus.Subscribe(typ, a.HandleEvent)
		a.subs = append(a.subs, sub)
	}
	return nil
}

// Start arms the tick timer. Events are buffered whether or not the
// timer is armed.
func (a *Agent) Start() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return nil // already armed
	}
	if err := a.Transition(agent.StateRunning, nil); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

func (a *Agent) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tickAll(ctx)
		}
	}
}

// Stop disarms the timer. No tick runs after Stop returns; buffered
// turns are kept, and a later conversation-end still forces a final
// analysis pass.
func (a *Agent) Stop() error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return nil
	}
	if err := a.Transition(agent.StateStopping, nil); err != nil {
		return err
	}
	a.cancel()
	a.cancel = nil
	a.wg.Wait()
	return a.Transition(agent.StateStopped, nil)
}

// Destroy stops the timer and releases subscriptions and buffers.
func (a *Agent) Destroy() error {
	if err := a.Stop(); err != nil {
		return err
	}
	if a.runtime != nil {
		for _, sub := range a.subs {
			a.runtime.Bus.Unsubscribe(sub)
		}
		a.subs = nil
	}
	a.mu.Lock()
	a.buffers = make(map[string]*Buffer)
	a.states = make(map[string]analysis.State)
	a.mu.Unlock()
	return nil
}

// HandleEvent buffers turns and reacts to conversation boundaries.
func (a *Agent) HandleEvent(ctx context.Context, event bus.Event) error {
	return a.Observe(ctx, event, a.handle)
}

func (a *Agent) handle(ctx context.Context, event bus.Event) error {
	switch event.Type {
	case bus.TypeConversationStarted:
		a.mu.Lock()
		delete(a.buffers, event.SessionID)
		delete(a.states, event.SessionID)
		a.mu.Unlock()
	case bus.TypeConversationTurn:
		content, _ := event.Data["content"].(string)
		if content == "" {
			return nil
		}
		role, _ := event.Data["role"].(string)
		a.buffer(event.SessionID).Append(Turn{Role: role, Content: content, At: event.Timestamp})
	case bus.TypeConversationEnded:
		// One forced pass so the tail of the conversation is analyzed
		// even when the timer window did not elapse.
		a.tick(ctx, event.SessionID)
		a.mu.Lock()
		delete(a.buffers, event.SessionID)
		delete(a.states, event.SessionID)
		a.mu.Unlock()
	}
	return nil
}

func (a *Agent) buffer(sessionID string) *Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[sessionID]
	if !ok {
		buf = NewBuffer(a.bufCap)
		a.buffers[sessionID] = buf
	}
	return buf
}

// StateFor returns the accumulated state for a session.
func (a *Agent) StateFor(sessionID string) analysis.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[sessionID]
}

// TickErrors returns the count of failed analysis passes.
func (a *Agent) TickErrors() int64 { return a.tickErrors.Load() }

// Ticks returns the count of analysis passes that ran (non-empty
// buffer), scheduled or forced.
func (a *Agent) Ticks() int64 { return a.ticks.Load() }

func (a *Agent) tickAll(ctx context.Context) {
	a.mu.Lock()
	sessions := make([]string, 0, len(a.buffers))
	for sessionID := range a.buffers {
		sessions = append(sessions, sessionID)
	}
	a.mu.Unlock()
	for _, sessionID := range sessions {
		a.tick(ctx, sessionID)
	}
}

// tick runs one analysis pass for a session. Failures are logged and
// counted; the timer is never cancelled because of them.
func (a *Agent) tick(ctx context.Context, sessionID string) {
	turns := a.buffer(sessionID).Drain()
	if len(turns) == 0 {
		return
	}
	a.ticks.Add(1)

	ctx, span := otel.StartSpan(ctx, "subconscious.tick",
		otel.AttrAnalyzerKind.String(a.kind), otel.AttrSessionID.String(sessionID))
	defer span.End()

	transcript := renderTranscript(turns)
	prior := a.StateFor(sessionID)
	delta, err := a.analyzer.Analyze(ctx, transcript, prior)
	if err != nil {
		a.tickErrors.Add(1)
		if a.metrics != nil {
			a.metrics.AnalysisTickFails.Add(ctx, 1,
				metric.WithAttributes(otel.AttrAnalyzerKind.String(a.kind)))
		}
		a.Logger().Error("analysis tick failed",
			"kind", a.kind, "session_id", sessionID, "error", err)
		return
	}

	merged := analysis.Merge(prior, delta)
	a.mu.Lock()
	a.states[sessionID] = merged
	a.mu.Unlock()

	if a.snapshots != nil {
		if err := a.snapshots.SaveAnalysis(ctx, sessionID, a.kind, merged); err != nil {
			a.Logger().Warn("analysis snapshot failed",
				"kind", a.kind, "session_id", sessionID, "error", err)
		}
	}

	event := bus.NewEvent(bus.AnalysisTypePrefix+a.kind, sessionID, a.ID(), map[string]any{
		"state":      merged,
		"confidence": delta.Confidence,
	})
	if err := a.runtime.Bus.Publish(ctx, event); err != nil {
		a.Logger().Error("analysis publish failed",
			"kind", a.kind, "session_id", sessionID, "error", err)
	}
}
