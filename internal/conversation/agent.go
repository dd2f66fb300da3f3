// Package conversation implements the foreground agent: it owns the
// dialogue with the caller, streams model replies to the transport,
// executes tools the model requests, and publishes conversation events
// for the background analyzers.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/vox/internal/agent"
	"github.com/basket/vox/internal/bus"
	"github.com/basket/vox/internal/llm"
	"github.com/basket/vox/internal/persistence"
	"github.com/basket/vox/internal/tools"
)

// Completer is the narrow slice of the model client the agent needs.
type Completer interface {
	StreamTools(ctx context.Context, messages []llm.Message, defs []llm.ToolDef, onToken func(token string) error) (string, []llm.ToolCall, error)
}

// History persists sessions and turns. Failures are logged, never
// surfaced to the caller.
type History interface {
	CreateSession(ctx context.Context, id, caller string) error
	EndSession(ctx context.Context, id string) error
	AppendTurn(ctx context.Context, turn persistence.TurnRecord) error
}

// Options configures the conversation agent.
type Options struct {
	ID            string
	SystemPrompt  string
	Completer     Completer
	Tools         *tools.Registry // optional
	History       History         // optional
	MaxToolRounds int             // default 4
	Logger        *slog.Logger
}

type session struct {
	id        string
	caller    string
	transport Transport

	mu       sync.Mutex
	messages []llm.Message
	insights map[string]any // latest merged analysis state per kind
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// Agent is the foreground conversation agent. It implements both
// agent.Agent and the transport Hooks.
type Agent struct {
	*agent.Base
	opts Options

	runtime *agent.Context
	subs    []*bus.Subscription

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a conversation agent. Completer is required.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		opts.ID = "conversation"
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("conversation agent %s: completer is required", opts.ID)
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 4
	}
	return &Agent{
		Base:     agent.NewBase(opts.ID, opts.Logger),
		opts:     opts,
		sessions: map[string]*session{},
	}, nil
}

// Initialize wires the agent to the runtime and subscribes to analysis
// events so merged analyzer state flows back into the dialogue.
func (a *Agent) Initialize(ctx context.Context, ac *agent.Context) error {
	if err := a.MarkInitialized(); err != nil {
		return err
	}
	a.runtime = ac
	sub, err := ac.Bus.SubscribeToPattern(bus.AnalysisTypePrefix+"*", a.HandleEvent)
	if err != nil {
		return fmt.Errorf("conversation agent %s: %w", a.ID(), err)
	}
	a.subs = append(a.subs, sub)
	return nil
}

// Start begins accepting conversations.
func (a *Agent) Start() error {
	return a.Transition(agent.StateRunning, nil)
}

// Stop stops accepting new conversations. Sessions already in flight
// are interrupted.
func (a *Agent) Stop() error {
	if err := a.Transition(agent.StateStopping, nil); err != nil {
		return err
	}
	a.mu.Lock()
	for _, s := range a.sessions {
		s.interrupt()
	}
	a.mu.Unlock()
	return a.Transition(agent.StateStopped, nil)
}

// Destroy stops the agent, ends every live session on its transport,
// and drops the bus subscriptions.
func (a *Agent) Destroy() error {
	if a.State() == agent.StateRunning {
		if err := a.Stop(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	live := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		live = append(live, s)
	}
	a.sessions = map[string]*session{}
	a.mu.Unlock()

	for _, s := range live {
		s.inflight.Wait()
		if err := s.transport.End(map[string]any{"reason": "shutdown"}); err != nil {
			a.Logger().Warn("transport end failed", "session_id", s.id, "error", err)
		}
	}
	if a.runtime != nil {
		for _, sub := range a.subs {
			a.runtime.Bus.Unsubscribe(sub)
		}
	}
	a.subs = nil
	return nil
}

// HandleEvent folds analysis events into the per-session insight map.
func (a *Agent) HandleEvent(ctx context.Context, event bus.Event) error {
	return a.Observe(ctx, event, func(ctx context.Context, event bus.Event) error {
		if !strings.HasPrefix(event.Type, bus.AnalysisTypePrefix) {
			return nil
		}
		kind := strings.TrimPrefix(event.Type, bus.AnalysisTypePrefix)
		a.mu.Lock()
		s := a.sessions[event.SessionID]
		a.mu.Unlock()
		if s == nil {
			return nil
		}
		s.mu.Lock()
		s.insights[kind] = event.Data["state"]
		s.mu.Unlock()
		return nil
	})
}

// OnSetup registers a new session and announces it on the bus.
func (a *Agent) OnSetup(ctx context.Context, setup Setup) error {
	if a.State() != agent.StateRunning {
		return fmt.Errorf("conversation agent %s: not running", a.ID())
	}
	if setup.SessionID == "" || setup.Transport == nil {
		return errors.New("setup requires a session id and a transport")
	}
	s := &session{
		id:        setup.SessionID,
		caller:    setup.Caller,
		transport: setup.Transport,
		insights:  map[string]any{},
	}
	if a.opts.SystemPrompt != "" {
		s.messages = append(s.messages, llm.Message{Role: "system", Content: a.opts.SystemPrompt})
	}

	a.mu.Lock()
	if _, exists := a.sessions[setup.SessionID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("session %s already active", setup.SessionID)
	}
	a.sessions[setup.SessionID] = s
	a.mu.Unlock()

	if a.opts.History != nil {
		if err := a.opts.History.CreateSession(ctx, s.id, s.caller); err != nil {
			a.Logger().Warn("session persist failed", "session_id", s.id, "error", err)
		}
	}
	return a.publish(ctx, bus.NewEvent(bus.TypeConversationStarted, s.id, a.ID(), map[string]any{
		"caller": s.caller,
	}))
}

// OnPrompt records the caller's turn and starts a streamed reply. A
// prompt arriving while a reply is in flight interrupts that reply
// first (barge-in).
func (a *Agent) OnPrompt(ctx context.Context, sessionID, text string) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	s.interrupt()
	s.inflight.Wait()

	s.mu.Lock()
	s.messages = append(s.messages, llm.Message{Role: "user", Content: text})
	s.mu.Unlock()

	a.recordTurn(ctx, s, "user", text, false)

	// The reply outlives the inbound frame's context.
	rctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		a.respond(rctx, s)
	}()
	return nil
}

// OnInterrupt cancels the in-flight reply, if any. Tokens already sent
// stay sent.
func (a *Agent) OnInterrupt(ctx context.Context, sessionID string) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	s.interrupt()
	return nil
}

// OnEnd finishes the session: any in-flight reply is interrupted,
// the transport is closed, and conversation.ended is published.
func (a *Agent) OnEnd(ctx context.Context, sessionID string, payload map[string]any) error {
	a.mu.Lock()
	s := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.interrupt()
	s.inflight.Wait()

	if a.opts.History != nil {
		if err := a.opts.History.EndSession(ctx, s.id); err != nil {
			a.Logger().Warn("session end persist failed", "session_id", s.id, "error", err)
		}
	}
	if err := a.publish(ctx, bus.NewEvent(bus.TypeConversationEnded, s.id, a.ID(), payload)); err != nil {
		a.Logger().Warn("publish failed", "session_id", s.id, "error", err)
	}
	if err := s.transport.End(payload); err != nil {
		return fmt.Errorf("end session %s: %w", s.id, err)
	}
	return nil
}

func (a *Agent) session(id string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sessions[id]
	if s == nil {
		return nil, fmt.Errorf("unknown session %s", id)
	}
	return s, nil
}

func (s *session) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// respond drives one reply: stream the model, execute requested tools,
// and loop until the model answers in plain text or the round budget
// runs out.
func (a *Agent) respond(ctx context.Context, s *session) {
	msgs := s.prompt()
	defs := a.toolDefs()

	var reply strings.Builder
	for round := 0; ; round++ {
		text, calls, err := a.opts.Completer.StreamTools(ctx, msgs, defs, func(token string) error {
			reply.WriteString(token)
			return s.transport.SendToken(token, false)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				a.finishReply(ctx, s, reply.String(), true)
				return
			}
			a.Logger().Error("completion failed", "session_id", s.id, "error", err)
			a.publishErr(ctx, s.id, err)
			// Close out the reply so the client is not left waiting;
			// partial text, if any, is kept as an interrupted turn.
			if reply.Len() > 0 {
				a.finishReply(ctx, s, reply.String(), true)
			} else if serr := s.transport.SendToken("", true); serr != nil {
				a.Logger().Warn("final token failed", "session_id", s.id, "error", serr)
			}
			return
		}
		if len(calls) == 0 {
			s.mu.Lock()
			s.messages = append(s.messages, llm.Message{Role: "assistant", Content: text})
			s.mu.Unlock()
			a.finishReply(ctx, s, reply.String(), false)
			return
		}
		if round >= a.opts.MaxToolRounds {
			a.Logger().Warn("tool round budget exhausted", "session_id", s.id, "rounds", round)
			a.finishReply(ctx, s, reply.String(), false)
			return
		}

		assistant := llm.Message{Role: "assistant", Content: text, ToolCalls: calls}
		msgs = append(msgs, assistant)
		s.mu.Lock()
		s.messages = append(s.messages, assistant)
		s.mu.Unlock()
		for _, call := range calls {
			result := a.runTool(ctx, s, call)
			msg := llm.Message{Role: "tool", Content: result, ToolCallID: call.ID}
			msgs = append(msgs, msg)
			s.mu.Lock()
			s.messages = append(s.messages, msg)
			s.mu.Unlock()
		}
	}
}

// prompt snapshots the dialogue, prefixed with the latest analyzer
// insights when any have arrived.
func (s *session) prompt() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]llm.Message, 0, len(s.messages)+1)
	if len(s.insights) > 0 {
		if raw, err := json.Marshal(s.insights); err == nil {
			msgs = append(msgs, llm.Message{
				Role:    "system",
				Content: "Background analysis of this conversation so far: " + string(raw),
			})
		}
	}
	return append(msgs, s.messages...)
}

func (a *Agent) toolDefs() []llm.ToolDef {
	if a.opts.Tools == nil {
		return nil
	}
	var defs []llm.ToolDef
	for _, d := range a.opts.Tools.Definitions() {
		def := llm.ToolDef{Name: d.Name, Description: d.Description}
		if len(d.Parameters) > 0 {
			var params map[string]any
			if err := json.Unmarshal(d.Parameters, &params); err == nil {
				def.Parameters = params
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// runTool executes one requested call and returns the JSON the model
// sees. Tool failures become an error payload rather than aborting the
// reply.
func (a *Agent) runTool(ctx context.Context, s *session, call llm.ToolCall) string {
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return a.toolFailure(ctx, s, call, fmt.Errorf("bad arguments: %w", err))
		}
	}
	tc := &tools.Context{SessionID: s.id, AgentID: a.ID(), Logger: a.Logger()}
	if a.runtime != nil {
		tc.Services = a.runtime.Services
	}
	out, err := a.opts.Tools.Execute(ctx, call.Name, args, tc)
	if err != nil {
		return a.toolFailure(ctx, s, call, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return a.toolFailure(ctx, s, call, err)
	}
	a.publishData(ctx, bus.TypeToolCallCompleted, s.id, map[string]any{"tool": call.Name})
	return string(raw)
}

func (a *Agent) toolFailure(ctx context.Context, s *session, call llm.ToolCall, err error) string {
	a.Logger().Error("tool call failed", "session_id", s.id, "tool", call.Name, "error", err)
	a.publishData(ctx, bus.TypeToolCallFailed, s.id, map[string]any{
		"tool": call.Name, "error": err.Error(),
	})
	raw, _ := json.Marshal(map[string]any{"error": err.Error()})
	return string(raw)
}

// finishReply closes the streamed reply on the transport and records
// the assistant turn. An interrupted turn keeps whatever text was
// already delivered; the bookkeeping runs on a detached context so a
// barge-in cancel does not also cancel persisting the aborted turn.
func (a *Agent) finishReply(ctx context.Context, s *session, text string, interrupted bool) {
	ctx = context.WithoutCancel(ctx)
	if err := s.transport.SendToken("", true); err != nil {
		a.Logger().Warn("final token failed", "session_id", s.id, "error", err)
	}
	a.recordTurn(ctx, s, "assistant", text, interrupted)
}

func (a *Agent) recordTurn(ctx context.Context, s *session, role, content string, interrupted bool) {
	if a.opts.History != nil {
		err := a.opts.History.AppendTurn(ctx, persistence.TurnRecord{
			SessionID:   s.id,
			Role:        role,
			Content:     content,
			Interrupted: interrupted,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			a.Logger().Warn("turn persist failed", "session_id", s.id, "error", err)
		}
	}
	a.publishData(ctx, bus.TypeConversationTurn, s.id, map[string]any{
		"role": role, "content": content, "interrupted": interrupted,
	})
}

func (a *Agent) publishData(ctx context.Context, eventType, sessionID string, data map[string]any) {
	if err := a.publish(ctx, bus.NewEvent(eventType, sessionID, a.ID(), data)); err != nil {
		a.Logger().Warn("publish failed", "event_type", eventType, "error", err)
	}
}

func (a *Agent) publish(ctx context.Context, event bus.Event) error {
	if a.runtime == nil || a.runtime.Bus == nil {
		return errors.New("conversation agent not initialized")
	}
	return a.runtime.Bus.Publish(ctx, event)
}

func (a *Agent) publishErr(ctx context.Context, sessionID string, err error) {
	a.publishData(ctx, bus.TypeSystemError, sessionID, map[string]any{
		"source": a.ID(), "error": err.Error(),
	})
}
