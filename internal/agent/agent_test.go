package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/vox/internal/bus"
)

func TestBase_Transitions(t *testing.T) {
	b := NewBase("a1", nil)

	if got := b.State(); got != StateInitializing {
		t.Fatalf("initial state = %s, want initializing", got)
	}
	steps := []State{StateRunning, StatePaused, StateRunning, StateStopping, StateStopped}
	for _, to := range steps {
		if err := b.Transition(to, nil); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	// Stopped agents may be restarted.
	if err := b.Transition(StateRunning, nil); err != nil {
		t.Fatalf("restart from stopped: %v", err)
	}
}

func TestBase_InvalidTransition(t *testing.T) {
	b := NewBase("a1", nil)
	err := b.Transition(StateStopped, nil)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want TransitionError", err)
	}
	if terr.From != StateInitializing || terr.To != StateStopped {
		t.Fatalf("transition error = %+v", terr)
	}
}

func TestBase_ErrorStateTerminal(t *testing.T) {
	b := NewBase("a1", nil)
	if err := b.Transition(StateRunning, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	boom := errors.New("boom")
	if err := b.Transition(StateError, boom); err != nil {
		t.Fatalf("transition to error: %v", err)
	}
	if st := b.Status(); st.State != StateError || st.Err != boom {
		t.Fatalf("status = %+v", st)
	}
	if err := b.Transition(StateRunning, nil); err == nil {
		t.Fatal("expected error state to be terminal")
	}
}

func TestBase_MarkInitializedOnce(t *testing.T) {
	b := NewBase("a1", nil)
	if err := b.MarkInitialized(); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := b.MarkInitialized(); err == nil {
		t.Fatal("expected second initialize to fail")
	}
}

func TestBase_ObserveMetrics(t *testing.T) {
	b := NewBase("a1", nil)
	ctx := context.Background()
	ev := bus.NewEvent("x.y", "s1", "a1", nil)

	ok := func(context.Context, bus.Event) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	boom := errors.New("boom")
	bad := func(context.Context, bus.Event) error { return boom }

	if err := b.Observe(ctx, ev, ok); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := b.Observe(ctx, ev, bad); !errors.Is(err, boom) {
		t.Fatalf("observe error = %v, want re-thrown handler error", err)
	}

	m := b.Metrics()
	if m.EventsProcessed != 2 {
		t.Fatalf("events processed = %d, want 2", m.EventsProcessed)
	}
	if m.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", m.ErrorCount)
	}
	if m.AverageProcessingTime <= 0 {
		t.Fatalf("average processing time = %v, want > 0", m.AverageProcessingTime)
	}
	if m.LastActivity.IsZero() {
		t.Fatal("last activity not recorded")
	}
}

// stubAgent is a minimal Agent for Manager tests.
type stubAgent struct {
	*Base
	initErr   error
	started   int
	stopped   int
	destroyed int
}

func newStubAgent(id string) *stubAgent {
	return &stubAgent{Base: NewBase(id, nil)}
}

func (s *stubAgent) Initialize(ctx context.Context, ac *Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	if err := s.MarkInitialized(); err != nil {
		return err
	}
	return s.Transition(StateRunning, nil)
}

func (s *stubAgent) Start() error { s.started++; return nil }
func (s *stubAgent) Stop() error  { s.stopped++; return nil }
func (s *stubAgent) Destroy() error {
	s.destroyed++
	return nil
}
func (s *stubAgent) HandleEvent(ctx context.Context, ev bus.Event) error {
	return s.Observe(ctx, ev, func(context.Context, bus.Event) error { return nil })
}

func TestManager_AddStartStopDestroy(t *testing.T) {
	m := NewManager(&Context{}, nil)
	ctx := context.Background()

	a1 := newStubAgent("a1")
	a2 := newStubAgent("a2")
	if err := m.Add(ctx, a1); err != nil {
		t.Fatalf("add a1: %v", err)
	}
	if err := m.Add(ctx, a2); err != nil {
		t.Fatalf("add a2: %v", err)
	}
	if err := m.Add(ctx, newStubAgent("a1")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}

	m.StartAll()
	if a1.started != 1 || a2.started != 1 {
		t.Fatalf("starts = %d/%d, want 1/1", a1.started, a2.started)
	}

	if err := m.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if a1.stopped != 1 || a2.stopped != 1 {
		t.Fatalf("stops = %d/%d, want 1/1", a1.stopped, a2.stopped)
	}
	if a1.destroyed != 1 || a2.destroyed != 1 {
		t.Fatalf("destroys = %d/%d, want 1/1", a1.destroyed, a2.destroyed)
	}
	if got := m.IDs(); len(got) != 0 {
		t.Fatalf("ids after destroy = %v, want none", got)
	}
}

func TestManager_AddInitializeFailure(t *testing.T) {
	m := NewManager(&Context{}, nil)
	bad := newStubAgent("bad")
	bad.initErr = errors.New("boom")
	if err := m.Add(context.Background(), bad); err == nil {
		t.Fatal("expected initialize failure to surface")
	}
	if _, ok := m.Get("bad"); ok {
		t.Fatal("failed agent should not stay managed")
	}
}
