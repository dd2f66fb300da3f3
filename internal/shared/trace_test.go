package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want %q", got, "-")
	}
}

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "t-1")
	ctx = WithSessionID(ctx, "s-1")
	ctx = WithAgentID(ctx, "a-1")

	if got := TraceID(ctx); got != "t-1" {
		t.Fatalf("TraceID = %q", got)
	}
	if got := SessionID(ctx); got != "s-1" {
		t.Fatalf("SessionID = %q", got)
	}
	if got := AgentID(ctx); got != "a-1" {
		t.Fatalf("AgentID = %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("NewTraceID returned duplicates")
	}
}
