package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "vox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", "+15550100"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	// Re-creating the same session is a no-op.
	if err := store.CreateSession(ctx, "s1", "+15550100"); err != nil {
		t.Fatalf("re-create session: %v", err)
	}

	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Caller != "+15550100" || sess.EndedAt != nil {
		t.Fatalf("session = %+v", sess)
	}

	if err := store.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	sess, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.EndedAt == nil {
		t.Fatal("ended_at not set")
	}

	if err := store.EndSession(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("end unknown session = %v, want ErrNotFound", err)
	}
}

func TestStore_Turns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	base := time.Now().UTC()
	records := []TurnRecord{
		{ID: "t1", SessionID: "s1", Role: "user", Content: "hi", CreatedAt: base},
		{ID: "t2", SessionID: "s1", Role: "assistant", Content: "hel", Interrupted: true, CreatedAt: base.Add(time.Second)},
	}
	for _, r := range records {
		if err := store.AppendTurn(ctx, r); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	turns, err := store.Turns(ctx, "s1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Content != "hi" || turns[1].Content != "hel" {
		t.Fatalf("turn order wrong: %+v", turns)
	}
	if !turns[1].Interrupted {
		t.Fatal("interrupted flag lost")
	}
}

func TestStore_AppendTurnAssignsIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 2; i++ {
		err := store.AppendTurn(ctx, TurnRecord{SessionID: "s1", Role: "user", Content: "hi"})
		if err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	turns, err := store.Turns(ctx, "s1")
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].ID == "" || turns[1].ID == "" {
		t.Fatalf("empty turn id: %+v", turns)
	}
	if turns[0].ID == turns[1].ID {
		t.Fatalf("turn ids collide: %q", turns[0].ID)
	}
}

func TestStore_AnalysisSnapshotUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	state1 := map[string]any{"sets": map[string][]string{"topics": {"billing"}}}
	if err := store.SaveAnalysis(ctx, "s1", "topics", state1); err != nil {
		t.Fatalf("save analysis: %v", err)
	}
	state2 := map[string]any{"sets": map[string][]string{"topics": {"billing", "refund"}}}
	if err := store.SaveAnalysis(ctx, "s1", "topics", state2); err != nil {
		t.Fatalf("save analysis again: %v", err)
	}

	snap, err := store.Analysis(ctx, "s1", "topics")
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	var decoded map[string]map[string][]string
	if err := json.Unmarshal(snap.State, &decoded); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got := decoded["sets"]["topics"]; len(got) != 2 {
		t.Fatalf("topics = %v, want updated snapshot", got)
	}

	if _, err := store.Analysis(ctx, "s1", "sentiment"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing snapshot = %v, want ErrNotFound", err)
	}
}

func TestStore_PruneSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, "old", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AppendTurn(ctx, TurnRecord{ID: "t1", SessionID: "old", Role: "user", Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.EndSession(ctx, "old"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := store.CreateSession(ctx, "active", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.PruneSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1 (active session kept)", n)
	}
	if _, err := store.GetSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old session still present: %v", err)
	}
	if turns, _ := store.Turns(ctx, "old"); len(turns) != 0 {
		t.Fatal("turns not cascaded on prune")
	}
	if _, err := store.GetSession(ctx, "active"); err != nil {
		t.Fatalf("active session lost: %v", err)
	}
}
