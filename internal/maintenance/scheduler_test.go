package maintenance_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/vox/internal/maintenance"
	"github.com/basket/vox/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "vox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func endedSession(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateSession(ctx, id, "+15550001111"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.EndSession(ctx, id); err != nil {
		t.Fatalf("end session: %v", err)
	}
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	_, err := maintenance.NewScheduler(maintenance.Config{
		Store:    openTestStore(t),
		Schedule: "not a cron line",
	})
	if err == nil {
		t.Fatal("NewScheduler accepted a bad cron expression")
	}
}

func TestPrune_RemovesOnlyExpiredSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	endedSession(t, store, "old")
	if err := store.CreateSession(ctx, "active", "+15550002222"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:     store,
		Schedule:  "0 3 * * *",
		Retention: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Prune as if far in the future: the ended session is past retention.
	if err := sched.Prune(ctx, time.Now().Add(48*time.Hour)); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if _, err := store.GetSession(ctx, "old"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("old session still present, err = %v", err)
	}
	if _, err := store.GetSession(ctx, "active"); err != nil {
		t.Fatalf("active session pruned: %v", err)
	}
}

func TestPrune_KeepsSessionsInsideRetention(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	endedSession(t, store, "recent")

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:     store,
		Schedule:  "0 3 * * *",
		Retention: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := sched.Prune(ctx, time.Now()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := store.GetSession(ctx, "recent"); err != nil {
		t.Fatalf("recent session pruned: %v", err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:    openTestStore(t),
		Schedule: "0 3 * * *",
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if sched.NextRun().Before(time.Now()) {
		t.Fatal("NextRun in the past")
	}
	sched.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sched.Stop()
}
