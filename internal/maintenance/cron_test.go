package maintenance

import (
	"testing"
	"time"
)

func TestCronParser_NextActivation(t *testing.T) {
	sched, err := cronParser.Parse("0 3 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	after := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if next := sched.Next(after); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
