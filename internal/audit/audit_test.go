package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/vox/internal/bus"
)

func initTrail(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	return filepath.Join(dir, "logs", "audit.jsonl")
}

func readEntries(t *testing.T, path string) []entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	defer f.Close()
	var out []entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecord_WritesConversationEvents(t *testing.T) {
	path := initTrail(t)

	Record(bus.NewEvent(bus.TypeConversationEnded, "s1", "conv", map[string]any{"reason": "caller_hangup"}))
	Record(bus.NewEvent(bus.TypeToolCallFailed, "s1", "conv", map[string]any{"tool": "lookup_caller"}))

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Type != bus.TypeConversationEnded || entries[0].Detail != "reason=caller_hangup" {
		t.Fatalf("entry = %+v", entries[0])
	}
	if entries[1].Detail != "tool=lookup_caller" {
		t.Fatalf("entry = %+v", entries[1])
	}
}

func TestRecord_SkipsAnalysisEvents(t *testing.T) {
	path := initTrail(t)
	Record(bus.NewEvent("analysis.topics", "s1", "topics", map[string]any{}))
	if entries := readEntries(t, path); len(entries) != 0 {
		t.Fatalf("analysis event recorded: %+v", entries)
	}
}

func TestRecord_RedactsSecrets(t *testing.T) {
	path := initTrail(t)
	Record(bus.NewEvent(bus.TypeSystemError, "s1", "conv", map[string]any{
		"error": "auth failed for key sk-abcdefghijklmnopqrstuvwxyz",
	}))
	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if strings.Contains(entries[0].Detail, "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret leaked: %q", entries[0].Detail)
	}
}

func TestAudited(t *testing.T) {
	cases := map[string]bool{
		"conversation.turn": true,
		"tool.call.failed":  true,
		"system.error":      true,
		"analysis.topics":   false,
	}
	for typ, want := range cases {
		if got := Audited(typ); got != want {
			t.Fatalf("Audited(%q) = %t, want %t", typ, got, want)
		}
	}
}
