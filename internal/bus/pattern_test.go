package bus

import "testing"

func TestCompilePattern(t *testing.T) {
	cases := []struct {
		pattern string
		typ     string
		match   bool
	}{
		{"conversation.*", "conversation.turn", true},
		{"conversation.*", "conversation.started", true},
		{"conversation.*", "system.error", false},
		{"*", "anything.at.all", true},
		{"analysis.*", "analysis.topics", true},
		{"analysis.topics", "analysis.topics", true},
		{"analysis.topics", "analysis.topics.extra", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.c", false},
	}
	for _, tc := range cases {
		re, err := compilePattern(tc.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.pattern, err)
		}
		if got := re.MatchString(tc.typ); got != tc.match {
			t.Fatalf("pattern %q against %q = %v, want %v", tc.pattern, tc.typ, got, tc.match)
		}
	}
}

func TestCompilePattern_Empty(t *testing.T) {
	if _, err := compilePattern(""); err == nil {
		t.Fatal("expected error for empty pattern")
	}
}
