package bus

import (
	"fmt"
	"regexp"
	"strings"
)

// compilePattern turns a dot-namespaced glob into a matcher. Dots are
// literal; each "*" matches any run of characters, so "conversation.*"
// matches both "conversation.turn" and "conversation.turn.final" but
// not "system.error".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
