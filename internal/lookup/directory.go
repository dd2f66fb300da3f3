// Package lookup provides the caller directory: a phone-number-to-
// profile mapping injected through the service registry instead of
// living as a mutable table inside a route handler.
package lookup

import (
	"strings"
	"sync"
)

// Profile is what the runtime knows about a caller.
type Profile struct {
	Name        string `yaml:"name"`
	AccountTier string `yaml:"account_tier"`
	Notes       string `yaml:"notes"`
}

// Directory maps normalized phone numbers to profiles. Safe for
// concurrent use; entries can be replaced wholesale on config reload.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Profile
}

// NewDirectory creates a directory from the given entries.
func NewDirectory(entries map[string]Profile) *Directory {
	d := &Directory{}
	d.Replace(entries)
	return d
}

// normalize strips separators so "+1 (555) 010-0" and "+15550100" match.
func normalize(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Lookup finds a caller profile by phone number.
func (d *Directory) Lookup(phone string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.entries[normalize(phone)]
	return p, ok
}

// Replace swaps the full entry set, e.g. after a config reload.
func (d *Directory) Replace(entries map[string]Profile) {
	normalized := make(map[string]Profile, len(entries))
	for phone, profile := range entries {
		normalized[normalize(phone)] = profile
	}
	d.mu.Lock()
	d.entries = normalized
	d.mu.Unlock()
}

// Len returns the number of known callers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
