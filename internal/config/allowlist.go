package config

import (
	"sort"
	"strings"
)

// AllowList is the fixed set of logins permitted on gated routes. It is built
// once at startup and never mutated, so it is safe for concurrent reads.
type AllowList struct {
	logins map[string]struct{}
}

// ParseAllowList parses a comma-separated list of logins. Entries are trimmed
// and lower-cased; empty entries are dropped.
func ParseAllowList(csv string) AllowList {
	return NewAllowList(strings.Split(csv, ","))
}

// NewAllowList builds an allow-list from individual logins.
func NewAllowList(logins []string) AllowList {
	set := make(map[string]struct{}, len(logins))
	for _, l := range logins {
		normalized := normalizeLogin(l)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return AllowList{logins: set}
}

// Contains reports whether login is allow-listed (case-insensitive).
func (a AllowList) Contains(login string) bool {
	normalized := normalizeLogin(login)
	if normalized == "" {
		return false
	}
	_, ok := a.logins[normalized]
	return ok
}

// Len returns the number of allow-listed logins.
func (a AllowList) Len() int { return len(a.logins) }

// Logins returns the sorted allow-listed logins.
func (a AllowList) Logins() []string {
	out := make([]string, 0, len(a.logins))
	for l := range a.logins {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
