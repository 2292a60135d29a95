// Package trigger matches MUD output against notification-worthy patterns
// (tells, pages, combat, death, custom) with per-session rate limiting.
package trigger

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Type categorizes a trigger for notification rendering.
type Type string

const (
	TypeTell   Type = "tell"
	TypeCombat Type = "combat"
	TypeDeath  Type = "death"
	TypeCustom Type = "custom"
)

// Trigger is one registered pattern. Patterns are compiled case-insensitive
// and multiline, so ^ and $ anchor to lines of server output.
type Trigger struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
	Label   string `json:"label,omitempty"`

	re      *regexp.Regexp
	builtin bool
}

// Match is the result of a successful trigger evaluation. Sender and Message
// are capture groups 1 and 2 when the pattern defines them.
type Match struct {
	TriggerID   string
	TriggerType Type
	MatchedText string
	Sender      string
	Message     string
}

// Limits configures per-session rate limiting.
type Limits struct {
	// PerTypePerMinute caps matches of one trigger id inside a minute.
	PerTypePerMinute int
	// TotalPerHour caps all matches for a session inside an hour.
	TotalPerHour int
}

// rateLimitEntry tracks per-session match accounting.
type rateLimitEntry struct {
	count         int
	lastReset     time.Time
	lastByTrigger map[string]time.Time
}

// Matcher evaluates triggers in registration order and enforces rate limits.
type Matcher struct {
	mu       sync.Mutex
	triggers []*Trigger
	limits   Limits
	entries  map[string]*rateLimitEntry

	now func() time.Time
}

// NewMatcher creates a matcher preloaded with the built-in triggers.
func NewMatcher(limits Limits) *Matcher {
	if limits.PerTypePerMinute <= 0 {
		limits.PerTypePerMinute = 1
	}
	if limits.TotalPerHour <= 0 {
		limits.TotalPerHour = 10
	}
	m := &Matcher{
		limits:  limits,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
	for _, t := range builtinTriggers() {
		// Built-in patterns are compile-tested; a failure here is a bug.
		if err := m.register(t, true); err != nil {
			panic(err)
		}
	}
	return m
}

func builtinTriggers() []Trigger {
	return []Trigger{
		{ID: "tell", Type: TypeTell, Enabled: true,
			Pattern: `^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+tells\s+(?:you|the\s+group)[:,]\s*(.+)$`},
		{ID: "page", Type: TypeTell, Enabled: true,
			Pattern: `^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+pages?[:,]?\s*(.+)$`},
		{ID: "whisper", Type: TypeTell, Enabled: true,
			Pattern: `^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+whispers(?:\s+to\s+you)?[:,]\s*(.+)$`},
		{ID: "combat", Type: TypeCombat, Enabled: true,
			Pattern: `^(?:You are under attack|(.+?)\s+attacks\s+you)[!.]?$`},
		{ID: "death", Type: TypeDeath, Enabled: true,
			Pattern: `^(?:You have died|You are DEAD|You have been slain)[!.]?$`},
		{ID: "party-invite", Type: TypeCustom, Enabled: true,
			Pattern: `^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+invites?\s+you\s+(?:to join|into)\s+(?:a\s+party|their\s+group)`},
	}
}

func (m *Matcher) register(t Trigger, builtin bool) error {
	re, err := regexp.Compile("(?im)" + t.Pattern)
	if err != nil {
		return fmt.Errorf("trigger %q: invalid pattern: %w", t.ID, err)
	}
	t.re = re
	t.builtin = builtin
	m.triggers = append(m.triggers, &t)
	return nil
}

// Register adds a custom trigger after the existing ones.
func (m *Matcher) Register(t Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.register(t, false)
}

// SetCustom replaces the whole custom trigger set, keeping built-ins in
// place. Used by the config watcher on triggers.json reload; an invalid
// pattern rejects the entire set so a half-applied file never runs.
func (m *Matcher) SetCustom(triggers []Trigger) error {
	compiled := make([]*Trigger, 0, len(triggers))
	for _, t := range triggers {
		re, err := regexp.Compile("(?im)" + t.Pattern)
		if err != nil {
			return fmt.Errorf("trigger %q: invalid pattern: %w", t.ID, err)
		}
		t.re = re
		compiled = append(compiled, &t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.triggers[:0]
	for _, t := range m.triggers {
		if t.builtin {
			kept = append(kept, t)
		}
	}
	m.triggers = append(kept, compiled...)
	return nil
}

// Match evaluates text against all enabled triggers in registration order and
// returns the first match whose rate limit allows, or nil. At most one match
// is produced per call.
func (m *Matcher) Match(text, sessionID string) *Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry := m.entries[sessionID]
	if entry == nil {
		entry = &rateLimitEntry{lastByTrigger: make(map[string]time.Time)}
		m.entries[sessionID] = entry
	}

	// Hourly counter resets on the first match attempt after the window
	// expires.
	if now.Sub(entry.lastReset) >= time.Hour {
		entry.count = 0
		entry.lastReset = now
	}
	if entry.count >= m.limits.TotalPerHour {
		return nil
	}

	minInterval := time.Minute / time.Duration(m.limits.PerTypePerMinute)
	for _, t := range m.triggers {
		if !t.Enabled {
			continue
		}
		groups := t.re.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		if last, ok := entry.lastByTrigger[t.ID]; ok && now.Sub(last) < minInterval {
			continue
		}

		entry.count++
		entry.lastByTrigger[t.ID] = now

		match := &Match{
			TriggerID:   t.ID,
			TriggerType: t.Type,
			MatchedText: groups[0],
		}
		if len(groups) > 1 {
			match.Sender = groups[1]
		}
		if len(groups) > 2 {
			match.Message = groups[2]
		}
		return match
	}
	return nil
}

// CleanupOldEntries purges rate-limit state for sessions idle longer than
// maxAge and returns how many entries were removed.
func (m *Matcher) CleanupOldEntries(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, entry := range m.entries {
		last := entry.lastReset
		for _, t := range entry.lastByTrigger {
			if t.After(last) {
				last = t
			}
		}
		if now.Sub(last) > maxAge {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}
