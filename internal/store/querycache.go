package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/somnia/internal/pattern"
)

// QueryCacheTTL wraps the query cache TTL so a zero Options value still
// gets the reference 5 minute default.
type QueryCacheTTL time.Duration

func (t QueryCacheTTL) value() time.Duration {
	if t == 0 {
		return 5 * time.Minute
	}
	return time.Duration(t)
}

// queryCache memoizes Find results under a normalized query signature for a
// bounded TTL. It is invalidated explicitly when a pattern that could have
// matched is stored or updated, not just left to expire.
type queryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*queryEntry
}

type queryEntry struct {
	criteria pattern.FindCriteria
	matches  []pattern.Match
	expires  time.Time
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{
		ttl:     ttl,
		entries: make(map[string]*queryEntry),
	}
}

// querySignature normalizes criteria into a deterministic cache key.
func querySignature(c pattern.FindCriteria, limit int) string {
	tags := make([]string, len(c.TaskTypes))
	for i, t := range c.TaskTypes {
		tags[i] = strings.ToLower(t)
	}
	sort.Strings(tags)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%.3f|%d",
		strings.ToLower(c.AgentType),
		strings.ToLower(string(c.Category)),
		strings.ToLower(c.Framework),
		strings.Join(tags, ","),
		strings.ToLower(strings.Join(strings.Fields(c.Query), " ")),
		c.MinQuality,
		limit,
	)
}

func (qc *queryCache) Get(key string) ([]pattern.Match, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	e, ok := qc.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(qc.entries, key)
		return nil, false
	}
	out := make([]pattern.Match, len(e.matches))
	copy(out, e.matches)
	return out, true
}

func (qc *queryCache) Put(key string, criteria pattern.FindCriteria, matches []pattern.Match) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	stored := make([]pattern.Match, len(matches))
	copy(stored, matches)
	qc.entries[key] = &queryEntry{
		criteria: criteria,
		matches:  stored,
		expires:  time.Now().Add(qc.ttl),
	}
}

// Invalidate drops every cached query the given pattern could have matched.
// A criteria field left empty matches any pattern, so only a populated field
// that contradicts the pattern lets an entry survive.
func (qc *queryCache) Invalidate(p *pattern.Pattern) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	for key, e := range qc.entries {
		if couldMatch(e.criteria, p) {
			delete(qc.entries, key)
		}
	}
}

func couldMatch(c pattern.FindCriteria, p *pattern.Pattern) bool {
	if c.AgentType != "" && !strings.EqualFold(c.AgentType, p.AgentType) {
		return false
	}
	if c.Category != "" && c.Category != p.Category {
		return false
	}
	if c.Framework != "" && !strings.EqualFold(c.Framework, p.Framework) {
		return false
	}
	return true
}

func (qc *queryCache) Len() int {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return len(qc.entries)
}
