package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/nidhogg/somnia/internal/pattern"
)

func cachePattern(id string, descLen int) *pattern.Pattern {
	desc := make([]byte, descLen)
	for i := range desc {
		desc[i] = 'x'
	}
	return &pattern.Pattern{
		ID:          id,
		Category:    pattern.CategorySuccessStrategy,
		Description: string(desc),
		Conditions:  []string{"c"},
		Actions:     []string{"a"},
		AgentType:   "builder",
		Confidence:  0.5,
	}
}

func TestPatternCache_LRUEviction(t *testing.T) {
	// Budget fits roughly three entries of this size.
	budget := 3 * approxSize(cachePattern("p", 100))
	c := newPatternCache(budget)

	for i := 0; i < 4; i++ {
		c.Put(cachePattern(fmt.Sprintf("p%d", i), 100))
	}
	if c.Len() > 3 {
		t.Fatalf("cache holds %d entries, budget allows 3", c.Len())
	}
	// p0 was least recently used and must be gone.
	if _, ok := c.Get("p0"); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.Get("p3"); !ok {
		t.Error("most recent entry evicted")
	}
}

func TestPatternCache_GetRefreshesRecency(t *testing.T) {
	budget := 2 * approxSize(cachePattern("p", 100))
	c := newPatternCache(budget)

	c.Put(cachePattern("old", 100))
	c.Put(cachePattern("mid", 100))
	if _, ok := c.Get("old"); !ok {
		t.Fatal("entry missing before eviction")
	}
	c.Put(cachePattern("new", 100))

	// "mid" is now the least recently used.
	if _, ok := c.Get("mid"); ok {
		t.Error("expected mid to be evicted")
	}
	if _, ok := c.Get("old"); !ok {
		t.Error("recently touched entry evicted")
	}
}

func TestPatternCache_ReturnsCopies(t *testing.T) {
	c := newPatternCache(1 << 20)
	c.Put(cachePattern("p1", 10))

	got, _ := c.Get("p1")
	got.Description = "mutated"

	again, _ := c.Get("p1")
	if again.Description == "mutated" {
		t.Error("cache handed out a shared pointer")
	}
}

func TestPatternCache_OversizedEntrySkipped(t *testing.T) {
	c := newPatternCache(64)
	c.Put(cachePattern("huge", 10_000))
	if c.Len() != 0 {
		t.Error("entry larger than the whole budget was cached")
	}
}

func TestQueryCache_TTLExpiry(t *testing.T) {
	qc := newQueryCache(20 * time.Millisecond)
	criteria := pattern.FindCriteria{Framework: "jest"}
	key := querySignature(criteria, 5)

	qc.Put(key, criteria, []pattern.Match{{Score: 0.9}})
	if _, ok := qc.Get(key); !ok {
		t.Fatal("fresh entry missing")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := qc.Get(key); ok {
		t.Error("expired entry served")
	}
}

func TestQueryCache_InvalidateOnMatchingPattern(t *testing.T) {
	qc := newQueryCache(time.Minute)

	jest := pattern.FindCriteria{Framework: "jest"}
	pytest := pattern.FindCriteria{Framework: "pytest"}
	anyFW := pattern.FindCriteria{}
	for _, c := range []pattern.FindCriteria{jest, pytest, anyFW} {
		qc.Put(querySignature(c, 5), c, nil)
	}

	p := cachePattern("p1", 10)
	p.Framework = "jest"
	qc.Invalidate(p)

	if _, ok := qc.Get(querySignature(jest, 5)); ok {
		t.Error("query the pattern matches survived invalidation")
	}
	if _, ok := qc.Get(querySignature(anyFW, 5)); ok {
		t.Error("unconstrained query survived invalidation")
	}
	if _, ok := qc.Get(querySignature(pytest, 5)); !ok {
		t.Error("unrelated query was dropped")
	}
}

func TestQuerySignature_Normalized(t *testing.T) {
	a := querySignature(pattern.FindCriteria{
		Framework: "Jest",
		TaskTypes: []string{"B", "a"},
		Query:     "  retry   flaky  ",
	}, 5)
	b := querySignature(pattern.FindCriteria{
		Framework: "jest",
		TaskTypes: []string{"a", "b"},
		Query:     "retry flaky",
	}, 5)
	if a != b {
		t.Errorf("equivalent queries got different signatures:\n%s\n%s", a, b)
	}

	c := querySignature(pattern.FindCriteria{Framework: "jest"}, 10)
	if a == c {
		t.Error("different queries share a signature")
	}
}
