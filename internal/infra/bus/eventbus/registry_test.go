package eventbus

import (
	"testing"

	"github.com/coachpo/barrierbus/internal/infra/bus/topic"
)

func newSub(id string, patterns ...string) *Subscription {
	return &Subscription{ID: id, Patterns: patterns}
}

func ids(subs []*Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

func TestRegistryMatchingOrderAndDedup(t *testing.T) {
	r := NewRegistry(topic.NewMQTTMatcher())
	r.Add(newSub("first", "chat/#", "chat/message"))
	r.Add(newSub("second", "tool/+"))
	r.Add(newSub("third", "chat/message"))

	got := ids(r.Matching("chat/message"))
	if len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Fatalf("unexpected match set %v", got)
	}
	if len(r.Matching("other")) != 0 {
		t.Fatal("expected no matches")
	}
}

func TestRegistryRemoveAndCounts(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(newSub("a", "x/#"))
	r.Add(newSub("b", "x/#", "y"))
	r.Add(newSub("c", "y"))

	if r.CountFor("x/#") != 2 || r.CountFor("y") != 2 || r.CountFor("x/1") != 0 {
		t.Fatalf("unexpected pattern counts")
	}
	if r.Remove("b") == nil {
		t.Fatal("expected removal")
	}
	if r.Remove("b") != nil {
		t.Fatal("expected second removal to miss")
	}
	if r.Count() != 2 || r.CountFor("y") != 1 {
		t.Fatalf("unexpected counts after removal: %d", r.Count())
	}
	if got := ids(r.Matching("x/1")); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected match set %v", got)
	}

	cleared := r.Clear()
	if len(cleared) != 2 || cleared[0].ID != "a" || r.Count() != 0 {
		t.Fatalf("unexpected clear result %v", ids(cleared))
	}
}

func TestRegistryMatchingSnapshotIsStable(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(newSub("a", "evt"))
	snap := r.Matching("evt")
	r.Add(newSub("b", "evt"))
	r.Remove("a")
	if len(snap) != 1 || snap[0].ID != "a" {
		t.Fatalf("snapshot mutated: %v", ids(snap))
	}
}
