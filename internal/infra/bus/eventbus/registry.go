package eventbus

import (
	"sync"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/bus/topic"
)

// Filter decides whether a matching event reaches a subscription's handler.
type Filter func(evt *schema.Event) bool

// Subscription binds one handler to one or more topic patterns.
type Subscription struct {
	ID         string
	Patterns   []string
	Handler    Handler
	Filter     Filter
	MaxRetries int

	box *mailbox
}

// Registry keeps subscriptions in registration order and answers topic lookups.
type Registry struct {
	matcher topic.Matcher

	mu    sync.RWMutex
	order []*Subscription
	byID  map[string]*Subscription
}

// NewRegistry builds a registry. A nil matcher selects the regex fallback.
func NewRegistry(matcher topic.Matcher) *Registry {
	if matcher == nil {
		matcher = topic.NewRegexMatcher()
	}
	return &Registry{
		matcher: matcher,
		byID:    make(map[string]*Subscription),
	}
}

// Add registers sub. Patterns are stored verbatim.
func (r *Registry) Add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, sub)
	r.byID[sub.ID] = sub
}

// Remove drops the subscription with id and returns it, or nil when absent.
func (r *Registry) Remove(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	for i, candidate := range r.order {
		if candidate == sub {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return sub
}

// Matching returns a snapshot of subscriptions whose patterns match eventType,
// oldest first. Each subscription appears at most once.
func (r *Registry) Matching(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.order {
		for _, pattern := range sub.Patterns {
			if r.matcher.Match(pattern, eventType) {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

// CountFor counts subscriptions registered under exactly pattern.
func (r *Registry) CountFor(pattern string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, sub := range r.order {
		for _, p := range sub.Patterns {
			if p == pattern {
				count++
				break
			}
		}
	}
	return count
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear removes every subscription and returns them in registration order.
func (r *Registry) Clear() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.order
	r.order = nil
	r.byID = make(map[string]*Subscription)
	return out
}
