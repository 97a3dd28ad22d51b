package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type fakeLimiter struct {
	mu       sync.Mutex
	decision schema.RateLimitDecision
	err      error
	keys     []string
}

func allowing() *fakeLimiter {
	return &fakeLimiter{decision: schema.RateLimitDecision{Allowed: true}}
}

func (f *fakeLimiter) CheckEventRateLimit(_ context.Context, key, _ string) (schema.RateLimitDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.decision, f.err
}

func (f *fakeLimiter) CreateRateLimitedEvent(original *schema.Event, decision schema.RateLimitDecision) *schema.Event {
	return &schema.Event{
		ID:   "limited-" + original.ID,
		Type: schema.RateLimitedEventType,
		Data: map[string]any{
			"originalEventId":  original.ID,
			"limitType":        decision.LimitType,
			schema.FieldChatID: original.StringField(schema.FieldChatID),
		},
	}
}

func (f *fakeLimiter) RateLimitStatus(_ context.Context, key, eventType string) (schema.RateLimitStatus, error) {
	return schema.RateLimitStatus{Key: key, EventType: eventType, Allowed: f.decision.Allowed}, f.err
}

func (f *fakeLimiter) seenKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type behaviorFunc func(eventType string) (schema.Behavior, error)

func (f behaviorFunc) EventBehavior(eventType string) (schema.Behavior, error) { return f(eventType) }

// blockingFor applies mode/cfg to event types under prefix and passive elsewhere.
func blockingFor(prefix string, mode schema.Mode, cfg schema.BarrierConfig) behaviorFunc {
	return func(eventType string) (schema.Behavior, error) {
		if strings.HasPrefix(eventType, prefix) {
			c := cfg
			return schema.Behavior{Mode: mode, Interceptable: true, Barrier: &c}, nil
		}
		return schema.PassiveBehavior(), nil
	}
}

type fakeMonitor struct {
	starts      atomic.Int32
	stops       atomic.Int32
	recorded    atomic.Int32
	failures    atomic.Int32
	panicRecord bool
}

func (m *fakeMonitor) Start(context.Context) error { m.starts.Add(1); return nil }
func (m *fakeMonitor) Stop()                       { m.stops.Add(1) }
func (m *fakeMonitor) RecordEvent(_ *schema.Event, _ time.Duration, success bool) {
	m.recorded.Add(1)
	if !success {
		m.failures.Add(1)
	}
	if m.panicRecord {
		panic("monitor exploded")
	}
}
func (m *fakeMonitor) PerformanceReport() schema.PerformanceReport {
	return schema.PerformanceReport{TotalEvents: uint64(m.recorded.Load())}
}
func (m *fakeMonitor) SystemHealth() schema.SystemHealth {
	return schema.SystemHealth{Status: schema.HealthHealthy}
}
func (m *fakeMonitor) OptimizationSuggestions() []string { return []string{"none"} }

type emission struct {
	eventType string
	roomID    string
	payload   any
}

type fakeTransport struct {
	mu    sync.Mutex
	emits []emission
	err   error
}

func (f *fakeTransport) Emit(_ context.Context, eventType, roomID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emission{eventType: eventType, roomID: roomID, payload: payload})
	return f.err
}

func (f *fakeTransport) ofType(eventType string) []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emission
	for _, e := range f.emits {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []schema.BarrierDecision
}

func (f *fakeRecorder) RecordDecision(_ context.Context, d schema.BarrierDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeRecorder) all() []schema.BarrierDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.BarrierDecision(nil), f.decisions...)
}

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (r *recorder) handle(_ context.Context, evt *schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestBus(t *testing.T, opts ...Option) *EventBus {
	t.Helper()
	base := []Option{WithLogger(zerolog.Nop())}
	bus := New(Config{RetryDelay: time.Millisecond}, append(base, opts...)...)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus
}

func publishAsync(ctx context.Context, bus *EventBus, in schema.EventInput) <-chan schema.PublishResult {
	out := make(chan schema.PublishResult, 1)
	go func() { out <- bus.Publish(ctx, in) }()
	return out
}

func waitPending(t *testing.T, bus *EventBus, eventID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range bus.PendingBarriers() {
			if p.EventID == eventID {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "barrier %s never became pending", eventID)
}

func awaitResult(t *testing.T, ch <-chan schema.PublishResult) schema.PublishResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return")
		return schema.PublishResult{}
	}
}
