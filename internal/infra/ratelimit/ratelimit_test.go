package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(cfg Config, c *clock) *Limiter {
	return New(cfg, WithClock(c.Now), WithLogger(zerolog.Nop()), WithIDGenerator(func() string { return "limited-1" }))
}

func TestPerKeyTierDeniesFirst(t *testing.T) {
	c := newClock()
	l := newLimiter(Config{PerKey: Limit{Rate: 1, Burst: 2}, PerEventType: Limit{Rate: 100}, Global: Limit{Rate: 100}}, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.CheckEventRateLimit(ctx, "u1", "chat/message")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.CheckEventRateLimit(ctx, "u1", "chat/message")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, schema.LimitTypeUser, d.LimitType)
	require.Equal(t, time.Second, d.RetryAfter)

	d, err = l.CheckEventRateLimit(ctx, "u2", "chat/message")
	require.NoError(t, err)
	require.True(t, d.Allowed, "other keys have their own bucket")

	c.Advance(time.Second)
	d, err = l.CheckEventRateLimit(ctx, "u1", "chat/message")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestEventTypeAndGlobalTiers(t *testing.T) {
	c := newClock()
	l := newLimiter(Config{
		PerEventType:       Limit{Rate: 1, Burst: 1},
		Global:             Limit{Rate: 1, Burst: 3},
		EventTypeOverrides: map[string]Limit{"tool/run": {Rate: 10, Burst: 10}},
	}, c)
	ctx := context.Background()

	d, _ := l.CheckEventRateLimit(ctx, "a", "chat/message")
	require.True(t, d.Allowed)
	d, _ = l.CheckEventRateLimit(ctx, "b", "chat/message")
	require.False(t, d.Allowed)
	require.Equal(t, schema.LimitTypeEventType, d.LimitType)

	d, _ = l.CheckEventRateLimit(ctx, "a", "tool/run")
	require.True(t, d.Allowed)
	d, _ = l.CheckEventRateLimit(ctx, "a", "tool/run")
	require.True(t, d.Allowed)
	d, _ = l.CheckEventRateLimit(ctx, "a", "tool/run")
	require.False(t, d.Allowed)
	require.Equal(t, schema.LimitTypeGlobal, d.LimitType)
}

func TestDeniedCallConsumesNothing(t *testing.T) {
	c := newClock()
	l := newLimiter(Config{PerKey: Limit{Rate: 1, Burst: 5}, Global: Limit{Rate: 1, Burst: 1}}, c)
	ctx := context.Background()

	d, _ := l.CheckEventRateLimit(ctx, "u", "a")
	require.True(t, d.Allowed)
	for i := 0; i < 3; i++ {
		d, _ = l.CheckEventRateLimit(ctx, "u", "a")
		require.False(t, d.Allowed)
		require.Equal(t, schema.LimitTypeGlobal, d.LimitType)
	}

	status, err := l.RateLimitStatus(ctx, "u", "a")
	require.NoError(t, err)
	require.InDelta(t, 4.0, status.Tiers[0].Available, 1e-9, "denied calls must refund the per-key token")
}

func TestDisabledTiersAllowEverything(t *testing.T) {
	l := newLimiter(Config{}, newClock())
	for i := 0; i < 100; i++ {
		d, err := l.CheckEventRateLimit(context.Background(), "u", "a")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.Zero(t, l.Buckets())
}

func TestCheckHonoursCancelledContext(t *testing.T) {
	l := newLimiter(DefaultConfig(), newClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.CheckEventRateLimit(ctx, "u", "a")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateRateLimitedEvent(t *testing.T) {
	c := newClock()
	l := newLimiter(DefaultConfig(), c)
	original := &schema.Event{ID: "evt-1", Type: "chat/message", Data: map[string]any{"chatId": "c1", "userId": "u1", "text": "hi"}}

	evt := l.CreateRateLimitedEvent(original, schema.RateLimitDecision{LimitType: schema.LimitTypeUser, RetryAfter: 1500 * time.Millisecond})
	require.Equal(t, "limited-1", evt.ID)
	require.Equal(t, schema.RateLimitedEventType, evt.Type)
	require.Equal(t, c.Now(), evt.Timestamp)
	require.Equal(t, map[string]any{
		"originalEventId": "evt-1",
		"originalType":    "chat/message",
		"limitType":       "user",
		"retryAfterMs":    int64(1500),
		"chatId":          "c1",
		"userId":          "u1",
	}, evt.Data)
	require.Equal(t, "c1", evt.RoomID())
	require.Nil(t, l.CreateRateLimitedEvent(nil, schema.RateLimitDecision{}))
}

func TestRateLimitStatus(t *testing.T) {
	c := newClock()
	l := newLimiter(Config{PerKey: Limit{Rate: 2, Burst: 1}, PerEventType: Limit{Rate: 10}}, c)
	ctx := context.Background()

	status, err := l.RateLimitStatus(ctx, "u", "a")
	require.NoError(t, err)
	require.True(t, status.Allowed)
	require.Len(t, status.Tiers, 3)
	require.Equal(t, 10, status.Tiers[1].Burst, "burst derived from rate")
	require.False(t, status.Tiers[2].Enabled)

	d, _ := l.CheckEventRateLimit(ctx, "u", "a")
	require.True(t, d.Allowed)
	status, err = l.RateLimitStatus(ctx, "u", "a")
	require.NoError(t, err)
	require.False(t, status.Allowed)
	require.Equal(t, int64(500), status.RetryAfterMs)
	require.Equal(t, "u", status.Key)
	require.Equal(t, "a", status.EventType)
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	c := newClock()
	l := newLimiter(Config{PerKey: Limit{Rate: 1}, PerEventType: Limit{Rate: 1}, IdleTTL: time.Minute}, c)
	ctx := context.Background()

	_, _ = l.CheckEventRateLimit(ctx, "old", "a")
	c.Advance(45 * time.Second)
	_, _ = l.CheckEventRateLimit(ctx, "fresh", "b")
	require.Equal(t, 4, l.Buckets())

	c.Advance(30 * time.Second)
	require.Equal(t, 2, l.Sweep())
	require.Equal(t, 2, l.Buckets())

	c.Advance(2 * time.Minute)
	_, _ = l.CheckEventRateLimit(ctx, "new", "c")
	require.Equal(t, 2, l.Buckets(), "lazy sweep drops the idle buckets before adding new ones")
}

func TestConfigNormalise(t *testing.T) {
	cfg := Config{
		PerKey:             Limit{Rate: 2.5},
		Global:             Limit{Rate: -1, Burst: 4},
		EventTypeOverrides: map[string]Limit{"x": {Rate: 0.5}},
	}.Normalise()
	require.Equal(t, 3, cfg.PerKey.Burst)
	require.False(t, cfg.Global.Enabled())
	require.Equal(t, 1, cfg.EventTypeOverrides["x"].Burst)
	require.Equal(t, DefaultIdleTTL, cfg.IdleTTL)
}
