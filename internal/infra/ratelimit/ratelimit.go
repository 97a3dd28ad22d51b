// Package ratelimit provides the default three-tier admission control for the
// event bus, built on token buckets.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

// DefaultIdleTTL is how long an unused per-key or per-type bucket is kept.
const DefaultIdleTTL = 10 * time.Minute

// Limit configures one token bucket. A zero Rate disables the tier.
type Limit struct {
	Rate  float64 `yaml:"rate" json:"ratePerSecond"`
	Burst int     `yaml:"burst" json:"burst"`
}

// Enabled reports whether the bucket limits anything.
func (l Limit) Enabled() bool { return l.Rate > 0 }

func (l Limit) normalise() Limit {
	if l.Rate < 0 {
		l.Rate = 0
	}
	if l.Enabled() && l.Burst < 1 {
		l.Burst = int(math.Max(1, math.Ceil(l.Rate)))
	}
	return l
}

// Config describes the user, event type and global tiers.
type Config struct {
	PerKey             Limit            `yaml:"perKey"`
	PerEventType       Limit            `yaml:"perEventType"`
	Global             Limit            `yaml:"global"`
	EventTypeOverrides map[string]Limit `yaml:"eventTypeOverrides"`
	IdleTTL            time.Duration    `yaml:"idleTTL"`
}

// DefaultConfig allows 10 events/s per key, 100/s per event type and 1000/s overall.
func DefaultConfig() Config {
	return Config{
		PerKey:       Limit{Rate: 10, Burst: 20},
		PerEventType: Limit{Rate: 100, Burst: 200},
		Global:       Limit{Rate: 1000, Burst: 2000},
		IdleTTL:      DefaultIdleTTL,
	}
}

// Normalise derives missing bursts and the idle TTL.
func (c Config) Normalise() Config {
	c.PerKey = c.PerKey.normalise()
	c.PerEventType = c.PerEventType.normalise()
	c.Global = c.Global.normalise()
	if len(c.EventTypeOverrides) > 0 {
		overrides := make(map[string]Limit, len(c.EventTypeOverrides))
		for eventType, l := range c.EventTypeOverrides {
			overrides[eventType] = l.normalise()
		}
		c.EventTypeOverrides = overrides
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter implements the bus rate limiter contract.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger

	mu        sync.Mutex
	keys      map[string]*bucket
	types     map[string]*bucket
	global    *rate.Limiter
	lastSweep time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithIDGenerator overrides ids of synthesized rate-limited events.
func WithIDGenerator(fn func() string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// New builds a limiter from cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg.Normalise(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.Component("ratelimit"),
		keys:   make(map[string]*bucket),
		types:  make(map[string]*bucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.cfg.Global.Enabled() {
		l.global = rate.NewLimiter(rate.Limit(l.cfg.Global.Rate), l.cfg.Global.Burst)
	}
	l.lastSweep = l.now()
	return l
}

type tier struct {
	limitType string
	limit     Limit
	limiter   *rate.Limiter
}

// tiersLocked resolves the buckets for key and eventType in evaluation order,
// creating per-key and per-type buckets on first use.
func (l *Limiter) tiersLocked(now time.Time, key, eventType string) []tier {
	tiers := make([]tier, 0, 3)
	if l.cfg.PerKey.Enabled() {
		tiers = append(tiers, tier{
			limitType: schema.LimitTypeUser,
			limit:     l.cfg.PerKey,
			limiter:   l.bucketLocked(l.keys, key, l.cfg.PerKey, now),
		})
	}
	if typeLimit := l.typeLimit(eventType); typeLimit.Enabled() {
		tiers = append(tiers, tier{
			limitType: schema.LimitTypeEventType,
			limit:     typeLimit,
			limiter:   l.bucketLocked(l.types, eventType, typeLimit, now),
		})
	}
	if l.global != nil {
		tiers = append(tiers, tier{limitType: schema.LimitTypeGlobal, limit: l.cfg.Global, limiter: l.global})
	}
	return tiers
}

func (l *Limiter) typeLimit(eventType string) Limit {
	if override, ok := l.cfg.EventTypeOverrides[eventType]; ok {
		return override
	}
	return l.cfg.PerEventType
}

func (l *Limiter) bucketLocked(set map[string]*bucket, name string, limit Limit, now time.Time) *rate.Limiter {
	b, ok := set[name]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
		set[name] = b
	}
	b.lastSeen = now
	return b.limiter
}

// CheckEventRateLimit consumes one token from every tier or, when any tier is
// exhausted, none at all. The first denying tier is reported.
func (l *Limiter) CheckEventRateLimit(ctx context.Context, key, eventType string) (schema.RateLimitDecision, error) {
	if err := ctx.Err(); err != nil {
		return schema.RateLimitDecision{}, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepLocked(now)

	tiers := l.tiersLocked(now, key, eventType)
	reservations := make([]*rate.Reservation, 0, len(tiers))
	for _, t := range tiers {
		r := t.limiter.ReserveN(now, 1)
		delay := rate.InfDuration
		if r.OK() {
			delay = r.DelayFrom(now)
		}
		if delay > 0 {
			r.CancelAt(now)
			for _, prev := range reservations {
				prev.CancelAt(now)
			}
			l.logger.Debug().
				Str("key", key).
				Str("event_type", eventType).
				Str("limit_type", t.limitType).
				Dur("retry_after", delay).
				Msg("rate limit exceeded")
			return schema.RateLimitDecision{Allowed: false, LimitType: t.limitType, RetryAfter: delay}, nil
		}
		reservations = append(reservations, r)
	}
	return schema.RateLimitDecision{Allowed: true}, nil
}

// CreateRateLimitedEvent synthesizes the system/rate_limited notification for
// a denied publish, keeping the original's routing fields.
func (l *Limiter) CreateRateLimitedEvent(original *schema.Event, decision schema.RateLimitDecision) *schema.Event {
	if original == nil {
		return nil
	}
	data := map[string]any{
		"originalEventId": original.ID,
		"originalType":    original.Type,
		"limitType":       decision.LimitType,
		"retryAfterMs":    decision.RetryAfterMs(),
	}
	for _, field := range schema.RoomFields {
		if v := original.StringField(field); v != "" {
			data[field] = v
		}
	}
	return &schema.Event{
		ID:        l.newID(),
		Type:      schema.RateLimitedEventType,
		Timestamp: l.now(),
		Data:      data,
	}
}

// RateLimitStatus reports every tier for key and eventType without consuming tokens.
func (l *Limiter) RateLimitStatus(ctx context.Context, key, eventType string) (schema.RateLimitStatus, error) {
	if err := ctx.Err(); err != nil {
		return schema.RateLimitStatus{}, err
	}
	now := l.now()
	status := schema.RateLimitStatus{Key: key, EventType: eventType, Allowed: true}

	l.mu.Lock()
	defer l.mu.Unlock()

	describe := func(limitType string, limit Limit, limiter *rate.Limiter) {
		t := schema.RateLimitTier{LimitType: limitType, Rate: limit.Rate, Burst: limit.Burst, Enabled: limit.Enabled()}
		if !t.Enabled {
			status.Tiers = append(status.Tiers, t)
			return
		}
		t.Available = float64(limit.Burst)
		if limiter != nil {
			t.Available = limiter.TokensAt(now)
		}
		if t.Available < 1 {
			status.Allowed = false
			wait := time.Duration((1 - t.Available) / limit.Rate * float64(time.Second))
			if ms := int64(math.Ceil(float64(wait) / float64(time.Millisecond))); ms > status.RetryAfterMs {
				status.RetryAfterMs = ms
			}
		}
		status.Tiers = append(status.Tiers, t)
	}

	var keyLimiter, typeLimiter *rate.Limiter
	if b, ok := l.keys[key]; ok {
		keyLimiter = b.limiter
	}
	if b, ok := l.types[eventType]; ok {
		typeLimiter = b.limiter
	}
	describe(schema.LimitTypeUser, l.cfg.PerKey, keyLimiter)
	describe(schema.LimitTypeEventType, l.typeLimit(eventType), typeLimiter)
	describe(schema.LimitTypeGlobal, l.cfg.Global, l.global)
	return status, nil
}

// Sweep evicts per-key and per-type buckets idle for longer than the idle TTL
// and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	if evicted := l.sweepLocked(now); evicted > 0 {
		l.logger.Debug().Int("evicted", evicted).Msg("evicted idle rate limiters")
	}
}

func (l *Limiter) sweepLocked(now time.Time) int {
	l.lastSweep = now
	cutoff := now.Add(-l.cfg.IdleTTL)
	evicted := 0
	for _, set := range []map[string]*bucket{l.keys, l.types} {
		for name, b := range set {
			if b.lastSeen.Before(cutoff) {
				delete(set, name)
				evicted++
			}
		}
	}
	return evicted
}

// Buckets returns the number of live per-key and per-type buckets.
func (l *Limiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys) + len(l.types)
}
