// Package persistence wraps decision stores with failure isolation.
package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/logging"
)

// Recorder stores the outcome of a settled barrier.
type Recorder interface {
	RecordDecision(ctx context.Context, decision schema.BarrierDecision) error
}

// BreakerConfig controls when decision recording is short-circuited.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32 `yaml:"failureThreshold"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"openTimeout"`
	// HalfOpenRequests probes are allowed while half-open.
	HalfOpenRequests uint32 `yaml:"halfOpenRequests"`
}

// DefaultBreakerConfig opens after 5 failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

// Normalise fills zero values from DefaultBreakerConfig.
func (c BreakerConfig) Normalise() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = def.HalfOpenRequests
	}
	return c
}

// GuardedRecorder forwards to a Recorder through a circuit breaker.
type GuardedRecorder struct {
	next    Recorder
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  zerolog.Logger
	skipped atomic.Uint64
}

// GuardOption customises a GuardedRecorder.
type GuardOption func(*GuardedRecorder)

// WithGuardLogger overrides the logger used for state changes.
func WithGuardLogger(logger zerolog.Logger) GuardOption {
	return func(g *GuardedRecorder) { g.logger = logger }
}

// NewGuardedRecorder wraps next. name labels the breaker in logs.
func NewGuardedRecorder(name string, next Recorder, cfg BreakerConfig, opts ...GuardOption) *GuardedRecorder {
	cfg = cfg.Normalise()
	g := &GuardedRecorder{next: next, logger: logging.Component("decisions")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := g.logger.Info()
			if to == gobreaker.StateOpen {
				event = g.logger.Warn()
			}
			event.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("decision recorder breaker state changed")
		},
		// Invalid input does not count as a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.Is(err, errs.CodeInvalid)
		},
	})
	return g
}

// RecordDecision records through the breaker. While open it returns an
// unavailable error without calling the store.
func (g *GuardedRecorder) RecordDecision(ctx context.Context, decision schema.BarrierDecision) error {
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, g.next.RecordDecision(ctx, decision)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.skipped.Add(1)
		return errs.New("decisions/record", errs.CodeUnavailable,
			errs.WithMessage("decision store circuit open"),
			errs.WithField("event_id", decision.EventID),
			errs.WithCause(err))
	}
	return err
}

// State reports the breaker state (closed, half-open, open).
func (g *GuardedRecorder) State() string {
	return g.breaker.State().String()
}

// Skipped counts decisions dropped while the breaker was open.
func (g *GuardedRecorder) Skipped() uint64 {
	return g.skipped.Load()
}
