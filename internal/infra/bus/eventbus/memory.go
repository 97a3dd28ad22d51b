package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/bus/topic"
	"github.com/coachpo/barrierbus/internal/infra/logging"
	"github.com/coachpo/barrierbus/internal/infra/telemetry"
	"github.com/coachpo/barrierbus/lib/async"
)

const anonymousRateLimitKey = "anonymous"

type counters struct {
	published         atomic.Uint64
	delivered         atomic.Uint64
	failed            atomic.Uint64
	rateLimited       atomic.Uint64
	handlerFailures   atomic.Uint64
	transportFailures atomic.Uint64
	lastEvent         atomic.Int64
}

// EventBus is the in-memory bus. Handlers run on one mailbox goroutine per
// subscription; blocking behaviors hold the publisher on a barrier.
type EventBus struct {
	cfg          Config
	logger       zerolog.Logger
	limiter      RateLimiter
	rateLimiting bool
	behaviors    BehaviorRegistry
	monitor      Monitor
	transport    Transport
	recorder     DecisionRecorder
	matcher      topic.Matcher
	newID        func() string
	now          func() time.Time

	registry *Registry
	barriers *BarrierManager
	stats    counters
	tracer   trace.Tracer

	lifecycle sync.RWMutex
	started   bool
	startedAt time.Time
	emitter   *async.Pool

	eventsPublishedCounter metric.Int64Counter
	publishDuration        metric.Float64Histogram
	barrierWait            metric.Float64Histogram
	barrierSettledCounter  metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	rateLimitedCounter     metric.Int64Counter
	handlerErrorCounter    metric.Int64Counter
	transportErrorCounter  metric.Int64Counter
}

// New constructs a stopped bus. Missing collaborators default to an
// allow-all limiter, passive behaviors, a no-op monitor and no transport.
func New(cfg Config, opts ...Option) *EventBus {
	b := &EventBus{
		cfg:       cfg.normalize(),
		logger:    logging.Component("eventbus"),
		limiter:   allowAll{},
		behaviors: passiveBehaviors{},
		monitor:   noopMonitor{},
		transport: noopTransport{},
		newID:     uuid.NewString,
		now:       time.Now,
		matcher:   topic.NewMQTTMatcher(),
		tracer:    otel.Tracer("eventbus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.registry = NewRegistry(b.matcher)
	b.barriers = NewBarrierManager(b.logger)
	b.barriers.now = b.now

	meter := otel.Meter("eventbus")
	b.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of publish calls by result"),
		metric.WithUnit("{event}"))
	b.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	b.barrierWait, _ = meter.Float64Histogram("eventbus.barrier.wait",
		metric.WithDescription("Time publishers spent waiting on barriers"),
		metric.WithUnit("ms"))
	b.barrierSettledCounter, _ = meter.Int64Counter("eventbus.barrier.settled",
		metric.WithDescription("Number of settled barriers by progression"),
		metric.WithUnit("{barrier}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))
	b.rateLimitedCounter, _ = meter.Int64Counter("eventbus.ratelimit.denied",
		metric.WithDescription("Number of publishes denied by the rate limiter"),
		metric.WithUnit("{event}"))
	b.handlerErrorCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of handler deliveries abandoned after retries"),
		metric.WithUnit("{error}"))
	b.transportErrorCounter, _ = meter.Int64Counter("eventbus.transport.errors",
		metric.WithDescription("Number of failed socket transport emissions"),
		metric.WithUnit("{error}"))

	return b
}

// Start initialises the monitor and opens the bus. A second call is a no-op.
func (b *EventBus) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.started {
		b.logger.Warn().Msg("[EventBus] Start called on a running bus; ignoring")
		return nil
	}
	if err := b.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	emitter, err := async.NewPool(b.cfg.TransportWorkers, b.cfg.TransportQueue, func(err error) {
		b.transportFailed(err, "", "")
	})
	if err != nil {
		b.monitor.Stop()
		return fmt.Errorf("start transport pool: %w", err)
	}
	b.emitter = emitter
	b.started = true
	b.startedAt = b.now()
	b.logger.Info().Int("subscriptions", b.registry.Count()).Msg("[EventBus] Started")
	return nil
}

// Stop rejects pending barriers, clears subscriptions and stops the monitor.
// Handlers already running finish on their own. Calling Stop on a stopped bus
// is a no-op.
func (b *EventBus) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.lifecycle.Lock()
	if !b.started {
		b.lifecycle.Unlock()
		return nil
	}
	b.started = false
	cancelled := b.barriers.CancelAll()
	subs := b.registry.Clear()
	emitter := b.emitter
	b.emitter = nil
	b.lifecycle.Unlock()

	for _, sub := range subs {
		sub.box.seal()
	}
	if len(subs) > 0 {
		b.subscriberGauge.Add(ctx, -int64(len(subs)), metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	b.monitor.Stop()

	var err error
	if emitter != nil {
		if shutdownErr := emitter.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("drain transport: %w", shutdownErr)
		}
	}
	b.logger.Info().
		Int("cancelled_barriers", len(cancelled)).
		Int("cleared_subscriptions", len(subs)).
		Msg("[EventBus] Stopped")
	return err
}

// Running reports whether the bus accepts publishes.
func (b *EventBus) Running() bool {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.started
}

type admission struct {
	handle   *BarrierHandle
	behavior schema.Behavior
	emitter  *async.Pool
	result   string
}

// Publish runs the full publish lifecycle. Failures are reported in the
// result; Publish never returns an error value.
func (b *EventBus) Publish(ctx context.Context, in schema.EventInput) schema.PublishResult {
	if ctx == nil {
		ctx = context.Background()
	}
	start := b.now()
	evt := in.Materialize(b.newID, start)
	ctx, span := b.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(telemetry.AttrEventType.String(evt.Type)))
	defer span.End()

	res := schema.PublishResult{EventID: evt.ID}
	adm, err := b.admit(ctx, evt)
	if err != nil {
		return b.finish(ctx, span, evt, start, adm, res, err)
	}
	if adm.handle == nil {
		b.emitEvent(ctx, adm.emitter, evt)
		return b.finish(ctx, span, evt, start, adm, res, nil)
	}

	waitStart := b.now()
	outcome, err := adm.handle.Wait(ctx)
	b.barrierWait.Record(ctx, float64(b.now().Sub(waitStart).Microseconds())/1000,
		metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), evt.Type)...))
	if err != nil {
		if errors.Is(err, ErrStopped) {
			adm.result = telemetry.ResultStopped
		} else {
			adm.result = telemetry.ResultCancelled
			err = fmt.Errorf("await barrier: %w", err)
		}
		return b.finish(ctx, span, evt, start, adm, res, err)
	}

	b.emitEvent(ctx, adm.emitter, evt)
	res.WasBlocking = true
	res.Progression = outcome.Progression
	res.Responses = outcome.Responses
	res.TimedOut = outcome.TimedOut
	return b.finish(ctx, span, evt, start, adm, res, nil)
}

// admit performs every step that must not overlap Stop: the started check,
// rate limiting, behavior lookup, barrier creation and delivery.
func (b *EventBus) admit(ctx context.Context, evt *schema.Event) (admission, error) {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	adm := admission{result: telemetry.ResultError}
	if !b.started {
		adm.result = telemetry.ResultNotStarted
		return adm, ErrNotStarted
	}
	adm.emitter = b.emitter
	if evt.Type == "" {
		return adm, errs.New("eventbus/publish", errs.CodeInvalid,
			errs.WithMessage("event type required"), errs.WithHTTP(400))
	}

	decision, err := b.limiter.CheckEventRateLimit(ctx, rateLimitKey(evt), evt.Type)
	if err != nil {
		return adm, err
	}
	if !decision.Allowed {
		adm.result = telemetry.ResultRateLimited
		b.stats.rateLimited.Add(1)
		b.rateLimitedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.RateLimitAttributes(telemetry.Environment(), evt.Type, decision.LimitType)...))
		if limited := b.limiter.CreateRateLimitedEvent(evt, decision); limited != nil {
			b.emitEvent(ctx, adm.emitter, limited)
		}
		return adm, errs.New("eventbus/publish", errs.CodeRateLimited,
			errs.WithMessage("Rate limit exceeded: "+decision.LimitType),
			errs.WithHTTP(429),
			errs.WithField("limit_type", decision.LimitType),
			errs.WithField("retry_after_ms", strconv.FormatInt(decision.RetryAfterMs(), 10)))
	}

	b.stats.published.Add(1)
	b.stats.lastEvent.Store(b.now().UnixNano())

	behavior, err := b.behaviors.EventBehavior(evt.Type)
	if err != nil {
		return adm, misconfigured("eventbus/behavior", err)
	}
	adm.behavior = behavior

	if !behavior.Blocks() {
		b.deliver(ctx, evt)
		return adm, nil
	}

	// A rejected barrier must not reach subscribers.
	handle, err := b.barriers.Create(evt.ID, *behavior.Barrier)
	if err != nil {
		if errs.Is(err, errs.CodeConflict) {
			return adm, err
		}
		return adm, misconfigured("eventbus/barrier", err)
	}
	adm.handle = handle
	b.deliver(ctx, evt)
	b.announce(ctx, adm.emitter, evt, behavior)
	b.observeBarrier(ctx, handle, evt, behavior)
	return adm, nil
}

// misconfigured reports a failure caused by server-side behavior rules
// rather than by the published event.
func misconfigured(op string, err error) error {
	return errs.New(op, errs.CodeInternal,
		errs.WithMessage(errs.MessageOf(err)),
		errs.WithHTTP(500),
		errs.WithCause(err))
}

func (b *EventBus) finish(ctx context.Context, span trace.Span, evt *schema.Event, start time.Time, adm admission, res schema.PublishResult, err error) schema.PublishResult {
	res.Duration = b.now().Sub(start)
	res.Success = err == nil
	if err != nil {
		res.Error = errs.MessageOf(err)
		res.ErrorCode = string(errs.CodeOf(err))
		if adm.result != telemetry.ResultRateLimited {
			b.stats.failed.Add(1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
	} else {
		adm.result = telemetry.ResultSuccess
		b.stats.delivered.Add(1)
	}

	if rec := panics.Try(func() { b.monitor.RecordEvent(evt, res.Duration, res.Success) }); rec != nil {
		b.logger.Debug().Str("panic", fmt.Sprint(rec.Value)).Msg("[EventBus] Monitor failed to record event")
	}

	attrs := telemetry.PublishAttributes(telemetry.Environment(), evt.Type, string(adm.behavior.Mode), adm.result)
	b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	b.publishDuration.Record(ctx, float64(res.Duration.Microseconds())/1000, metric.WithAttributes(attrs...))
	return res
}

// deliver enqueues evt into every matching mailbox in registration order.
// Each mailbox drains on its own goroutine, so the order holds per
// subscription; handlers of different subscriptions may overlap.
func (b *EventBus) deliver(ctx context.Context, evt *schema.Event) int {
	subs := b.registry.Matching(evt.Type)
	dctx := context.WithoutCancel(ctx)
	queued := 0
	for _, sub := range subs {
		if sub.box.push(delivery{ctx: dctx, evt: evt}) {
			queued++
		}
	}
	return queued
}

func (b *EventBus) process(sub *Subscription, d delivery) {
	if sub.Filter != nil {
		keep := false
		if rec := panics.Try(func() { keep = sub.Filter(d.evt) }); rec != nil {
			b.logger.Warn().
				Str("subscription_id", sub.ID).
				Str("event_type", d.evt.Type).
				Str("panic", fmt.Sprint(rec.Value)).
				Msg("[EventBus] Subscription filter panicked; skipping event")
			return
		}
		if !keep {
			return
		}
	}

	attempts := 0
	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		attempts++
		var handlerErr error
		if rec := panics.Try(func() { handlerErr = sub.Handler(d.ctx, d.evt) }); rec != nil {
			handlerErr = rec.AsError()
		}
		return struct{}{}, handlerErr
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(sub.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0))
	if err == nil {
		return
	}
	b.stats.handlerFailures.Add(1)
	b.handlerErrorCounter.Add(d.ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), d.evt.Type)...))
	b.logger.Error().
		Err(err).
		Str("subscription_id", sub.ID).
		Str("event_id", d.evt.ID).
		Str("event_type", d.evt.Type).
		Int("attempts", attempts).
		Msg("[EventBus] Subscription handler error")
}

func (b *EventBus) emitEvent(ctx context.Context, emitter *async.Pool, evt *schema.Event) {
	b.emit(ctx, emitter, evt.Type, evt.RoomID(), evt)
}

func (b *EventBus) emit(ctx context.Context, emitter *async.Pool, eventType, roomID string, payload any) {
	if emitter == nil {
		return
	}
	err := emitter.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		if err := b.transport.Emit(taskCtx, eventType, roomID, payload); err != nil {
			b.transportFailed(err, eventType, roomID)
		}
		return nil
	})
	if err != nil {
		b.transportFailed(err, eventType, roomID)
	}
}

func (b *EventBus) transportFailed(err error, eventType, roomID string) {
	b.stats.transportFailures.Add(1)
	b.transportErrorCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), eventType)...))
	b.logger.Error().
		Err(err).
		Str("event_type", eventType).
		Str("room_id", roomID).
		Msg("[EventBus] Failed to emit event to socket clients")
}

func (b *EventBus) announce(ctx context.Context, emitter *async.Pool, evt *schema.Event, behavior schema.Behavior) {
	if b.cfg.DisableAnnouncements {
		return
	}
	b.emit(ctx, emitter, BarrierRequestedEventType, b.cfg.BarrierRoom, schema.BarrierRequest{
		Event:   evt,
		Mode:    behavior.Mode,
		Barrier: behavior.Barrier.Normalised(),
	})
}

// observeBarrier records telemetry and the audit decision once the barrier
// settles, independent of whether the publisher is still waiting.
func (b *EventBus) observeBarrier(ctx context.Context, handle *BarrierHandle, evt *schema.Event, behavior schema.Behavior) {
	bctx := context.WithoutCancel(ctx)
	go func() {
		<-handle.Done()
		outcome, err := handle.Result()
		if err != nil {
			return
		}
		b.barrierSettledCounter.Add(bctx, 1, metric.WithAttributes(telemetry.BarrierAttributes(
			telemetry.Environment(), evt.Type, string(outcome.Progression), outcome.TimedOut)...))
		if b.recorder == nil {
			return
		}
		decision := schema.BarrierDecision{
			EventID:     evt.ID,
			EventType:   evt.Type,
			Mode:        behavior.Mode,
			Progression: outcome.Progression,
			TimedOut:    outcome.TimedOut,
			Quorum:      behavior.Barrier.Quorum,
			Responses:   outcome.Responses,
			CreatedAt:   handle.CreatedAt(),
			ResolvedAt:  handle.ResolvedAt(),
		}
		callCtx, cancel := context.WithTimeout(bctx, b.cfg.DecisionTimeout)
		defer cancel()
		if err := b.recorder.RecordDecision(callCtx, decision); err != nil {
			b.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("[EventBus] Failed to record barrier decision")
		}
	}()
}

// Subscribe registers handler for every pattern. Patterns are accepted verbatim.
func (b *EventBus) Subscribe(patterns []string, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	sub := &Subscription{
		ID:         "sub-" + b.newID(),
		Patterns:   append([]string(nil), patterns...),
		Handler:    handler,
		MaxRetries: b.cfg.DefaultMaxRetries,
		box:        newMailbox(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	go sub.box.run(func(d delivery) { b.process(sub, d) })
	b.registry.Add(sub)
	b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
	return sub.ID, nil
}

// SubscribeFunc subscribes a handler that cannot fail to a single pattern.
func (b *EventBus) SubscribeFunc(pattern string, fn func(evt *schema.Event), opts ...SubscribeOption) (string, error) {
	if fn == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	return b.Subscribe([]string{pattern}, func(_ context.Context, evt *schema.Event) error {
		fn(evt)
		return nil
	}, opts...)
}

// Unsubscribe removes a subscription. Events already queued for it are still
// delivered. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id string) {
	sub := b.registry.Remove(id)
	if sub == nil {
		return
	}
	sub.box.seal()
	b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

// RespondToBarrier records a vote for the barrier of eventID.
func (b *EventBus) RespondToBarrier(eventID, responderID string, vote schema.BarrierVote) error {
	return b.barriers.Respond(eventID, responderID, vote)
}

// PendingBarriers describes barriers awaiting votes.
func (b *EventBus) PendingBarriers() []PendingBarrier {
	return b.barriers.Snapshot()
}

// SubscriberCount counts subscriptions registered under exactly pattern.
func (b *EventBus) SubscriberCount(pattern string) int {
	return b.registry.CountFor(pattern)
}

// RateLimitStatus reports the limiter state for key and eventType.
func (b *EventBus) RateLimitStatus(ctx context.Context, key, eventType string) (schema.RateLimitStatus, error) {
	return b.limiter.RateLimitStatus(ctx, key, eventType)
}

// Metrics merges the bus counters with the monitor's view.
func (b *EventBus) Metrics() schema.MetricsSnapshot {
	b.lifecycle.RLock()
	running, startedAt := b.started, b.startedAt
	b.lifecycle.RUnlock()

	snap := schema.MetricsSnapshot{
		EventsPublished:       b.stats.published.Load(),
		EventsDelivered:       b.stats.delivered.Load(),
		EventsFailed:          b.stats.failed.Load(),
		EventsRateLimited:     b.stats.rateLimited.Load(),
		BarrierSyncsCompleted: b.barriers.Completed(),
		BarrierSyncsTimedOut:  b.barriers.TimedOut(),
		HandlerFailures:       b.stats.handlerFailures.Load(),
		TransportFailures:     b.stats.transportFailures.Load(),
		ActiveSubscriptions:   b.registry.Count(),
		PendingBarriers:       b.barriers.Pending(),
		Running:               running,
		StartedAt:             startedAt,
		RateLimitingEnabled:   b.rateLimiting,
	}
	if last := b.stats.lastEvent.Load(); last > 0 {
		snap.LastEventTime = time.Unix(0, last)
	}
	if rec := panics.Try(func() {
		snap.Performance = b.monitor.PerformanceReport()
		snap.Health = b.monitor.SystemHealth()
		snap.OptimizationSuggestions = b.monitor.OptimizationSuggestions()
	}); rec != nil {
		b.logger.Debug().Str("panic", fmt.Sprint(rec.Value)).Msg("[EventBus] Monitor failed to report")
	}
	return snap
}

func rateLimitKey(evt *schema.Event) string {
	if key := evt.FirstField(schema.FieldUserID, schema.FieldChatID, schema.FieldRunID); key != "" {
		return key
	}
	return anonymousRateLimitKey
}
