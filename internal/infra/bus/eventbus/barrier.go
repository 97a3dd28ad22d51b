package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
)

// PendingBarrier describes a barrier still awaiting resolution.
type PendingBarrier struct {
	EventID    string               `json:"eventId"`
	Config     schema.BarrierConfig `json:"barrierConfig"`
	Responses  int                  `json:"responses"`
	State      schema.BarrierState  `json:"state"`
	Deferred   bool                 `json:"deferred"`
	CreatedAt  time.Time            `json:"createdAt"`
	DeadlineAt time.Time            `json:"deadlineAt"`
}

type barrier struct {
	eventID   string
	cfg       schema.BarrierConfig
	seq       uint64
	createdAt time.Time
	timer     *time.Timer

	// guarded by BarrierManager.mu
	state      schema.BarrierState
	responses  []schema.BarrierResponse
	continues  int
	blocks     int
	deferred   bool
	resolvedAt time.Time

	done    chan struct{}
	outcome schema.BarrierOutcome
	err     error
}

// BarrierHandle lets a publisher await one barrier.
type BarrierHandle struct {
	b *barrier
}

// EventID returns the barrier key.
func (h *BarrierHandle) EventID() string { return h.b.eventID }

// Done is closed once the barrier settles or is cancelled.
func (h *BarrierHandle) Done() <-chan struct{} { return h.b.done }

// Result returns the settled outcome. Only valid after Done is closed.
func (h *BarrierHandle) Result() (schema.BarrierOutcome, error) {
	return h.b.outcome, h.b.err
}

// ResolvedAt returns when the barrier settled. Only valid after Done is closed.
func (h *BarrierHandle) ResolvedAt() time.Time { return h.b.resolvedAt }

// CreatedAt returns when the barrier opened.
func (h *BarrierHandle) CreatedAt() time.Time { return h.b.createdAt }

// Wait blocks until the barrier settles, it is cancelled, or ctx ends. A
// context exit leaves the barrier pending.
func (h *BarrierHandle) Wait(ctx context.Context) (schema.BarrierOutcome, error) {
	select {
	case <-h.b.done:
		return h.b.outcome, h.b.err
	case <-ctx.Done():
		return schema.BarrierOutcome{}, ctx.Err()
	}
}

// BarrierManager runs the quorum/timeout state machine for blocking events.
type BarrierManager struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*barrier
	seq     uint64

	completed atomic.Uint64
	timedOut  atomic.Uint64
}

// NewBarrierManager returns an empty manager.
func NewBarrierManager(logger zerolog.Logger) *BarrierManager {
	return &BarrierManager{
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*barrier),
	}
}

// Create opens a barrier for eventID and arms its timer.
func (m *BarrierManager) Create(eventID string, cfg schema.BarrierConfig) (*BarrierHandle, error) {
	if eventID == "" {
		return nil, errs.New("eventbus/barrier", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalised()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[eventID]; exists {
		return nil, errs.New("eventbus/barrier", errs.CodeConflict,
			errs.WithMessage("barrier already pending"),
			errs.WithField("event_id", eventID),
			errs.WithCause(ErrBarrierExists))
	}
	m.seq++
	b := &barrier{
		eventID:   eventID,
		cfg:       cfg,
		seq:       m.seq,
		createdAt: m.now(),
		state:     schema.BarrierPending,
		done:      make(chan struct{}),
	}
	b.timer = time.AfterFunc(cfg.Timeout, func() { m.expire(b) })
	m.pending[eventID] = b
	return &BarrierHandle{b: b}, nil
}

// Respond records a vote and settles the barrier when a resolution rule fires.
// Votes for unknown or settled barriers are logged and ignored.
func (m *BarrierManager) Respond(eventID, responderID string, vote schema.BarrierVote) error {
	progression, err := schema.ParseProgression(string(vote.Progression))
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending[eventID]
	if !ok {
		m.logger.Warn().
			Str("event_id", eventID).
			Str("responder_id", responderID).
			Msg("[EventBus] Barrier response for unknown or settled event ignored")
		return nil
	}

	b.responses = append(b.responses, schema.BarrierResponse{
		ResponderID: responderID,
		Progression: progression,
		Reason:      vote.Reason,
		Timestamp:   m.now(),
	})
	if progression == schema.ProgressionBlock {
		b.blocks++
	} else {
		b.continues++
	}

	switch {
	case b.cfg.BlockOnFirst && progression == schema.ProgressionBlock:
		m.settleLocked(b, schema.ProgressionBlock, false)
	case b.cfg.ContinueThreshold > 0 && b.continues >= b.cfg.ContinueThreshold:
		m.settleLocked(b, schema.ProgressionContinue, false)
	case len(b.responses) >= b.cfg.Quorum:
		if b.blocks > 0 {
			m.settleLocked(b, schema.ProgressionBlock, false)
		} else {
			m.settleLocked(b, schema.ProgressionContinue, false)
		}
	}
	return nil
}

func (m *BarrierManager) expire(b *barrier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.state != schema.BarrierPending || m.pending[b.eventID] != b {
		return
	}
	m.timedOut.Add(1)
	switch b.cfg.TimeoutAction {
	case schema.TimeoutDefer:
		b.deferred = true
		m.logger.Info().
			Str("event_id", b.eventID).
			Int("responses", len(b.responses)).
			Msg("[EventBus] Barrier timed out; deferred until responders act")
	case schema.TimeoutBlock:
		b.state = schema.BarrierTimedOut
		m.settleLocked(b, schema.ProgressionBlock, true)
	default:
		b.state = schema.BarrierTimedOut
		m.settleLocked(b, schema.ProgressionContinue, true)
	}
}

func (m *BarrierManager) settleLocked(b *barrier, progression schema.Progression, timedOut bool) {
	b.timer.Stop()
	delete(m.pending, b.eventID)
	b.state = schema.BarrierResolved
	b.resolvedAt = m.now()
	responses := make([]schema.BarrierResponse, len(b.responses))
	copy(responses, b.responses)
	b.outcome = schema.BarrierOutcome{
		EventID:     b.eventID,
		Progression: progression,
		Responses:   responses,
		TimedOut:    timedOut,
	}
	m.completed.Add(1)
	close(b.done)
}

// CancelAll rejects every pending barrier with ErrStopped and clears the
// pending set. It returns the cancelled event ids in creation order.
func (m *BarrierManager) CancelAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := make([]*barrier, 0, len(m.pending))
	for id, b := range m.pending {
		b.timer.Stop()
		b.err = ErrStopped
		b.resolvedAt = m.now()
		close(b.done)
		delete(m.pending, id)
		cancelled = append(cancelled, b)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].seq < cancelled[j].seq })
	ids := make([]string, len(cancelled))
	for i, b := range cancelled {
		ids[i] = b.eventID
	}
	return ids
}

// Pending returns the number of barriers awaiting resolution.
func (m *BarrierManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingIDs returns pending event ids in creation order.
func (m *BarrierManager) PendingIDs() []string {
	list := m.Snapshot()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.EventID
	}
	return ids
}

// Snapshot describes every pending barrier in creation order.
func (m *BarrierManager) Snapshot() []PendingBarrier {
	m.mu.Lock()
	barriers := make([]*barrier, 0, len(m.pending))
	for _, b := range m.pending {
		barriers = append(barriers, b)
	}
	sort.Slice(barriers, func(i, j int) bool { return barriers[i].seq < barriers[j].seq })
	out := make([]PendingBarrier, len(barriers))
	for i, b := range barriers {
		out[i] = PendingBarrier{
			EventID:    b.eventID,
			Config:     b.cfg,
			Responses:  len(b.responses),
			State:      b.state,
			Deferred:   b.deferred,
			CreatedAt:  b.createdAt,
			DeadlineAt: b.createdAt.Add(b.cfg.Timeout),
		}
	}
	m.mu.Unlock()
	return out
}

// Completed counts settled barriers.
func (m *BarrierManager) Completed() uint64 { return m.completed.Load() }

// TimedOut counts barrier timers that fired before resolution, including deferred ones.
func (m *BarrierManager) TimedOut() uint64 { return m.timedOut.Load() }
