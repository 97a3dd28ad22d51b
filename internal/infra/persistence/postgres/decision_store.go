package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
)

const (
	// DefaultListLimit caps ListDecisions when no limit is supplied.
	DefaultListLimit = 100
	maxListLimit     = 1000
)

// DecisionStore persists settled barrier decisions.
type DecisionStore struct {
	pool *pgxpool.Pool
}

// NewDecisionStore constructs a DecisionStore backed by the provided pool.
func NewDecisionStore(pool *pgxpool.Pool) *DecisionStore {
	return &DecisionStore{pool: pool}
}

const (
	decisionInsertSQL = `
INSERT INTO barrier_decisions (
    event_id,
    event_type,
    mode,
    progression,
    timed_out,
    quorum,
    responses,
    created_at,
    resolved_at
)
VALUES (
    @event_id,
    @event_type,
    @mode,
    @progression,
    @timed_out,
    @quorum,
    @responses::jsonb,
    @created_at,
    @resolved_at
)
ON CONFLICT (event_id) DO UPDATE
SET progression = EXCLUDED.progression,
    timed_out = EXCLUDED.timed_out,
    responses = EXCLUDED.responses,
    resolved_at = EXCLUDED.resolved_at,
    recorded_at = NOW();
`

	decisionSelectColumns = `
SELECT event_id, event_type, mode, progression, timed_out, quorum, responses, created_at, resolved_at
FROM barrier_decisions`

	decisionListSQL = decisionSelectColumns + `
ORDER BY resolved_at DESC, event_id
LIMIT $1;`

	decisionGetSQL = decisionSelectColumns + `
WHERE event_id = $1;`
)

// RecordDecision upserts a settled barrier keyed by its event ID.
func (s *DecisionStore) RecordDecision(ctx context.Context, decision schema.BarrierDecision) error {
	if err := s.ensurePool(); err != nil {
		return err
	}
	if strings.TrimSpace(decision.EventID) == "" {
		return errs.New("decisions/record", errs.CodeInvalid, errs.WithMessage("decision event id required"))
	}
	responses := decision.Responses
	if responses == nil {
		responses = []schema.BarrierResponse{}
	}
	payload, err := json.Marshal(responses)
	if err != nil {
		return fmt.Errorf("decision store: encode responses: %w", err)
	}
	args := pgx.NamedArgs{
		"event_id":    decision.EventID,
		"event_type":  decision.EventType,
		"mode":        string(decision.Mode),
		"progression": string(decision.Progression),
		"timed_out":   decision.TimedOut,
		"quorum":      decision.Quorum,
		"responses":   string(payload),
		"created_at":  decision.CreatedAt.UTC(),
		"resolved_at": decision.ResolvedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, decisionInsertSQL, args); err != nil {
		return fmt.Errorf("decision store: insert: %w", err)
	}
	return nil
}

// ListDecisions returns the most recently resolved decisions first.
func (s *DecisionStore) ListDecisions(ctx context.Context, limit int) ([]schema.BarrierDecision, error) {
	if err := s.ensurePool(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.pool.Query(ctx, decisionListSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("decision store: list: %w", err)
	}
	defer rows.Close()

	out := make([]schema.BarrierDecision, 0, limit)
	for rows.Next() {
		decision, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decision store: iterate: %w", err)
	}
	return out, nil
}

// GetDecision loads a single decision.
func (s *DecisionStore) GetDecision(ctx context.Context, eventID string) (schema.BarrierDecision, error) {
	if err := s.ensurePool(); err != nil {
		return schema.BarrierDecision{}, err
	}
	decision, err := scanDecision(s.pool.QueryRow(ctx, decisionGetSQL, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.BarrierDecision{}, errs.New("decisions/get", errs.CodeNotFound,
			errs.WithHTTP(404),
			errs.WithMessage("decision not found"),
			errs.WithField("event_id", eventID))
	}
	return decision, err
}

func (s *DecisionStore) ensurePool() error {
	if s == nil || s.pool == nil {
		return errs.New("decisions", errs.CodeUnavailable, errs.WithMessage("decision store not configured"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (schema.BarrierDecision, error) {
	var (
		decision    schema.BarrierDecision
		mode        string
		progression string
		responses   []byte
		createdAt   time.Time
		resolvedAt  time.Time
	)
	if err := row.Scan(
		&decision.EventID,
		&decision.EventType,
		&mode,
		&progression,
		&decision.TimedOut,
		&decision.Quorum,
		&responses,
		&createdAt,
		&resolvedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.BarrierDecision{}, err
		}
		return schema.BarrierDecision{}, fmt.Errorf("decision store: scan: %w", err)
	}
	decision.Mode = schema.Mode(mode)
	decision.Progression = schema.Progression(progression)
	decision.CreatedAt = createdAt.UTC()
	decision.ResolvedAt = resolvedAt.UTC()
	if len(responses) > 0 {
		if err := json.Unmarshal(responses, &decision.Responses); err != nil {
			return schema.BarrierDecision{}, fmt.Errorf("decision store: decode responses: %w", err)
		}
	}
	if decision.Responses == nil {
		decision.Responses = []schema.BarrierResponse{}
	}
	return decision, nil
}
