package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/barrierbus/errs"
)

// Progression is the verdict carried by a vote and by a settled barrier.
type Progression string

const (
	// ProgressionContinue lets the event proceed.
	ProgressionContinue Progression = "continue"
	// ProgressionBlock stops the event.
	ProgressionBlock Progression = "block"
)

// ParseProgression validates a textual progression.
func ParseProgression(raw string) (Progression, error) {
	switch Progression(strings.ToLower(strings.TrimSpace(raw))) {
	case ProgressionContinue:
		return ProgressionContinue, nil
	case ProgressionBlock:
		return ProgressionBlock, nil
	default:
		return "", errs.New("schema/progression", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("progression must be continue or block, got %q", raw)))
	}
}

// BarrierVote is what a responder submits.
type BarrierVote struct {
	Progression Progression `json:"progression"`
	Reason      string      `json:"reason,omitempty"`
}

// BarrierResponse is a recorded vote.
type BarrierResponse struct {
	ResponderID string      `json:"responderId"`
	Progression Progression `json:"progression"`
	Reason      string      `json:"reason,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// BarrierState tracks a barrier's lifecycle.
type BarrierState string

const (
	// BarrierPending is waiting for votes.
	BarrierPending BarrierState = "pending"
	// BarrierResolved has a resolution.
	BarrierResolved BarrierState = "resolved"
	// BarrierTimedOut fired its timer and is resolving per its timeout action.
	// Deferred barriers stay pending instead.
	BarrierTimedOut BarrierState = "timed_out"
)

// BarrierOutcome is delivered to the publisher once a barrier settles.
type BarrierOutcome struct {
	EventID     string            `json:"eventId"`
	Progression Progression       `json:"progression"`
	Responses   []BarrierResponse `json:"responses"`
	TimedOut    bool              `json:"timedOut"`
}

// BarrierDecision is the audit record of a settled barrier.
type BarrierDecision struct {
	EventID     string            `json:"eventId"`
	EventType   string            `json:"eventType"`
	Mode        Mode              `json:"mode"`
	Progression Progression       `json:"progression"`
	TimedOut    bool              `json:"timedOut"`
	Quorum      int               `json:"quorum"`
	Responses   []BarrierResponse `json:"responses"`
	CreatedAt   time.Time         `json:"createdAt"`
	ResolvedAt  time.Time         `json:"resolvedAt"`
}

// BarrierRequest is announced to approvers when a barrier opens.
type BarrierRequest struct {
	Event   *Event        `json:"event"`
	Mode    Mode          `json:"mode"`
	Barrier BarrierConfig `json:"barrierConfig"`
}
