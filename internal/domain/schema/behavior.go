package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/barrierbus/errs"
)

// Mode selects how the bus propagates an event.
type Mode string

const (
	// ModePassive delivers without holding the publisher.
	ModePassive Mode = "PASSIVE"
	// ModeApproval holds the publisher until approvers vote.
	ModeApproval Mode = "APPROVAL"
	// ModeConsensus holds the publisher until a quorum of voters agree.
	ModeConsensus Mode = "CONSENSUS"
)

// ParseMode normalises a textual mode, defaulting to passive for empty input.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(ModePassive):
		return ModePassive, nil
	case string(ModeApproval):
		return ModeApproval, nil
	case string(ModeConsensus):
		return ModeConsensus, nil
	default:
		return "", errs.New("schema/mode", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown mode %q", raw)))
	}
}

// Blocking reports whether the mode holds the publisher on a barrier.
func (m Mode) Blocking() bool {
	return m == ModeApproval || m == ModeConsensus
}

// TimeoutAction decides what happens when a barrier's timer fires first.
type TimeoutAction string

const (
	// TimeoutContinue resolves the barrier as continue.
	TimeoutContinue TimeoutAction = "continue"
	// TimeoutBlock resolves the barrier as block.
	TimeoutBlock TimeoutAction = "block"
	// TimeoutDefer leaves the barrier pending until someone votes or the bus stops.
	TimeoutDefer TimeoutAction = "defer"
)

// ParseTimeoutAction normalises a textual timeout action, defaulting to continue.
func ParseTimeoutAction(raw string) (TimeoutAction, error) {
	switch TimeoutAction(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TimeoutContinue:
		return TimeoutContinue, nil
	case TimeoutBlock:
		return TimeoutBlock, nil
	case TimeoutDefer:
		return TimeoutDefer, nil
	default:
		return "", errs.New("schema/timeout-action", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown timeout action %q", raw)))
	}
}

// BarrierConfig parameterises the quorum vote for one blocking event.
type BarrierConfig struct {
	Quorum            int           `yaml:"quorum"`
	Timeout           time.Duration `yaml:"timeout"`
	TimeoutAction     TimeoutAction `yaml:"timeoutAction"`
	BlockOnFirst      bool          `yaml:"blockOnFirst"`
	ContinueThreshold int           `yaml:"continueThreshold"`
}

type barrierConfigJSON struct {
	Quorum            int           `json:"quorum"`
	TimeoutMs         int64         `json:"timeoutMs"`
	TimeoutAction     TimeoutAction `json:"timeoutAction"`
	BlockOnFirst      bool          `json:"blockOnFirst,omitempty"`
	ContinueThreshold int           `json:"continueThreshold,omitempty"`
}

// MarshalJSON renders the timeout in milliseconds.
func (c BarrierConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(barrierConfigJSON{
		Quorum:            c.Quorum,
		TimeoutMs:         c.Timeout.Milliseconds(),
		TimeoutAction:     c.TimeoutAction,
		BlockOnFirst:      c.BlockOnFirst,
		ContinueThreshold: c.ContinueThreshold,
	})
}

// UnmarshalJSON accepts the millisecond timeout form.
func (c *BarrierConfig) UnmarshalJSON(data []byte) error {
	var raw barrierConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Quorum = raw.Quorum
	c.Timeout = time.Duration(raw.TimeoutMs) * time.Millisecond
	c.TimeoutAction = raw.TimeoutAction
	c.BlockOnFirst = raw.BlockOnFirst
	c.ContinueThreshold = raw.ContinueThreshold
	return nil
}

// Validate rejects configurations the barrier manager cannot run.
func (c BarrierConfig) Validate() error {
	if c.Quorum < 1 {
		return errs.New("schema/barrier", errs.CodeInvalid, errs.WithMessage("barrier quorum must be >= 1"))
	}
	if c.Timeout <= 0 {
		return errs.New("schema/barrier", errs.CodeInvalid, errs.WithMessage("barrier timeout must be > 0"))
	}
	if c.ContinueThreshold < 0 {
		return errs.New("schema/barrier", errs.CodeInvalid, errs.WithMessage("barrier continueThreshold must be >= 0"))
	}
	if _, err := ParseTimeoutAction(string(c.TimeoutAction)); err != nil {
		return err
	}
	return nil
}

// Normalised returns a copy with the default timeout action applied.
func (c BarrierConfig) Normalised() BarrierConfig {
	if action, err := ParseTimeoutAction(string(c.TimeoutAction)); err == nil {
		c.TimeoutAction = action
	}
	return c
}

// Behavior is the registry's answer for one event type. Barrier is only
// meaningful for blocking modes.
type Behavior struct {
	Mode          Mode           `json:"mode" yaml:"mode"`
	Interceptable bool           `json:"interceptable" yaml:"interceptable"`
	Barrier       *BarrierConfig `json:"barrierConfig,omitempty" yaml:"barrier,omitempty"`
}

// PassiveBehavior is returned when no rule applies.
func PassiveBehavior() Behavior {
	return Behavior{Mode: ModePassive}
}

// Blocks reports whether publication must wait on a barrier.
func (b Behavior) Blocks() bool {
	return b.Mode.Blocking() && b.Barrier != nil
}
