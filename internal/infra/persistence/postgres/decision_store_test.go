package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column mismatch")
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		case *int:
			*d = v.(int)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return errors.New("unexpected destination")
		}
	}
	return nil
}

func TestScanDecisionDecodesResponses(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	resolved := created.Add(2 * time.Second)
	row := fakeRow{values: []any{
		"evt-1", "chat/message", "CONSENSUS", "block", false, 2,
		[]byte(`[{"responderId":"a","progression":"block","reason":"spam","timestamp":"2025-03-01T11:00:01Z"}]`),
		created, resolved,
	}}

	decision, err := scanDecision(row)
	require.NoError(t, err)
	require.Equal(t, "evt-1", decision.EventID)
	require.Equal(t, schema.ModeConsensus, decision.Mode)
	require.Equal(t, schema.ProgressionBlock, decision.Progression)
	require.Equal(t, 2, decision.Quorum)
	require.Len(t, decision.Responses, 1)
	require.Equal(t, "spam", decision.Responses[0].Reason)
	require.Equal(t, time.UTC, decision.CreatedAt.Location())
	require.True(t, decision.ResolvedAt.Equal(resolved))
}

func TestScanDecisionEmptyResponses(t *testing.T) {
	row := fakeRow{values: []any{
		"evt-2", "chat/message", "APPROVAL", "continue", true, 1, []byte(`[]`), time.Now(), time.Now(),
	}}
	decision, err := scanDecision(row)
	require.NoError(t, err)
	require.NotNil(t, decision.Responses)
	require.Empty(t, decision.Responses)
	require.True(t, decision.TimedOut)
}

func TestScanDecisionMalformedResponses(t *testing.T) {
	row := fakeRow{values: []any{
		"evt-3", "chat/message", "APPROVAL", "continue", false, 1, []byte(`{`), time.Now(), time.Now(),
	}}
	_, err := scanDecision(row)
	require.ErrorContains(t, err, "decode responses")
}

func TestDecisionStoreWithoutPool(t *testing.T) {
	store := NewDecisionStore(nil)
	ctx := context.Background()

	err := store.RecordDecision(ctx, schema.BarrierDecision{EventID: "evt"})
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	_, err = store.ListDecisions(ctx, 10)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	_, err = store.GetDecision(ctx, "evt")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
