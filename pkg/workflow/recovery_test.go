package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

func TestRecoveryPolicy_Defaults(t *testing.T) {
	p := DefaultRecoveryPolicy()
	cases := map[error]Strategy{
		errorir.Transient(errorir.CodeAnchorUnavailable, "down", nil):                    StrategyRetryWithBackoff,
		errorir.New(errorir.KindWorkflowStep, errorir.CodeStepFailed, "", "x"):           StrategyFailClosed,
		errorir.New(errorir.KindCompensation, errorir.CodeCompensationFailed, "", "x"):   StrategyEscalate,
		errorir.New(errorir.KindNonConvergence, errorir.CodeNonConvergence, "", "x"):     StrategyFailOpen,
		errorir.Validation("priority", "x"):                                              StrategyFailClosed,
		errorir.Integrity(errorir.CodeCyclicGraph, "x"):                                  StrategyFailClosed,
		errors.New("unclassified"):                                                       StrategyFailClosed,
	}
	for err, want := range cases {
		assert.Equal(t, want, p.StrategyFor(err), err.Error())
	}
}

func TestRecoveryPolicy_PinnedKinds(t *testing.T) {
	p := DefaultRecoveryPolicy()
	_, err := p.With(errorir.KindValidation, StrategyFailOpen)
	assert.ErrorIs(t, err, ErrPinnedStrategy)
	_, err = p.With(errorir.KindIntegrity, StrategyRetryWithBackoff)
	assert.ErrorIs(t, err, ErrPinnedStrategy)
	_, err = p.With(errorir.KindTransient, "pray")
	assert.Error(t, err)

	q, err := p.With(errorir.KindTransient, StrategyEscalate)
	require.NoError(t, err)
	assert.Equal(t, StrategyEscalate, q.StrategyFor(errorir.ErrTransient))
	assert.Equal(t, StrategyRetryWithBackoff, p.StrategyFor(errorir.ErrTransient), "original untouched")
}

func TestRecoveryPolicy_Recover(t *testing.T) {
	p := DefaultRecoveryPolicy().WithBackoff(retry.BackoffPolicy{PolicyID: "t", BaseMs: 1, MaxMs: 1, MaxAttempts: 3})
	ctx := context.Background()
	transient := errorir.Transient(errorir.CodeAnchorUnavailable, "down", nil)

	calls := 0
	rep := p.Recover(ctx, "k", transient, func(context.Context, int) error {
		calls++
		if calls < 2 {
			return errors.New("still down")
		}
		return nil
	})
	assert.Equal(t, StrategyRetryWithBackoff, rep.Strategy)
	assert.True(t, rep.Proceed)
	assert.Equal(t, 2, rep.Attempts)

	rep = p.Recover(ctx, "k", transient, func(context.Context, int) error { return errors.New("still down") })
	assert.False(t, rep.Proceed)
	assert.Equal(t, 3, rep.Attempts)

	rep = p.Recover(ctx, "k", transient, nil)
	assert.False(t, rep.Proceed)

	rep = p.Recover(ctx, "k", errorir.New(errorir.KindCompensation, errorir.CodeCompensationFailed, "", "x"), nil)
	assert.True(t, rep.Escalated)
	assert.False(t, rep.Proceed)

	rep = p.Recover(ctx, "k", errorir.New(errorir.KindNonConvergence, errorir.CodeNonConvergence, "", "x"), nil)
	assert.Equal(t, StrategyFailOpen, rep.Strategy)
	assert.True(t, rep.Proceed)
}
