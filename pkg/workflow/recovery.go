package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

// Strategy is a named recovery behaviour.
type Strategy string

const (
	StrategyRetryWithBackoff Strategy = "retry_with_backoff"
	StrategyFailOpen         Strategy = "fail_open"
	StrategyFailClosed       Strategy = "fail_closed"
	StrategyEscalate         Strategy = "escalate"
)

var ErrPinnedStrategy = errors.New("workflow: validation and integrity failures are always fail_closed")

// RecoveryPolicy maps failure kinds to strategies.
type RecoveryPolicy struct {
	strategies map[errorir.Kind]Strategy
	backoff    retry.BackoffPolicy
}

// DefaultRecoveryPolicy retries transient failures, fails closed on step,
// validation and integrity failures, escalates compensation failures and
// proceeds past non-convergence warnings.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		strategies: map[errorir.Kind]Strategy{
			errorir.KindTransient:      StrategyRetryWithBackoff,
			errorir.KindWorkflowStep:   StrategyFailClosed,
			errorir.KindCompensation:   StrategyEscalate,
			errorir.KindNonConvergence: StrategyFailOpen,
			errorir.KindValidation:     StrategyFailClosed,
			errorir.KindIntegrity:      StrategyFailClosed,
		},
		backoff: retry.BackoffPolicy{PolicyID: "recovery", BaseMs: 100, MaxMs: 5000, MaxJitterMs: 100, MaxAttempts: 3},
	}
}

// With returns a copy using s for kind.
func (p RecoveryPolicy) With(kind errorir.Kind, s Strategy) (RecoveryPolicy, error) {
	switch s {
	case StrategyRetryWithBackoff, StrategyFailOpen, StrategyFailClosed, StrategyEscalate:
	default:
		return p, fmt.Errorf("workflow: unknown recovery strategy %q", s)
	}
	if (kind == errorir.KindValidation || kind == errorir.KindIntegrity) && s != StrategyFailClosed {
		return p, fmt.Errorf("%w: %s", ErrPinnedStrategy, kind)
	}
	next := RecoveryPolicy{strategies: make(map[errorir.Kind]Strategy, len(p.strategies)+1), backoff: p.backoff}
	for k, v := range p.strategies {
		next.strategies[k] = v
	}
	next.strategies[kind] = s
	return next, nil
}

// WithBackoff returns a copy retrying with b.
func (p RecoveryPolicy) WithBackoff(b retry.BackoffPolicy) RecoveryPolicy {
	p.backoff = b
	return p
}

// StrategyFor picks the strategy for err. Unclassified errors fail closed.
func (p RecoveryPolicy) StrategyFor(err error) Strategy {
	if s, ok := p.strategies[errorir.KindOf(err)]; ok {
		return s
	}
	return StrategyFailClosed
}

// RecoveryReport records which strategy fired and what came of it.
type RecoveryReport struct {
	Strategy  Strategy     `json:"strategy"`
	Kind      errorir.Kind `json:"kind,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	Proceed   bool         `json:"proceed"`
	Escalated bool         `json:"escalated,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Recover applies the strategy for err. retry_with_backoff re-runs op and
// proceeds if it eventually succeeds; with a nil op, or once retries are
// exhausted, it fails closed.
func (p RecoveryPolicy) Recover(ctx context.Context, key string, err error, op func(ctx context.Context, attempt int) error) RecoveryReport {
	rep := RecoveryReport{Strategy: p.StrategyFor(err), Kind: errorir.KindOf(err), Error: err.Error()}
	switch rep.Strategy {
	case StrategyFailOpen:
		rep.Proceed = true
	case StrategyEscalate:
		rep.Escalated = true
	case StrategyRetryWithBackoff:
		if op == nil {
			break
		}
		attempts, rerr := retry.Do(ctx, p.backoff, key, op)
		rep.Attempts = attempts
		if rerr == nil {
			rep.Proceed = true
			rep.Error = ""
		} else {
			rep.Error = rerr.Error()
		}
	}
	slog.Default().With("component", "recovery").InfoContext(ctx, "recovery strategy applied",
		"key", key, "strategy", rep.Strategy, "kind", rep.Kind, "proceed", rep.Proceed, "attempts", rep.Attempts)
	return rep
}
