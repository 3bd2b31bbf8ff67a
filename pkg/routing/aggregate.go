package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/stability"
)

var ErrNoSignals = errors.New("routing: no signals to aggregate")

// Aggregate is the result of combining several agents' impact signals.
type Aggregate struct {
	Score      float64                   `json:"score"`
	Weighted   []float64                 `json:"weighted"`
	Projection stability.ProjectedMatrix `json:"projection"`
}

// Aggregate projects trust onto the doubly-stochastic manifold and returns
// max(W·s). Signals are clamped to [0,1] first, so the consensus never
// exceeds the largest input signal. A nil trust matrix means equal trust.
func (r *Router) Aggregate(signals []float64, trust [][]float64) (Aggregate, error) {
	if len(signals) == 0 {
		return Aggregate{}, ErrNoSignals
	}
	s := make([]float64, len(signals))
	for i, v := range signals {
		s[i], _ = clampScore(v)
	}
	if trust == nil {
		trust = make([][]float64, len(s))
		for i := range trust {
			trust[i] = make([]float64, len(s))
			for j := range trust[i] {
				trust[i][j] = 1
			}
		}
	}
	if len(trust) != len(s) {
		return Aggregate{}, fmt.Errorf("%w: %d signals, %d trust rows", stability.ErrDimension, len(s), len(trust))
	}

	p, err := stability.Project(stability.GovernanceWeightMatrix{Weights: trust})
	if err != nil {
		return Aggregate{}, fmt.Errorf("project trust: %w", err)
	}
	if !p.Converged {
		r.logger.Warn("trust projection did not converge", "iterations", p.Iterations, "divergence", p.Divergence)
	}
	y, err := stability.Apply(p.Weights, s)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{Weighted: y, Projection: p}
	for _, v := range y {
		if v > agg.Score {
			agg.Score = v
		}
	}
	return agg, nil
}

// RouteAggregated routes msg on the consensus of several agents' signals.
func (r *Router) RouteAggregated(ctx context.Context, msg *contracts.AgentMessage, signals []float64, trust [][]float64) (contracts.RoutingDecision, Aggregate, error) {
	agg, err := r.Aggregate(signals, trust)
	if err != nil {
		return contracts.RoutingDecision{}, Aggregate{}, err
	}
	d, err := r.RouteScored(ctx, msg, agg.Score, contracts.RiskAggregated)
	return d, agg, err
}
