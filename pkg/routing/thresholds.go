package routing

import (
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

// Hard bounds on every threshold set the router will ever use.
const (
	CriticalCeiling = 0.95
	ThresholdFloor  = 0.05
	minGap          = 0.01

	MaxStepFraction  = 0.10
	MaxDriftFraction = 0.20
)

var ErrInvalidThresholds = errors.New("routing: invalid threshold set")

// DefaultThresholds is the baseline table.
var DefaultThresholds = contracts.ThresholdSet{Critical: 0.95, High: 0.8, Medium: 0.6, Low: 0.3}

// StrictThresholds is the conservative table used when the scorer is unavailable.
var StrictThresholds = contracts.ThresholdSet{Critical: 0.85, High: 0.5, Medium: 0.3, Low: 0.1}

// CheckThresholds verifies the invariants: critical at or below the
// ceiling, low at or above the floor, boundaries strictly ordered.
func CheckThresholds(t contracts.ThresholdSet) error {
	vals := []float64{t.Low, t.Medium, t.High, t.Critical}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite boundary in %+v", ErrInvalidThresholds, t)
		}
	}
	switch {
	case t.Critical > CriticalCeiling:
		return fmt.Errorf("%w: critical %.4f above ceiling %.2f", ErrInvalidThresholds, t.Critical, CriticalCeiling)
	case t.Low < ThresholdFloor:
		return fmt.Errorf("%w: low %.4f below floor %.2f", ErrInvalidThresholds, t.Low, ThresholdFloor)
	case !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical):
		return fmt.Errorf("%w: boundaries not strictly ordered %+v", ErrInvalidThresholds, t)
	}
	return nil
}

// adjust proposes new boundaries moved by delta (a signed fraction of each
// boundary), then clamps each step, total drift from baseline and the hard
// invariants. It reports false when no valid set could be produced; the
// caller then keeps the current set.
func adjust(current, baseline contracts.ThresholdSet, delta float64) (contracts.ThresholdSet, bool) {
	move := func(cur, base float64) float64 {
		next := cur * (1 + delta)
		next = clamp(next, cur*(1-MaxStepFraction), cur*(1+MaxStepFraction))
		return clamp(next, base*(1-MaxDriftFraction), base*(1+MaxDriftFraction))
	}
	next := contracts.ThresholdSet{
		Critical: move(current.Critical, baseline.Critical),
		High:     move(current.High, baseline.High),
		Medium:   move(current.Medium, baseline.Medium),
		Low:      move(current.Low, baseline.Low),
	}
	next = enforce(next)
	if CheckThresholds(next) != nil {
		return current, false
	}
	return next, true
}

// enforce applies the ceiling, the ordering and the floor, top down.
func enforce(t contracts.ThresholdSet) contracts.ThresholdSet {
	t.Critical = math.Min(t.Critical, CriticalCeiling)
	t.High = math.Min(t.High, t.Critical-minGap)
	t.Medium = math.Min(t.Medium, t.High-minGap)
	t.Low = math.Max(math.Min(t.Low, t.Medium-minGap), ThresholdFloor)
	return t
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
