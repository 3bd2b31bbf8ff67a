// Package stability projects governance weight matrices onto the
// doubly-stochastic manifold (Sinkhorn–Knopp) so that aggregating agent
// signals through them cannot amplify any signal.
package stability

import (
	"errors"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/constbus/pkg/canonicalize"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
)

const (
	DefaultIterations = 20
	DefaultEpsilon    = 1e-6
)

// Warning codes attached to a ProjectedMatrix.
const (
	WarnNonConvergence = "non_convergence"
	WarnZeroRowSeeded  = "zero_row_seeded"
	WarnZeroColSeeded  = "zero_col_seeded"
)

var (
	ErrEmpty            = errors.New("stability: empty matrix")
	ErrNotSquare        = errors.New("stability: matrix is not square")
	ErrInvalidWeight    = errors.New("stability: weight is negative or not finite")
	ErrMarginalLength   = errors.New("stability: marginal length does not match matrix")
	ErrInvalidMarginal  = errors.New("stability: marginal must be positive and finite")
	ErrMarginalMismatch = errors.New("stability: row and column marginal totals differ")
	ErrInfeasibleAlpha  = errors.New("stability: alpha cap cannot reach the marginals")
	ErrDimension        = errors.New("stability: vector length does not match matrix")
)

// GovernanceWeightMatrix is the projector input. Nil marginals mean all ones;
// zero Alpha means uncapped; zero Iterations and Epsilon take the defaults.
type GovernanceWeightMatrix struct {
	Weights      [][]float64 `json:"weights"`
	RowMarginals []float64   `json:"row_marginals,omitempty"`
	ColMarginals []float64   `json:"col_marginals,omitempty"`
	Alpha        float64     `json:"alpha,omitempty"`
	Iterations   int         `json:"iterations,omitempty"`
	Epsilon      float64     `json:"epsilon,omitempty"`
}

// ProjectedMatrix is the projector output.
type ProjectedMatrix struct {
	Weights             [][]float64 `json:"weights"`
	RowSums             []float64   `json:"row_sums"`
	ColSums             []float64   `json:"col_sums"`
	Divergence          float64     `json:"divergence"`
	SpectralRadiusBound float64     `json:"spectral_radius_bound"`
	StabilityHash       string      `json:"stability_hash"`
	Iterations          int         `json:"iterations"`
	Converged           bool        `json:"converged"`
	Warnings            []string    `json:"warnings,omitempty"`
}

// NonConvergence returns the warning as an error value, or nil when the
// projection converged.
func (p ProjectedMatrix) NonConvergence() error {
	if p.Converged {
		return nil
	}
	return errorir.New(errorir.KindNonConvergence, errorir.CodeNonConvergence, "epsilon",
		fmt.Sprintf("sums not within epsilon after %d iterations (divergence %.6g)", p.Iterations, p.Divergence))
}

// Project runs Sinkhorn–Knopp on m.
//
// Rows and columns are rescaled alternately for Iterations rounds or until
// every sum is within Epsilon of its target. With Alpha set every element is
// clamped to Alpha after each rescale. A final pass scales down any row
// still above its target, so row and column sums never exceed their targets
// even when the iteration did not converge.
func Project(m GovernanceWeightMatrix) (ProjectedMatrix, error) {
	n := len(m.Weights)
	if n == 0 {
		return ProjectedMatrix{}, ErrEmpty
	}
	for i, row := range m.Weights {
		if len(row) != n {
			return ProjectedMatrix{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrNotSquare, i, len(row), n)
		}
		for j, v := range row {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return ProjectedMatrix{}, fmt.Errorf("%w: [%d][%d]=%v", ErrInvalidWeight, i, j, v)
			}
		}
	}

	rowT, err := marginal(m.RowMarginals, n)
	if err != nil {
		return ProjectedMatrix{}, fmt.Errorf("row: %w", err)
	}
	colT, err := marginal(m.ColMarginals, n)
	if err != nil {
		return ProjectedMatrix{}, fmt.Errorf("col: %w", err)
	}

	iters := m.Iterations
	if iters <= 0 {
		iters = DefaultIterations
	}
	eps := m.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	if rt, ct := sum(rowT), sum(colT); math.Abs(rt-ct) > eps*float64(n) {
		return ProjectedMatrix{}, fmt.Errorf("%w: %v != %v", ErrMarginalMismatch, rt, ct)
	}
	if m.Alpha > 0 {
		if math.IsNaN(m.Alpha) || m.Alpha*float64(n) < maxOf(rowT)-eps || m.Alpha*float64(n) < maxOf(colT)-eps {
			return ProjectedMatrix{}, fmt.Errorf("%w: alpha=%v n=%d", ErrInfeasibleAlpha, m.Alpha, n)
		}
	}

	w := make([][]float64, n)
	for i := range m.Weights {
		w[i] = append([]float64(nil), m.Weights[i]...)
	}

	var warnings []string
	if seedZeroRows(w, rowT) {
		warnings = append(warnings, WarnZeroRowSeeded)
	}
	if seedZeroCols(w, colT) {
		warnings = append(warnings, WarnZeroColSeeded)
	}

	// Stop at eps/2 so the final row pass cannot push a column past eps.
	used := 0
	for used < iters {
		used++
		scaleRows(w, rowT)
		capAt(w, m.Alpha)
		scaleCols(w, colT)
		capAt(w, m.Alpha)
		if deviation(rowSums(w), rowT) <= eps/2 && deviation(colSums(w), colT) <= eps/2 {
			break
		}
	}

	// Row sums may still exceed their targets; pull them down so the
	// operator norms stay bounded. Column sums only shrink here.
	rs := rowSums(w)
	for i := range w {
		if rs[i] > rowT[i] {
			f := rowT[i] / rs[i]
			for j := range w[i] {
				w[i][j] *= f
			}
		}
	}

	out := ProjectedMatrix{
		Weights:    w,
		RowSums:    rowSums(w),
		ColSums:    colSums(w),
		Divergence: frobenius(w, m.Weights),
		Iterations: used,
	}
	out.Converged = deviation(out.RowSums, rowT) <= eps && deviation(out.ColSums, colT) <= eps
	if !out.Converged {
		warnings = append(warnings, WarnNonConvergence)
	}
	out.Warnings = warnings
	out.SpectralRadiusBound = math.Min(maxOf(out.RowSums), maxOf(out.ColSums))

	hash, err := canonicalize.CanonicalHash(struct {
		Weights      [][]float64 `json:"weights"`
		RowMarginals []float64   `json:"row_marginals"`
		ColMarginals []float64   `json:"col_marginals"`
	}{w, rowT, colT})
	if err != nil {
		return ProjectedMatrix{}, fmt.Errorf("stability hash: %w", err)
	}
	out.StabilityHash = hash
	return out, nil
}

// Apply returns W·x.
func Apply(w [][]float64, x []float64) ([]float64, error) {
	out := make([]float64, len(w))
	for i, row := range w {
		if len(row) != len(x) {
			return nil, fmt.Errorf("%w: row %d has %d columns, vector has %d", ErrDimension, i, len(row), len(x))
		}
		var acc float64
		for j, v := range row {
			acc += v * x[j]
		}
		out[i] = acc
	}
	return out, nil
}

// NormInf is the max-abs norm.
func NormInf(x []float64) float64 {
	var m float64
	for _, v := range x {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// Norm1 is the sum of absolute values.
func Norm1(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += math.Abs(v)
	}
	return s
}

func marginal(in []float64, n int) ([]float64, error) {
	if in == nil {
		out := make([]float64, n)
		for i := range out {
			out[i] = 1
		}
		return out, nil
	}
	if len(in) != n {
		return nil, fmt.Errorf("%w: %d != %d", ErrMarginalLength, len(in), n)
	}
	for i, v := range in {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: [%d]=%v", ErrInvalidMarginal, i, v)
		}
	}
	return append([]float64(nil), in...), nil
}

func seedZeroRows(w [][]float64, target []float64) bool {
	seeded := false
	n := float64(len(w))
	for i, row := range w {
		if sum(row) == 0 {
			for j := range row {
				row[j] = target[i] / n
			}
			seeded = true
		}
	}
	return seeded
}

func seedZeroCols(w [][]float64, target []float64) bool {
	seeded := false
	n := float64(len(w))
	cs := colSums(w)
	for j, s := range cs {
		if s == 0 {
			for i := range w {
				w[i][j] = target[j] / n
			}
			seeded = true
		}
	}
	return seeded
}

func scaleRows(w [][]float64, target []float64) {
	for i, row := range w {
		s := sum(row)
		if s == 0 {
			continue
		}
		f := target[i] / s
		for j := range row {
			row[j] *= f
		}
	}
}

func scaleCols(w [][]float64, target []float64) {
	cs := colSums(w)
	for j, s := range cs {
		if s == 0 {
			continue
		}
		f := target[j] / s
		for i := range w {
			w[i][j] *= f
		}
	}
}

func capAt(w [][]float64, alpha float64) {
	if alpha <= 0 {
		return
	}
	for _, row := range w {
		for j, v := range row {
			if v > alpha {
				row[j] = alpha
			}
		}
	}
}

func rowSums(w [][]float64) []float64 {
	out := make([]float64, len(w))
	for i, row := range w {
		out[i] = sum(row)
	}
	return out
}

func colSums(w [][]float64) []float64 {
	out := make([]float64, len(w))
	for _, row := range w {
		for j, v := range row {
			out[j] += v
		}
	}
	return out
}

func deviation(got, want []float64) float64 {
	var d float64
	for i := range got {
		d = math.Max(d, math.Abs(got[i]-want[i]))
	}
	return d
}

func frobenius(a, b [][]float64) float64 {
	var s float64
	for i := range a {
		for j := range a[i] {
			d := a[i][j] - b[i][j]
			s += d * d
		}
	}
	return math.Sqrt(s)
}

func sum(xs []float64) float64 {
	var s float64
	for _, v := range xs {
		s += v
	}
	return s
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, v := range xs {
		m = math.Max(m, v)
	}
	return m
}
