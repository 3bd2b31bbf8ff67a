package stability

import (
	"math"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const normSlack = 1e-9

// squareGen yields a flattened n×n matrix with n in [1,8].
func squareGen(lo, hi float64) gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(v interface{}) gopter.Gen {
		n := v.(int)
		return gen.SliceOfN(n*n, gen.Float64Range(lo, hi))
	}, reflect.TypeOf([]float64{}))
}

func unflatten(flat []float64) ([][]float64, bool) {
	n := int(math.Round(math.Sqrt(float64(len(flat)))))
	if n == 0 || n*n != len(flat) {
		return nil, false
	}
	w := make([][]float64, n)
	for i := range w {
		w[i] = flat[i*n : (i+1)*n]
	}
	return w, true
}

// Property: for any non-negative W, project(W) is non-negative and
// non-expansive in L1 and L∞, converged or not.
func TestProjectNonExpansive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("‖W·x‖ ≤ ‖x‖ in L1 and L∞", prop.ForAll(
		func(flat []float64, xs []float64) bool {
			w, ok := unflatten(flat)
			if !ok {
				return true
			}
			p, err := Project(GovernanceWeightMatrix{Weights: w})
			if err != nil {
				return false
			}
			for _, row := range p.Weights {
				for _, v := range row {
					if v < 0 {
						return false
					}
				}
			}
			x := xs[:len(w)]
			y, err := Apply(p.Weights, x)
			if err != nil {
				return false
			}
			return NormInf(y) <= NormInf(x)*(1+normSlack)+normSlack &&
				Norm1(y) <= Norm1(x)*(1+normSlack)+normSlack
		},
		squareGen(0, 10),
		gen.SliceOfN(8, gen.Float64Range(-100, 100)),
	))

	properties.TestingRun(t)
}

// Property: well-conditioned positive matrices converge within the default
// budget with every row and column sum within epsilon of one.
func TestProjectSumsWithinEpsilon(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("row/col sums within eps", prop.ForAll(
		func(flat []float64) bool {
			w, ok := unflatten(flat)
			if !ok {
				return true
			}
			p, err := Project(GovernanceWeightMatrix{Weights: w})
			if err != nil || !p.Converged {
				return false
			}
			for i := range p.RowSums {
				if math.Abs(p.RowSums[i]-1) > DefaultEpsilon || math.Abs(p.ColSums[i]-1) > DefaultEpsilon {
					return false
				}
			}
			return p.SpectralRadiusBound <= 1+normSlack
		},
		squareGen(0.5, 2),
	))

	properties.TestingRun(t)
}
