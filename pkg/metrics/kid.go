package metrics

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// KernelDistance returns the unbiased MMD^2 estimate with the cubic polynomial
// kernel k(x, y) = (x.y/d + 1)^3, averaged over seeded random subsets drawn
// without replacement. It returns the mean and the standard deviation across
// subsets.
func KernelDistance(real, synth *mat.Dense, p KIDParams, seed int64) (float64, float64, error) {
	nr, d := real.Dims()
	ns, ds := synth.Dims()
	if d != ds {
		return 0, 0, errdefs.ShapeMismatch("feature dimension", d, ds)
	}
	if nr < 2 {
		return 0, 0, errdefs.InsufficientSamples("real", nr, 2)
	}
	if ns < 2 {
		return 0, 0, errdefs.InsufficientSamples("synthetic", ns, 2)
	}

	m := nr
	if ns < m {
		m = ns
	}
	if p.MaxSubsetSize > 0 && p.MaxSubsetSize < m {
		m = p.MaxSubsetSize
	}
	subsets := p.NumSubsets
	if subsets <= 0 {
		subsets = 1
	}

	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(m, d, nil)
	y := mat.NewDense(m, d, nil)
	var xx, yy, xy mat.Dense
	values := make([]float64, subsets)
	fm, fd := float64(m), float64(d)

	for s := range values {
		// Synthetic rows first to keep the draw order stable.
		gather(x, synth, rng.Perm(ns)[:m])
		gather(y, real, rng.Perm(nr)[:m])

		xx.Mul(x, x.T())
		yy.Mul(y, y.T())
		xy.Mul(x, y.T())

		var within, diag float64
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				a := cubicKernel(xx.At(i, j), fd) + cubicKernel(yy.At(i, j), fd)
				within += a
				if i == j {
					diag += a
				}
			}
		}
		var cross float64
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				cross += cubicKernel(xy.At(i, j), fd)
			}
		}
		values[s] = ((within-diag)/(fm-1) - cross*2/fm) / fm
	}

	mean, variance := stat.PopMeanVariance(values, nil)
	return mean, math.Sqrt(variance), nil
}

func cubicKernel(dot, d float64) float64 {
	v := dot/d + 1
	return v * v * v
}

func gather(dst, src *mat.Dense, idx []int) {
	for i, j := range idx {
		copy(dst.RawRowView(i), src.RawRowView(j))
	}
}
