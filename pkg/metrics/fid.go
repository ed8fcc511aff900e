package metrics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// FrechetDistance returns the Fréchet distance between two Gaussians:
// |mu1-mu2|^2 + tr(S1) + tr(S2) - 2 tr sqrt(S1^1/2 S2 S1^1/2).
func FrechetDistance(mu1, mu2 *mat.VecDense, sigma1, sigma2 *mat.SymDense) (float64, error) {
	d := mu1.Len()
	if mu2.Len() != d || sigma1.SymmetricDim() != d || sigma2.SymmetricDim() != d {
		return 0, errdefs.ShapeMismatch("gaussian dimension", d, mu2.Len())
	}

	// Rounding in the matrix square root leaves a small residue for identical
	// Gaussians, worst when the covariance is rank deficient.
	if mat.Equal(mu1, mu2) && mat.Equal(sigma1, sigma2) {
		return 0, nil
	}

	var diff mat.VecDense
	diff.SubVec(mu1, mu2)
	meanTerm := mat.Dot(&diff, &diff)

	sqrt1, err := sqrtPSD(sigma1)
	if err != nil {
		return 0, err
	}
	var tmp, prod mat.Dense
	tmp.Mul(sqrt1, sigma2)
	prod.Mul(&tmp, sqrt1)

	var eig mat.EigenSym
	if !eig.Factorize(symmetrize(&prod), false) {
		return 0, errors.New("eigendecomposition of covariance product failed")
	}
	var traceSqrt float64
	for _, v := range eig.Values(nil) {
		if v > 0 {
			traceSqrt += math.Sqrt(v)
		}
	}

	fid := meanTerm + mat.Trace(sigma1) + mat.Trace(sigma2) - 2*traceSqrt
	return math.Max(fid, 0), nil
}

// sqrtPSD returns the principal square root of a positive semi-definite
// matrix, with negative eigenvalues from rounding clamped to zero.
func sqrtPSD(s *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(s, true) {
		return nil, errors.New("eigendecomposition of covariance failed")
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n := len(values)
	scaled := mat.NewDense(n, n, nil)
	for j, v := range values {
		r := math.Sqrt(math.Max(v, 0))
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*r)
		}
	}
	var out mat.Dense
	out.Mul(scaled, vecs.T())
	return &out, nil
}

func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return s
}

func computeFID(real, synth *stats.Statistics) (*Result, error) {
	if real.Count < 2 {
		return nil, errdefs.InsufficientSamples("real", int(real.Count), 2)
	}
	if synth.Count < 2 {
		return nil, errdefs.InsufficientSamples("synthetic", int(synth.Count), 2)
	}
	fid, err := FrechetDistance(
		real.Moments.MeanVec(), synth.Moments.MeanVec(),
		real.Moments.Covariance(), synth.Moments.Covariance(),
	)
	if err != nil {
		return nil, err
	}
	return newResult(FID, map[string]float64{"fid": fid}), nil
}
