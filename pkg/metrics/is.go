package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// InceptionScore splits the class probabilities into contiguous chunks and
// returns the mean and standard deviation of exp(E[KL(p(y|x) || p(y))]) over
// the chunks.
func InceptionScore(probs *mat.Dense, splits int) (float64, float64, error) {
	if probs == nil {
		return 0, 0, errdefs.InsufficientSamples("synthetic", 0, 2)
	}
	n, c := probs.Dims()
	if n < 2 {
		return 0, 0, errdefs.InsufficientSamples("synthetic", n, 2)
	}
	if splits < 1 {
		splits = 1
	}
	if splits > n {
		splits = n
	}

	scores := make([]float64, splits)
	marginal := make([]float64, c)
	for s := range scores {
		lo, hi := s*n/splits, (s+1)*n/splits
		for j := range marginal {
			marginal[j] = 0
		}
		for i := lo; i < hi; i++ {
			for j, p := range probs.RawRowView(i) {
				marginal[j] += p
			}
		}
		for j := range marginal {
			marginal[j] /= float64(hi - lo)
		}

		var kl float64
		for i := lo; i < hi; i++ {
			for j, p := range probs.RawRowView(i) {
				if p > 0 {
					kl += p * (math.Log(p) - math.Log(marginal[j]))
				}
			}
		}
		scores[s] = math.Exp(kl / float64(hi-lo))
	}

	mean, variance := stat.PopMeanVariance(scores, nil)
	return mean, math.Sqrt(variance), nil
}
