package metrics

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/knn"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/oneclass"
)

// Fidelity holds alpha-precision, beta-recall and authenticity.
type Fidelity struct {
	AlphaPrecision float64
	BetaRecall     float64
	Authenticity   float64
	// Curves sampled on Alphas.
	Alphas              []float64
	AlphaPrecisionCurve []float64
	BetaRecallCurve     []float64
}

// FidelityEstimates evaluates synth against real in the detector space.
//
// Alpha-precision compares, for each alpha, the fraction of synthetic points
// inside the alpha-quantile ball of the real set around the detector centre.
// Beta-recall does the same for the real points' nearest synthetic samples
// around the synthetic centre, counting only real points whose nearest
// synthetic sample lies within their k-th real neighbour radius. Both report
// 1 - 2 * integrated |alpha - curve|. A synthetic sample is a memorised copy
// when it is the nearest synthetic neighbour of some real sample and closer
// to it than that sample's nearest real neighbour.
func FidelityEstimates(ctx context.Context, det *oneclass.Detector, real, synth *mat.Dense, k, steps int) (Fidelity, error) {
	nr, _ := real.Dims()
	ns, _ := synth.Dims()
	if nr <= k {
		return Fidelity{}, errdefs.InsufficientSamples("real", nr, k+1)
	}
	if ns <= k {
		return Fidelity{}, errdefs.InsufficientSamples("synthetic", ns, k+1)
	}
	if steps < 2 {
		steps = 2
	}

	er, err := det.Embed(real)
	if err != nil {
		return Fidelity{}, err
	}
	es, err := det.Embed(synth)
	if err != nil {
		return Fidelity{}, err
	}

	alphas := make([]float64, steps)
	for i := range alphas {
		alphas[i] = float64(i) / float64(steps-1)
	}
	delta := alphas[1] - alphas[0]

	realDist := det.CenterDistances(er)
	synthDist := det.CenterDistances(es)
	radii := oneclass.Quantiles(realDist, alphas)

	realRadii, err := knn.KthRadii(ctx, er, k, "real")
	if err != nil {
		return Fidelity{}, err
	}
	nearestReal, err := knn.KthRadii(ctx, er, 1, "real")
	if err != nil {
		return Fidelity{}, err
	}
	closest, closestDist, err := knn.Nearest(ctx, er, es)
	if err != nil {
		return Fidelity{}, err
	}

	_, dim := es.Dims()
	synthCenter := make([]float64, dim)
	for j := range synthCenter {
		synthCenter[j] = mat.Sum(es.ColView(j)) / float64(ns)
	}
	closestToCenter := make([]float64, nr)
	for i, j := range closest {
		closestToCenter[i] = knn.EuclideanDistance(es.RawRowView(j), synthCenter)
	}
	synthRadii := oneclass.Quantiles(closestToCenter, alphas)

	out := Fidelity{
		Alphas:              alphas,
		AlphaPrecisionCurve: make([]float64, steps),
		BetaRecallCurve:     make([]float64, steps),
	}
	for a := range alphas {
		var inside int
		for _, d := range synthDist {
			if d <= radii[a] {
				inside++
			}
		}
		out.AlphaPrecisionCurve[a] = float64(inside) / float64(ns)

		var recalled int
		for i := 0; i < nr; i++ {
			if closestDist[i] <= realRadii[i] && closestToCenter[i] <= synthRadii[a] {
				recalled++
			}
		}
		out.BetaRecallCurve[a] = float64(recalled) / float64(nr)
	}
	out.AlphaPrecision = curveScore(alphas, out.AlphaPrecisionCurve, delta)
	out.BetaRecall = curveScore(alphas, out.BetaRecallCurve, delta)

	memorised := make([]bool, ns)
	for i, j := range closest {
		if closestDist[i] < nearestReal[i] {
			memorised[j] = true
		}
	}
	var copies int
	for _, m := range memorised {
		if m {
			copies++
		}
	}
	out.Authenticity = 1 - float64(copies)/float64(ns)
	return out, nil
}

func curveScore(alphas, curve []float64, delta float64) float64 {
	var dev float64
	for i := range alphas {
		dev += math.Abs(alphas[i] - curve[i])
	}
	return 1 - 2*dev*delta
}

func computePRAuth(ctx context.Context, det *oneclass.Detector, real, synth *mat.Dense, k, steps int) (*Result, error) {
	if det == nil {
		var err error
		if det, err = oneclass.Fit(real); err != nil {
			return nil, err
		}
	}
	f, err := FidelityEstimates(ctx, det, real, synth, k, steps)
	if err != nil {
		return nil, err
	}
	return newResult(PRAuth, map[string]float64{
		"alpha_precision": f.AlphaPrecision,
		"beta_recall":     f.BetaRecall,
		"authenticity":    f.Authenticity,
	}), nil
}
