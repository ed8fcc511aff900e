package metrics

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/knn"
)

// Manifold holds the four manifold estimates of a synthetic set against a
// real set.
type Manifold struct {
	Precision float64
	Recall    float64
	Density   float64
	Coverage  float64
}

// ManifoldEstimates computes precision, recall, density and coverage with k-th
// nearest neighbour balls. A point lies in a ball when its distance to the
// centre is at most the radius.
func ManifoldEstimates(ctx context.Context, real, synth *mat.Dense, k int) (Manifold, error) {
	realRadii, err := knn.KthRadii(ctx, real, k, "real")
	if err != nil {
		return Manifold{}, err
	}
	synthRadii, err := knn.KthRadii(ctx, synth, k, "synthetic")
	if err != nil {
		return Manifold{}, err
	}
	nr, _ := real.Dims()
	ns, _ := synth.Dims()

	// Per synthetic sample: number of real balls containing it.
	containing := make([]int, ns)
	err = knn.ForEachRow(ctx, synth, real, func(j int, d []float64) {
		for i, dist := range d {
			if dist <= realRadii[i] {
				containing[j]++
			}
		}
	})
	if err != nil {
		return Manifold{}, err
	}

	// Per real sample: inside some synthetic ball, and whether its nearest
	// synthetic sample falls in its own ball.
	recalled := make([]bool, nr)
	covered := make([]bool, nr)
	err = knn.ForEachRow(ctx, real, synth, func(i int, d []float64) {
		nearest := d[0]
		for j, dist := range d {
			if dist <= synthRadii[j] {
				recalled[i] = true
			}
			if dist < nearest {
				nearest = dist
			}
		}
		covered[i] = nearest <= realRadii[i]
	})
	if err != nil {
		return Manifold{}, err
	}

	var out Manifold
	for _, c := range containing {
		if c > 0 {
			out.Precision++
		}
		out.Density += float64(c)
	}
	out.Precision /= float64(ns)
	out.Density /= float64(k) * float64(ns)

	for i := range recalled {
		if recalled[i] {
			out.Recall++
		}
		if covered[i] {
			out.Coverage++
		}
	}
	out.Recall /= float64(nr)
	out.Coverage /= float64(nr)
	return out, nil
}

func computePR(ctx context.Context, real, synth *mat.Dense, k int) (*Result, error) {
	m, err := ManifoldEstimates(ctx, real, synth, k)
	if err != nil {
		return nil, err
	}
	return newResult(PR, map[string]float64{
		"precision": m.Precision,
		"recall":    m.Recall,
	}), nil
}

func computePRDC(ctx context.Context, real, synth *mat.Dense, k int) (*Result, error) {
	m, err := ManifoldEstimates(ctx, real, synth, k)
	if err != nil {
		return nil, err
	}
	return newResult(PRDC, map[string]float64{
		"precision": m.Precision,
		"recall":    m.Recall,
		"density":   m.Density,
		"coverage":  m.Coverage,
	}), nil
}
