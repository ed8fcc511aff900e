package metrics

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/knn"
)

// NeighbourGrid selects the numReal real samples closest to any synthetic
// sample and ranks the synthetic samples for each of them, keeping numSynth.
// Groups are ordered by ascending distance, ties broken by index.
func NeighbourGrid(ctx context.Context, real, synth *mat.Dense, numReal, numSynth int) ([]NeighbourGroup, error) {
	if numReal < 1 || numSynth < 1 {
		return nil, errdefs.Configf("metrics.knn", "num_real and num_synth must be positive (%d, %d)", numReal, numSynth)
	}
	nr, _ := real.Dims()
	ns, _ := synth.Dims()
	if nr < numReal {
		return nil, errdefs.InsufficientSamples("real", nr, numReal)
	}
	if ns < numSynth {
		return nil, errdefs.InsufficientSamples("synthetic", ns, numSynth)
	}

	ranked := make([][]knn.Neighbour, nr)
	minDist := make([]float64, nr)
	err := knn.ForEachRow(ctx, real, synth, func(i int, d []float64) {
		ranked[i] = knn.Rank(d, numSynth)
		minDist[i] = ranked[i][0].Distance
	})
	if err != nil {
		return nil, err
	}

	groups := make([]NeighbourGroup, 0, numReal)
	for _, r := range knn.Rank(minDist, numReal) {
		groups = append(groups, NeighbourGroup{
			Real:      r.Index,
			Distance:  r.Distance,
			Synthetic: ranked[r.Index],
		})
	}
	return groups, nil
}

// computeKNN reports the neighbour grid with row positions translated to
// dataset indices through realIdx and synthIdx. A nil slice keeps positions.
func computeKNN(ctx context.Context, real, synth *mat.Dense, realIdx, synthIdx []int, p KNNParams) (*Result, error) {
	groups, err := NeighbourGrid(ctx, real, synth, p.NumReal, p.NumSynth)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Real = datasetIndex(realIdx, groups[i].Real)
		synthetic := make([]knn.Neighbour, len(groups[i].Synthetic))
		for j, s := range groups[i].Synthetic {
			synthetic[j] = knn.Neighbour{Index: datasetIndex(synthIdx, s.Index), Distance: s.Distance}
		}
		groups[i].Synthetic = synthetic
	}
	var sum float64
	var count int
	for _, g := range groups {
		for _, s := range g.Synthetic {
			sum += s.Distance
			count++
		}
	}
	values := map[string]float64{
		"min_distance": groups[0].Distance,
	}
	if count > 0 {
		values["mean_distance"] = sum / float64(count)
	}
	res := newResult(KNN, values)
	res.Neighbours = groups
	return res, nil
}

func datasetIndex(indices []int, pos int) int {
	if pos < len(indices) {
		return indices[pos]
	}
	return pos
}
