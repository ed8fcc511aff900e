// Package knn holds the exact nearest-neighbour kernels shared by the manifold
// metrics: k-th neighbour radii, row-wise distance passes and ranking.
//
// Distances are computed pair by pair in float64 so that equal inputs always
// produce bit-identical distances; ball membership tests rely on that.
package knn

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Neighbour is a ranked neighbour of a query point.
type Neighbour struct {
	Index    int     `json:"index"`
	Distance float64 `json:"distance"`
}

// ForEachRow computes the distances from every row of a to every row of b and
// calls fn(i, d) with d[j] = |a_i - b_j|. Rows are processed concurrently; fn
// is called once per i and must only touch state owned by i. d is reused after
// fn returns.
func ForEachRow(ctx context.Context, a, b *mat.Dense, fn func(i int, d []float64)) error {
	na, da := a.Dims()
	nb, db := b.Dims()
	if da != db {
		return errdefs.ShapeMismatch("feature dimension", da, db)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > na {
		workers = na
	}
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			d := make([]float64, nb)
			for i := w; i < na; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				ai := a.RawRowView(i)
				for j := 0; j < nb; j++ {
					d[j] = EuclideanDistance(ai, b.RawRowView(j))
				}
				fn(i, d)
			}
			return nil
		})
	}
	return g.Wait()
}

// KthRadii returns, for each row of x, the distance to its k-th nearest other
// row. The row itself is excluded by index, so duplicates still count.
func KthRadii(ctx context.Context, x *mat.Dense, k int, set string) ([]float64, error) {
	n, _ := x.Dims()
	if k < 1 {
		return nil, errdefs.Configf("nhood_size", "must be at least 1, got %d", k)
	}
	if n <= k {
		return nil, errdefs.InsufficientSamples(set, n, k+1)
	}

	radii := make([]float64, n)
	err := ForEachRow(ctx, x, x, func(i int, d []float64) {
		d[i] = math.Inf(1)
		radii[i] = KthSmallest(d, k)
	})
	return radii, err
}

// Nearest returns, for each row of a, the index and distance of the closest row
// of b. Ties go to the lower index.
func Nearest(ctx context.Context, a, b *mat.Dense) ([]int, []float64, error) {
	na, _ := a.Dims()
	idx := make([]int, na)
	dist := make([]float64, na)
	err := ForEachRow(ctx, a, b, func(i int, d []float64) {
		best := 0
		for j := 1; j < len(d); j++ {
			if d[j] < d[best] {
				best = j
			}
		}
		idx[i], dist[i] = best, d[best]
	})
	return idx, dist, err
}

// KthSmallest returns the k-th smallest value of d (1-based) without
// modifying d.
func KthSmallest(d []float64, k int) float64 {
	// Sorted buffer of the k smallest values seen so far.
	best := make([]float64, 0, k)
	for _, v := range d {
		if len(best) == k && v >= best[k-1] {
			continue
		}
		pos := sort.SearchFloat64s(best, v)
		if len(best) < k {
			best = append(best, 0)
		}
		copy(best[pos+1:], best[pos:len(best)-1])
		best[pos] = v
	}
	return best[len(best)-1]
}

// Rank returns the top entries of d ordered by ascending distance, ties broken
// by ascending index.
func Rank(d []float64, top int) []Neighbour {
	order := make([]int, len(d))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return d[order[x]] < d[order[y]]
	})
	if top > len(order) {
		top = len(order)
	}
	out := make([]Neighbour, top)
	for i := 0; i < top; i++ {
		out[i] = Neighbour{Index: order[i], Distance: d[order[i]]}
	}
	return out
}
