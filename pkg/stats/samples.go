package stats

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Samples retains embeddings verbatim. When MaxItems > 0 at most MaxItems rows
// are kept, chosen by seeded reservoir sampling (Algorithm R) so that every
// row seen has the same probability of being retained.
//
// Indices[i] is the dataset index of Rows[i]. Row positions are not dataset
// positions once ranks are merged or the cap replaces rows.
type Samples struct {
	Dim      int         `msgpack:"dim"`
	MaxItems int         `msgpack:"max_items"`
	Seed     int64       `msgpack:"seed"`
	Seen     int64       `msgpack:"seen"`
	Rows     [][]float32 `msgpack:"rows"`
	Indices  []int       `msgpack:"indices"`

	rng *rand.Rand
}

// NewSamples returns an empty sample buffer.
func NewSamples(dim, maxItems int, seed int64) *Samples {
	return &Samples{Dim: dim, MaxItems: maxItems, Seed: seed}
}

// Capped reports whether rows have been dropped.
func (s *Samples) Capped() bool {
	return s.Seen > int64(len(s.Rows))
}

// Len returns the number of retained rows.
func (s *Samples) Len() int {
	return len(s.Rows)
}

// Index returns the dataset index of retained row i.
func (s *Samples) Index(i int) int {
	return s.Indices[i]
}

// Add offers rows to the buffer. indices holds the dataset index of each row;
// nil numbers the rows in arrival order. It returns true the first time a row
// is dropped because of the cap.
func (s *Samples) Add(rows [][]float32, indices []int) (bool, error) {
	if indices != nil && len(indices) != len(rows) {
		return false, errdefs.ShapeMismatch("row indices", len(rows), len(indices))
	}
	for _, r := range rows {
		if len(r) != s.Dim {
			return false, errdefs.ShapeMismatch("embedding", s.Dim, len(r))
		}
	}

	wasCapped := s.Capped()
	for i, r := range rows {
		row := make([]float32, len(r))
		copy(row, r)
		idx := int(s.Seen)
		if indices != nil {
			idx = indices[i]
		}

		if s.MaxItems <= 0 || len(s.Rows) < s.MaxItems {
			s.Rows = append(s.Rows, row)
			s.Indices = append(s.Indices, idx)
		} else {
			if s.rng == nil {
				s.rng = rand.New(rand.NewSource(s.Seed))
			}
			if j := s.rng.Int63n(s.Seen + 1); j < int64(s.MaxItems) {
				s.Rows[j] = row
				s.Indices[j] = idx
			}
		}
		s.Seen++
	}
	return !wasCapped && s.Capped(), nil
}

// Merge combines s and other into s. Without a cap, or when both fit, rows
// are concatenated. Otherwise each side contributes in proportion to the
// number of rows it has seen, selected by a seeded draw and kept in order.
func (s *Samples) Merge(other *Samples) error {
	if other == nil || other.Seen == 0 {
		return nil
	}
	if s.Seen == 0 {
		s.Dim = other.Dim
		s.MaxItems = minCap(s.MaxItems, other.MaxItems)
		s.Seen = other.Seen
		s.Rows = cloneRows(other.Rows)
		s.Indices = append([]int(nil), other.Indices...)
		if s.MaxItems > 0 && len(s.Rows) > s.MaxItems {
			s.keep(pick(rand.New(rand.NewSource(s.Seed^s.Seen)), len(s.Rows), s.MaxItems))
		}
		return nil
	}
	if other.Dim != s.Dim {
		return errdefs.ShapeMismatch("samples dimension", s.Dim, other.Dim)
	}

	limit := minCap(s.MaxItems, other.MaxItems)
	total := len(s.Rows) + len(other.Rows)
	if limit <= 0 || total <= limit {
		s.Rows = append(s.Rows, cloneRows(other.Rows)...)
		s.Indices = append(s.Indices, other.Indices...)
		s.Seen += other.Seen
		return nil
	}

	takeA := int(math.Round(float64(limit) * float64(s.Seen) / float64(s.Seen+other.Seen)))
	takeA = clampInt(takeA, limit-len(other.Rows), len(s.Rows))
	takeB := limit - takeA

	rng := rand.New(rand.NewSource(s.Seed ^ (s.Seen*1_000_003 + other.Seen)))
	rows := make([][]float32, 0, limit)
	indices := make([]int, 0, limit)
	for _, j := range pick(rng, len(s.Rows), takeA) {
		rows = append(rows, s.Rows[j])
		indices = append(indices, s.Indices[j])
	}
	for _, j := range pick(rng, len(other.Rows), takeB) {
		rows = append(rows, cloneRow(other.Rows[j]))
		indices = append(indices, other.Indices[j])
	}

	s.Rows = rows
	s.Indices = indices
	s.MaxItems = limit
	s.Seen += other.Seen
	return nil
}

// Clone returns a deep copy.
func (s *Samples) Clone() *Samples {
	return &Samples{
		Dim:      s.Dim,
		MaxItems: s.MaxItems,
		Seed:     s.Seed,
		Seen:     s.Seen,
		Rows:     cloneRows(s.Rows),
		Indices:  append([]int(nil), s.Indices...),
	}
}

// Matrix returns the retained rows as an n x dim float64 matrix.
func (s *Samples) Matrix() *mat.Dense {
	if len(s.Rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(s.Rows), s.Dim, nil)
	for i, r := range s.Rows {
		row := m.RawRowView(i)
		for j, v := range r {
			row[j] = float64(v)
		}
	}
	return m
}

// keep retains the rows at the given positions, in that order.
func (s *Samples) keep(positions []int) {
	rows := make([][]float32, len(positions))
	indices := make([]int, len(positions))
	for i, j := range positions {
		rows[i] = s.Rows[j]
		indices[i] = s.Indices[j]
	}
	s.Rows, s.Indices = rows, indices
}

// pick returns k of the positions 0..n-1 drawn without replacement, ascending.
func pick(rng *rand.Rand, n, k int) []int {
	if k >= n {
		k = n
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	idx := rng.Perm(n)[:k]
	sort.Ints(idx)
	return idx
}

func cloneRow(r []float32) []float32 {
	out := make([]float32, len(r))
	copy(out, r)
	return out
}

func cloneRows(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}

// minCap returns the smaller positive cap; 0 means uncapped.
func minCap(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0 || a < b:
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
