package stats

import (
	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Moments is the running count, mean and co-moment matrix of a set of vectors.
// M2 holds sum((x-mean)(x-mean)^T) in row-major order; only the upper triangle
// is authoritative.
type Moments struct {
	Count int64     `msgpack:"count"`
	Dim   int       `msgpack:"dim"`
	Mean  []float64 `msgpack:"mean"`
	M2    []float64 `msgpack:"m2"`
}

// NewMoments returns empty moments of dimension dim.
func NewMoments(dim int) *Moments {
	return &Moments{
		Dim:  dim,
		Mean: make([]float64, dim),
		M2:   make([]float64, dim*dim),
	}
}

// AddBatch folds rows into the moments. The batch is centred on its own mean
// before being merged, so no raw sums of squares are ever formed.
func (m *Moments) AddBatch(rows [][]float32) error {
	if len(rows) == 0 {
		return nil
	}
	d := m.Dim
	for _, r := range rows {
		if len(r) != d {
			return errdefs.ShapeMismatch("embedding", d, len(r))
		}
	}

	nb := len(rows)
	mean := make([]float64, d)
	for _, r := range rows {
		for j, v := range r {
			mean[j] += float64(v)
		}
	}
	for j := range mean {
		mean[j] /= float64(nb)
	}

	centred := mat.NewDense(nb, d, nil)
	for i, r := range rows {
		row := centred.RawRowView(i)
		for j, v := range r {
			row[j] = float64(v) - mean[j]
		}
	}
	var m2 mat.SymDense
	m2.SymOuterK(1, centred.T())

	batch := &Moments{Count: int64(nb), Dim: d, Mean: mean, M2: symData(&m2)}
	return m.Merge(batch)
}

// Merge folds other into m using Chan's pairwise update. Empty moments are an
// identity element.
func (m *Moments) Merge(other *Moments) error {
	if other == nil || other.Count == 0 {
		return nil
	}
	if other.Dim != m.Dim {
		return errdefs.ShapeMismatch("moments dimension", m.Dim, other.Dim)
	}
	if m.Count == 0 {
		m.Count = other.Count
		copy(m.Mean, other.Mean)
		copy(m.M2, other.M2)
		return nil
	}

	na, nb := float64(m.Count), float64(other.Count)
	n := na + nb
	delta := make([]float64, m.Dim)
	for j := range delta {
		delta[j] = other.Mean[j] - m.Mean[j]
	}

	acc := mat.NewSymDense(m.Dim, m.M2)
	acc.AddSym(acc, mat.NewSymDense(m.Dim, other.M2))
	acc.SymRankOne(acc, na*nb/n, mat.NewVecDense(m.Dim, delta))

	for j := range m.Mean {
		m.Mean[j] += delta[j] * nb / n
	}
	m.Count += other.Count
	return nil
}

// Clone returns a deep copy.
func (m *Moments) Clone() *Moments {
	c := NewMoments(m.Dim)
	c.Count = m.Count
	copy(c.Mean, m.Mean)
	copy(c.M2, m.M2)
	return c
}

// MeanVec returns the mean as a gonum vector.
func (m *Moments) MeanVec() *mat.VecDense {
	mean := make([]float64, m.Dim)
	copy(mean, m.Mean)
	return mat.NewVecDense(m.Dim, mean)
}

// Covariance returns the population covariance M2/n, or nil when empty.
func (m *Moments) Covariance() *mat.SymDense {
	if m.Count == 0 {
		return nil
	}
	var cov mat.SymDense
	cov.ScaleSym(1/float64(m.Count), mat.NewSymDense(m.Dim, m.M2))
	return &cov
}

func symData(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := s.At(i, j)
			out[i*n+j] = v
			out[j*n+i] = v
		}
	}
	return out
}
