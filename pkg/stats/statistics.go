// Package stats accumulates embeddings into mergeable summary statistics.
//
// Two forms are kept side by side: Moments (count, mean and co-moment matrix,
// merged with Chan's pairwise update) for mean/covariance metrics, and Samples
// (retained rows, optionally capped by seeded reservoir sampling) for
// neighbourhood metrics. Merging is associative and commutative for moments up
// to rounding, and empty statistics are an identity element for both forms.
package stats

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
)

// Options selects what an Accumulator captures.
type Options struct {
	Moments bool
	Raw     bool
	// MaxItems caps retained raw rows; 0 keeps every row.
	MaxItems int
	Seed     int64
}

// Statistics is the finalized, mergeable summary of a set of embeddings.
type Statistics struct {
	Dim     int      `msgpack:"dim"`
	Count   int64    `msgpack:"count"`
	Moments *Moments `msgpack:"moments,omitempty"`
	Samples *Samples `msgpack:"samples,omitempty"`
}

// Empty reports whether no embedding has been seen.
func (s *Statistics) Empty() bool {
	return s == nil || s.Count == 0
}

// Clone returns a deep copy.
func (s *Statistics) Clone() *Statistics {
	if s == nil {
		return nil
	}
	c := &Statistics{Dim: s.Dim, Count: s.Count}
	if s.Moments != nil {
		c.Moments = s.Moments.Clone()
	}
	if s.Samples != nil {
		c.Samples = s.Samples.Clone()
	}
	return c
}

// Merge returns the combination of a and b without modifying either.
func Merge(a, b *Statistics) (*Statistics, error) {
	if a.Empty() {
		return b.Clone(), nil
	}
	out := a.Clone()
	if err := out.MergeFrom(b); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeFrom folds other into s.
func (s *Statistics) MergeFrom(other *Statistics) error {
	if other.Empty() {
		return nil
	}
	if s.Count == 0 {
		*s = *other.Clone()
		return nil
	}
	if s.Dim != other.Dim {
		return errdefs.ShapeMismatch("statistics dimension", s.Dim, other.Dim)
	}
	if (s.Moments == nil) != (other.Moments == nil) || (s.Samples == nil) != (other.Samples == nil) {
		return errors.New("cannot merge statistics captured with different options")
	}

	if s.Moments != nil {
		if err := s.Moments.Merge(other.Moments); err != nil {
			return err
		}
	}
	if s.Samples != nil {
		if err := s.Samples.Merge(other.Samples); err != nil {
			return err
		}
	}
	s.Count += other.Count
	return nil
}

// Accumulator consumes embedding batches on one rank.
type Accumulator struct {
	opts   Options
	logger *observability.Logger
	stats  Statistics
	warned bool
}

// NewAccumulator returns an empty accumulator. The dimension is fixed by the
// first batch.
func NewAccumulator(opts Options, logger *observability.Logger) *Accumulator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Accumulator{opts: opts, logger: logger}
}

// Count returns the number of embeddings added so far.
func (a *Accumulator) Count() int64 {
	return a.stats.Count
}

// AddBatch folds a batch of equal-length embeddings into the accumulator,
// numbering them in arrival order.
func (a *Accumulator) AddBatch(embeddings [][]float32) error {
	return a.AddIndexed(embeddings, nil)
}

// AddIndexed is AddBatch with the dataset index of every embedding, which
// raw samples retain next to each row.
func (a *Accumulator) AddIndexed(embeddings [][]float32, indices []int) error {
	if indices != nil && len(indices) != len(embeddings) {
		return errdefs.ShapeMismatch("embedding indices", len(embeddings), len(indices))
	}
	if len(embeddings) == 0 {
		return nil
	}
	if a.stats.Dim == 0 {
		a.init(len(embeddings[0]))
	}

	if a.stats.Moments != nil {
		if err := a.stats.Moments.AddBatch(embeddings); err != nil {
			return err
		}
	}
	if a.stats.Samples != nil {
		dropped, err := a.stats.Samples.Add(embeddings, indices)
		if err != nil {
			return err
		}
		if dropped && !a.warned {
			a.warned = true
			a.logger.Warn("Raw sample cap reached, keeping a seeded reservoir sample", map[string]interface{}{
				"max_items": a.opts.MaxItems,
				"seed":      a.opts.Seed,
			})
		}
	}
	if a.stats.Moments == nil && a.stats.Samples == nil {
		for _, e := range embeddings {
			if len(e) != a.stats.Dim {
				return errdefs.ShapeMismatch("embedding", a.stats.Dim, len(e))
			}
		}
	}

	a.stats.Count += int64(len(embeddings))
	return nil
}

func (a *Accumulator) init(dim int) {
	a.stats.Dim = dim
	if a.opts.Moments {
		a.stats.Moments = NewMoments(dim)
	}
	if a.opts.Raw {
		a.stats.Samples = NewSamples(dim, a.opts.MaxItems, a.opts.Seed)
	}
}

// Merge folds another accumulator's state into a.
func (a *Accumulator) Merge(other *Accumulator) error {
	return a.stats.MergeFrom(&other.stats)
}

// Finalize returns a snapshot of the accumulated statistics.
func (a *Accumulator) Finalize() *Statistics {
	return a.stats.Clone()
}

// Encode serialises statistics with msgpack.
func Encode(s *Statistics) ([]byte, error) {
	data, err := msgpack.Marshal(s)
	return data, errors.Wrap(err, "encode statistics")
}

// Decode parses statistics written by Encode and checks internal consistency.
func Decode(data []byte) (*Statistics, error) {
	var s Statistics
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decode statistics")
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Check validates the shape of every captured form.
func (s *Statistics) Check() error {
	if s.Count < 0 {
		return errors.Errorf("negative count %d", s.Count)
	}
	if m := s.Moments; m != nil {
		if m.Dim != s.Dim || len(m.Mean) != m.Dim || len(m.M2) != m.Dim*m.Dim || m.Count != s.Count {
			return errors.New("inconsistent moments")
		}
	}
	if smp := s.Samples; smp != nil {
		if smp.Dim != s.Dim || smp.Seen != s.Count || int64(len(smp.Rows)) > smp.Seen || len(smp.Indices) != len(smp.Rows) {
			return errors.New("inconsistent samples")
		}
		for _, r := range smp.Rows {
			if len(r) != smp.Dim {
				return errors.New("inconsistent sample row")
			}
		}
	}
	return nil
}
