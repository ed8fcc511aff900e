package distributed

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

func rowsFor(indices []int) [][]float32 {
	rows := make([][]float32, len(indices))
	for i, idx := range indices {
		rows[i] = []float32{float32(idx), float32(idx * idx % 7)}
	}
	return rows
}

func statsFor(t *testing.T, indices []int) *stats.Statistics {
	t.Helper()
	acc := stats.NewAccumulator(stats.Options{Moments: true, Raw: true}, nil)
	require.NoError(t, acc.AddBatch(rowsFor(indices)))
	return acc.Finalize()
}

func TestShard_Partitions(t *testing.T) {
	for _, mode := range []ShardMode{Strided, Contiguous} {
		for _, world := range []int{1, 3, 4, 11} {
			n := 10
			var all []int
			for r := 0; r < world; r++ {
				s := Shard(n, r, world, mode)
				assert.True(t, sort.IntsAreSorted(s))
				all = append(all, s...)
			}
			sort.Ints(all)
			require.Len(t, all, n, "%s world=%d", mode, world)
			for i, v := range all {
				assert.Equal(t, i, v)
			}
		}
	}
}

func TestShard_Layouts(t *testing.T) {
	tests := []struct {
		name           string
		n, rank, world int
		mode           ShardMode
		expected       []int
	}{
		{"strided middle rank", 9, 1, 3, Strided, []int{1, 4, 7}},
		{"contiguous middle rank", 9, 1, 3, Contiguous, []int{3, 4, 5}},
		{"strided uneven tail", 10, 2, 4, Strided, []int{2, 6}},
		{"contiguous uneven tail", 10, 3, 4, Contiguous, []int{7, 8, 9}},
		{"more ranks than items", 2, 3, 4, Strided, []int{}},
		{"rank out of range", 5, 2, 2, Strided, nil},
		{"empty dataset", 0, 0, 1, Contiguous, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Shard(tt.n, tt.rank, tt.world, tt.mode)
			if !slices.Equal(got, tt.expected) || (got == nil) != (tt.expected == nil) {
				t.Errorf("Shard(%d, %d, %d, %s) = %#v, expected %#v", tt.n, tt.rank, tt.world, tt.mode, got, tt.expected)
			}
		})
	}
}

func TestParseShardMode(t *testing.T) {
	m, err := ParseShardMode("")
	require.NoError(t, err)
	assert.Equal(t, Strided, m)

	m, err = ParseShardMode("Contiguous")
	require.NoError(t, err)
	assert.Equal(t, Contiguous, m)

	_, err = ParseShardMode("random")
	assert.True(t, errdefs.IsFatal(err))
}

func TestRankContext(t *testing.T) {
	var buf bytes.Buffer
	base := observability.NewLogger(observability.INFO, &buf)

	primary := NewRankContext(0, 2, "cpu", false, base, nil)
	worker := NewRankContext(1, 2, "cpu", false, base, nil)
	verbose := NewRankContext(1, 2, "cpu", true, base, nil)

	assert.True(t, primary.IsPrimary())
	assert.False(t, worker.IsPrimary())

	primary.Logger.Info("from primary")
	worker.Logger.Info("from worker")
	verbose.Logger.Info("from verbose worker")
	worker.Logger.Warn("worker warning")

	out := buf.String()
	assert.Contains(t, out, "from primary")
	assert.NotContains(t, out, "from worker |")
	assert.Contains(t, out, "from verbose worker")
	assert.Contains(t, out, "worker warning")
	assert.Contains(t, out, "rank=1")

	assert.Equal(t, []int{1, 3}, worker.Shard(4, Strided))
}

func TestReduce_OrderIndependentForMoments(t *testing.T) {
	world := 3
	n := 30
	var partials []Partial
	for r := 0; r < world; r++ {
		partials = append(partials, Partial{Rank: r, Stats: statsFor(t, Shard(n, r, world, Strided))})
	}
	reversed := []Partial{partials[2], partials[0], partials[1]}

	a, err := Reduce(partials)
	require.NoError(t, err)
	b, err := Reduce(reversed)
	require.NoError(t, err)

	assert.Equal(t, int64(n), a.Count)
	assert.Equal(t, a.Moments.Mean, b.Moments.Mean)
	assert.Equal(t, a.Samples.Rows, b.Samples.Rows, "partials are folded in rank order")

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	single := statsFor(t, all)
	for j := range single.Moments.Mean {
		assert.InDelta(t, single.Moments.Mean[j], a.Moments.Mean[j], 1e-9)
	}
}

func TestReduce_EmptyPartialsAreIdentity(t *testing.T) {
	st := statsFor(t, []int{1, 2, 3})
	out, err := Reduce([]Partial{{Rank: 0, Stats: &stats.Statistics{}}, {Rank: 1, Stats: st}, {Rank: 2}})
	require.NoError(t, err)
	assert.Equal(t, st.Count, out.Count)
	assert.Equal(t, st.Moments.Mean, out.Moments.Mean)
}

func TestReduce_DuplicateRank(t *testing.T) {
	st := statsFor(t, []int{1})
	_, err := Reduce([]Partial{{Rank: 1, Stats: st}, {Rank: 1, Stats: st}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "duplicate"))
}

func TestPool_Run(t *testing.T) {
	pool := NewPool(4, "cpu", false, nil, nil)
	assert.Equal(t, 4, pool.WorldSize())
	assert.True(t, pool.Primary().IsPrimary())

	var calls int32
	out, err := pool.Run(context.Background(), func(ctx context.Context, rc *RankContext) (*stats.Statistics, error) {
		atomic.AddInt32(&calls, 1)
		return statsFor(t, rc.Shard(25, Strided)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls)
	assert.Equal(t, int64(25), out.Count)
}

func TestPool_RankFailureAbortsPass(t *testing.T) {
	pool := NewPool(3, "cpu", false, nil, nil)
	boom := errdefs.ShapeMismatch("image", 3, 1)

	out, err := pool.Run(context.Background(), func(ctx context.Context, rc *RankContext) (*stats.Statistics, error) {
		if rc.Rank == 2 {
			return nil, boom
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.Nil(t, out)
	var shapeErr *errdefs.ShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr))
}
