package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/cache"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/distributed"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/embedding"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

var testShape = dataset.Shape{Channels: 1, Depth: 1, Height: 8, Width: 8}

func testExtractor(t *testing.T) *embedding.Extractor {
	t.Helper()
	net, err := embedding.NewProjectionNetwork(embedding.NetworkOptions{
		Input:      testShape,
		Grid:       4,
		DepthGrid:  1,
		EmbedDim:   6,
		NumClasses: 3,
		Seed:       7,
	})
	require.NoError(t, err)
	ex, err := embedding.NewExtractor(net, embedding.Options{ValueMin: 0, ValueMax: 1})
	require.NoError(t, err)
	return ex
}

func testImages(n int) []dataset.Image {
	images := make([]dataset.Image, n)
	for i := range images {
		img := dataset.NewImage(testShape)
		for j := range img.Data {
			img.Data[j] = float32((i*7+j)%13) / 12
		}
		images[i] = img
	}
	return images
}

func testDataset(t *testing.T, name string, n int) *dataset.Memory {
	t.Helper()
	ds, err := dataset.NewMemory(name, "/data/"+name, testImages(n), nil)
	require.NoError(t, err)
	return ds
}

type recordingProgress struct {
	mu       sync.Mutex
	reports  []int
	finished int
	total    int
}

func (p *recordingProgress) Report(processed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, processed)
}

func (p *recordingProgress) Finish(processed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished, p.total = processed, total
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestDriver_FeedsEveryImage(t *testing.T) {
	ds := testDataset(t, "real", 23)
	progress := &recordingProgress{}
	driver := NewDriver(testExtractor(t), DriverOptions{BatchSize: 5, Role: "real"}, progress, nil, nil)

	acc := stats.NewAccumulator(stats.Options{Moments: true, Raw: true}, nil)
	require.NoError(t, driver.Run(context.Background(), ds, allIndices(ds.Len()), acc))

	st := acc.Finalize()
	assert.Equal(t, int64(23), st.Count)
	assert.Equal(t, 6, st.Dim)
	assert.Equal(t, 23, progress.finished)
	assert.Equal(t, 23, progress.total)
	require.NotEmpty(t, progress.reports)
	assert.Equal(t, 5, progress.reports[0])
	assert.IsNonDecreasing(t, progress.reports)
}

func TestDriver_ProbabilitiesOutput(t *testing.T) {
	ds := testDataset(t, "synthetic", 4)
	driver := NewDriver(testExtractor(t), DriverOptions{BatchSize: 3, Output: embedding.Probabilities}, nil, nil, nil)

	acc := stats.NewAccumulator(stats.Options{Raw: true}, nil)
	require.NoError(t, driver.Run(context.Background(), ds, allIndices(4), acc))

	st := acc.Finalize()
	assert.Equal(t, 3, st.Dim)
	m := st.Samples.Matrix()
	for i := 0; i < 4; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += m.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestDriver_Cancelled(t *testing.T) {
	ds := testDataset(t, "real", 10)
	driver := NewDriver(testExtractor(t), DriverOptions{BatchSize: 2}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acc := stats.NewAccumulator(stats.Options{Moments: true}, nil)
	assert.Error(t, driver.Run(ctx, ds, allIndices(10), acc))
}

func TestDriver_LoadError(t *testing.T) {
	ds := testDataset(t, "real", 3)
	driver := NewDriver(testExtractor(t), DriverOptions{BatchSize: 2}, nil, nil, nil)

	acc := stats.NewAccumulator(stats.Options{Moments: true}, nil)
	assert.Error(t, driver.Run(context.Background(), ds, []int{0, 1, 9}, acc))
}

func newService(t *testing.T, world int, c *cache.Cache) *FeatureService {
	t.Helper()
	pool := distributed.NewPool(world, "cpu", false, nil, nil)
	return NewFeatureService(testExtractor(t), c, pool, ServiceOptions{BatchSize: 4})
}

func TestFeatureService_ShardedMatchesSingleRank(t *testing.T) {
	ds := testDataset(t, "real", 17)
	want := Want{Moments: true, Raw: true, NhoodSize: 3}
	ctx := context.Background()

	single, err := newService(t, 1, nil).Statistics(ctx, "real", ds, want)
	require.NoError(t, err)
	sharded, err := newService(t, 3, nil).Statistics(ctx, "real", ds, want)
	require.NoError(t, err)

	assert.Equal(t, single.Count, sharded.Count)
	assert.InDeltaSlice(t, single.Moments.Mean, sharded.Moments.Mean, 1e-9)
	assert.InDeltaSlice(t, single.Moments.M2, sharded.Moments.M2, 1e-9)
	assert.Equal(t, 17, sharded.Samples.Len())
}

func TestFeatureService_ShardedSamplesKeepDatasetIndices(t *testing.T) {
	ctx := context.Background()
	real := testDataset(t, "real", 6)

	// synthetic image j is real image (j+1) mod 6
	images := testImages(6)
	shifted := make([]dataset.Image, len(images))
	for j := range shifted {
		shifted[j] = images[(j+1)%len(images)]
	}
	synth, err := dataset.NewMemory("synthetic", "/data/synthetic", shifted, nil)
	require.NoError(t, err)

	want := Want{Raw: true, NhoodSize: 1}
	svc := newService(t, 2, nil)
	realStats, err := svc.Statistics(ctx, "real", real, want)
	require.NoError(t, err)
	synthStats, err := svc.Statistics(ctx, "synthetic", synth, want)
	require.NoError(t, err)

	// interleaved shards are folded in rank order
	assert.Equal(t, []int{0, 2, 4, 1, 3, 5}, realStats.Samples.Indices)

	single, err := newService(t, 1, nil).Statistics(ctx, "real", real, want)
	require.NoError(t, err)
	for i, row := range realStats.Samples.Rows {
		assert.Equal(t, single.Samples.Rows[realStats.Samples.Index(i)], row)
	}

	p := metrics.DefaultParams()
	p.KNN = metrics.KNNParams{NumReal: 6, NumSynth: 1}
	res, err := metrics.Compute(ctx, metrics.KNN, p, realStats, synthStats, nil)
	require.NoError(t, err)
	require.Len(t, res.Neighbours, 6)
	for _, g := range res.Neighbours {
		require.Len(t, g.Synthetic, 1)
		assert.Equal(t, (g.Real+5)%6, g.Synthetic[0].Index, "real %d", g.Real)
		assert.InDelta(t, 0, g.Synthetic[0].Distance, 1e-9)
	}
}

func TestFeatureService_CacheHit(t *testing.T) {
	backend, err := cache.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	metrics := observability.NewMetrics(nil)
	c := cache.New(backend, cache.Options{Metrics: metrics})
	svc := newService(t, 2, c)
	ds := testDataset(t, "real", 9)
	want := Want{Moments: true}
	ctx := context.Background()

	first, err := svc.Statistics(ctx, "real", ds, want)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMisses))

	second, err := svc.Statistics(ctx, "real", ds, want)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHits))
	assert.Equal(t, first.Moments.Mean, second.Moments.Mean)

	_, err = c.Get(ctx, svc.Fingerprint(ds, want))
	require.NoError(t, err)
}

func TestFeatureService_FingerprintTracksRequest(t *testing.T) {
	svc := newService(t, 1, nil)
	ds := testDataset(t, "real", 5)

	moments := svc.Fingerprint(ds, Want{Moments: true})
	assert.Equal(t, moments, svc.Fingerprint(ds, Want{Moments: true}))
	assert.NotEqual(t, moments, svc.Fingerprint(ds, Want{Moments: true, Raw: true}))
	assert.NotEqual(t,
		svc.Fingerprint(ds, Want{Raw: true, NhoodSize: 3}),
		svc.Fingerprint(ds, Want{Raw: true, NhoodSize: 5}))
	assert.NotEqual(t, moments, svc.Fingerprint(ds, Want{Moments: true, Output: embedding.Probabilities}))
	assert.NotEqual(t, moments, svc.Fingerprint(testDataset(t, "other", 5), Want{Moments: true}))
}

type weightsGenerator struct{ weights string }

func (weightsGenerator) LatentDim() int             { return 2 }
func (weightsGenerator) OutputShape() dataset.Shape { return testShape }
func (weightsGenerator) Generate(_ context.Context, z [][]float32, _ []int) ([]dataset.Image, error) {
	out := make([]dataset.Image, len(z))
	for i := range out {
		out[i] = dataset.NewImage(testShape)
	}
	return out, nil
}
func (g weightsGenerator) Identity() string { return g.weights }

func TestFeatureService_FingerprintTracksGeneratorWeights(t *testing.T) {
	svc := newService(t, 1, nil)
	source := func(weights string) dataset.Dataset {
		src, err := dataset.NewGeneratorSource("gan", weightsGenerator{weights: weights}, 8, 1, nil)
		require.NoError(t, err)
		return src
	}
	want := Want{Moments: true}

	before := svc.Fingerprint(source("ckpt-1000.pt@9f2c"), want)
	assert.Equal(t, before, svc.Fingerprint(source("ckpt-1000.pt@9f2c"), want))
	assert.NotEqual(t, before, svc.Fingerprint(source("ckpt-2000.pt@41aa"), want))
}

type fakeReducer struct {
	mu        sync.Mutex
	submitted map[string][]distributed.Partial
	dropped   []string
}

func newFakeReducer() *fakeReducer {
	return &fakeReducer{submitted: make(map[string][]distributed.Partial)}
}

func (f *fakeReducer) Submit(_ context.Context, passID string, _ int, p distributed.Partial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted[passID] = append(f.submitted[passID], p)
	return nil
}

func (f *fakeReducer) Gather(ctx context.Context, passID string, world int) ([]distributed.Partial, error) {
	for {
		f.mu.Lock()
		parts := f.submitted[passID]
		f.mu.Unlock()
		if len(parts) >= world-1 {
			return parts, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeReducer) Drop(passID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, passID)
}

func TestFeatureService_RemoteRanks(t *testing.T) {
	ex := testExtractor(t)
	ds := testDataset(t, "synthetic", 11)
	want := Want{Moments: true, Raw: true}
	reducer := newFakeReducer()
	ctx := context.Background()

	const world = 3
	for rank := 1; rank < world; rank++ {
		worker := distributed.NewPoolOf(distributed.NewRankContext(rank, world, "cpu", false, nil, nil))
		svc := NewFeatureService(ex, nil, worker, ServiceOptions{BatchSize: 4}).WithSubmitter(reducer)
		part, err := svc.Statistics(ctx, "synthetic", ds, want)
		require.NoError(t, err)
		assert.Equal(t, int64(len(distributed.Shard(11, rank, world, distributed.Strided))), part.Count)
	}

	primary := distributed.NewPoolOf(distributed.NewRankContext(0, world, "cpu", false, nil, nil))
	svc := NewFeatureService(ex, nil, primary, ServiceOptions{BatchSize: 4, GatherTimeout: 5 * time.Second}).WithGatherer(reducer)
	merged, err := svc.Statistics(ctx, "synthetic", ds, want)
	require.NoError(t, err)
	assert.Equal(t, int64(11), merged.Count)

	local, err := newService(t, 1, nil).Statistics(ctx, "synthetic", ds, want)
	require.NoError(t, err)
	assert.InDeltaSlice(t, local.Moments.Mean, merged.Moments.Mean, 1e-9)
}

func TestFeatureService_GatherTimeout(t *testing.T) {
	primary := distributed.NewPoolOf(distributed.NewRankContext(0, 2, "cpu", false, nil, nil))
	svc := NewFeatureService(testExtractor(t), nil, primary, ServiceOptions{GatherTimeout: 20 * time.Millisecond}).
		WithGatherer(newFakeReducer())

	_, err := svc.Statistics(context.Background(), "real", testDataset(t, "real", 4), Want{Moments: true})
	assert.Error(t, err)
}

func TestFeatureService_CacheHitDropsPass(t *testing.T) {
	backend, err := cache.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	c := cache.New(backend, cache.Options{})
	ds := testDataset(t, "real", 6)
	want := Want{Moments: true}
	ctx := context.Background()

	_, err = newService(t, 1, c).Statistics(ctx, "real", ds, want)
	require.NoError(t, err)

	reducer := newFakeReducer()
	primary := distributed.NewPoolOf(distributed.NewRankContext(0, 2, "cpu", false, nil, nil))
	svc := NewFeatureService(testExtractor(t), c, primary, ServiceOptions{}).WithGatherer(reducer)
	_, err = svc.Statistics(ctx, "real", ds, want)
	require.NoError(t, err)
	assert.Equal(t, []string{"real:" + svc.Fingerprint(ds, want)}, reducer.dropped)
}
