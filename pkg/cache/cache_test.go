package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

const testFP = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func sampleStats(t *testing.T) *stats.Statistics {
	t.Helper()
	acc := stats.NewAccumulator(stats.Options{Moments: true, Raw: true}, nil)
	require.NoError(t, acc.AddBatch([][]float32{{1, 2}, {3, 4}, {5, 7}}))
	return acc.Finalize()
}

// rowsStats holds n raw rows of dimension 2 and no moments.
func rowsStats(t *testing.T, n int) *stats.Statistics {
	t.Helper()
	acc := stats.NewAccumulator(stats.Options{Raw: true}, nil)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = []float32{float32(i), float32(-i)}
	}
	require.NoError(t, acc.AddBatch(rows))
	return acc.Finalize()
}

func TestMemoryLRU_Basic(t *testing.T) {
	c := newMemoryLRU(2, 0, 0)

	c.Put("a", rowsStats(t, 1))
	c.Put("b", rowsStats(t, 2))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Count)

	// "b" is now least recently used
	c.Put("c", rowsStats(t, 3))
	_, ok = c.Get("b")
	assert.False(t, ok)

	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Evictions)
	assert.Equal(t, int64(2+6), s.Values)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestMemoryLRU_ValueBudget(t *testing.T) {
	c := newMemoryLRU(10, 20, 0)

	c.Put("a", rowsStats(t, 4)) // 8 values
	c.Put("b", rowsStats(t, 4))
	assert.Equal(t, 2, c.Len())

	// 24 values is over budget: the least recently used entry goes
	c.Put("c", rowsStats(t, 4))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(16), c.Stats().Values)

	// an entry larger than the whole budget is not kept and displaces nothing
	c.Put("huge", rowsStats(t, 11))
	_, ok = c.Get("huge")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	// replacing an entry releases its old footprint
	c.Put("b", rowsStats(t, 1))
	assert.Equal(t, int64(10), c.Stats().Values)
}

func TestMemoryLRU_CopiesInAndOut(t *testing.T) {
	c := newMemoryLRU(2, 0, 0)
	st := rowsStats(t, 2)
	c.Put("a", st)
	st.Samples.Rows[0][0] = 99

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, float32(0), got.Samples.Rows[0][0])

	got.Samples.Rows[1][0] = 42
	again, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, float32(1), again.Samples.Rows[1][0])
}

func TestMemoryLRU_TTL(t *testing.T) {
	c := newMemoryLRU(4, 0, 20*time.Millisecond)
	c.Put("a", rowsStats(t, 1))
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Values)
}

func TestMemoryLRU_InvalidateAndClear(t *testing.T) {
	c := newMemoryLRU(4, 0, 0)
	c.Put("a", rowsStats(t, 1))
	c.Put("b", rowsStats(t, 1))

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().Misses)
}

func TestMemoryLRU_ZeroCapacityStoresNothing(t *testing.T) {
	c := newMemoryLRU(0, 0, 0)
	c.Put("a", rowsStats(t, 1))
	assert.Equal(t, 0, c.Len())
}

func TestFootprint(t *testing.T) {
	st := sampleStats(t)
	// mean 2 + scatter 4 + three rows of 2
	assert.Equal(t, int64(2+4+6), footprint(st))
}

func TestFileBackend_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, "k", []byte("first")))
	require.NoError(t, b.Put(ctx, "k", []byte("second")))

	data, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k.msgpack", entries[0].Name())
}

func TestBadgerBackend_RoundTrip(t *testing.T) {
	b, err := NewBadgerBackend(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, "k", []byte("value")))
	data, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "value", string(data))
}

func TestCache_StoreLoad(t *testing.T) {
	for _, backend := range []string{"file", "badger"} {
		t.Run(backend, func(t *testing.T) {
			c, err := Open(backend, t.TempDir(), Options{})
			require.NoError(t, err)
			defer c.Close()
			ctx := context.Background()

			_, ok := c.Load(ctx, testFP)
			assert.False(t, ok)

			st := sampleStats(t)
			require.NoError(t, c.Store(ctx, testFP, st))

			got, ok := c.Load(ctx, testFP)
			require.True(t, ok)
			assert.Equal(t, st.Count, got.Count)
			assert.Equal(t, st.Moments.Mean, got.Moments.Mean)
			assert.Equal(t, st.Samples.Rows, got.Samples.Rows)
		})
	}
}

func TestCache_MemoryLayerServesDecodedCopies(t *testing.T) {
	c, err := Open("file", t.TempDir(), Options{MemoryCapacity: 4})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, testFP, sampleStats(t)))

	first, ok := c.Load(ctx, testFP)
	require.True(t, ok)
	first.Moments.Mean[0] = 1000

	second, ok := c.Load(ctx, testFP)
	require.True(t, ok)
	assert.NotEqual(t, 1000.0, second.Moments.Mean[0])
	assert.Equal(t, int64(2), c.Stats().Hits)
}

func TestCache_OversizedStatisticsSkipMemory(t *testing.T) {
	c, err := Open("file", t.TempDir(), Options{MemoryCapacity: 4, MemoryMaxValues: 4})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, testFP, sampleStats(t)))
	got, ok := c.Load(ctx, testFP)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Count)

	s := c.Stats()
	assert.Equal(t, 0, s.Entries)
	assert.Equal(t, int64(0), s.Hits, "served from the backend")
}

func TestCache_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c1, err := Open("file", dir, Options{MemoryCapacity: 4})
	require.NoError(t, err)
	require.NoError(t, c1.Store(ctx, testFP, sampleStats(t)))

	c2, err := Open("file", dir, Options{MemoryCapacity: 4})
	require.NoError(t, err)
	got, ok := c2.Load(ctx, testFP)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Count)
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DEBUG, &buf)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	c, err := Open("file", dir, Options{Logger: logger, Metrics: metrics})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, testFP+".msgpack"), []byte("not msgpack at all"), 0644))

	_, ok := c.Load(ctx, testFP)
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "WARN: Ignoring corrupt cache entry")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheCorruptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMisses))

	_, err = c.Get(ctx, testFP)
	var corrupt *errdefs.CacheCorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, testFP, corrupt.Key)

	// A recompute overwrites the corrupt entry.
	require.NoError(t, c.Store(ctx, testFP, sampleStats(t)))
	_, ok = c.Load(ctx, testFP)
	assert.True(t, ok)
}

func TestCache_FingerprintMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	c, err := Open("file", dir, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	data, err := msgpack.Marshal(&envelope{Fingerprint: "other", Version: FormatVersion, Stats: sampleStats(t)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, testFP+".msgpack"), data, 0644))

	_, err = c.Get(ctx, testFP)
	var corrupt *errdefs.CacheCorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.True(t, strings.Contains(corrupt.Reason, "fingerprint mismatch"))
}

func TestCache_InconsistentStatisticsIsCorruption(t *testing.T) {
	dir := t.TempDir()
	c, err := Open("file", dir, Options{})
	require.NoError(t, err)

	st := sampleStats(t)
	st.Count = 99
	data, err := msgpack.Marshal(&envelope{Fingerprint: testFP, Version: FormatVersion, Stats: st})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, testFP+".msgpack"), data, 0644))

	_, ok := c.Load(context.Background(), testFP)
	assert.False(t, ok)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir(), Options{})
	var cfgErr *errdefs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cache.backend", cfgErr.Field)
}
