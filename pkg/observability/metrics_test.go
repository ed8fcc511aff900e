package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	t.Run("RecordBatch", func(t *testing.T) {
		m.RecordBatch("real", 32, 10*time.Millisecond)
		m.RecordBatch("real", 8, 5*time.Millisecond)
		m.RecordBatch("synthetic", 16, 5*time.Millisecond)

		assert.Equal(t, 40.0, testutil.ToFloat64(m.ImagesProcessed.WithLabelValues("real")))
		assert.Equal(t, 16.0, testutil.ToFloat64(m.ImagesProcessed.WithLabelValues("synthetic")))
	})

	t.Run("Cache", func(t *testing.T) {
		m.RecordCacheHit()
		m.RecordCacheMiss()
		m.RecordCacheMiss()
		m.RecordCacheCorruption()
		m.UpdateCacheSize(7)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMisses))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheCorruptions))
		assert.Equal(t, 7.0, testutil.ToFloat64(m.CacheSize))
	})

	t.Run("RecordMetric", func(t *testing.T) {
		m.RecordMetric("fid", time.Second, nil, false)
		m.RecordMetric("prdc", time.Millisecond, errors.New("too few"), true)
		m.RecordMetric("kid", time.Millisecond, errors.New("boom"), false)

		assert.Equal(t, 0.0, testutil.ToFloat64(m.MetricFailures.WithLabelValues("fid")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.MetricSkips.WithLabelValues("prdc")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.MetricFailures.WithLabelValues("prdc")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.MetricFailures.WithLabelValues("kid")))
	})

	t.Run("RecordReduce", func(t *testing.T) {
		m.RecordReduce(20*time.Millisecond, 4)
		m.UpdateWorldSize(4)
		assert.Equal(t, 4.0, testutil.ToFloat64(m.PartialsReceived))
		assert.Equal(t, 4.0, testutil.ToFloat64(m.WorldSize))
	})

	t.Run("RecordRequest", func(t *testing.T) {
		m.RecordRequest("GET /v1/results", "200", 3*time.Millisecond)
		m.RecordError("GET /v1/results", "unauthorized")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET /v1/results", "200")))
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(nil)
		NewMetrics(nil)
	})
}
