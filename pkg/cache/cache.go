// Package cache persists accumulated statistics keyed by dataset fingerprint.
//
// Entries are msgpack envelopes carrying the fingerprint they were computed
// for. A malformed entry or a fingerprint mismatch is reported as a
// CacheCorruptionError, logged, and treated as a miss so the caller recomputes.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/fingerprint"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// FormatVersion is the envelope version written by Store.
const FormatVersion = 1

type envelope struct {
	Fingerprint string            `msgpack:"fingerprint"`
	Version     int               `msgpack:"version"`
	Stats       *stats.Statistics `msgpack:"stats"`
}

// Options configures a Cache.
type Options struct {
	// MemoryCapacity is the number of entries kept decoded in memory; 0 disables.
	MemoryCapacity int
	// MemoryMaxValues bounds the moment and sample values kept decoded across
	// all entries; 0 leaves only the entry bound.
	MemoryMaxValues int64
	TTL             time.Duration
	Logger          *observability.Logger
	Metrics         *observability.Metrics
}

// Cache fronts a Backend with an in-memory LRU of decoded statistics.
type Cache struct {
	backend Backend
	memory  *memoryLRU
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New wraps backend.
func New(backend Backend, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Cache{
		backend: backend,
		memory:  newMemoryLRU(opts.MemoryCapacity, opts.MemoryMaxValues, opts.TTL),
		logger:  logger.WithField("component", "cache"),
		metrics: opts.Metrics,
	}
}

// Open builds a cache for the named backend ("file" or "badger") in dir.
func Open(backendName, dir string, opts Options) (*Cache, error) {
	var (
		backend Backend
		err     error
	)
	switch backendName {
	case "", "file":
		backend, err = NewFileBackend(dir)
	case "badger":
		backend, err = NewBadgerBackend(dir, opts.Logger)
	default:
		return nil, errdefs.Configf("cache.backend", "unknown backend %q", backendName)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, opts), nil
}

// Load returns the cached statistics for fp. Absent, unreadable or corrupt
// entries are misses; corruption is logged as a warning.
func (c *Cache) Load(ctx context.Context, fp string) (*stats.Statistics, bool) {
	st, err := c.Get(ctx, fp)
	if err != nil {
		var corrupt *errdefs.CacheCorruptionError
		switch {
		case errors.Is(err, ErrNotFound):
		case errors.As(err, &corrupt):
			if c.metrics != nil {
				c.metrics.RecordCacheCorruption()
			}
			c.logger.Warn("Ignoring corrupt cache entry", map[string]interface{}{
				"fingerprint": fingerprint.Short(fp),
				"reason":      corrupt.Reason,
			})
		default:
			c.logger.Warn("Cache read failed", map[string]interface{}{
				"fingerprint": fingerprint.Short(fp),
				"error":       err.Error(),
			})
		}
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return st, true
}

// Get is Load with the failure reason: ErrNotFound for an absent entry and
// CacheCorruptionError for a malformed one.
func (c *Cache) Get(ctx context.Context, fp string) (*stats.Statistics, error) {
	if st, ok := c.memory.Get(fp); ok {
		return st, nil
	}

	data, err := c.backend.Get(ctx, fp)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, &errdefs.CacheCorruptionError{Key: fp, Reason: "decode: " + err.Error()}
	}
	if env.Version != FormatVersion {
		return nil, &errdefs.CacheCorruptionError{Key: fp, Reason: "unsupported format version"}
	}
	if env.Fingerprint != fp {
		return nil, &errdefs.CacheCorruptionError{Key: fp, Reason: "fingerprint mismatch"}
	}
	if env.Stats == nil {
		return nil, &errdefs.CacheCorruptionError{Key: fp, Reason: "missing statistics"}
	}
	if err := env.Stats.Check(); err != nil {
		return nil, &errdefs.CacheCorruptionError{Key: fp, Reason: err.Error()}
	}

	c.remember(fp, env.Stats)
	return env.Stats, nil
}

// Store persists st under fp atomically.
func (c *Cache) Store(ctx context.Context, fp string, st *stats.Statistics) error {
	data, err := msgpack.Marshal(&envelope{Fingerprint: fp, Version: FormatVersion, Stats: st})
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}
	if err := c.backend.Put(ctx, fp, data); err != nil {
		return err
	}
	c.remember(fp, st)
	c.logger.Debug("Stored statistics", map[string]interface{}{
		"fingerprint": fingerprint.Short(fp),
		"count":       st.Count,
		"bytes":       len(data),
	})
	return nil
}

// Stats returns the in-memory layer statistics.
func (c *Cache) Stats() Stats {
	return c.memory.Stats()
}

// Close releases the backend.
func (c *Cache) Close() error {
	c.memory.Clear()
	return c.backend.Close()
}

func (c *Cache) remember(fp string, st *stats.Statistics) {
	c.memory.Put(fp, st)
	if c.metrics != nil {
		c.metrics.UpdateCacheSize(c.memory.Len())
	}
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}
