package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/cache"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/distributed"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/embedding"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/fingerprint"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// Want describes the statistics requested for a dataset.
type Want struct {
	Output  embedding.Output
	Moments bool
	Raw     bool
	// NhoodSize is the largest neighbourhood size of the metrics consuming
	// the raw samples.
	NhoodSize int
}

// ServiceOptions configures a FeatureService.
type ServiceOptions struct {
	BatchSize     int
	Shard         distributed.ShardMode
	MaxItems      int
	Seed          int64
	// GatherTimeout bounds both waiting for remote partials and submitting one.
	GatherTimeout time.Duration
	// ProgressWriter receives the progress bar of verbose primary ranks.
	ProgressWriter io.Writer
}

// FeatureService resolves the statistics of a dataset: from the cache when a
// valid entry exists, otherwise by running every local rank on its shard,
// gathering remote partials and reducing them. Only the primary rank writes
// the cache.
type FeatureService struct {
	extractor *embedding.Extractor
	cache     *cache.Cache
	pool      *distributed.Pool
	opts      ServiceOptions

	gatherer  distributed.Gatherer
	submitter distributed.Submitter
}

// NewFeatureService creates a service running pool's ranks locally. cache may
// be nil.
func NewFeatureService(extractor *embedding.Extractor, c *cache.Cache, pool *distributed.Pool, opts ServiceOptions) *FeatureService {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 10 * time.Minute
	}
	return &FeatureService{extractor: extractor, cache: c, pool: pool, opts: opts}
}

// WithGatherer makes the primary rank wait for partials from remote ranks.
func (s *FeatureService) WithGatherer(g distributed.Gatherer) *FeatureService {
	s.gatherer = g
	return s
}

// WithSubmitter makes a worker send its partial to the primary rank.
func (s *FeatureService) WithSubmitter(sub distributed.Submitter) *FeatureService {
	s.submitter = sub
	return s
}

// Extractor returns the extractor in use.
func (s *FeatureService) Extractor() *embedding.Extractor { return s.extractor }

// Fingerprint identifies the statistics of ds under want.
func (s *FeatureService) Fingerprint(ds dataset.Dataset, want Want) string {
	in := s.extractor.Network().InputShape()
	opts := s.extractor.Options()
	maxItems, seed := 0, int64(0)
	if want.Raw {
		maxItems, seed = s.opts.MaxItems, s.opts.Seed
	}
	return fingerprint.Compute(
		fingerprint.DatasetDescriptor{
			Identity:   dataset.Identity(ds),
			Name:       ds.Name(),
			Size:       ds.Len(),
			UseLabels:  dataset.UsesLabels(ds),
			SubsetSeed: dataset.SubsetSeed(ds),
		},
		fingerprint.ExtractorConfig{
			NetworkIdentity: s.extractor.Network().Identity(),
			Channels:        in.Channels,
			Depth:           in.Depth,
			Height:          in.Height,
			Width:           in.Width,
			Padding:         opts.Resize == embedding.Padding,
			ValueMin:        opts.ValueMin,
			ValueMax:        opts.ValueMax,
			Output:          want.Output.String(),
		},
		fingerprint.MetricParams{
			Moments:   want.Moments,
			Raw:       want.Raw,
			NhoodSize: want.NhoodSize,
			MaxItems:  maxItems,
			Seed:      seed,
		},
	)
}

// Statistics returns the statistics of ds. role names the pass ("real" or
// "synthetic") in logs, metrics and the reduction protocol. On a worker the
// returned statistics are that rank's partial only.
func (s *FeatureService) Statistics(ctx context.Context, role string, ds dataset.Dataset, want Want) (*stats.Statistics, error) {
	primary := s.pool.Primary()
	logger := primary.Logger.WithFields(map[string]interface{}{"pass": role, "dataset": ds.Name()})
	fp := s.Fingerprint(ds, want)
	passID := role + ":" + fp

	if s.cache != nil {
		if st, ok := s.cache.Load(ctx, fp); ok {
			logger.Info("Using cached statistics", map[string]interface{}{
				"fingerprint": fingerprint.Short(fp),
				"count":       st.Count,
			})
			if s.gatherer != nil {
				s.gatherer.Drop(passID)
			}
			return st, nil
		}
	}

	capture := stats.Options{Moments: want.Moments, Raw: want.Raw}
	if want.Raw {
		capture.MaxItems, capture.Seed = s.opts.MaxItems, s.opts.Seed
	}

	var local *stats.Statistics
	err := logger.LogOperationWithFields("extract "+role, map[string]interface{}{
		"fingerprint": fingerprint.Short(fp),
		"images":      ds.Len(),
		"world_size":  s.pool.WorldSize(),
	}, func() error {
		var err error
		local, err = s.pool.Run(ctx, func(ctx context.Context, rc *distributed.RankContext) (*stats.Statistics, error) {
			acc := stats.NewAccumulator(capture, rc.Logger)
			driver := NewDriver(s.extractor, DriverOptions{
				BatchSize: s.opts.BatchSize,
				Output:    want.Output,
				Role:      role,
			}, s.progressFor(rc, role), rc.Logger, rc.Metrics)
			if err := driver.Run(ctx, ds, rc.Shard(ds.Len(), s.opts.Shard), acc); err != nil {
				return nil, err
			}
			return acc.Finalize(), nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.submitter != nil {
		part := distributed.Partial{Rank: primary.Rank, Stats: local}
		sctx, cancel := context.WithTimeout(ctx, s.opts.GatherTimeout)
		err := s.submitter.Submit(sctx, passID, s.pool.WorldSize(), part)
		cancel()
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	result := local
	if s.gatherer != nil {
		gctx, cancel := context.WithTimeout(ctx, s.opts.GatherTimeout)
		remote, err := s.gatherer.Gather(gctx, passID, s.pool.WorldSize())
		cancel()
		if err != nil {
			return nil, err
		}
		result, err = distributed.Reduce(append(remote, distributed.Partial{Rank: primary.Rank, Stats: local}))
		if err != nil {
			return nil, err
		}
	}

	if int(result.Count) != ds.Len() {
		return nil, errors.Errorf("%s pass reduced %d of %d images", role, result.Count, ds.Len())
	}

	if s.cache != nil && primary.IsPrimary() {
		if err := s.cache.Store(ctx, fp, result); err != nil {
			logger.Warn("Failed to store statistics", map[string]interface{}{"error": err.Error()})
		}
	}
	return result, nil
}

func (s *FeatureService) progressFor(rc *distributed.RankContext, role string) Progress {
	switch {
	case !rc.IsPrimary():
		return NopProgress{}
	case rc.Verbose && s.opts.ProgressWriter != nil:
		return NewBarProgress(s.opts.ProgressWriter, role)
	default:
		return NewLogProgress(rc.Logger, role)
	}
}
