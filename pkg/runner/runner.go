// Package runner executes one metric run: it resolves the statistics of every
// pass across the configured ranks, evaluates the requested metrics on rank 0
// and records their outcomes.
//
// Configuration and distributed initialisation errors abort the run. A metric
// whose inputs are unusable is recorded as failed, or skipped when a set has
// too few samples, and the remaining metrics still run.
package runner

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	grpcapi "github.com/therealutkarshpriyadarshi/synthmetrics/pkg/api/grpc"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/cache"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/config"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/distributed"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/fingerprint"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/oneclass"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/pipeline"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/results"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// Runner executes runs for one configuration.
type Runner struct {
	cfg         *config.Config
	logger      *observability.Logger
	metrics     *observability.Metrics
	progressOut io.Writer
}

// Option customises a Runner.
type Option func(*Runner)

// WithProgressWriter draws a progress bar on w when the run is verbose.
func WithProgressWriter(w io.Writer) Option {
	return func(r *Runner) { r.progressOut = w }
}

// New creates a runner. cfg must be validated.
func New(cfg *config.Config, logger *observability.Logger, m *observability.Metrics, opts ...Option) *Runner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Runner{cfg: cfg, logger: logger, metrics: m}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report summarises a finished run.
type Report struct {
	RunID   string
	Records []results.Record
	Elapsed time.Duration
}

// Failed returns the number of metrics that did not produce a result.
func (r *Report) Failed() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status != results.StatusOK {
			n++
		}
	}
	return n
}

// environment holds everything a run needs once set up.
type environment struct {
	service *pipeline.FeatureService
	real    dataset.Dataset
	synth   dataset.Dataset
	rank    *distributed.RankContext
	closers []func()
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *environment) dataset(ps Pass) dataset.Dataset {
	if ps.Synthetic {
		return e.synth
	}
	return e.real
}

func (r *Runner) setup() (*environment, error) {
	cfg := r.cfg
	env := &environment{}
	ok := false
	defer func() {
		if !ok {
			env.close()
		}
	}()

	extractor, err := BuildExtractor(cfg)
	if err != nil {
		return nil, err
	}
	if env.real, env.synth, err = BuildDatasets(cfg); err != nil {
		return nil, err
	}

	shard, err := distributed.ParseShardMode(cfg.Distributed.Shard)
	if err != nil {
		return nil, err
	}

	dc := cfg.Distributed
	var (
		pool      *distributed.Pool
		gatherer  distributed.Gatherer
		submitter distributed.Submitter
		c         *cache.Cache
	)
	switch {
	case dc.Mode != "grpc":
		pool = distributed.NewPool(dc.WorldSize, dc.Device, cfg.Run.Verbose, r.logger, r.metrics)
	case dc.Rank == 0:
		reducer := grpcapi.NewReducer(r.logger, r.metrics)
		if err := reducer.Start(dc.Coordinator); err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func() { reducer.Stop(5 * time.Second) })
		pool = distributed.NewPoolOf(distributed.NewRankContext(0, dc.WorldSize, dc.Device, cfg.Run.Verbose, r.logger, r.metrics))
		if r.metrics != nil {
			r.metrics.UpdateWorldSize(dc.WorldSize)
		}
		gatherer = reducer
	default:
		client, err := grpcapi.Dial(dc.Coordinator, dc.Rank)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, func() { client.Close() })
		pool = distributed.NewPoolOf(distributed.NewRankContext(dc.Rank, dc.WorldSize, dc.Device, cfg.Run.Verbose, r.logger, r.metrics))
		submitter = client
	}
	env.rank = pool.Primary()

	// A badger directory admits a single process, so remote workers skip it and
	// rank 0 drops their submissions for passes it serves from cache.
	if env.rank.IsPrimary() || cfg.Cache.Backend != "badger" {
		if c, err = OpenCache(cfg, r.logger, r.metrics); err != nil {
			return nil, err
		}
		if c != nil {
			env.closers = append(env.closers, func() { c.Close() })
		}
	}

	env.service = pipeline.NewFeatureService(extractor, c, pool, pipeline.ServiceOptions{
		BatchSize:      cfg.Run.BatchSize,
		Shard:          shard,
		MaxItems:       cfg.Metrics.MaxItems,
		Seed:           cfg.Metrics.Seed,
		GatherTimeout:  dc.GatherTimeout,
		ProgressWriter: r.progressOut,
	})
	if gatherer != nil {
		env.service.WithGatherer(gatherer)
	}
	if submitter != nil {
		env.service.WithSubmitter(submitter)
	}

	ok = true
	return env, nil
}

// extract runs every pass. Non-fatal pass failures are returned per role so the
// metrics depending on them can be recorded as failed.
func (r *Runner) extract(ctx context.Context, env *environment, passes []Pass) (map[string]*stats.Statistics, map[string]error, error) {
	out := make(map[string]*stats.Statistics, len(passes))
	failed := make(map[string]error)
	for _, ps := range passes {
		st, err := env.service.Statistics(ctx, ps.Role, env.dataset(ps), ps.Want)
		if err != nil {
			if errdefs.IsFatal(err) || ctx.Err() != nil {
				return nil, nil, err
			}
			env.rank.Logger.Error("Feature pass failed", map[string]interface{}{"pass": ps.Role, "error": err.Error()})
			failed[ps.Role] = err
			continue
		}
		out[ps.Role] = st
	}
	return out, failed, nil
}

// Run executes the run on rank 0 and returns its report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	cfg := r.cfg
	if cfg.Distributed.Mode == "grpc" && cfg.Distributed.Rank != 0 {
		return nil, errdefs.Configf("distributed.rank", "rank %d must run as a worker", cfg.Distributed.Rank)
	}

	env, err := r.setup()
	if err != nil {
		return nil, err
	}
	defer env.close()

	log, err := results.Open(cfg.Run.RunDir, results.Options{SQLite: cfg.Results.SQLite, Logger: r.logger})
	if err != nil {
		return nil, err
	}
	defer log.Close()

	params := MetricParams(cfg)
	passes := Plan(cfg.Kinds, params)
	src := results.Source{
		RunID:     uuid.NewString(),
		Synthetic: env.synth.Path(),
		Real:      env.real.Path(),
		WorldSize: cfg.Distributed.WorldSize,
	}
	logger := env.rank.Logger.WithField("run_id", src.RunID)
	logger.Info("Starting run", map[string]interface{}{
		"metrics":    cfg.Metrics.Names,
		"real":       src.Real,
		"synthetic":  src.Synthetic,
		"world_size": src.WorldSize,
		"extractor":  env.service.Extractor().Describe(),
	})

	computed, failed, err := r.extract(ctx, env, passes)
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: src.RunID}
	var det *oneclass.Detector
	for _, kind := range cfg.Kinds {
		metricStart := time.Now()
		res, err := r.evaluate(ctx, kind, params, passes, computed, failed, &det)
		elapsed := time.Since(metricStart)
		if err != nil && errdefs.IsFatal(err) {
			return nil, err
		}

		var rec results.Record
		switch {
		case err == nil:
			rec = results.NewRecord(src, res, elapsed)
			logger.Info("Metric computed", map[string]interface{}{"metric": kind.String(), "results": res.Values})
		case errdefs.IsSkip(err):
			rec = results.FailedRecord(src, kind.String(), results.StatusSkipped, err, elapsed)
			logger.Warn("Metric skipped", map[string]interface{}{"metric": kind.String(), "reason": err.Error()})
		default:
			rec = results.FailedRecord(src, kind.String(), results.StatusFailed, err, elapsed)
			logger.Error("Metric failed", map[string]interface{}{"metric": kind.String(), "error": err.Error()})
		}
		if r.metrics != nil {
			r.metrics.RecordMetric(kind.String(), elapsed, err, errdefs.IsSkip(err))
		}
		if err := log.Append(ctx, rec); err != nil {
			return nil, err
		}
		report.Records = append(report.Records, rec)
	}

	report.Elapsed = time.Since(start)
	logger.Info("Run finished", map[string]interface{}{
		"metrics": len(report.Records),
		"failed":  report.Failed(),
		"elapsed": report.Elapsed.Round(time.Millisecond).String(),
	})
	return report, nil
}

func (r *Runner) evaluate(ctx context.Context, kind metrics.Kind, params metrics.Params, passes []Pass,
	computed map[string]*stats.Statistics, failed map[string]error, det **oneclass.Detector) (*metrics.Result, error) {
	var real, synth *stats.Statistics
	for _, ps := range passes {
		if !containsKind(ps.Kinds, kind) {
			continue
		}
		if err, ok := failed[ps.Role]; ok {
			return nil, &errdefs.MetricError{Metric: kind.String(), Err: errors.Wrapf(err, "%s pass", ps.Role)}
		}
		if ps.Synthetic {
			synth = computed[ps.Role]
		} else {
			real = computed[ps.Role]
		}
	}

	ev := metrics.NewEvaluation(kind, params)
	if kind == metrics.PRAuth {
		if *det == nil {
			d, err := oneclass.Resolve(DetectorPath(r.cfg), true, real.Samples.Matrix(), r.logger)
			if err != nil {
				if errdefs.IsFatal(err) {
					return nil, err
				}
				return nil, &errdefs.MetricError{Metric: kind.String(), Err: err}
			}
			*det = d
		}
		ev.SetDetector(*det)
	}
	if kind.Requirements().Real {
		if err := ev.SetReal(real); err != nil {
			return nil, &errdefs.MetricError{Metric: kind.String(), Err: err}
		}
	}
	if err := ev.SetSynthetic(synth); err != nil {
		return nil, &errdefs.MetricError{Metric: kind.String(), Err: err}
	}
	return ev.Compute(ctx)
}

func containsKind(kinds []metrics.Kind, k metrics.Kind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

// Worker runs this process's rank of a multi-process run, submitting every
// pass to rank 0.
func (r *Runner) Worker(ctx context.Context) error {
	dc := r.cfg.Distributed
	if dc.Mode != "grpc" || dc.Rank == 0 {
		return errdefs.Configf("distributed.mode", "worker needs grpc mode and a rank > 0 (mode %s, rank %d)", dc.Mode, dc.Rank)
	}
	env, err := r.setup()
	if err != nil {
		return err
	}
	defer env.close()

	passes := Plan(r.cfg.Kinds, MetricParams(r.cfg))
	_, failed, err := r.extract(ctx, env, passes)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return errors.Errorf("rank %d: %d of %d passes failed", dc.Rank, len(failed), len(passes))
	}
	env.rank.Logger.Info("Worker finished", map[string]interface{}{"passes": len(passes)})
	return nil
}

// PassFingerprint identifies the statistics of one pass.
type PassFingerprint struct {
	Role        string   `json:"role"`
	Dataset     string   `json:"dataset"`
	Fingerprint string   `json:"fingerprint"`
	Metrics     []string `json:"metrics"`
}

// Fingerprints returns the cache keys of the run's passes without extracting.
func (r *Runner) Fingerprints() ([]PassFingerprint, error) {
	extractor, err := BuildExtractor(r.cfg)
	if err != nil {
		return nil, err
	}
	real, synth, err := BuildDatasets(r.cfg)
	if err != nil {
		return nil, err
	}
	pool := distributed.NewPoolOf(distributed.NewRankContext(0, 1, r.cfg.Distributed.Device, false, r.logger, nil))
	svc := pipeline.NewFeatureService(extractor, nil, pool, pipeline.ServiceOptions{
		MaxItems: r.cfg.Metrics.MaxItems,
		Seed:     r.cfg.Metrics.Seed,
	})

	var out []PassFingerprint
	for _, ps := range Plan(r.cfg.Kinds, MetricParams(r.cfg)) {
		ds := real
		if ps.Synthetic {
			ds = synth
		}
		names := make([]string, len(ps.Kinds))
		for i, k := range ps.Kinds {
			names[i] = k.String()
		}
		fp := svc.Fingerprint(ds, ps.Want)
		r.logger.Debug("Pass fingerprint", map[string]interface{}{"pass": ps.Role, "fingerprint": fingerprint.Short(fp)})
		out = append(out, PassFingerprint{Role: ps.Role, Dataset: ds.Path(), Fingerprint: fp, Metrics: names})
	}
	return out, nil
}
