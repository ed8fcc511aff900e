// Package pipeline drives images from a dataset through the extractor into
// streaming statistics, and resolves per-dataset statistics through the cache
// and the rank topology.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/embedding"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/stats"
)

// DriverOptions configures batch iteration.
type DriverOptions struct {
	BatchSize int
	Output    embedding.Output
	// Role labels metrics and logs ("real" or "synthetic").
	Role string
	// Progress is reported every ReportEvery batches or ReportInterval,
	// whichever comes first.
	ReportEvery    int
	ReportInterval time.Duration
}

// Driver runs batches of one shard through the extractor.
type Driver struct {
	extractor *embedding.Extractor
	opts      DriverOptions
	progress  Progress
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewDriver creates a driver. A nil progress reports nothing.
func NewDriver(extractor *embedding.Extractor, opts DriverOptions, progress Progress, logger *observability.Logger, metrics *observability.Metrics) *Driver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.ReportEvery <= 0 {
		opts.ReportEvery = 10
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 5 * time.Second
	}
	if progress == nil {
		progress = NopProgress{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Driver{extractor: extractor, opts: opts, progress: progress, logger: logger, metrics: metrics}
}

type loadedBatch struct {
	images  []dataset.Image
	indices []int
	err     error
}

// Run feeds the images at indices, in order, into acc. A single loader
// goroutine stays at most one batch ahead of extraction.
func (d *Driver) Run(ctx context.Context, src dataset.Dataset, indices []int, acc *stats.Accumulator) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan loadedBatch)
	go func() {
		defer close(batches)
		for lo := 0; lo < len(indices); lo += d.opts.BatchSize {
			hi := lo + d.opts.BatchSize
			if hi > len(indices) {
				hi = len(indices)
			}
			images, _, err := dataset.LoadBatch(ctx, src, indices[lo:hi])
			select {
			case batches <- loadedBatch{images: images, indices: indices[lo:hi], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	total := len(indices)
	processed := 0
	sometimes := rate.Sometimes{First: 1, Every: d.opts.ReportEvery, Interval: d.opts.ReportInterval}

	for b := range batches {
		if b.err != nil {
			return b.err
		}
		start := time.Now()
		vectors, err := d.extractor.Run(b.images, d.opts.Output)
		if err != nil {
			if d.metrics != nil {
				d.metrics.RecordExtractionError()
			}
			return err
		}
		if err := acc.AddIndexed(vectors, b.indices); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.RecordBatch(d.opts.Role, len(vectors), time.Since(start))
		}

		processed += len(vectors)
		sometimes.Do(func() { d.progress.Report(processed, total) })
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.progress.Finish(processed, total)
	return nil
}
