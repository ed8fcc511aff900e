package runner

import (
	"path/filepath"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/cache"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/config"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/embedding"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/oneclass"
)

// BuildExtractor loads the configured network weights, or generates them from
// the configured seed, and wraps them in an extractor.
func BuildExtractor(cfg *config.Config) (*embedding.Extractor, error) {
	ec := cfg.Extractor
	var (
		net embedding.Network
		err error
	)
	if ec.WeightsPath != "" {
		net, err = embedding.LoadProjectionNetwork(ec.WeightsPath)
	} else {
		depth := 1
		if cfg.Is3D() {
			depth = ec.Depth
		}
		net, err = embedding.NewProjectionNetwork(embedding.NetworkOptions{
			Input: dataset.Shape{
				Channels: ec.Channels,
				Depth:    depth,
				Height:   ec.Resolution,
				Width:    ec.Resolution,
			},
			Grid:       ec.Grid,
			DepthGrid:  ec.DepthGrid,
			EmbedDim:   ec.EmbedDim,
			NumClasses: ec.NumClasses,
			Seed:       ec.Seed,
		})
	}
	if err != nil {
		return nil, err
	}

	resize := embedding.Bicubic
	if cfg.Metrics.Padding {
		resize = embedding.Padding
	}
	return embedding.NewExtractor(net, embedding.Options{
		Resize:   resize,
		ValueMin: ec.ValueMin,
		ValueMax: ec.ValueMax,
	})
}

func folderOptions(cfg *config.Config, dc config.DatasetConfig) dataset.FolderOptions {
	channels := 3
	if cfg.Extractor.Channels == 1 {
		channels = 1
	}
	return dataset.FolderOptions{
		Name:        dc.Name,
		Path:        dc.Path,
		Pattern:     dc.Pattern,
		LabelsPath:  dc.LabelsPath,
		UseLabels:   dc.UseLabels,
		SizeDataset: dc.SizeDataset,
		Seed:        dc.Seed,
		Channels:    channels,
		Volumes:     cfg.Is3D(),
	}
}

// BuildDatasets opens the real dataset and the synthetic source.
func BuildDatasets(cfg *config.Config) (real, synth dataset.Dataset, err error) {
	realDS, err := dataset.NewImageFolder(folderOptions(cfg, cfg.Dataset))
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Synthetic.Mode {
	case "generator":
		gc := cfg.Synthetic.Generator
		gen, err := dataset.LookupGenerator(gc.Name)
		if err != nil {
			return nil, nil, err
		}
		var conditions dataset.Dataset
		if cfg.Dataset.UseLabels {
			conditions = realDS
		}
		src, err := dataset.NewGeneratorSource(gc.Name, gen, gc.NumImages, gc.Seed, conditions)
		if err != nil {
			return nil, nil, err
		}
		return realDS, src, nil
	default:
		synthDS, err := dataset.NewImageFolder(folderOptions(cfg, cfg.Synthetic.Files))
		if err != nil {
			return nil, nil, err
		}
		return realDS, synthDS, nil
	}
}

// OpenCache opens the statistics cache, or returns nil when caching is off.
func OpenCache(cfg *config.Config, logger *observability.Logger, m *observability.Metrics) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return cache.Open(cfg.Cache.Backend, cfg.CacheDir(), cache.Options{
		MemoryCapacity:  cfg.Cache.MemoryCapacity,
		MemoryMaxValues: cfg.Cache.MemoryMaxValues,
		TTL:             cfg.Cache.TTL,
		Logger:          logger,
		Metrics:         m,
	})
}

// MetricParams converts the metric configuration.
func MetricParams(cfg *config.Config) metrics.Params {
	p := metrics.DefaultParams()
	mc := cfg.Metrics
	p.NhoodSize = metrics.NhoodSize{PR: mc.NhoodSize.PR, PRDC: mc.NhoodSize.PRDC, PRAuth: mc.NhoodSize.PRAuth}
	p.KNN = metrics.KNNParams{NumReal: mc.KNN.NumReal, NumSynth: mc.KNN.NumSynth}
	p.KID = metrics.KIDParams{NumSubsets: mc.KID.NumSubsets, MaxSubsetSize: mc.KID.MaxSubsetSize}
	p.NumSplits = mc.IS.NumSplits
	p.Seed = mc.Seed
	return p
}

// DetectorPath returns the configured detector file or <run_dir>/oc_detector.msgpack.
func DetectorPath(cfg *config.Config) string {
	if cfg.Run.OCDetectorPath != "" {
		return cfg.Run.OCDetectorPath
	}
	return filepath.Join(cfg.Run.RunDir, oneclass.DefaultFileName)
}
