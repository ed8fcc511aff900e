// Package oneclass provides the lightweight one-class detector used by the
// alpha-precision / beta-recall / authenticity metric.
//
// The detector standardises embeddings with statistics fitted on the real set
// and measures how far a point lies from the real centre. It is fitted once,
// optionally persisted, and used read-only afterwards.
package oneclass

import (
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/knn"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
)

// DefaultFileName is the detector file written into the run directory when no
// path is configured.
const DefaultFileName = "oc_detector.msgpack"

const formatVersion = 1

// ErrExists is returned by Save when the target file already exists.
var ErrExists = errors.New("detector file already exists")

// Detector maps embeddings into a standardised space centred on the real data.
type Detector struct {
	Version int       `msgpack:"version"`
	Dim     int       `msgpack:"dim"`
	Mean    []float64 `msgpack:"mean"`
	Scale   []float64 `msgpack:"scale"`
	// Center is the mean of the embedded real set.
	Center []float64 `msgpack:"center"`
	// Radius is the median distance of embedded real points to Center.
	Radius float64 `msgpack:"radius"`
}

// Fit estimates the detector from real embeddings (one per row).
func Fit(real *mat.Dense) (*Detector, error) {
	if real == nil {
		return nil, errdefs.InsufficientSamples("real", 0, 2)
	}
	n, dim := real.Dims()
	if n < 2 {
		return nil, errdefs.InsufficientSamples("real", n, 2)
	}

	d := &Detector{
		Version: formatVersion,
		Dim:     dim,
		Mean:    make([]float64, dim),
		Scale:   make([]float64, dim),
	}
	col := make([]float64, n)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, real)
		mean, variance := stat.PopMeanVariance(col, nil)
		d.Mean[j] = mean
		d.Scale[j] = 1
		if std := math.Sqrt(variance); std > 1e-12 {
			d.Scale[j] = 1 / std
		}
	}

	embedded := d.embed(real)
	d.Center = make([]float64, dim)
	for j := 0; j < dim; j++ {
		d.Center[j] = mat.Sum(embedded.ColView(j)) / float64(n)
	}

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = knn.EuclideanDistance(embedded.RawRowView(i), d.Center)
	}
	d.Radius = Quantile(dist, 0.5)
	return d, nil
}

// Embed maps rows into the detector space.
func (d *Detector) Embed(x *mat.Dense) (*mat.Dense, error) {
	if _, c := x.Dims(); c != d.Dim {
		return nil, errdefs.ShapeMismatch("detector input dimension", d.Dim, c)
	}
	return d.embed(x), nil
}

func (d *Detector) embed(x *mat.Dense) *mat.Dense {
	n, dim := x.Dims()
	out := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		src, dst := x.RawRowView(i), out.RawRowView(i)
		for j := range dst {
			dst[j] = (src[j] - d.Mean[j]) * d.Scale[j]
		}
	}
	return out
}

// CenterDistances returns the distance of every embedded row to Center.
func (d *Detector) CenterDistances(embedded *mat.Dense) []float64 {
	n, _ := embedded.Dims()
	out := make([]float64, n)
	for i := range out {
		out[i] = knn.EuclideanDistance(embedded.RawRowView(i), d.Center)
	}
	return out
}

// Identity is a short content hash, logged so runs can tell detectors apart.
func (d *Detector) Identity() string {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return "oc-unknown"
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("oc-v%d-%x", d.Version, sum[:8])
}

func (d *Detector) check() error {
	if d.Version != formatVersion {
		return errors.Errorf("unsupported detector version %d", d.Version)
	}
	if d.Dim <= 0 || len(d.Mean) != d.Dim || len(d.Scale) != d.Dim || len(d.Center) != d.Dim {
		return errors.New("inconsistent detector dimensions")
	}
	return nil
}

// Save writes the detector to path exactly once: the file is staged in the
// same directory and hard-linked into place, so an existing detector is never
// replaced. ErrExists is returned when path is already present.
func (d *Detector) Save(path string) error {
	data, err := msgpack.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode detector")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create detector directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".oc_detector.*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp detector file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write detector")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync detector")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close detector")
	}
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return errors.Wrap(err, "publish detector")
	}
	return nil
}

// Load reads a detector written by Save. Unreadable or malformed files are
// configuration errors.
func Load(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configf("run.oc_detector_path", "read detector: %v", err)
	}
	var d Detector
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, errdefs.Configf("run.oc_detector_path", "decode detector %s: %v", path, err)
	}
	if err := d.check(); err != nil {
		return nil, errdefs.Configf("run.oc_detector_path", "detector %s: %v", path, err)
	}
	return &d, nil
}

// Resolve returns the configured detector, or fits one on real and persists it
// to path when primary is set. A detector already present at path is reused.
func Resolve(path string, primary bool, real *mat.Dense, logger *observability.Logger) (*Detector, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if _, err := os.Stat(path); err == nil {
		d, err := Load(path)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded one-class detector", map[string]interface{}{"path": path, "detector": d.Identity()})
		return d, nil
	}

	d, err := Fit(real)
	if err != nil {
		return nil, err
	}
	if !primary {
		return d, nil
	}
	switch err := d.Save(path); {
	case err == nil:
		logger.Info("Saved one-class detector", map[string]interface{}{"path": path, "detector": d.Identity()})
	case errors.Is(err, ErrExists):
		return Load(path)
	default:
		return nil, err
	}
	return d, nil
}
