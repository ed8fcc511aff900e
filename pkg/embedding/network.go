package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Network is a frozen feature network. Forward must be safe for concurrent use
// and must never modify the weights.
type Network interface {
	// Identity changes whenever the weights or architecture change.
	Identity() string
	// InputShape is the exact input the network expects.
	InputShape() dataset.Shape
	EmbedDim() int
	NumClasses() int
	// Forward runs one preprocessed input of InputShape().Size() values.
	Forward(input []float32) (features []float32, logits []float32)
}

// NetworkOptions sizes a ProjectionNetwork.
type NetworkOptions struct {
	Input      dataset.Shape
	Grid       int
	DepthGrid  int
	EmbedDim   int
	NumClasses int
	Seed       int64
}

// ProjectionWeights is the serialised form of a ProjectionNetwork.
type ProjectionWeights struct {
	Version    int           `msgpack:"version"`
	Input      dataset.Shape `msgpack:"input"`
	Grid       int           `msgpack:"grid"`
	DepthGrid  int           `msgpack:"depth_grid"`
	EmbedDim   int           `msgpack:"embed_dim"`
	NumClasses int           `msgpack:"num_classes"`
	W1         []float32     `msgpack:"w1"` // EmbedDim x pooled
	B1         []float32     `msgpack:"b1"`
	W2         []float32     `msgpack:"w2"` // NumClasses x EmbedDim
	B2         []float32     `msgpack:"b2"`
}

const projectionVersion = 1

// ProjectionNetwork pools the input to a fixed grid, projects it through one
// ReLU layer to the embedding and applies a linear classification head.
type ProjectionNetwork struct {
	w        ProjectionWeights
	pooled   int
	depthOut int
	identity string
}

// NewProjectionNetwork draws frozen weights from opts.Seed.
func NewProjectionNetwork(opts NetworkOptions) (*ProjectionNetwork, error) {
	w := ProjectionWeights{
		Version:    projectionVersion,
		Input:      opts.Input,
		Grid:       opts.Grid,
		DepthGrid:  opts.DepthGrid,
		EmbedDim:   opts.EmbedDim,
		NumClasses: opts.NumClasses,
	}
	if err := checkArchitecture(w); err != nil {
		return nil, err
	}

	pooled := pooledSize(w)
	rng := rand.New(rand.NewSource(opts.Seed))
	w.W1 = gaussian(rng, w.EmbedDim*pooled, math.Sqrt(2/float64(pooled)))
	w.B1 = gaussian(rng, w.EmbedDim, 0.01)
	w.W2 = gaussian(rng, w.NumClasses*w.EmbedDim, math.Sqrt(1/float64(w.EmbedDim)))
	w.B2 = make([]float32, w.NumClasses)

	return newProjection(w)
}

// LoadProjectionNetwork reads weights written by Save.
func LoadProjectionNetwork(path string) (*ProjectionNetwork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configf("extractor.weights_path", "read %s: %v", path, err)
	}
	var w ProjectionWeights
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errdefs.Configf("extractor.weights_path", "decode %s: %v", path, err)
	}
	if w.Version != projectionVersion {
		return nil, errdefs.Configf("extractor.weights_path", "unsupported weights version %d", w.Version)
	}
	return newProjection(w)
}

func newProjection(w ProjectionWeights) (*ProjectionNetwork, error) {
	if err := checkArchitecture(w); err != nil {
		return nil, err
	}
	pooled := pooledSize(w)
	if len(w.W1) != w.EmbedDim*pooled || len(w.B1) != w.EmbedDim {
		return nil, errdefs.ShapeMismatch("projection layer", w.EmbedDim*pooled, len(w.W1))
	}
	if len(w.W2) != w.NumClasses*w.EmbedDim || len(w.B2) != w.NumClasses {
		return nil, errdefs.ShapeMismatch("classification head", w.NumClasses*w.EmbedDim, len(w.W2))
	}

	n := &ProjectionNetwork{w: w, pooled: pooled, depthOut: depthGrid(w)}
	n.identity = "projection-v1-" + weightsHash(w)
	return n, nil
}

func checkArchitecture(w ProjectionWeights) error {
	switch {
	case w.Input.Channels <= 0 || w.Input.Height <= 0 || w.Input.Width <= 0 || w.Input.Depth <= 0:
		return errdefs.Configf("extractor", "invalid input shape %s", w.Input)
	case w.Grid <= 0 || w.Grid > w.Input.Height || w.Grid > w.Input.Width:
		return errdefs.Configf("extractor.grid", "grid %d does not fit input %s", w.Grid, w.Input)
	case w.EmbedDim <= 0:
		return errdefs.Configf("extractor.embed_dim", "must be > 0")
	case w.NumClasses <= 1:
		return errdefs.Configf("extractor.num_classes", "must be > 1")
	}
	return nil
}

func depthGrid(w ProjectionWeights) int {
	if w.Input.Depth == 1 {
		return 1
	}
	if w.DepthGrid <= 0 || w.DepthGrid > w.Input.Depth {
		return w.Input.Depth
	}
	return w.DepthGrid
}

func pooledSize(w ProjectionWeights) int {
	return w.Input.Channels * depthGrid(w) * w.Grid * w.Grid
}

func gaussian(rng *rand.Rand, n int, std float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * std)
	}
	return out
}

func weightsHash(w ProjectionWeights) string {
	h := sha256.New()
	for _, v := range []int{w.Input.Channels, w.Input.Depth, w.Input.Height, w.Input.Width, w.Grid, depthGrid(w), w.EmbedDim, w.NumClasses} {
		_ = binary.Write(h, binary.LittleEndian, int64(v))
	}
	for _, arr := range [][]float32{w.W1, w.B1, w.W2, w.B2} {
		_ = binary.Write(h, binary.LittleEndian, arr)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Save writes the weights as msgpack.
func (n *ProjectionNetwork) Save(path string) error {
	data, err := msgpack.Marshal(&n.w)
	if err != nil {
		return errors.Wrap(err, "encode weights")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}

// Identity returns the architecture tag plus a hash of the weights.
func (n *ProjectionNetwork) Identity() string { return n.identity }

// InputShape returns the expected input shape.
func (n *ProjectionNetwork) InputShape() dataset.Shape { return n.w.Input }

// EmbedDim returns the feature length.
func (n *ProjectionNetwork) EmbedDim() int { return n.w.EmbedDim }

// NumClasses returns the classifier width.
func (n *ProjectionNetwork) NumClasses() int { return n.w.NumClasses }

// Forward computes features and logits for one input.
func (n *ProjectionNetwork) Forward(input []float32) ([]float32, []float32) {
	pooled := n.pool(input)

	features := make([]float32, n.w.EmbedDim)
	copy(features, n.w.B1)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: n.w.EmbedDim, Cols: n.pooled, Stride: n.pooled, Data: n.w.W1},
		blas32.Vector{N: n.pooled, Data: pooled, Inc: 1},
		1, blas32.Vector{N: n.w.EmbedDim, Data: features, Inc: 1})
	for i, v := range features {
		if v < 0 {
			features[i] = 0
		}
	}

	logits := make([]float32, n.w.NumClasses)
	copy(logits, n.w.B2)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: n.w.NumClasses, Cols: n.w.EmbedDim, Stride: n.w.EmbedDim, Data: n.w.W2},
		blas32.Vector{N: n.w.EmbedDim, Data: features, Inc: 1},
		1, blas32.Vector{N: n.w.NumClasses, Data: logits, Inc: 1})

	return features, logits
}

// pool applies adaptive average pooling to C x depthOut x Grid x Grid.
func (n *ProjectionNetwork) pool(input []float32) []float32 {
	in := n.w.Input
	g, gd := n.w.Grid, n.depthOut
	out := make([]float32, n.pooled)

	k := 0
	for c := 0; c < in.Channels; c++ {
		for oz := 0; oz < gd; oz++ {
			z0, z1 := adaptiveBin(oz, gd, in.Depth)
			for oy := 0; oy < g; oy++ {
				y0, y1 := adaptiveBin(oy, g, in.Height)
				for ox := 0; ox < g; ox++ {
					x0, x1 := adaptiveBin(ox, g, in.Width)
					var sum float64
					for z := z0; z < z1; z++ {
						for y := y0; y < y1; y++ {
							row := ((c*in.Depth+z)*in.Height + y) * in.Width
							for x := x0; x < x1; x++ {
								sum += float64(input[row+x])
							}
						}
					}
					out[k] = float32(sum / float64((z1-z0)*(y1-y0)*(x1-x0)))
					k++
				}
			}
		}
	}
	return out
}

// adaptiveBin returns the half-open input range pooled into output cell o.
func adaptiveBin(o, out, in int) (int, int) {
	start := o * in / out
	end := ((o+1)*in + out - 1) / out
	return start, end
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float32 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		maxv = math.Max(maxv, float64(v))
	}
	out := make([]float32, len(logits))
	var sum float64
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v) - maxv)
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}
