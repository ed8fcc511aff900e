// Package embedding adapts image batches to a frozen feature network and
// returns one embedding (or class-probability vector) per image.
package embedding

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Output selects what the extractor returns per image.
type Output int

const (
	// Features is the embedding vector.
	Features Output = iota
	// Probabilities is the softmax of the classification head.
	Probabilities
)

func (o Output) String() string {
	if o == Probabilities {
		return "probabilities"
	}
	return "features"
}

// Options configures preprocessing.
type Options struct {
	Resize ResizePolicy
	// ValueMin and ValueMax are mapped to 0 and 1 before extraction.
	ValueMin float64
	ValueMax float64
}

// Extractor maps image batches to vectors through a frozen Network.
type Extractor struct {
	net  Network
	opts Options
}

// NewExtractor wraps net.
func NewExtractor(net Network, opts Options) (*Extractor, error) {
	if opts.ValueMax <= opts.ValueMin {
		return nil, errdefs.Configf("extractor.value_max", "must exceed value_min")
	}
	return &Extractor{net: net, opts: opts}, nil
}

// Network returns the wrapped network.
func (e *Extractor) Network() Network { return e.net }

// Options returns the preprocessing options.
func (e *Extractor) Options() Options { return e.opts }

// Dim returns the vector length produced for output.
func (e *Extractor) Dim(output Output) int {
	if output == Probabilities {
		return e.net.NumClasses()
	}
	return e.net.EmbedDim()
}

// Extract returns one embedding per image.
func (e *Extractor) Extract(batch []dataset.Image) ([][]float32, error) {
	return e.Run(batch, Features)
}

// Probabilities returns one class-probability vector per image.
func (e *Extractor) Probabilities(batch []dataset.Image) ([][]float32, error) {
	return e.Run(batch, Probabilities)
}

// Run preprocesses each image and runs the network.
func (e *Extractor) Run(batch []dataset.Image, output Output) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, img := range batch {
		input, err := e.Preprocess(img)
		if err != nil {
			return nil, err
		}
		features, logits := e.net.Forward(input)
		if output == Probabilities {
			out[i] = Softmax(logits)
		} else {
			out[i] = features
		}
	}
	return out, nil
}

// Preprocess normalises values, adapts channels and resizes img to the
// network input shape. img is not modified.
func (e *Extractor) Preprocess(img dataset.Image) ([]float32, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	want := e.net.InputShape()
	src := img.Shape

	channelOf, err := channelMap(src.Channels, want.Channels)
	if err != nil {
		return nil, err
	}
	if src.Is3D() != want.Is3D() {
		return nil, errdefs.ShapeMismatch("dimensionality", want, src)
	}

	scale := 1 / (e.opts.ValueMax - e.opts.ValueMin)
	out := make([]float32, want.Size())
	plane := make([]float32, src.PlaneSize())

	// Depth is centre-cropped or zero-padded.
	zOffset := (src.Depth - want.Depth) / 2

	for c := 0; c < want.Channels; c++ {
		for z := 0; z < want.Depth; z++ {
			sz := z + zOffset
			if sz < 0 || sz >= src.Depth {
				continue
			}
			for i, v := range img.Plane(channelOf[c], sz) {
				plane[i] = float32(clamp01((float64(v) - e.opts.ValueMin) * scale))
			}
			resized := e.fit(plane, src.Height, src.Width, want.Height, want.Width)
			start := (c*want.Depth + z) * want.PlaneSize()
			copy(out[start:start+want.PlaneSize()], resized)
		}
	}
	return out, nil
}

func (e *Extractor) fit(plane []float32, h, w, oh, ow int) []float32 {
	if e.opts.Resize == Padding {
		nh, nw := fitWithin(h, w, oh, ow)
		if nh != h || nw != w {
			plane = resizePlane(plane, h, w, nh, nw)
		}
		return padPlane(plane, nh, nw, oh, ow)
	}
	return resizePlane(plane, h, w, oh, ow)
}

// channelMap returns, for each network channel, the source channel feeding it.
func channelMap(have, want int) ([]int, error) {
	m := make([]int, want)
	switch {
	case have == want:
		for i := range m {
			m[i] = i
		}
	case have == 1:
		// grayscale replicated to every network channel
	default:
		return nil, errdefs.ShapeMismatch("channels", want, have)
	}
	return m, nil
}

// Describe returns a stable description of the preprocessing for fingerprinting.
func (e *Extractor) Describe() string {
	in := e.net.InputShape()
	return fmt.Sprintf("%s|input=%s|resize=%s|range=[%g,%g]",
		e.net.Identity(), in, e.opts.Resize, e.opts.ValueMin, e.opts.ValueMax)
}
