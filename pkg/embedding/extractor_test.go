package embedding

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/dataset"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

func testNetwork(t *testing.T, input dataset.Shape, seed int64) *ProjectionNetwork {
	t.Helper()
	net, err := NewProjectionNetwork(NetworkOptions{
		Input:      input,
		Grid:       4,
		DepthGrid:  2,
		EmbedDim:   16,
		NumClasses: 5,
		Seed:       seed,
	})
	require.NoError(t, err)
	return net
}

func rampImage(shape dataset.Shape) dataset.Image {
	img := dataset.NewImage(shape)
	for i := range img.Data {
		img.Data[i] = float32(i%17) / 16
	}
	return img
}

func TestProjectionNetwork_Deterministic(t *testing.T) {
	shape := dataset.Shape{Channels: 3, Depth: 1, Height: 8, Width: 8}
	a := testNetwork(t, shape, 1)
	b := testNetwork(t, shape, 1)
	c := testNetwork(t, shape, 2)

	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())

	input := rampImage(shape).Data
	fa, la := a.Forward(input)
	fb, lb := b.Forward(input)
	assert.Equal(t, fa, fb)
	assert.Equal(t, la, lb)
	assert.Len(t, fa, 16)
	assert.Len(t, la, 5)
	for _, v := range fa {
		assert.GreaterOrEqual(t, v, float32(0), "features pass through ReLU")
	}
}

func TestProjectionNetwork_SaveLoad(t *testing.T) {
	shape := dataset.Shape{Channels: 1, Depth: 4, Height: 8, Width: 8}
	net := testNetwork(t, shape, 9)

	path := filepath.Join(t.TempDir(), "weights.msgpack")
	require.NoError(t, net.Save(path))

	loaded, err := LoadProjectionNetwork(path)
	require.NoError(t, err)
	assert.Equal(t, net.Identity(), loaded.Identity())
	assert.Equal(t, net.InputShape(), loaded.InputShape())

	input := rampImage(shape).Data
	f1, _ := net.Forward(input)
	f2, _ := loaded.Forward(input)
	assert.Equal(t, f1, f2)

	_, err = LoadProjectionNetwork(filepath.Join(t.TempDir(), "absent"))
	assert.True(t, errdefs.IsFatal(err))
}

func TestNewProjectionNetwork_InvalidGrid(t *testing.T) {
	_, err := NewProjectionNetwork(NetworkOptions{
		Input:      dataset.Shape{Channels: 3, Depth: 1, Height: 4, Width: 4},
		Grid:       8,
		EmbedDim:   8,
		NumClasses: 2,
	})
	assert.True(t, errdefs.IsFatal(err))
}

func TestAdaptiveBin(t *testing.T) {
	covered := make([]int, 10)
	for o := 0; o < 4; o++ {
		s, e := adaptiveBin(o, 4, 10)
		require.Less(t, s, e)
		for i := s; i < e; i++ {
			covered[i]++
		}
	}
	for i, c := range covered {
		assert.GreaterOrEqual(t, c, 1, "input %d not pooled", i)
	}
}

func TestExtractor_GrayscaleReplication(t *testing.T) {
	net := testNetwork(t, dataset.Shape{Channels: 3, Depth: 1, Height: 8, Width: 8}, 3)
	ext, err := NewExtractor(net, Options{ValueMin: 0, ValueMax: 1})
	require.NoError(t, err)

	gray := rampImage(dataset.Shape{Channels: 1, Depth: 1, Height: 8, Width: 8})
	rgb := dataset.NewImage(dataset.Shape{Channels: 3, Depth: 1, Height: 8, Width: 8})
	for c := 0; c < 3; c++ {
		copy(rgb.Plane(c, 0), gray.Data)
	}

	out, err := ext.Extract([]dataset.Image{gray, rgb})
	require.NoError(t, err)
	assert.Equal(t, out[0], out[1])
}

func TestExtractor_ChannelMismatch(t *testing.T) {
	net := testNetwork(t, dataset.Shape{Channels: 3, Depth: 1, Height: 8, Width: 8}, 3)
	ext, err := NewExtractor(net, Options{ValueMax: 1})
	require.NoError(t, err)

	_, err = ext.Extract([]dataset.Image{dataset.NewImage(dataset.Shape{Channels: 2, Depth: 1, Height: 8, Width: 8})})
	var shapeErr *errdefs.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "channels", shapeErr.What)

	_, err = ext.Extract([]dataset.Image{dataset.NewImage(dataset.Shape{Channels: 3, Depth: 4, Height: 8, Width: 8})})
	assert.True(t, errors.As(err, &shapeErr))
}

func TestExtractor_Padding(t *testing.T) {
	net := testNetwork(t, dataset.Shape{Channels: 1, Depth: 1, Height: 8, Width: 8}, 3)
	ext, err := NewExtractor(net, Options{Resize: Padding, ValueMax: 1})
	require.NoError(t, err)

	t.Run("smaller image is centred", func(t *testing.T) {
		img := dataset.NewImage(dataset.Shape{Channels: 1, Depth: 1, Height: 4, Width: 4})
		for i := range img.Data {
			img.Data[i] = 1
		}
		in, err := ext.Preprocess(img)
		require.NoError(t, err)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				want := float32(0)
				if y >= 2 && y < 6 && x >= 2 && x < 6 {
					want = 1
				}
				assert.Equal(t, want, in[y*8+x], "pixel (%d,%d)", y, x)
			}
		}
	})

	t.Run("oversize image is downscaled then padded", func(t *testing.T) {
		img := dataset.NewImage(dataset.Shape{Channels: 1, Depth: 1, Height: 16, Width: 8})
		for i := range img.Data {
			img.Data[i] = 0.5
		}
		in, err := ext.Preprocess(img)
		require.NoError(t, err)
		for y := 0; y < 8; y++ {
			assert.Zero(t, in[y*8+0])
			assert.Zero(t, in[y*8+1])
			assert.InDelta(t, 0.5, in[y*8+3], 1e-3)
			assert.Zero(t, in[y*8+7])
		}
	})
}

func TestExtractor_BicubicPreservesConstant(t *testing.T) {
	net := testNetwork(t, dataset.Shape{Channels: 1, Depth: 1, Height: 8, Width: 8}, 3)
	ext, err := NewExtractor(net, Options{Resize: Bicubic, ValueMin: -1, ValueMax: 1})
	require.NoError(t, err)

	img := dataset.NewImage(dataset.Shape{Channels: 1, Depth: 1, Height: 20, Width: 13})
	for i := range img.Data {
		img.Data[i] = 0
	}
	in, err := ext.Preprocess(img)
	require.NoError(t, err)
	require.Len(t, in, 64)
	for _, v := range in {
		assert.InDelta(t, 0.5, v, 1e-3, "value range is mapped to [0,1]")
	}
	assert.Zero(t, img.Data[0], "input image is not modified")
}

func TestExtractor_DepthCrop(t *testing.T) {
	net := testNetwork(t, dataset.Shape{Channels: 1, Depth: 4, Height: 4, Width: 4}, 3)
	ext, err := NewExtractor(net, Options{ValueMax: 1})
	require.NoError(t, err)

	img := dataset.NewImage(dataset.Shape{Channels: 1, Depth: 6, Height: 4, Width: 4})
	for z := 0; z < 6; z++ {
		for i := range img.Plane(0, z) {
			img.Plane(0, z)[i] = float32(z) / 10
		}
	}
	in, err := ext.Preprocess(img)
	require.NoError(t, err)
	for z := 0; z < 4; z++ {
		assert.InDelta(t, float32(z+1)/10, in[z*16], 1e-6)
	}

	short := dataset.NewImage(dataset.Shape{Channels: 1, Depth: 2, Height: 4, Width: 4})
	for i := range short.Data {
		short.Data[i] = 1
	}
	in, err = ext.Preprocess(short)
	require.NoError(t, err)
	assert.Zero(t, in[0])
	assert.Equal(t, float32(1), in[16*1])
	assert.Equal(t, float32(1), in[16*2])
	assert.Zero(t, in[16*3])
}

func TestExtractor_Probabilities(t *testing.T) {
	shape := dataset.Shape{Channels: 3, Depth: 1, Height: 8, Width: 8}
	ext, err := NewExtractor(testNetwork(t, shape, 5), Options{ValueMax: 1})
	require.NoError(t, err)

	probs, err := ext.Probabilities([]dataset.Image{rampImage(shape)})
	require.NoError(t, err)
	require.Len(t, probs[0], 5)
	var sum float64
	for _, p := range probs[0] {
		assert.Greater(t, p, float32(0))
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, 5, ext.Dim(Probabilities))
	assert.Equal(t, 16, ext.Dim(Features))
}

func TestSoftmax_Stable(t *testing.T) {
	p := Softmax([]float32{1000, 1000})
	assert.InDelta(t, 0.5, p[0], 1e-6)
	assert.InDelta(t, 0.5, p[1], 1e-6)
}
