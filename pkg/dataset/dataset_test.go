package dataset

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

func solidImage(shape Shape, v float32) Image {
	img := NewImage(shape)
	for i := range img.Data {
		img.Data[i] = v
	}
	return img
}

func TestImage_Indexing(t *testing.T) {
	shape := Shape{Channels: 2, Depth: 3, Height: 4, Width: 5}
	img := NewImage(shape)
	require.Len(t, img.Data, 120)

	img.Set(1, 2, 3, 4, 7)
	assert.Equal(t, float32(7), img.At(1, 2, 3, 4))
	assert.Equal(t, float32(7), img.Data[len(img.Data)-1])

	plane := img.Plane(1, 2)
	assert.Len(t, plane, 20)
	assert.Equal(t, float32(7), plane[19])
	assert.True(t, shape.Is3D())
	assert.Equal(t, "2x3x4x5", shape.String())
	assert.Equal(t, "3x8x8", Shape{3, 1, 8, 8}.String())
}

func TestMemory(t *testing.T) {
	shape := Shape{Channels: 1, Depth: 1, Height: 2, Width: 2}
	images := []Image{solidImage(shape, 0), solidImage(shape, 1), solidImage(shape, 2)}

	t.Run("unlabeled", func(t *testing.T) {
		ds, err := NewMemory("mem", "mem://a", images, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, ds.Len())
		assert.Equal(t, 0, ds.LabelShape())
		assert.False(t, UsesLabels(ds))

		img, label, err := ds.Item(2)
		require.NoError(t, err)
		assert.Equal(t, NoLabel, label)
		assert.Equal(t, float32(2), img.Data[0])

		_, _, err = ds.Item(3)
		assert.Error(t, err)
		assert.Equal(t, "mem://a", Identity(ds))
	})

	t.Run("labeled", func(t *testing.T) {
		ds, err := NewMemory("mem", "", images, []int{4, 5, 6})
		require.NoError(t, err)
		assert.Equal(t, 1, ds.LabelShape())
		label, err := ds.Label(1)
		require.NoError(t, err)
		assert.Equal(t, 5, label)
	})

	t.Run("mixed shapes", func(t *testing.T) {
		other := solidImage(Shape{Channels: 1, Depth: 1, Height: 3, Width: 3}, 0)
		_, err := NewMemory("mem", "", []Image{images[0], other}, nil)
		var shapeErr *errdefs.ShapeMismatchError
		assert.True(t, errors.As(err, &shapeErr))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NewMemory("mem", "", nil, nil)
		assert.True(t, errors.Is(err, ErrMissingFiles))
	})
}

func TestLoadBatch(t *testing.T) {
	shape := Shape{Channels: 1, Depth: 1, Height: 1, Width: 1}
	var images []Image
	for i := 0; i < 5; i++ {
		images = append(images, solidImage(shape, float32(i)))
	}
	ds, err := NewMemory("mem", "", images, []int{0, 1, 0, 1, 0})
	require.NoError(t, err)

	batch, labels, err := LoadBatch(context.Background(), ds, []int{4, 1, 3})
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, float32(4), batch[0].Data[0])
	assert.Equal(t, float32(1), batch[1].Data[0])
	assert.Equal(t, []int{0, 1, 1}, labels)
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := imaging.New(w, h, c)
	require.NoError(t, imaging.Save(img, path))
}

func TestImageFolder(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		writePNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), 8, 6, color.NRGBA{R: uint8(i * 40), G: 255, B: 0, A: 255})
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644))

	t.Run("rgb", func(t *testing.T) {
		ds, err := NewImageFolder(FolderOptions{Path: dir})
		require.NoError(t, err)
		assert.Equal(t, 6, ds.Len())
		assert.Equal(t, Shape{Channels: 3, Depth: 1, Height: 6, Width: 8}, ds.ImageShape())
		assert.Equal(t, filepath.Base(dir), ds.Name())

		img, label, err := ds.Item(1)
		require.NoError(t, err)
		assert.Equal(t, NoLabel, label)
		assert.InDelta(t, 40.0/255, img.At(0, 0, 0, 0), 1e-6)
		assert.InDelta(t, 1.0, img.At(1, 0, 5, 7), 1e-6)
		assert.InDelta(t, 0.0, img.At(2, 0, 2, 2), 1e-6)
	})

	t.Run("grayscale", func(t *testing.T) {
		ds, err := NewImageFolder(FolderOptions{Path: dir, Channels: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, ds.ImageShape().Channels)
	})

	t.Run("subset is seeded and ordered", func(t *testing.T) {
		a, err := NewImageFolder(FolderOptions{Path: dir, SizeDataset: 3, Seed: 7})
		require.NoError(t, err)
		b, err := NewImageFolder(FolderOptions{Path: dir, SizeDataset: 3, Seed: 7})
		require.NoError(t, err)
		require.Equal(t, 3, a.Len())
		assert.Equal(t, a.items, b.items)
		for i := 1; i < len(a.items); i++ {
			assert.Less(t, a.items[i-1][0], a.items[i][0])
		}
		full, err := NewImageFolder(FolderOptions{Path: dir})
		require.NoError(t, err)
		assert.NotEqual(t, Identity(a), Identity(full))
	})

	t.Run("labels", func(t *testing.T) {
		labels := "file,label\n"
		for i := 0; i < 6; i++ {
			labels += fmt.Sprintf("img_%02d.png,%d\n", i, i%2)
		}
		labelsPath := filepath.Join(t.TempDir(), "labels.csv")
		require.NoError(t, os.WriteFile(labelsPath, []byte(labels), 0644))

		ds, err := NewImageFolder(FolderOptions{Path: dir, UseLabels: true, LabelsPath: labelsPath})
		require.NoError(t, err)
		assert.Equal(t, 1, ds.LabelShape())
		_, label, err := ds.Item(3)
		require.NoError(t, err)
		assert.Equal(t, 1, label)
	})

	t.Run("labels requested without file", func(t *testing.T) {
		_, err := NewImageFolder(FolderOptions{Path: dir, UseLabels: true})
		assert.True(t, errors.Is(err, ErrMissingFiles))
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := NewImageFolder(FolderOptions{Path: filepath.Join(dir, "absent")})
		assert.True(t, errors.Is(err, ErrMissingFiles))
	})

	t.Run("no matching files", func(t *testing.T) {
		_, err := NewImageFolder(FolderOptions{Path: dir, Pattern: "*.jpg"})
		assert.True(t, errors.Is(err, ErrMissingFiles))
	})
}

func TestImageFolder_Volumes(t *testing.T) {
	dir := t.TempDir()
	for v := 0; v < 2; v++ {
		vol := filepath.Join(dir, fmt.Sprintf("vol_%d", v))
		require.NoError(t, os.Mkdir(vol, 0755))
		for z := 0; z < 4; z++ {
			writePNG(t, filepath.Join(vol, fmt.Sprintf("slice_%02d.png", z)), 5, 5, color.Gray{Y: uint8(z * 60)})
		}
	}

	ds, err := NewImageFolder(FolderOptions{Path: dir, Channels: 1, Volumes: true})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, Shape{Channels: 1, Depth: 4, Height: 5, Width: 5}, ds.ImageShape())

	img, _, err := ds.Item(0)
	require.NoError(t, err)
	assert.InDelta(t, 120.0/255, img.At(0, 2, 1, 1), 1e-6)
}

func TestExpandBraces(t *testing.T) {
	assert.Equal(t, []string{"*.png", "*.jpg"}, expandBraces("*.{png,jpg}"))
	assert.Equal(t, []string{"*.png"}, expandBraces("*.png"))
}

type constGenerator struct {
	shape Shape
	calls int
}

func (g *constGenerator) LatentDim() int     { return 4 }
func (g *constGenerator) OutputShape() Shape { return g.shape }
func (g *constGenerator) Generate(_ context.Context, z [][]float32, labels []int) ([]Image, error) {
	g.calls++
	out := make([]Image, len(z))
	for i := range z {
		img := NewImage(g.shape)
		img.Data[0] = z[i][0]
		if labels != nil {
			img.Data[1] = float32(labels[i])
		}
		out[i] = img
	}
	return out, nil
}

func TestGeneratorSource(t *testing.T) {
	gen := &constGenerator{shape: Shape{Channels: 1, Depth: 1, Height: 2, Width: 1}}

	shape := Shape{Channels: 1, Depth: 1, Height: 1, Width: 1}
	cond, err := NewMemory("real", "", []Image{solidImage(shape, 0), solidImage(shape, 0)}, []int{3, 9})
	require.NoError(t, err)

	src, err := NewGeneratorSource("toy", gen, 5, 11, cond)
	require.NoError(t, err)
	assert.Equal(t, 5, src.Len())
	assert.Equal(t, 1, src.LabelShape())

	images, labels, err := LoadBatch(context.Background(), src, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls, "one generator call per batch")
	assert.Equal(t, []int{3, 9, 3}, labels)
	assert.Equal(t, float32(9), images[1].Data[1])

	again, _, err := src.Item(1)
	require.NoError(t, err)
	assert.Equal(t, images[1].Data, again.Data, "latents depend only on seed and index")

	_, err = NewGeneratorSource("toy", gen, 0, 0, nil)
	assert.True(t, errdefs.IsFatal(err))
}

type checkpointGenerator struct {
	constGenerator
	checkpoint string
}

func (g *checkpointGenerator) Identity() string { return g.checkpoint }

func TestGeneratorSource_IdentityIncludesGenerator(t *testing.T) {
	shape := Shape{Channels: 1, Depth: 1, Height: 2, Width: 1}
	plain, err := NewGeneratorSource("toy", &constGenerator{shape: shape}, 5, 11, nil)
	require.NoError(t, err)
	v1, err := NewGeneratorSource("toy", &checkpointGenerator{constGenerator{shape: shape}, "weights/g.pt@sha256:aa"}, 5, 11, nil)
	require.NoError(t, err)
	v2, err := NewGeneratorSource("toy", &checkpointGenerator{constGenerator{shape: shape}, "weights/g.pt@sha256:bb"}, 5, 11, nil)
	require.NoError(t, err)

	assert.Equal(t, "generator://toy|n=5|seed=11|conditioned=false", Identity(plain))
	assert.Equal(t, "generator://toy|n=5|seed=11|conditioned=false|generator=weights/g.pt@sha256:aa", Identity(v1))
	assert.NotEqual(t, Identity(v1), Identity(v2))
}

func TestGeneratorRegistry(t *testing.T) {
	gen := &constGenerator{shape: Shape{Channels: 1, Depth: 1, Height: 1, Width: 1}}
	RegisterGenerator("registry-test", gen)

	got, err := LookupGenerator("registry-test")
	require.NoError(t, err)
	assert.Same(t, gen, got)

	_, err = LookupGenerator("absent")
	assert.True(t, errdefs.IsFatal(err))

	assert.Panics(t, func() { RegisterGenerator("registry-test", gen) })
}
