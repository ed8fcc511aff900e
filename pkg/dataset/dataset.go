// Package dataset defines the image model and the dataset contract consumed by
// the extraction pipeline, with in-memory, image-folder and generator-backed
// implementations.
package dataset

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// ErrMissingFiles is returned when the files a dataset refers to are absent.
var ErrMissingFiles = errors.New("dataset files are absent")

// NoLabel marks an unlabeled sample.
const NoLabel = -1

// Shape is the channel and spatial extent of an image. Depth is 1 for 2D data.
type Shape struct {
	Channels int `msgpack:"c" json:"channels"`
	Depth    int `msgpack:"d" json:"depth"`
	Height   int `msgpack:"h" json:"height"`
	Width    int `msgpack:"w" json:"width"`
}

// Size returns the number of values in an image of this shape.
func (s Shape) Size() int {
	return s.Channels * s.Depth * s.Height * s.Width
}

// PlaneSize returns Height*Width.
func (s Shape) PlaneSize() int {
	return s.Height * s.Width
}

// Is3D reports whether the shape describes a volume.
func (s Shape) Is3D() bool {
	return s.Depth > 1
}

func (s Shape) String() string {
	if s.Depth > 1 {
		return fmt.Sprintf("%dx%dx%dx%d", s.Channels, s.Depth, s.Height, s.Width)
	}
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// Image is a dense CDHW float32 array.
type Image struct {
	Shape Shape
	Data  []float32
}

// NewImage allocates a zero image.
func NewImage(shape Shape) Image {
	return Image{Shape: shape, Data: make([]float32, shape.Size())}
}

func (im Image) index(c, z, y, x int) int {
	s := im.Shape
	return ((c*s.Depth+z)*s.Height+y)*s.Width + x
}

// At returns the value at channel c, slice z, row y, column x.
func (im Image) At(c, z, y, x int) float32 {
	return im.Data[im.index(c, z, y, x)]
}

// Set stores v at channel c, slice z, row y, column x.
func (im Image) Set(c, z, y, x int, v float32) {
	im.Data[im.index(c, z, y, x)] = v
}

// Plane returns the HxW slice for channel c at depth z, sharing storage.
func (im Image) Plane(c, z int) []float32 {
	start := im.index(c, z, 0, 0)
	return im.Data[start : start+im.Shape.PlaneSize()]
}

// Validate checks that Data matches Shape.
func (im Image) Validate() error {
	if im.Shape.Channels <= 0 || im.Shape.Depth <= 0 || im.Shape.Height <= 0 || im.Shape.Width <= 0 {
		return errdefs.ShapeMismatch("image", "positive dimensions", im.Shape)
	}
	if len(im.Data) != im.Shape.Size() {
		return errdefs.ShapeMismatch("image data", im.Shape.Size(), len(im.Data))
	}
	return nil
}

// Dataset is an indexed, finite collection of images with optional labels.
type Dataset interface {
	// Name is a short display name.
	Name() string
	// Path identifies where the data came from.
	Path() string
	Len() int
	// Item loads image i and its label (NoLabel when unlabeled).
	Item(i int) (Image, int, error)
	ImageShape() Shape
	// LabelShape is 0 for unlabeled datasets and 1 otherwise.
	LabelShape() int
}

// Labeler is implemented by datasets that can return a label without decoding
// the image.
type Labeler interface {
	Label(i int) (int, error)
}

// BatchLoader is implemented by sources that produce a batch more efficiently
// than item by item.
type BatchLoader interface {
	LoadBatch(ctx context.Context, indices []int) ([]Image, []int, error)
}

// Identifier is implemented by datasets whose identity is more than their path,
// and by generators whose output depends on more than their registered name,
// such as a checkpoint and its hash.
type Identifier interface {
	Identity() string
}

// Identity returns the string used to fingerprint d.
func Identity(d Dataset) string {
	if id, ok := d.(Identifier); ok {
		return id.Identity()
	}
	return d.Path()
}

// Seeded is implemented by datasets whose contents depend on a random seed.
type Seeded interface {
	Seed() int64
}

// SubsetSeed returns the seed selecting d's contents, or 0.
func SubsetSeed(d Dataset) int64 {
	if s, ok := d.(Seeded); ok {
		return s.Seed()
	}
	return 0
}

// UsesLabels reports whether d carries labels.
func UsesLabels(d Dataset) bool {
	return d.LabelShape() > 0
}

// LoadBatch loads the given indices from d in order, checking that every image
// matches the dataset shape.
func LoadBatch(ctx context.Context, d Dataset, indices []int) ([]Image, []int, error) {
	if bl, ok := d.(BatchLoader); ok {
		images, labels, err := bl.LoadBatch(ctx, indices)
		if err != nil {
			return nil, nil, err
		}
		if err := checkShapes(d.ImageShape(), images); err != nil {
			return nil, nil, err
		}
		return images, labels, nil
	}

	images := make([]Image, 0, len(indices))
	labels := make([]int, 0, len(indices))
	for _, i := range indices {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		img, label, err := d.Item(i)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load %s[%d]", d.Name(), i)
		}
		images = append(images, img)
		labels = append(labels, label)
	}
	if err := checkShapes(d.ImageShape(), images); err != nil {
		return nil, nil, err
	}
	return images, labels, nil
}

func checkShapes(want Shape, images []Image) error {
	for _, img := range images {
		if img.Shape != want {
			return errdefs.ShapeMismatch("image", want, img.Shape)
		}
		if err := img.Validate(); err != nil {
			return err
		}
	}
	return nil
}
