package dataset

import (
	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Memory is a dataset held entirely in memory.
type Memory struct {
	name   string
	path   string
	shape  Shape
	images []Image
	labels []int
}

// NewMemory builds an in-memory dataset. labels may be nil for unlabeled data,
// otherwise it must have one entry per image.
func NewMemory(name, path string, images []Image, labels []int) (*Memory, error) {
	if len(images) == 0 {
		return nil, errors.Wrapf(ErrMissingFiles, "memory dataset %s has no images", name)
	}
	if labels != nil && len(labels) != len(images) {
		return nil, errdefs.ShapeMismatch("labels", len(images), len(labels))
	}

	shape := images[0].Shape
	if err := checkShapes(shape, images); err != nil {
		return nil, err
	}

	return &Memory{
		name:   name,
		path:   path,
		shape:  shape,
		images: images,
		labels: labels,
	}, nil
}

// Name returns the dataset name.
func (m *Memory) Name() string { return m.name }

// Path returns the dataset path.
func (m *Memory) Path() string { return m.path }

// Len returns the number of images.
func (m *Memory) Len() int { return len(m.images) }

// ImageShape returns the common image shape.
func (m *Memory) ImageShape() Shape { return m.shape }

// LabelShape returns 1 when labels are present.
func (m *Memory) LabelShape() int {
	if m.labels == nil {
		return 0
	}
	return 1
}

// Item returns image i and its label.
func (m *Memory) Item(i int) (Image, int, error) {
	if i < 0 || i >= len(m.images) {
		return Image{}, NoLabel, errors.Errorf("index %d out of range [0, %d)", i, len(m.images))
	}
	label, _ := m.Label(i)
	return m.images[i], label, nil
}

// Label returns the label of item i.
func (m *Memory) Label(i int) (int, error) {
	if i < 0 || i >= len(m.images) {
		return NoLabel, errors.Errorf("index %d out of range [0, %d)", i, len(m.images))
	}
	if m.labels == nil {
		return NoLabel, nil
	}
	return m.labels[i], nil
}
