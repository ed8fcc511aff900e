package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Generator maps latent noise, plus optional conditioning labels, to images in
// the same value range and shape as the real data. Generators whose weights can
// change under the same registered name should also implement Identifier so
// that cached statistics of their output are invalidated.
type Generator interface {
	LatentDim() int
	OutputShape() Shape
	Generate(ctx context.Context, z [][]float32, labels []int) ([]Image, error)
}

var (
	generatorsMu sync.RWMutex
	generators   = make(map[string]Generator)
)

// RegisterGenerator makes a generator available by name to configuration-driven
// runs. Registering the same name twice panics.
func RegisterGenerator(name string, g Generator) {
	generatorsMu.Lock()
	defer generatorsMu.Unlock()
	if g == nil {
		panic("dataset: RegisterGenerator generator is nil")
	}
	if _, dup := generators[name]; dup {
		panic("dataset: RegisterGenerator called twice for " + name)
	}
	generators[name] = g
}

// LookupGenerator returns the generator registered under name.
func LookupGenerator(name string) (Generator, error) {
	generatorsMu.RLock()
	defer generatorsMu.RUnlock()
	g, ok := generators[name]
	if !ok {
		return nil, errdefs.Configf("synthetic.generator.name", "no generator registered as %q (have %v)", name, generatorNames())
	}
	return g, nil
}

func generatorNames() []string {
	names := make([]string, 0, len(generators))
	for n := range generators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GeneratorSource presents a generator as a dataset of a fixed number of
// samples. Latents for item i are drawn from a source seeded with seed+i, so
// any shard of the index space reproduces the same images.
type GeneratorSource struct {
	name       string
	gen        Generator
	n          int
	seed       int64
	conditions Dataset
}

// NewGeneratorSource wraps gen. When conditions is non-nil its labels are used
// to condition generation, cycling through the dataset.
func NewGeneratorSource(name string, gen Generator, n int, seed int64, conditions Dataset) (*GeneratorSource, error) {
	if n <= 0 {
		return nil, errdefs.Configf("synthetic.generator.num_images", "must be > 0, got %d", n)
	}
	if gen.LatentDim() <= 0 {
		return nil, errdefs.Configf("synthetic.generator", "latent dimension must be > 0")
	}
	if conditions != nil && !UsesLabels(conditions) {
		conditions = nil
	}
	return &GeneratorSource{name: name, gen: gen, n: n, seed: seed, conditions: conditions}, nil
}

// Name returns the source name.
func (g *GeneratorSource) Name() string { return g.name }

// Path identifies the generator.
func (g *GeneratorSource) Path() string { return "generator://" + g.name }

// Len returns the number of samples drawn.
func (g *GeneratorSource) Len() int { return g.n }

// ImageShape returns the generator output shape.
func (g *GeneratorSource) ImageShape() Shape { return g.gen.OutputShape() }

// LabelShape is 1 when generation is conditioned.
func (g *GeneratorSource) LabelShape() int {
	if g.conditions == nil {
		return 0
	}
	return 1
}

// Identity includes the seed and sample count, and the generator's own
// identity when it implements Identifier.
func (g *GeneratorSource) Identity() string {
	id := fmt.Sprintf("%s|n=%d|seed=%d|conditioned=%t", g.Path(), g.n, g.seed, g.conditions != nil)
	if gi, ok := g.gen.(Identifier); ok {
		id += "|generator=" + gi.Identity()
	}
	return id
}

// Seed returns the latent seed.
func (g *GeneratorSource) Seed() int64 { return g.seed }

// Latent returns the latent vector for item i.
func (g *GeneratorSource) Latent(i int) []float32 {
	rng := rand.New(rand.NewSource(g.seed + int64(i)))
	z := make([]float32, g.gen.LatentDim())
	for j := range z {
		z[j] = float32(rng.NormFloat64())
	}
	return z
}

// Label returns the conditioning label of item i.
func (g *GeneratorSource) Label(i int) (int, error) {
	if i < 0 || i >= g.n {
		return NoLabel, errors.Errorf("index %d out of range [0, %d)", i, g.n)
	}
	if g.conditions == nil {
		return NoLabel, nil
	}
	j := i % g.conditions.Len()
	if l, ok := g.conditions.(Labeler); ok {
		return l.Label(j)
	}
	_, label, err := g.conditions.Item(j)
	return label, err
}

// Item generates a single sample.
func (g *GeneratorSource) Item(i int) (Image, int, error) {
	images, labels, err := g.LoadBatch(context.Background(), []int{i})
	if err != nil {
		return Image{}, NoLabel, err
	}
	return images[0], labels[0], nil
}

// LoadBatch generates all indices with a single generator call.
func (g *GeneratorSource) LoadBatch(ctx context.Context, indices []int) ([]Image, []int, error) {
	z := make([][]float32, len(indices))
	labels := make([]int, len(indices))
	for k, i := range indices {
		label, err := g.Label(i)
		if err != nil {
			return nil, nil, err
		}
		z[k] = g.Latent(i)
		labels[k] = label
	}

	var cond []int
	if g.conditions != nil {
		cond = labels
	}
	images, err := g.gen.Generate(ctx, z, cond)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "generate %d images", len(indices))
	}
	if len(images) != len(indices) {
		return nil, nil, errdefs.ShapeMismatch("generated batch", len(indices), len(images))
	}
	return images, labels, nil
}
