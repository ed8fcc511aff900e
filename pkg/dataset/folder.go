package dataset

import (
	"encoding/csv"
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// DefaultPattern matches the image formats imaging can decode.
const DefaultPattern = "*.{png,jpg,jpeg,gif,bmp,tif,tiff}"

// FolderOptions configures an ImageFolder.
type FolderOptions struct {
	Name string
	Path string
	// Pattern is a filepath.Match pattern; brace alternatives are expanded.
	Pattern string
	// LabelsPath is a CSV of "file,label" rows keyed by file base name.
	LabelsPath string
	UseLabels  bool
	// SizeDataset keeps a seeded random subset of this many items when > 0.
	SizeDataset int
	Seed        int64
	// Channels is 1 for grayscale decoding or 3 for RGB.
	Channels int
	// Volumes treats every sub-directory as one 3D volume whose sorted files are
	// its depth slices.
	Volumes bool
}

// ImageFolder is a dataset of image files on disk, decoded lazily per item.
type ImageFolder struct {
	opts   FolderOptions
	items  [][]string // one entry per sample; one file per depth slice
	labels []int
	shape  Shape
}

// NewImageFolder scans opts.Path and returns the dataset. The first image
// fixes the dataset shape.
func NewImageFolder(opts FolderOptions) (*ImageFolder, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	if opts.Channels == 0 {
		opts.Channels = 3
	}
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, errdefs.Configf("dataset.channels", "must be 1 or 3, got %d", opts.Channels)
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(opts.Path)
	}

	info, err := os.Stat(opts.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingFiles, "%s: %v", opts.Path, err)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrMissingFiles, "%s is not a directory", opts.Path)
	}

	var items [][]string
	if opts.Volumes {
		items, err = scanVolumes(opts.Path, opts.Pattern)
	} else {
		var files []string
		files, err = matchFiles(opts.Path, opts.Pattern)
		for _, f := range files {
			items = append(items, []string{f})
		}
	}
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrapf(ErrMissingFiles, "no files matching %q in %s", opts.Pattern, opts.Path)
	}

	items = selectSubset(items, opts.SizeDataset, opts.Seed)

	f := &ImageFolder{opts: opts, items: items}

	if opts.UseLabels {
		if opts.LabelsPath == "" {
			return nil, errors.Wrap(ErrMissingFiles, "labels requested but no labels file configured")
		}
		if f.labels, err = readLabels(opts.LabelsPath, items, opts.Volumes); err != nil {
			return nil, err
		}
	}

	first, err := f.decode(items[0])
	if err != nil {
		return nil, err
	}
	f.shape = first.Shape

	return f, nil
}

// Name returns the dataset name.
func (f *ImageFolder) Name() string { return f.opts.Name }

// Path returns the root directory.
func (f *ImageFolder) Path() string { return f.opts.Path }

// Len returns the number of samples after subsetting.
func (f *ImageFolder) Len() int { return len(f.items) }

// ImageShape returns the common image shape.
func (f *ImageFolder) ImageShape() Shape { return f.shape }

// LabelShape returns 1 when labels are used.
func (f *ImageFolder) LabelShape() int {
	if f.labels == nil {
		return 0
	}
	return 1
}

// Identity includes the pattern and subset selection so that different
// subsets of one directory never share a fingerprint.
func (f *ImageFolder) Identity() string {
	return fmt.Sprintf("%s|%s|size=%d|seed=%d|ch=%d|vol=%t",
		f.opts.Path, f.opts.Pattern, f.opts.SizeDataset, f.opts.Seed, f.opts.Channels, f.opts.Volumes)
}

// Seed returns the subset selection seed.
func (f *ImageFolder) Seed() int64 { return f.opts.Seed }

// Label returns the label of item i.
func (f *ImageFolder) Label(i int) (int, error) {
	if i < 0 || i >= len(f.items) {
		return NoLabel, errors.Errorf("index %d out of range [0, %d)", i, len(f.items))
	}
	if f.labels == nil {
		return NoLabel, nil
	}
	return f.labels[i], nil
}

// Item decodes sample i.
func (f *ImageFolder) Item(i int) (Image, int, error) {
	label, err := f.Label(i)
	if err != nil {
		return Image{}, NoLabel, err
	}
	img, err := f.decode(f.items[i])
	if err != nil {
		return Image{}, NoLabel, err
	}
	if f.shape.Size() > 0 && img.Shape != f.shape {
		return Image{}, NoLabel, errdefs.ShapeMismatch(f.items[i][0], f.shape, img.Shape)
	}
	return img, label, nil
}

func (f *ImageFolder) decode(files []string) (Image, error) {
	var out Image
	for z, path := range files {
		src, err := imaging.Open(path)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				return Image{}, errors.Wrapf(ErrMissingFiles, "%s", path)
			}
			return Image{}, errors.Wrapf(err, "decode %s", path)
		}
		b := src.Bounds()
		if z == 0 {
			out = NewImage(Shape{Channels: f.opts.Channels, Depth: len(files), Height: b.Dy(), Width: b.Dx()})
		} else if b.Dx() != out.Shape.Width || b.Dy() != out.Shape.Height {
			return Image{}, errdefs.ShapeMismatch(path, fmt.Sprintf("%dx%d", out.Shape.Height, out.Shape.Width),
				fmt.Sprintf("%dx%d", b.Dy(), b.Dx()))
		}
		fillSlice(out, z, src, f.opts.Channels)
	}
	return out, nil
}

// fillSlice writes src into depth slice z of dst with values scaled to [0,1].
func fillSlice(dst Image, z int, src image.Image, channels int) {
	if channels == 1 {
		src = imaging.Grayscale(src)
	}
	nrgba := imaging.Clone(src)
	w, h := dst.Shape.Width, dst.Shape.Height
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < channels; c++ {
				dst.Set(c, z, y, x, float32(row[x*4+c])/255)
			}
		}
	}
}

func matchFiles(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingFiles, "%s: %v", dir, err)
	}
	patterns := expandBraces(pattern)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		for _, p := range patterns {
			ok, err := filepath.Match(strings.ToLower(p), name)
			if err != nil {
				return nil, errdefs.Configf("dataset.pattern", "%v", err)
			}
			if ok {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func scanVolumes(dir, pattern string) ([][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingFiles, "%s: %v", dir, err)
	}
	var volumes [][]string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slices, err := matchFiles(filepath.Join(dir, e.Name()), pattern)
		if err != nil {
			return nil, err
		}
		if len(slices) == 0 {
			return nil, errors.Wrapf(ErrMissingFiles, "volume %s has no slices", e.Name())
		}
		volumes = append(volumes, slices)
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i][0] < volumes[j][0] })
	return volumes, nil
}

// expandBraces turns "*.{png,jpg}" into ["*.png", "*.jpg"]. Only one brace group
// is supported.
func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	end := strings.IndexByte(pattern, '}')
	if open < 0 || end < open {
		return []string{pattern}
	}
	prefix, suffix := pattern[:open], pattern[end+1:]
	var out []string
	for _, alt := range strings.Split(pattern[open+1:end], ",") {
		out = append(out, prefix+alt+suffix)
	}
	return out
}

// selectSubset keeps size items chosen by a seeded shuffle, restored to their
// original order.
func selectSubset(items [][]string, size int, seed int64) [][]string {
	if size <= 0 || size >= len(items) {
		return items
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(items))[:size]
	sort.Ints(perm)
	out := make([][]string, size)
	for i, p := range perm {
		out[i] = items[p]
	}
	return out
}

// readLabels parses a "file,label" CSV. A header row is skipped when its label
// column is not an integer.
func readLabels(path string, items [][]string, volumes bool) ([]int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingFiles, "labels %s: %v", path, err)
	}
	defer fh.Close()

	byName := make(map[string]int)
	r := csv.NewReader(fh)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true
	for row := 0; ; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parse labels %s", path)
		}
		label, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			if row == 0 {
				continue
			}
			return nil, errors.Errorf("labels %s row %d: invalid label %q", path, row+1, rec[1])
		}
		byName[strings.TrimSpace(rec[0])] = label
	}

	labels := make([]int, len(items))
	for i, files := range items {
		key := filepath.Base(files[0])
		if volumes {
			key = filepath.Base(filepath.Dir(files[0]))
		}
		label, ok := byName[key]
		if !ok {
			return nil, errors.Wrapf(ErrMissingFiles, "no label for %s in %s", key, path)
		}
		labels[i] = label
	}
	return labels, nil
}
