package embedding

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ResizePolicy selects how mismatched resolutions reach the network input size.
type ResizePolicy int

const (
	// Bicubic resamples each plane with a Catmull-Rom kernel.
	Bicubic ResizePolicy = iota
	// Padding centres the image on a zero canvas, downscaling first if it does
	// not fit. Preferred for zero-background data such as medical scans.
	Padding
)

func (p ResizePolicy) String() string {
	if p == Padding {
		return "padding"
	}
	return "bicubic"
}

// resizePlane resamples an h x w plane of [0,1] values to oh x ow.
func resizePlane(src []float32, h, w, oh, ow int) []float32 {
	if h == oh && w == ow {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	in := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := clamp01(float64(src[y*w+x]))
			o := in.PixOffset(x, y)
			q := uint16(math.Round(v * 0xffff))
			in.Pix[o] = uint8(q >> 8)
			in.Pix[o+1] = uint8(q)
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, ow, oh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), in, in.Bounds(), draw.Src, nil)

	out := make([]float32, oh*ow)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			o := dst.PixOffset(x, y)
			q := uint16(dst.Pix[o])<<8 | uint16(dst.Pix[o+1])
			out[y*ow+x] = float32(float64(q) / 0xffff)
		}
	}
	return out
}

// padPlane centres an h x w plane on a zero oh x ow canvas. The plane must fit.
func padPlane(src []float32, h, w, oh, ow int) []float32 {
	out := make([]float32, oh*ow)
	top, left := (oh-h)/2, (ow-w)/2
	for y := 0; y < h; y++ {
		copy(out[(top+y)*ow+left:(top+y)*ow+left+w], src[y*w:(y+1)*w])
	}
	return out
}

// fitWithin returns the largest size with the aspect ratio of h x w that fits
// inside oh x ow.
func fitWithin(h, w, oh, ow int) (int, int) {
	if h <= oh && w <= ow {
		return h, w
	}
	scale := math.Min(float64(oh)/float64(h), float64(ow)/float64(w))
	nh := int(math.Max(1, math.Round(float64(h)*scale)))
	nw := int(math.Max(1, math.Round(float64(w)*scale)))
	if nh > oh {
		nh = oh
	}
	if nw > ow {
		nw = ow
	}
	return nh, nw
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
