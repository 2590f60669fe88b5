// Package mask builds the soft-edged blending masks used to recombine
// processed tiles into the running output image.
package mask

import (
	"fmt"
	"math"
)

// Mask is a single-channel weight grid matching a tile's pixel dimensions.
// Values are in [0,1]: 0 keeps the existing image, 1 takes the tile.
type Mask struct {
	W, H int
	Data []float32 // row-major, len == W*H
}

// New returns an all-zero mask of the given dimensions.
func New(w, h int) *Mask {
	return &Mask{W: w, H: h, Data: make([]float32, w*h)}
}

// At returns the weight at (x, y). No bounds check.
func (m *Mask) At(x, y int) float32 {
	return m.Data[y*m.W+x]
}

// Set writes the weight at (x, y). No bounds check.
func (m *Mask) Set(x, y int, v float32) {
	m.Data[y*m.W+x] = v
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := New(m.W, m.H)
	copy(out.Data, m.Data)
	return out
}

// Builder generates masks for arbitrary tile shapes from fixed feather and
// padding widths.
type Builder struct {
	Feather int // width of the linear ramp inside the padding
	Padding int // width of the hard zero border
}

// FromShape builds a mask for a w×h tile. The mask is assembled from a
// single quarter and mirrored about both axes, so both dimensions must be
// even.
func (b *Builder) FromShape(w, h int) (*Mask, error) {
	if w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("mask size %dx%d must be divisible by 2", w, h)
	}

	// Top-left quarter, filled with 1.0.
	qw, qh := w/2, h/2
	q := New(qw, qh)
	for i := range q.Data {
		q.Data[i] = 1.0
	}

	// Zero out the padding border rows/columns.
	for k := 0; k < b.Padding && k < qh; k++ {
		for x := 0; x < qw; x++ {
			q.Set(x, k, 0)
		}
	}
	for k := 0; k < b.Padding && k < qw; k++ {
		for y := 0; y < qh; y++ {
			q.Set(k, y, 0)
		}
	}

	// Fade the feather region just inside the padding. Row and column ramps
	// multiply, so corners fall off in both directions.
	for k := 0; k < b.Feather; k++ {
		perc := float32(k+1) / float32(b.Feather)
		if y := b.Padding + k; y < qh {
			for x := 0; x < qw; x++ {
				q.Set(x, y, q.At(x, y)*perc)
			}
		}
		if x := b.Padding + k; x < qw {
			for y := 0; y < qh; y++ {
				q.Set(x, y, q.At(x, y)*perc)
			}
		}
	}

	// Mirror vertically, then horizontally, to rebuild the full mask.
	m := New(w, h)
	for y := 0; y < qh; y++ {
		for x := 0; x < qw; x++ {
			v := q.At(x, y)
			m.Set(x, y, v)
			m.Set(w-1-x, y, v)
			m.Set(x, h-1-y, v)
			m.Set(w-1-x, h-1-y, v)
		}
	}
	return m, nil
}

// FixEdge stretches the mask out to the image border on the given sides by
// copying the center row/column over the outer half of the mask. Tiles on
// the image edge have no neighbour to blend against there, so the feather
// would otherwise darken the border.
func (m *Mask) FixEdge(top, bottom, left, right bool) {
	hCom := m.H / 2
	wCom := m.W / 2
	hLim := int(float64(m.H) * 0.5)
	wLim := int(float64(m.W) * 0.5)

	if top {
		for k := 0; k < hLim; k++ {
			m.copyRow(hCom, k)
		}
	}
	if left {
		for k := 0; k < wLim; k++ {
			m.copyCol(wCom, k)
		}
	}
	if bottom {
		for k := 1; k < hLim; k++ {
			m.copyRow(hCom, m.H-k)
		}
	}
	if right {
		for k := 1; k < wLim; k++ {
			m.copyCol(wCom, m.W-k)
		}
	}
}

func (m *Mask) copyRow(src, dst int) {
	copy(m.Data[dst*m.W:(dst+1)*m.W], m.Data[src*m.W:(src+1)*m.W])
}

func (m *Mask) copyCol(src, dst int) {
	for y := 0; y < m.H; y++ {
		m.Set(dst, y, m.At(src, y))
	}
}

// Resize resamples the mask to the requested dimensions using bilinear
// interpolation. Used when a caller-supplied fixed mask does not match the
// tile shape.
func (m *Mask) Resize(w, h int) *Mask {
	if m.W == w && m.H == h {
		return m.Clone()
	}
	out := New(w, h)
	sx := float64(m.W) / float64(w)
	sy := float64(m.H) / float64(h)
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)*sy - 0.5
		y0 := int(math.Floor(fy))
		dy := fy - float64(y0)
		y1 := clamp(y0+1, 0, m.H-1)
		y0 = clamp(y0, 0, m.H-1)
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)*sx - 0.5
			x0 := int(math.Floor(fx))
			dx := fx - float64(x0)
			x1 := clamp(x0+1, 0, m.W-1)
			x0 = clamp(x0, 0, m.W-1)

			top := lerp(float64(m.At(x0, y0)), float64(m.At(x1, y0)), dx)
			bot := lerp(float64(m.At(x0, y1)), float64(m.At(x1, y1)), dx)
			out.Set(x, y, float32(lerp(top, bot, dy)))
		}
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a*(1-t) + b*t
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
