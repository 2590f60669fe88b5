// Package tile holds the tile geometry, the slicing strategies that carve an
// image into a grid of overlapping tiles, and the compositor that pastes
// processed tiles back onto the running output.
package tile

import (
	"fmt"
	"image"
	"math"

	"github.com/city96/LiliumSD/internal/imgutil"
	"github.com/city96/LiliumSD/internal/mask"
)

// Tile is a rectangular sub-region of the source image with its processing
// state. Pixel spans are half-open. The state flags (Done, Proc, Worker) are
// shared between the dispatcher, the worker task and the assembler; the job
// lock guards every transition.
//
// A tile moves (!Done,!Proc) → (!Done,Proc) → (Done,!Proc). Worker holds the
// name of the proxy currently processing the tile and is non-empty exactly
// while Proc is set.
type Tile struct {
	H, W       int // grid coordinates
	HMax, WMax int // max grid coordinates in the slicer's grid

	HStart, HEnd int // pixel span [HStart, HEnd) on the vertical axis
	WStart, WEnd int // pixel span [WStart, WEnd) on the horizontal axis

	Done   bool
	Proc   bool
	Worker string
}

func newTile(h, w int, hSpan, wSpan Span, hMax, wMax int) (*Tile, error) {
	if h > hMax || w > wMax {
		return nil, fmt.Errorf("invalid tile coordinates [%d,%d]", h, w)
	}
	return &Tile{
		H: h, W: w,
		HMax: hMax, WMax: wMax,
		HStart: hSpan.Start, HEnd: hSpan.End,
		WStart: wSpan.Start, WEnd: wSpan.End,
	}, nil
}

// Edges reports which image borders the tile touches.
func (t *Tile) Edges() (top, bottom, left, right bool) {
	return t.H == 0, t.H == t.HMax, t.W == 0, t.W == t.WMax
}

// Width returns the horizontal pixel extent.
func (t *Tile) Width() int { return t.WEnd - t.WStart }

// Height returns the vertical pixel extent.
func (t *Tile) Height() int { return t.HEnd - t.HStart }

// Rect returns the tile's pixel rectangle scaled by the given factor.
func (t *Tile) Rect(scale float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(t.WStart)*scale)),
		int(math.Round(float64(t.HStart)*scale)),
		int(math.Round(float64(t.WEnd)*scale)),
		int(math.Round(float64(t.HEnd)*scale)),
	)
}

// Crop copies the tile's region out of the image, with coordinate scaling.
func (t *Tile) Crop(img *image.RGBA, scale float64) (*image.RGBA, error) {
	r := t.Rect(scale)
	out, err := imgutil.Crop(img, r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
	if err != nil {
		return nil, fmt.Errorf("tile %v: %w", t, err)
	}
	return out, nil
}

// Put pastes a processed tile onto the destination image at the tile's
// (scaled) coordinates. With a mask, the processed pixels are blended
// against the existing content: the effective weight is mask·blend, 1 takes
// the tile, 0 keeps the image. Mask and original crop are resampled to the
// tile shape when dimensions disagree.
func (t *Tile) Put(dst *image.RGBA, tileImg *image.RGBA, m *mask.Mask, blend float64, scale float64) error {
	r := t.Rect(scale)
	if !r.In(dst.Rect) {
		return fmt.Errorf("tile %v: paste rect %v outside image bounds %v", t, r, dst.Rect)
	}

	// Intermediate buffers live only until the final row copy; they go
	// back to the pool so the assembler reuses them across tiles.
	var scratch []*image.RGBA
	defer func() {
		for _, s := range scratch {
			imgutil.PutRGBA(s)
		}
	}()

	tw, th := tileImg.Rect.Dx(), tileImg.Rect.Dy()
	if m != nil {
		raw, err := imgutil.Crop(dst, r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
		if err != nil {
			return err
		}
		scratch = append(scratch, raw)
		if m.W != tw || m.H != th {
			m = m.Resize(tw, th)
		}
		if raw.Rect.Dx() != tw || raw.Rect.Dy() != th {
			raw = imgutil.Scale(raw, tw, th, imgutil.Antialias)
			scratch = append(scratch, raw)
		}
		blended := imgutil.GetRGBA(tw, th)
		scratch = append(scratch, blended)
		blendMasked(blended, tileImg, raw, m, blend)
		tileImg = blended
	}

	// Match the paste rect; scaled previews can be off by a rounding pixel.
	if tw != r.Dx() || th != r.Dy() {
		tileImg = imgutil.Scale(tileImg, r.Dx(), r.Dy(), imgutil.Antialias)
		scratch = append(scratch, tileImg)
	}

	for y := 0; y < r.Dy(); y++ {
		si := tileImg.PixOffset(0, y)
		di := dst.PixOffset(r.Min.X, r.Min.Y+y)
		copy(dst.Pix[di:di+r.Dx()*4], tileImg.Pix[si:si+r.Dx()*4])
	}
	return nil
}

// blendMasked combines processed and original pixels into out:
// out = p·w + o·(1-w) with w = mask·blend per pixel.
func blendMasked(out, proc, orig *image.RGBA, m *mask.Mask, blend float64) {
	w, h := proc.Rect.Dx(), proc.Rect.Dy()
	for y := 0; y < h; y++ {
		pi := proc.PixOffset(0, y)
		oi := orig.PixOffset(0, y)
		di := out.PixOffset(0, y)
		for x := 0; x < w; x++ {
			weight := float64(m.At(x, y)) * blend
			for c := 0; c < 4; c++ {
				p := float64(proc.Pix[pi+x*4+c])
				o := float64(orig.Pix[oi+x*4+c])
				v := p*weight + o*(1-weight)
				out.Pix[di+x*4+c] = clamp8(v)
			}
		}
	}
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

func (t *Tile) String() string {
	return fmt.Sprintf("[%d;%d]", t.H, t.W)
}
