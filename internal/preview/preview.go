// Package preview maintains a downscaled live snapshot of the running
// output image, with translucent frames over the tiles currently in flight
// and a change token the external surface can poll.
package preview

import (
	"image"
	"sync"

	"github.com/city96/LiliumSD/internal/imgutil"
	"github.com/city96/LiliumSD/internal/mask"
	"github.com/city96/LiliumSD/internal/tile"
)

// framePad is the frame thickness, in preview pixels.
const framePad = 14

// watermark is rendered once; every non-final overlay carries it.
var watermark = Text("Preview", 4)

// Previewer tracks a scaled copy of the running image. The assembler
// pastes finished tiles in, the dispatcher marks changes, and the external
// surface polls Changed/GetPreview.
type Previewer struct {
	slicer  tile.Slicer
	stateMu *sync.Mutex // job lock guarding tile flags

	scale float64

	mu      sync.Mutex
	image   *image.RGBA // running scaled image
	preview *image.RGBA // latest rendered snapshot
	changed int64
	updated int64
}

// New creates a previewer over the starting image. A zero scale picks one
// from the image height: up to 1024 full size, up to 2048 half, else a
// quarter.
func New(slicer tile.Slicer, img *image.RGBA, scale float64, stateMu *sync.Mutex) *Previewer {
	if scale == 0 {
		switch h := img.Rect.Dy(); {
		case h > 2048:
			scale = 0.25
		case h > 1024:
			scale = 0.5
		default:
			scale = 1.0
		}
	}
	scaled := imgutil.ScaleFactor(img, scale, imgutil.Nearest)
	return &Previewer{
		slicer:  slicer,
		stateMu: stateMu,
		scale:   scale,
		image:   scaled,
		preview: imgutil.Clone(scaled),
	}
}

// Scale returns the preview scale factor.
func (p *Previewer) Scale() float64 { return p.scale }

// MarkChange bumps the change token.
func (p *Previewer) MarkChange() {
	p.mu.Lock()
	p.changed++
	p.mu.Unlock()
}

// Changed returns the current change token. The external surface re-fetches
// the preview whenever the token moves.
func (p *Previewer) Changed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// ApplyTile pastes a finished tile onto the running preview image at the
// preview scale, using the same edge-fixed mask the assembler used.
func (p *Previewer) ApplyTile(t *tile.Tile, processed *image.RGBA, m *mask.Mask) error {
	scaled := imgutil.ScaleFactor(processed, p.scale, imgutil.Nearest)
	defer imgutil.PutRGBA(scaled)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := t.Put(p.image, scaled, m, 1.0, p.scale); err != nil {
		return err
	}
	p.changed++
	return nil
}

// procTile is a snapshot of one in-flight tile for overlay rendering.
type procTile struct {
	rect   image.Rectangle
	worker string
}

// GetPreview returns the latest snapshot, lazily re-rendering the overlay
// when the change token moved. While the job runs, in-flight tiles get a
// translucent frame with the worker name and the whole image a watermark;
// once the job is done a clean frame-free image is emitted.
func (p *Previewer) GetPreview() *image.RGBA {
	p.stateMu.Lock()
	done := p.slicer.Finished()
	var proc []procTile
	for _, t := range p.slicer.Tiles() {
		if t.Proc {
			proc = append(proc, procTile{rect: t.Rect(p.scale), worker: t.Worker})
		}
	}
	p.stateMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.changed != p.updated {
		switch {
		case done:
			p.preview = imgutil.Clone(p.image)
			p.updated = p.changed
		case len(proc) > 0: // looks stupid without any tiles
			p.preview = p.drawOverlay(proc)
			p.updated = p.changed
		}
	}
	return p.preview
}

// drawOverlay renders frames for the in-flight tiles plus the watermark
// onto a copy of the running image. Each pixel with a positive overlay
// weight o is scaled by 0.25+o (clamped to 255); pixels with zero weight
// are left unchanged.
func (p *Previewer) drawOverlay(proc []procTile) *image.RGBA {
	w, h := p.image.Rect.Dx(), p.image.Rect.Dy()
	overlay := mask.New(w, h)

	for _, pt := range proc {
		r := pt.rect.Intersect(p.image.Rect)
		fillRect(overlay, r, 0.2)
		inner := image.Rect(r.Min.X+framePad, r.Min.Y+framePad, r.Max.X-framePad, r.Max.Y-framePad)
		fillRect(overlay, inner.Intersect(p.image.Rect), 0.0)

		// Worker name along the tile's bottom-left corner.
		text := Text(pt.worker, 2)
		stampText(overlay, text, r.Min.X, r.Max.Y-text.H, r)
	}

	// Watermark in the image corner.
	stampText(overlay, watermark, 0, 0, p.image.Rect)

	out := imgutil.Clone(p.image)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := overlay.At(x, y)
			if o <= 0 {
				continue
			}
			i := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(out.Pix[i+c]) * (0.25 + float64(o))
				if v > 255 {
					v = 255
				}
				out.Pix[i+c] = uint8(v)
			}
		}
	}
	return out
}

func fillRect(m *mask.Mask, r image.Rectangle, v float32) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		if y < 0 || y >= m.H {
			continue
		}
		for x := r.Min.X; x < r.Max.X; x++ {
			if x < 0 || x >= m.W {
				continue
			}
			m.Set(x, y, v)
		}
	}
}

// stampText writes a text bitmap into the overlay at (x0, y0), clipped to
// the given rectangle. Lit pixels brighten strongly, unlit text background
// gets the frame weight.
func stampText(m *mask.Mask, b *Bitmap, x0, y0 int, clip image.Rectangle) {
	for y := 0; y < b.H; y++ {
		for x := 0; x < b.W; x++ {
			px, py := x0+x, y0+y
			if px < clip.Min.X || px >= clip.Max.X || py < clip.Min.Y || py >= clip.Max.Y {
				continue
			}
			if px < 0 || px >= m.W || py < 0 || py >= m.H {
				continue
			}
			m.Set(px, py, b.At(x, y)*4.0+0.2)
		}
	}
}
