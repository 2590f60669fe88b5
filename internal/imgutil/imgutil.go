// Package imgutil holds shared image helpers: format conversion, cloning,
// resampling and input alignment. All pipeline stages exchange *image.RGBA.
package imgutil

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Interpolation selects the resampling kernel.
type Interpolation int

const (
	// Bilinear interpolates between 4 neighboring pixels (smooth).
	Bilinear Interpolation = iota
	// Nearest picks the closest pixel (sharp, fast).
	Nearest
	// Antialias uses a Catmull-Rom kernel, suitable for downscaling
	// masks and crops without ringing at feather edges.
	Antialias
)

func (i Interpolation) scaler() draw.Scaler {
	switch i {
	case Nearest:
		return draw.NearestNeighbor
	case Antialias:
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// ToRGBA converts any decoded image to *image.RGBA with a zero origin.
// A three channel source picks up an opaque alpha channel, an alpha-only
// source is broadcast to grey; both fall out of the draw conversion.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// Clone returns a deep copy of the image.
func Clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}

// Scale resamples the image to the requested dimensions.
func Scale(img *image.RGBA, w, h int, mode Interpolation) *image.RGBA {
	if img.Rect.Dx() == w && img.Rect.Dy() == h {
		return Clone(img)
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	mode.scaler().Scale(out, out.Rect, img, img.Rect, draw.Over, nil)
	return out
}

// ScaleFactor resamples the image by a uniform factor, rounding dimensions.
func ScaleFactor(img *image.RGBA, factor float64, mode Interpolation) *image.RGBA {
	if factor == 1.0 {
		return Clone(img)
	}
	w := int(math.Round(float64(img.Rect.Dx()) * factor))
	h := int(math.Round(float64(img.Rect.Dy()) * factor))
	return Scale(img, w, h, mode)
}

// Crop copies the given zero-origin pixel rectangle out of the image.
func Crop(img *image.RGBA, x0, y0, x1, y1 int) (*image.RGBA, error) {
	r := image.Rect(x0, y0, x1, y1)
	if !r.In(img.Rect) {
		return nil, fmt.Errorf("crop %v outside image bounds %v", r, img.Rect)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Rect, img, r.Min, draw.Src)
	return out, nil
}

// AlignCrop trims the right and bottom of the image so both dimensions are
// multiples of n. Diffusion backends reject inputs off the latent grid.
func AlignCrop(img *image.RGBA, n int) *image.RGBA {
	w := img.Rect.Dx() - img.Rect.Dx()%n
	h := img.Rect.Dy() - img.Rect.Dy()%n
	if w == img.Rect.Dx() && h == img.Rect.Dy() {
		return img
	}
	out, _ := Crop(img, 0, 0, w, h)
	return out
}
