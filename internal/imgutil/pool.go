package imgutil

import (
	"image"
	"sync"
)

// Scratch *image.RGBA buffers, pooled by dimensions. The compositor and
// previewer burn through short-lived tile-sized buffers on every assembled
// tile (raw crop, blended result, rescaled paste); recycling them avoids a
// multi-megabyte allocation per paste. A job only ever sees a handful of
// distinct tile shapes, so the per-size pool map stays tiny.
var rgbaPools sync.Map // [2]int{w, h} → *sync.Pool

func poolFor(w, h int) *sync.Pool {
	p, _ := rgbaPools.LoadOrStore([2]int{w, h}, &sync.Pool{})
	return p.(*sync.Pool)
}

// GetRGBA returns a zeroed w×h image from the pool, allocating when empty.
func GetRGBA(w, h int) *image.RGBA {
	if v := poolFor(w, h).Get(); v != nil {
		img := v.(*image.RGBA)
		clear(img.Pix)
		return img
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// PutRGBA hands an image back for reuse. The caller must not touch it
// afterwards. Nil images are silently ignored.
func PutRGBA(img *image.RGBA) {
	if img == nil {
		return
	}
	poolFor(img.Rect.Dx(), img.Rect.Dy()).Put(img)
}
