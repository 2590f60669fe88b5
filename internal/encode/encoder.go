// Package encode turns images into bytes: PNG with embedded metadata for
// final outputs, JPEG/WebP for preview snapshots.
package encode

import (
	"fmt"
	"image"
)

// Encoder encodes an image into bytes.
type Encoder interface {
	// Encode encodes an image to bytes in the target format.
	Encode(img image.Image) ([]byte, error)

	// Format returns the format name (e.g. "jpeg", "png", "webp").
	Format() string

	// FileExtension returns the appropriate file extension.
	FileExtension() string
}

// NewEncoder creates an encoder for the given format and quality.
func NewEncoder(format string, quality int) (Encoder, error) {
	switch format {
	case "jpeg", "jpg":
		return &JPEGEncoder{Quality: quality}, nil
	case "png":
		return &PNGEncoder{}, nil
	case "webp":
		return &WebPEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported image format: %q (supported: jpeg, png, webp)", format)
	}
}
