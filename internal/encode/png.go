package encode

import (
	"bytes"
	"image"
	"image/png"
)

// PNGEncoder encodes images as PNG. Text holds tEXt metadata chunks to
// embed, in order.
type PNGEncoder struct {
	Text []TextChunk
}

func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	if len(e.Text) == 0 {
		return buf.Bytes(), nil
	}
	return AddTextChunks(buf.Bytes(), e.Text)
}

func (e *PNGEncoder) Format() string        { return "png" }
func (e *PNGEncoder) FileExtension() string { return ".png" }
