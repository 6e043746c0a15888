package board

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// thumbnailMaxWidth bounds stored thumbnails; snapshots keep full resolution.
const thumbnailMaxWidth = 480

// DownscalePNG decodes a PNG and scales it down to at most maxWidth pixels
// wide, preserving aspect ratio. Images already within bounds are returned
// unchanged.
func DownscalePNG(data []byte, maxWidth int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("board: decode png: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return data, nil
	}

	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("board: encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
