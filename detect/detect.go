// Package detect finds visual regions of interest in a rendered whiteboard
// snapshot.
//
// The algorithm: convert to luminance, binarize with an Otsu threshold
// (inverted, so dark ink becomes foreground), merge nearby strokes with a
// wide rectangular morphological closing, then emit the bounding box of
// every external connected component. A blank snapshot yields zero boxes,
// never an error.
package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
)

// Closing kernel: much wider than tall so adjacent characters and strokes
// of one drawn element merge into a single blob.
const (
	kernelW    = 35
	kernelH    = 9
	iterations = 2
)

// Detect returns the bounding boxes of detected board elements.
// Deterministic: identical pixels always yield the same box sequence
// (row-major discovery order).
func Detect(img image.Image) []Box {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	gray := luminance(img)
	mask := binarizeInv(gray, w, h, otsu(gray))

	for i := 0; i < iterations; i++ {
		mask = dilate(mask, w, h, kernelW/2, kernelH/2)
	}
	for i := 0; i < iterations; i++ {
		mask = erode(mask, w, h, kernelW/2, kernelH/2)
	}

	return components(mask, w, h)
}

// DetectBytes decodes an encoded snapshot (PNG) and runs Detect on it.
func DetectBytes(data []byte) ([]Box, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("detect: decode snapshot: %w", err)
	}
	return Detect(img), nil
}

// luminance flattens img into a row-major byte slice of gray values.
func luminance(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 weights on 16-bit channel values.
			out[i] = byte((299*r + 587*g + 114*bl) / 1000 >> 8)
			i++
		}
	}
	return out
}

// otsu picks the global threshold that maximizes inter-class variance.
func otsu(gray []byte) byte {
	var hist [256]int
	for _, v := range gray {
		hist[v]++
	}
	total := len(gray)

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, wB float64
	var best float64
	var threshold byte
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = byte(t)
		}
	}
	return threshold
}

// binarizeInv produces a foreground mask where pixels at or below the
// threshold (ink) are true.
func binarizeInv(gray []byte, w, h int, threshold byte) []bool {
	mask := make([]bool, w*h)
	for i, v := range gray {
		mask[i] = v <= threshold
	}
	return mask
}

// dilate grows the mask by a rectangular kernel. The kernel is separable:
// a horizontal pass of half-width hw followed by a vertical pass of
// half-height hh.
func dilate(mask []bool, w, h, hw, hh int) []bool {
	tmp := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			for k := max(0, x-hw); k <= min(w-1, x+hw); k++ {
				if mask[row+k] {
					tmp[row+x] = true
					break
				}
			}
		}
	}
	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for k := max(0, y-hh); k <= min(h-1, y+hh); k++ {
				if tmp[k*w+x] {
					out[y*w+x] = true
					break
				}
			}
		}
	}
	return out
}

// erode shrinks the mask by a rectangular kernel, the dual of dilate.
func erode(mask []bool, w, h, hw, hh int) []bool {
	tmp := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			all := true
			for k := max(0, x-hw); k <= min(w-1, x+hw); k++ {
				if !mask[row+k] {
					all = false
					break
				}
			}
			tmp[row+x] = all
		}
	}
	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			all := true
			for k := max(0, y-hh); k <= min(h-1, y+hh); k++ {
				if !tmp[k*w+x] {
					all = false
					break
				}
			}
			out[y*w+x] = all
		}
	}
	return out
}

// components labels 8-connected foreground regions with an iterative flood
// fill and returns their bounding boxes. Holes inside a region are ignored:
// only the outer extent matters.
func components(mask []bool, w, h int) []Box {
	visited := make([]bool, w*h)
	var boxes []Box

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !mask[i] || visited[i] {
				continue
			}
			boxes = append(boxes, fill(mask, visited, w, h, x, y))
		}
	}
	return boxes
}

func fill(mask, visited []bool, w, h, sx, sy int) Box {
	minX, minY, maxX, maxY := sx, sy, sx, sy
	stack := []image.Point{{X: sx, Y: sy}}
	visited[sy*w+sx] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := p.X+dx, p.Y+dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				j := ny*w + nx
				if mask[j] && !visited[j] {
					visited[j] = true
					stack = append(stack, image.Point{X: nx, Y: ny})
				}
			}
		}
	}
	return Box{X1: minX, Y1: minY, X2: maxX + 1, Y2: maxY + 1}
}
