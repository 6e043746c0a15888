package detect

import (
	"encoding/json"
	"fmt"
)

// Box is an axis-aligned rectangle in snapshot pixel space. X1 < X2 and
// Y1 < Y2; the lower bounds are inclusive, the upper bounds exclusive.
// It serializes as the JSON array [x1, y1, x2, y2].
type Box struct {
	X1, Y1, X2, Y2 int
}

// Dx returns the box width in pixels.
func (b Box) Dx() int { return b.X2 - b.X1 }

// Dy returns the box height in pixels.
func (b Box) Dy() int { return b.Y2 - b.Y1 }

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes [x1, y1, x2, y2]. Anything but exactly four
// integers is an error.
func (b *Box) UnmarshalJSON(data []byte) error {
	var coords []int
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("detect: bbox: %w", err)
	}
	if len(coords) != 4 {
		return fmt.Errorf("detect: bbox has %d values, want 4", len(coords))
	}
	b.X1, b.Y1, b.X2, b.Y2 = coords[0], coords[1], coords[2], coords[3]
	return nil
}
