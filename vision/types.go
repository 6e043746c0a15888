// Package vision composes grounding prompts and invokes the external
// vision-language service: one multimodal call describing the board, one
// schema-constrained call proposing interactions anchored to regions.
package vision

import (
	"errors"

	"github.com/hazyhaar/croquis/detect"
)

// Analysis is the structured result of the first inference stage.
type Analysis struct {
	Summary string       `json:"summary"`
	Items   []RegionItem `json:"items"`
}

// RegionItem is one detected or described element of the board.
type RegionItem struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Text string     `json:"text,omitempty"`
	BBox detect.Box `json:"bbox"`
}

// Interaction is a suggested user-facing action anchored to a region.
type Interaction struct {
	Type  string     `json:"type"`
	Label string     `json:"label"`
	BBox  detect.Box `json:"bbox"`
}

// InteractionTypes is the fixed taxonomy of interaction suggestions.
// Not configurable at runtime.
var InteractionTypes = []string{
	"draw_graph",
	"calculate",
	"define",
	"summarize",
	"translate",
	"hint",
	"feedback",
}

// ErrBadInteractionBatch is returned by Suggest when the response body does
// not decode as the requested schema. The whole batch is invalidated: the
// call already used schema-constrained decoding, so a malformed body means
// the service ignored the schema and partial salvage would be guesswork.
var ErrBadInteractionBatch = errors.New("vision: interaction batch violates response schema")
