package vision

import (
	"encoding/json"
	"strings"

	"github.com/hazyhaar/croquis/detect"
)

// Payload caps for the element briefs included in the analysis prompt.
const (
	maxBriefElements = 200
	maxBriefBytes    = 50_000
)

// elementBrief is the per-element context sent to the model: identity and
// text only, never the full geometry.
type elementBrief struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Compose builds the grounding prompt for the analysis stage from the
// detected boxes and the raw scene payload. The JSON-only instruction is a
// protocol requirement: the caller parses the response as structured data
// and has no prose-stripping fallback beyond treating the whole body as
// the summary.
func Compose(boxes []detect.Box, scene json.RawMessage) string {
	parts := []string{
		"You are given a whiteboard created with a collaborative drawing tool.",
		"Return a concise JSON with: 'summary' (textual description), and 'items' (array).",
		"Each item: {id, type, text?, bbox:[x1,y1,x2,y2]}.",
		"Use the provided bounding boxes and scene elements to anchor positions.",
	}

	if briefs := sceneBriefs(scene); briefs != "" {
		parts = append(parts, "Scene elements (brief):\n"+briefs)
	}

	if boxes == nil {
		boxes = []detect.Box{}
	}
	serialized, _ := json.Marshal(boxes)
	parts = append(parts, "Detected bounding boxes:\n"+string(serialized))
	parts = append(parts, "Respond with ONLY the JSON, no prose.")

	return strings.Join(parts, "\n\n")
}

// sceneBriefs extracts id/type/text from the scene's element list, bounded
// to maxBriefElements entries and maxBriefBytes serialized bytes. A scene
// that does not decode yields no briefs; the prompt still carries the boxes.
func sceneBriefs(scene json.RawMessage) string {
	if len(scene) == 0 {
		return ""
	}
	var payload struct {
		Elements []elementBrief `json:"elements"`
	}
	if err := json.Unmarshal(scene, &payload); err != nil || len(payload.Elements) == 0 {
		return ""
	}
	elements := payload.Elements
	if len(elements) > maxBriefElements {
		elements = elements[:maxBriefElements]
	}
	data, err := json.Marshal(elements)
	if err != nil {
		return ""
	}
	if len(data) > maxBriefBytes {
		data = data[:maxBriefBytes]
	}
	return string(data)
}
