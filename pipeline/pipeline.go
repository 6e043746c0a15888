// Package pipeline orchestrates the per-update analysis run: region
// detection on the latest snapshot, the two-stage model invocation, and
// the ordered pair of broadcasts back to the document's sessions.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/croquis/board"
	"github.com/hazyhaar/croquis/broadcast"
	"github.com/hazyhaar/croquis/detect"
	"github.com/hazyhaar/croquis/vision"
)

// Event names on the document broadcast channel.
const (
	EventAnalysisDone = "document.analysis.done"
	EventInteractions = "document.interactions"
)

// Inferencer is the external vision-language capability. Injected so tests
// can substitute a fake backend; *vision.Client implements it.
type Inferencer interface {
	Analyze(ctx context.Context, prompt string, png []byte) (vision.Analysis, error)
	Suggest(ctx context.Context, analysis vision.Analysis) ([]vision.Interaction, error)
}

// Pipeline runs the detection and inference stages for one document and
// publishes the results.
type Pipeline struct {
	store  *board.Store
	infer  Inferencer
	hub    *broadcast.Hub
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline.
func New(store *board.Store, infer Inferencer, hub *broadcast.Hub, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		infer:  infer,
		hub:    hub,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type analysisEvent struct {
	Event    string          `json:"event"`
	Analysis vision.Analysis `json:"analysis"`
}

type interactionsEvent struct {
	Event        string               `json:"event"`
	Interactions []vision.Interaction `json:"interactions"`
}

// Run executes one full pipeline pass for docID.
//
// Ordering is strict: the interaction stage never starts before the
// analysis result is persisted and its broadcast published, because the
// suggestion prompt is derived from the analysis. Every stage degrades to
// an empty result on failure and both broadcasts always fire, so clients
// never wait for an event that will not arrive. The only hard error is a
// missing document.
func (p *Pipeline) Run(ctx context.Context, docID int64) error {
	doc, err := p.store.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("pipeline: load document %d: %w", docID, err)
	}

	boxes := p.detectRegions(ctx, docID)
	prompt := vision.Compose(boxes, doc.Data)

	// Re-read the snapshot at call time: a concurrent update may have
	// persisted newer pixels since the detection pass.
	snapshot, err := p.store.ReadSnapshot(ctx, docID)
	if err != nil {
		p.logger.Warn("pipeline: snapshot re-read failed", "document_id", docID, "error", err)
	}

	analysis, err := p.infer.Analyze(ctx, prompt, snapshot)
	if err != nil {
		p.logger.Warn("pipeline: analysis failed, degrading to empty", "document_id", docID, "error", err)
		analysis = vision.Analysis{Items: []vision.RegionItem{}}
	}

	analysisJSON, _ := json.Marshal(analysis)
	if err := p.store.SaveAnalysis(ctx, docID, analysisJSON); err != nil {
		p.logger.Error("pipeline: persist analysis failed", "document_id", docID, "error", err)
	}
	p.publish(docID, analysisEvent{Event: EventAnalysisDone, Analysis: analysis})

	interactions, err := p.infer.Suggest(ctx, analysis)
	if err != nil {
		p.logger.Warn("pipeline: interactions failed, degrading to empty batch", "document_id", docID, "error", err)
		interactions = []vision.Interaction{}
	}
	if interactions == nil {
		interactions = []vision.Interaction{}
	}

	interactionsJSON, _ := json.Marshal(interactions)
	if err := p.store.SaveInteractions(ctx, docID, interactionsJSON); err != nil {
		p.logger.Error("pipeline: persist interactions failed", "document_id", docID, "error", err)
	}
	p.publish(docID, interactionsEvent{Event: EventInteractions, Interactions: interactions})

	return nil
}

// detectRegions runs region detection on the latest snapshot. Any fault
// (no snapshot, decode error) degrades to zero regions and never blocks
// the run from proceeding to inference.
func (p *Pipeline) detectRegions(ctx context.Context, docID int64) []detect.Box {
	snapshot, err := p.store.ReadSnapshot(ctx, docID)
	if err != nil || len(snapshot) == 0 {
		return nil
	}
	boxes, err := detect.DetectBytes(snapshot)
	if err != nil {
		p.logger.Warn("pipeline: region detection failed, proceeding with zero regions",
			"document_id", docID, "error", err)
		return nil
	}
	return boxes
}

func (p *Pipeline) publish(docID int64, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("pipeline: marshal event failed", "document_id", docID, "error", err)
		return
	}
	p.hub.Publish(docID, data)
}
