package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// RunFunc executes one pipeline pass for a document.
type RunFunc func(ctx context.Context, docID int64) error

// Runner serializes pipeline runs per document. At most one run is in
// flight per document; a trigger arriving during a run is coalesced into a
// single pending slot, so a burst of updates settles into one trailing run
// over the newest persisted state. In-flight runs are never cancelled by
// newer triggers, only by Close.
type Runner struct {
	run    RunFunc
	logger *slog.Logger

	mu      sync.Mutex
	running map[int64]bool
	pending map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets a custom logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner driving run.
func NewRunner(run RunFunc, opts ...RunnerOption) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		run:     run,
		logger:  slog.Default(),
		running: make(map[int64]bool),
		pending: make(map[int64]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Trigger requests a pipeline run for docID. Returns immediately: if no
// run is in flight for the document one is started, otherwise the request
// is folded into the pending slot.
func (r *Runner) Trigger(docID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if r.running[docID] {
		r.pending[docID] = true
		return
	}
	r.running[docID] = true
	r.wg.Add(1)
	go r.loop(docID)
}

func (r *Runner) loop(docID int64) {
	defer r.wg.Done()
	for {
		if err := r.run(r.ctx, docID); err != nil {
			r.logger.Error("pipeline run failed", "document_id", docID, "error", err)
		}

		r.mu.Lock()
		if r.pending[docID] && r.ctx.Err() == nil {
			delete(r.pending, docID)
			r.mu.Unlock()
			continue
		}
		delete(r.pending, docID)
		delete(r.running, docID)
		r.mu.Unlock()
		return
	}
}

// Close cancels in-flight runs and waits for them to drain. No further
// triggers are accepted afterwards.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
