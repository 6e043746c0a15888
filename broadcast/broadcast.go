// Package broadcast fans events out to every live session subscribed to a
// document.
//
// The hub is an explicit registry: documentID -> set of subscribers,
// guarded for concurrent subscribe/unsubscribe/publish. Delivery is
// best-effort and at-most-once per subscriber per publish; there is no
// persistence or replay, so a session that subscribes after a publish
// never sees it. Documents are isolated from each other.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/hazyhaar/croquis/idgen"
)

// defaultBuffer is the per-subscriber event buffer. A subscriber whose
// buffer is full misses the event rather than blocking the publisher.
const defaultBuffer = 16

// Subscriber receives events for one document id.
type Subscriber struct {
	id string
	ch chan []byte
}

// Events returns the channel events are delivered on. It is closed on
// Unsubscribe.
func (s *Subscriber) Events() <-chan []byte { return s.ch }

// ID returns the subscriber's unique handle.
func (s *Subscriber) ID() string { return s.id }

// Hub is the per-document broadcast registry.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]map[string]*Subscriber
	logger *slog.Logger
	buffer int
	newID  idgen.Generator
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithBuffer sets the per-subscriber event buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an empty registry.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[int64]map[string]*Subscriber),
		logger: slog.Default(),
		buffer: defaultBuffer,
		newID:  idgen.Prefixed("sub_", idgen.NanoID(12)),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a new subscriber for docID and returns its handle.
func (h *Hub) Subscribe(docID int64) *Subscriber {
	sub := &Subscriber{
		id: h.newID(),
		ch: make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	group, ok := h.subs[docID]
	if !ok {
		group = make(map[string]*Subscriber)
		h.subs[docID] = group
	}
	group[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from docID's group and closes its event channel.
// Safe to call for an already-removed subscriber.
func (h *Hub) Unsubscribe(docID int64, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.subs[docID]
	if !ok {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	if len(group) == 0 {
		delete(h.subs, docID)
	}
	close(sub.ch)
}

// Publish delivers event to every current subscriber of docID. Subscribers
// of other documents never receive it.
func (h *Hub) Publish(docID int64, event []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[docID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warn("broadcast: subscriber buffer full, dropping event",
				"document_id", docID, "subscriber", sub.id)
		}
	}
}

// Subscribers returns the current subscriber count for docID.
func (h *Hub) Subscribers(docID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[docID])
}
