// Package session bridges WebSocket connections to a document: inbound
// update messages persist the scene and snapshot and schedule a pipeline
// run, outbound pipeline events are fanned out through the broadcast hub.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/croquis/board"
	"github.com/hazyhaar/croquis/broadcast"
)

const (
	// EventUpdate is the inbound message type carrying a scene and/or
	// snapshot from a client.
	EventUpdate = "document.update"

	writeTimeout   = 10 * time.Second
	maxMessageSize = 32 << 20
)

// Handler upgrades document WebSocket connections and runs one session per
// connection.
type Handler struct {
	store    *board.Store
	hub      *broadcast.Hub
	trigger  board.Trigger
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithCheckOrigin overrides the upgrade origin policy.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// NewHandler creates the WebSocket handler. trigger may be nil, in which
// case updates persist but never schedule a pipeline run.
func NewHandler(store *board.Store, hub *broadcast.Hub, trigger board.Trigger, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		hub:     hub,
		trigger: trigger,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from arbitrary dev hosts;
			// origin restrictions belong to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the WebSocket route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/ws/documents/{id}", h.handleWS)
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	docID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}
	// Reject before upgrading so the client gets a plain HTTP status.
	if _, err := h.store.Get(r.Context(), docID); err != nil {
		if errors.Is(err, board.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("session: load document", "document_id", docID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sub := h.hub.Subscribe(docID)
	h.logger.Info("session: connected", "document_id", docID, "subscriber", sub.ID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sub)
	}()
	// Unsubscribe closes the event channel, which stops the writer.
	defer func() {
		h.hub.Unsubscribe(docID, sub)
		<-writerDone
		h.logger.Info("session: closed", "document_id", docID, "subscriber", sub.ID())
	}()

	h.readLoop(r.Context(), conn, docID)
}

// writeLoop forwards hub events to the connection verbatim. Events are
// already serialized envelopes; the session adds nothing.
func (h *Handler) writeLoop(conn *websocket.Conn, sub *broadcast.Subscriber) {
	for event := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, event); err != nil {
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, docID int64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("session: read failed", "document_id", docID, "error", err)
			}
			return
		}
		if err := h.handleMessage(ctx, docID, msg); err != nil {
			h.logger.Warn("session: message dropped", "document_id", docID, "error", err)
		}
	}
}

// handleMessage applies one inbound update: persist the scene if present,
// persist the snapshot if present, then schedule a pipeline run. A
// malformed message is dropped without closing the session.
func (h *Handler) handleMessage(ctx context.Context, docID int64, msg []byte) error {
	var in struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		Image string          `json:"image"`
	}
	if err := json.Unmarshal(msg, &in); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if in.Event != EventUpdate {
		return fmt.Errorf("unknown event %q", in.Event)
	}

	if len(in.Data) > 0 && string(in.Data) != "null" {
		if err := h.store.SaveScene(ctx, docID, in.Data); err != nil {
			return fmt.Errorf("persist scene: %w", err)
		}
	}
	if in.Image != "" {
		png, err := decodeImage(in.Image)
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if err := h.store.SaveSnapshot(ctx, docID, png); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}

	if h.trigger != nil {
		h.trigger.Trigger(docID)
	}
	return nil
}

// decodeImage accepts a base64 payload with or without a data URL prefix
// (data:image/png;base64,...).
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, b64, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data URL")
		}
		s = b64
	}
	return base64.StdEncoding.DecodeString(s)
}
