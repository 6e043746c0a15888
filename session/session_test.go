package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/croquis/board"
	"github.com/hazyhaar/croquis/broadcast"
	"github.com/hazyhaar/croquis/dbopen"
	"github.com/hazyhaar/croquis/pipeline"
	"github.com/hazyhaar/croquis/session"
	"github.com/hazyhaar/croquis/vision"
)

type fakeTrigger struct {
	ch chan int64
}

func newFakeTrigger() *fakeTrigger { return &fakeTrigger{ch: make(chan int64, 8)} }

func (f *fakeTrigger) Trigger(docID int64) {
	select {
	case f.ch <- docID:
	default:
	}
}

func (f *fakeTrigger) wait(t *testing.T) int64 {
	t.Helper()
	select {
	case id := <-f.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was never triggered")
	}
	return 0
}

func newStore(t *testing.T) *board.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(board.Schema))
	return board.NewStore(db, t.TempDir())
}

func serve(t *testing.T, store *board.Store, hub *broadcast.Hub, trigger board.Trigger) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	session.NewHandler(store, hub, trigger).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, docID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/ws/documents/%d", docID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func whitePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestSession_RejectsUnknownDocument(t *testing.T) {
	srv := serve(t, newStore(t), broadcast.NewHub(), nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/documents/404"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown document")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v, want 404", resp)
	}
}

func TestSession_UpdatePersistsSceneAndTriggers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	trigger := newFakeTrigger()
	srv := serve(t, store, broadcast.NewHub(), trigger)

	doc, err := store.Create(ctx, "notes", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := dial(t, srv, doc.ID)

	scene := `{"elements":[{"id":"el1","type":"rectangle"}],"appState":{}}`
	msg := fmt.Sprintf(`{"event":"document.update","data":%s}`, scene)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if id := trigger.wait(t); id != doc.ID {
		t.Fatalf("triggered document %d, want %d", id, doc.ID)
	}
	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != scene {
		t.Errorf("persisted scene = %s", got.Data)
	}
}

func TestSession_SnapshotDecodedAndStored(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	trigger := newFakeTrigger()
	srv := serve(t, store, broadcast.NewHub(), trigger)

	doc, err := store.Create(ctx, "sketch", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := dial(t, srv, doc.ID)

	snap := whitePNG(t)
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(snap)
	msg, _ := json.Marshal(map[string]any{"event": "document.update", "image": dataURL})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	trigger.wait(t)

	stored, err := store.ReadSnapshot(ctx, doc.ID)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !bytes.Equal(stored, snap) {
		t.Errorf("stored snapshot differs (%d vs %d bytes)", len(stored), len(snap))
	}
}

func TestSession_MalformedMessageKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	hub := broadcast.NewHub()
	srv := serve(t, store, hub, nil)

	doc, err := store.Create(ctx, "resilient", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := dial(t, srv, doc.ID)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The session must still be subscribed and forwarding.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(doc.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(doc.ID, []byte(`{"event":"ping"}`))
	if got := string(readEvent(t, conn)); got != `{"event":"ping"}` {
		t.Fatalf("got %q", got)
	}
}

func TestSession_BroadcastReachesAllSessions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	hub := broadcast.NewHub()
	srv := serve(t, store, hub, nil)

	doc, err := store.Create(ctx, "shared", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a := dial(t, srv, doc.ID)
	b := dial(t, srv, doc.ID)

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(doc.ID) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sessions never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	event := []byte(`{"event":"document.analysis.done","analysis":{"summary":"hi","items":[]}}`)
	hub.Publish(doc.ID, event)

	if got := readEvent(t, a); !bytes.Equal(got, event) {
		t.Errorf("a got %s", got)
	}
	if got := readEvent(t, b); !bytes.Equal(got, event) {
		t.Errorf("b got %s", got)
	}
}

// End to end: an update flows through persistence and the pipeline, and the
// session receives the two pipeline events in order. The inference client is
// unconfigured, so both stages degrade to empty results.
func TestSession_PipelineRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	hub := broadcast.NewHub()

	infer := vision.NewClient(vision.Config{})
	p := pipeline.New(store, infer, hub)
	runner := pipeline.NewRunner(p.Run)
	defer runner.Close()

	srv := serve(t, store, hub, runner)

	doc, err := store.Create(ctx, "roundtrip", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := dial(t, srv, doc.ID)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(whitePNG(t))
	msg, _ := json.Marshal(map[string]any{
		"event": "document.update",
		"data":  json.RawMessage(`{"elements":[],"appState":{}}`),
		"image": dataURL,
	})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	first := readEvent(t, conn)
	var analysisEv struct {
		Event    string `json:"event"`
		Analysis struct {
			Items []json.RawMessage `json:"items"`
		} `json:"analysis"`
	}
	if err := json.Unmarshal(first, &analysisEv); err != nil {
		t.Fatalf("first event: %v (%s)", err, first)
	}
	if analysisEv.Event != pipeline.EventAnalysisDone {
		t.Fatalf("first event = %s, want %s", analysisEv.Event, pipeline.EventAnalysisDone)
	}
	if len(analysisEv.Analysis.Items) != 0 {
		t.Errorf("unconfigured inference should yield no items: %s", first)
	}

	second := readEvent(t, conn)
	var interEv struct {
		Event        string            `json:"event"`
		Interactions []json.RawMessage `json:"interactions"`
	}
	if err := json.Unmarshal(second, &interEv); err != nil {
		t.Fatalf("second event: %v (%s)", err, second)
	}
	if interEv.Event != pipeline.EventInteractions {
		t.Fatalf("second event = %s, want %s", interEv.Event, pipeline.EventInteractions)
	}
	if len(interEv.Interactions) != 0 {
		t.Errorf("unconfigured inference should yield no interactions: %s", second)
	}
}
