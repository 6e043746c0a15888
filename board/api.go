package board

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Trigger schedules an analysis pipeline run for a document. Implemented by
// pipeline.Runner; an interface here keeps board free of the pipeline import.
type Trigger interface {
	Trigger(docID int64)
}

// API serves the document CRUD surface.
type API struct {
	store   *Store
	trigger Trigger
	logger  *slog.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithAPILogger sets a custom logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// NewAPI creates the REST handler set. trigger may be nil, in which case
// thumbnail uploads never schedule a pipeline run.
func NewAPI(store *Store, trigger Trigger, opts ...APIOption) *API {
	a := &API{
		store:   store,
		trigger: trigger,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register mounts the document routes on r.
func (a *API) Register(r chi.Router) {
	r.Get("/api/documents/", a.handleList)
	r.Post("/api/documents/", a.handleCreate)
	r.Get("/api/documents/{id}/", a.handleGet)
	r.Patch("/api/documents/{id}/", a.handleUpdate)
	r.Patch("/api/documents/{id}/thumbnail/", a.handleThumbnail)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	docs, err := a.store.List(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list documents", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, docs)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)

	var req struct {
		Title string          `json:"title"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}

	doc, err := a.store.Create(r.Context(), req.Title, req.Data)
	if err != nil {
		a.logger.Error("create document", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(doc)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	doc, err := a.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		jsonErr(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("get document", "id", id, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, doc)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)

	var req struct {
		Title *string         `json:"title"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == nil && len(req.Data) == 0 {
		jsonErr(w, "nothing to update", http.StatusBadRequest)
		return
	}

	err := a.store.Update(r.Context(), id, req.Title, req.Data)
	if errors.Is(err, ErrNotFound) {
		jsonErr(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("update document", "id", id, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	doc, err := a.store.Get(r.Context(), id)
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, doc)
}

// handleThumbnail accepts a multipart PNG upload, stores snapshot +
// thumbnail, and schedules a pipeline run for the document.
func (a *API) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := docID(w, r)
	if !ok {
		return
	}
	if _, err := a.store.Get(r.Context(), id); errors.Is(err, ErrNotFound) {
		jsonErr(w, "not found", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	file, _, err := r.FormFile("thumbnail")
	if err != nil {
		jsonErr(w, "no thumbnail provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, "read upload", http.StatusBadRequest)
		return
	}
	if err := a.store.SaveSnapshot(r.Context(), id, data); err != nil {
		a.logger.Error("save snapshot", "id", id, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}

	if a.trigger != nil {
		a.trigger.Trigger(id)
	}

	doc, err := a.store.Get(r.Context(), id)
	if err != nil {
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, doc)
}

func docID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, "invalid document id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
