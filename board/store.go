package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/croquis/dbopen"
	"github.com/hazyhaar/croquis/idgen"
)

// ErrNotFound is returned when a document id does not exist.
var ErrNotFound = errors.New("board: document not found")

// Store is the document record store. Row fields live in SQLite; snapshot
// and thumbnail PNGs live on disk under dataDir.
type Store struct {
	db      *sql.DB
	dataDir string
	newUID  idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithUIDGenerator sets the generator used for snapshot filename suffixes.
func WithUIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newUID = gen }
}

// NewStore creates a Store from an already-opened database connection.
// dataDir is created on first snapshot write.
func NewStore(db *sql.DB, dataDir string, opts ...StoreOption) *Store {
	s := &Store{
		db:      db,
		dataDir: dataDir,
		newUID:  idgen.NanoID(8),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a new document and returns it. data may be nil.
func (s *Store) Create(ctx context.Context, title string, data json.RawMessage) (*Document, error) {
	if title == "" {
		title = "Untitled"
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	now := time.Now().Unix()
	res, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO documents (title, data, created_at, updated_at)
		VALUES (?,?,?,?)`,
		title, string(data), now, now)
	if err != nil {
		return nil, fmt.Errorf("board: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("board: create: %w", err)
	}
	return s.Get(ctx, id)
}

// Get returns the document with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, data, snapshot_path, thumbnail_path,
		       analysis, interactions, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// List returns documents ordered by updated_at descending.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, data, snapshot_path, thumbnail_path,
		       analysis, interactions, created_at, updated_at
		FROM documents ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("board: list: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update applies a partial update of title and/or data. Nil title and empty
// data leave the respective field untouched. updated_at is always bumped.
func (s *Store) Update(ctx context.Context, id int64, title *string, data json.RawMessage) error {
	set := "updated_at = ?"
	args := []any{time.Now().Unix()}
	if title != nil {
		set += ", title = ?"
		args = append(args, *title)
	}
	if len(data) > 0 {
		set += ", data = ?"
		args = append(args, string(data))
	}
	args = append(args, id)
	return s.exec(ctx, "UPDATE documents SET "+set+" WHERE id = ?", args...)
}

// SaveScene replaces the scene payload wholesale.
func (s *Store) SaveScene(ctx context.Context, id int64, data json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().Unix(), id)
}

// SaveSnapshot writes the raw PNG to disk as doc_<id>_<uid>.png plus a
// downscaled thumb_<id>_<uid>.png and records both paths on the row.
// If downscaling fails the raw bytes are reused for the thumbnail.
func (s *Store) SaveSnapshot(ctx context.Context, id int64, png []byte) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("board: snapshot dir: %w", err)
	}
	uid := s.newUID()
	snapPath := filepath.Join(s.dataDir, fmt.Sprintf("doc_%d_%s.png", id, uid))
	thumbPath := filepath.Join(s.dataDir, fmt.Sprintf("thumb_%d_%s.png", id, uid))

	if err := os.WriteFile(snapPath, png, 0o644); err != nil {
		return fmt.Errorf("board: write snapshot: %w", err)
	}
	thumb, err := DownscalePNG(png, thumbnailMaxWidth)
	if err != nil {
		thumb = png
	}
	if err := os.WriteFile(thumbPath, thumb, 0o644); err != nil {
		return fmt.Errorf("board: write thumbnail: %w", err)
	}

	return s.exec(ctx,
		`UPDATE documents SET snapshot_path = ?, thumbnail_path = ?, updated_at = ? WHERE id = ?`,
		snapPath, thumbPath, time.Now().Unix(), id)
}

// ReadSnapshot re-reads the most recently persisted snapshot bytes for id,
// falling back to the thumbnail. Returns nil bytes (no error) when the
// document has no snapshot yet.
func (s *Store) ReadSnapshot(ctx context.Context, id int64) ([]byte, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, p := range []string{doc.SnapshotPath, doc.ThumbnailPath} {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
	}
	return nil, nil
}

// SaveAnalysis persists the analysis JSON produced by the pipeline.
func (s *Store) SaveAnalysis(ctx context.Context, id int64, analysis json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE documents SET analysis = ?, updated_at = ? WHERE id = ?`,
		string(analysis), time.Now().Unix(), id)
}

// SaveInteractions persists the interactions JSON produced by the pipeline.
func (s *Store) SaveInteractions(ctx context.Context, id int64, interactions json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE documents SET interactions = ?, updated_at = ? WHERE id = ?`,
		string(interactions), time.Now().Unix(), id)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var data, analysis, interactions string
	var created, updated int64
	err := row.Scan(&doc.ID, &doc.Title, &data, &doc.SnapshotPath, &doc.ThumbnailPath,
		&analysis, &interactions, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("board: scan: %w", err)
	}
	doc.Data = json.RawMessage(data)
	doc.Analysis = json.RawMessage(analysis)
	doc.Interactions = json.RawMessage(interactions)
	doc.CreatedAt = time.Unix(created, 0).UTC()
	doc.UpdatedAt = time.Unix(updated, 0).UTC()
	return &doc, nil
}
