// Package board provides the whiteboard document model: the SQLite record
// store, snapshot/thumbnail file storage, and the REST API surface.
package board

import (
	"encoding/json"
	"time"
)

// Document is one whiteboard. Data is the client scene payload (element
// list + app state) treated as an opaque JSON value and replaced wholesale
// on update. Analysis and Interactions are produced by the analysis
// pipeline and may lag behind the latest scene.
type Document struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Data          json.RawMessage `json:"data"`
	SnapshotPath  string          `json:"-"`
	ThumbnailPath string          `json:"-"`
	Analysis      json.RawMessage `json:"analysis"`
	Interactions  json.RawMessage `json:"interactions"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Schema is the documents table DDL, applied via dbopen.WithSchema.
const Schema = `
	CREATE TABLE IF NOT EXISTS documents (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		title          TEXT NOT NULL DEFAULT 'Untitled',
		data           TEXT NOT NULL DEFAULT '{}',
		snapshot_path  TEXT NOT NULL DEFAULT '',
		thumbnail_path TEXT NOT NULL DEFAULT '',
		analysis       TEXT NOT NULL DEFAULT '{}',
		interactions   TEXT NOT NULL DEFAULT '[]',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents (updated_at DESC);
`
