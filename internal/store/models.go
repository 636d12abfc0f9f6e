package store

import "time"

// UpdateLogEntry is one replicated document update as appended by the sync
// server. Entries are never rewritten.
type UpdateLogEntry struct {
	ID         int64
	DocumentID string
	Data       []byte
	CreatedAt  time.Time
}

// FileSnapshot is the last flushed copy of one file of a workspace.
type FileSnapshot struct {
	ID         string
	DocumentID string
	Name       string
	Kind       string
	Path       string
	Content    string
	UpdatedAt  time.Time
}
