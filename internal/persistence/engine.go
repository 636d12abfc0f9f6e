// Package persistence moves replicated document state between memory and the
// durable stores: it replays the update log and seeds text buffers from
// snapshot rows on load, appends every local update to the log, materializes
// snapshot rows on flush, and provides the clear and reseed steps of a
// rollback.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"codesync/syncserver/internal/filetree"
	"codesync/syncserver/internal/metrics"
	"codesync/syncserver/internal/objectstore"
	"codesync/syncserver/internal/store"
	"codesync/syncserver/internal/ydoc"

	"go.uber.org/zap"
)

// Update origins. Updates tagged OriginPersistence came from the durable
// stores and are never appended to the log again.
const (
	OriginPersistence = "persistence"
	OriginRollback    = "rollback"
)

type UpdateLog interface {
	AppendUpdate(ctx context.Context, documentID string, update []byte) error
	ListUpdates(ctx context.Context, documentID string) ([]store.UpdateLogEntry, error)
}

type SnapshotStore interface {
	ListFiles(ctx context.Context, documentID string) ([]store.FileSnapshot, error)
	UpsertFiles(ctx context.Context, documentID string, files []store.FileSnapshot) error
}

type Store interface {
	UpdateLog
	SnapshotStore
}

type ContentMirror interface {
	PutContent(ctx context.Context, key, content string) error
}

type Engine struct {
	store   Store
	mirror  ContentMirror
	timeout time.Duration
	logger  *zap.Logger
}

// NewEngine returns an engine whose durable calls are each bounded by timeout.
func NewEngine(s Store, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{store: s, timeout: timeout, logger: logger}
}

// SetMirror enables copying flushed content to object storage.
func (e *Engine) SetMirror(mirror ContentMirror) {
	e.mirror = mirror
}

// Load replays the update log of documentID into doc, oldest first, then seeds
// empty text buffers from the snapshot rows. doc should be freshly created.
func (e *Engine) Load(ctx context.Context, documentID string, doc *ydoc.Doc) error {
	entries, err := e.listUpdates(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load %s: %w", documentID, err)
	}
	for _, entry := range entries {
		if err := doc.Apply(entry.Data, OriginPersistence); err != nil {
			e.logger.Warn("skipping unreadable update log entry",
				zap.String("doc", documentID),
				zap.Int64("entry", entry.ID),
				zap.Error(err))
		}
	}

	if held := doc.PendingCount(); held > 0 {
		e.logger.Warn("update log has gaps, operations held back",
			zap.String("doc", documentID),
			zap.Int("held", held))
	}

	rows, err := e.LoadSnapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load %s: %w", documentID, err)
	}
	if err := Seed(doc, rows, OriginPersistence); err != nil {
		return fmt.Errorf("load %s: %w", documentID, err)
	}

	e.logger.Info("document loaded",
		zap.String("doc", documentID),
		zap.Int("updates", len(entries)),
		zap.Int("snapshots", len(rows)))
	return nil
}

func (e *Engine) LoadSnapshot(ctx context.Context, documentID string) ([]store.FileSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rows, err := e.store.ListFiles(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return rows, nil
}

func (e *Engine) listUpdates(ctx context.Context, documentID string) ([]store.UpdateLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	entries, err := e.store.ListUpdates(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read update log: %w", err)
	}
	return entries, nil
}

// Append records one local update in the update log.
func (e *Engine) Append(ctx context.Context, documentID string, update []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := e.store.AppendUpdate(ctx, documentID, update)
	metrics.RecordAppend(err)
	if err != nil {
		return fmt.Errorf("append update for %s: %w", documentID, err)
	}
	return nil
}

// Snapshot copies the current content of every file in the index. It must run
// on the goroutine that owns doc.
func (e *Engine) Snapshot(documentID string, doc *ydoc.Doc) ([]store.FileSnapshot, error) {
	nodes, err := filetree.Read(doc)
	if err != nil {
		return nil, err
	}
	entries := filetree.Files(nodes)
	files := make([]store.FileSnapshot, 0, len(entries))
	for _, entry := range entries {
		kind := entry.Type
		if kind == "" {
			kind = filetree.KindFile
		}
		files = append(files, store.FileSnapshot{
			ID:         entry.ID,
			DocumentID: documentID,
			Name:       entry.Name,
			Kind:       kind,
			Path:       entry.FullPath,
			Content:    doc.GetText(filetree.TextKey(entry.ID)),
		})
	}
	return files, nil
}

// Flush upserts the given snapshot rows and mirrors their content. Rows whose
// content the snapshot table cannot hold are logged and left out. Mirror
// failures are logged and do not fail the flush.
func (e *Engine) Flush(ctx context.Context, documentID string, files []store.FileSnapshot, trigger string) error {
	files = e.storable(documentID, files)
	started := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.store.UpsertFiles(writeCtx, documentID, files)
	cancel()
	metrics.RecordFlush(trigger, started, err)
	if err != nil {
		return fmt.Errorf("flush %s: %w", documentID, err)
	}

	if e.mirror != nil {
		for _, file := range files {
			mirrorCtx, cancel := context.WithTimeout(ctx, e.timeout)
			key := objectstore.ContentKey(documentID, file.Name, file.ID)
			if err := e.mirror.PutContent(mirrorCtx, key, file.Content); err != nil {
				e.logger.Error("mirror file content failed",
					zap.String("doc", documentID),
					zap.String("key", key),
					zap.Error(err))
			}
			cancel()
		}
	}

	e.logger.Debug("flushed snapshots",
		zap.String("doc", documentID),
		zap.String("trigger", trigger),
		zap.Int("files", len(files)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// storable drops rows with content that is not valid UTF-8 or contains NUL,
// which a text column rejects and which would fail the whole batch.
func (e *Engine) storable(documentID string, files []store.FileSnapshot) []store.FileSnapshot {
	kept := files[:0:0]
	for _, file := range files {
		if !utf8.ValidString(file.Content) || strings.ContainsRune(file.Content, 0) {
			e.logger.Warn("skipping file with unstorable content",
				zap.String("doc", documentID),
				zap.String("file", file.ID),
				zap.String("path", file.Path))
			continue
		}
		kept = append(kept, file)
	}
	return kept
}

// Seed fills the document from snapshot rows. An empty index is rebuilt from
// the rows' paths; a text buffer is only written while it is still empty.
func Seed(doc *ydoc.Doc, rows []store.FileSnapshot, origin any) error {
	var seedErr error
	doc.Transact(origin, func() {
		nodes, err := filetree.Read(doc)
		if err != nil {
			seedErr = err
			return
		}
		if len(nodes) == 0 && len(rows) > 0 {
			sources := make([]filetree.Source, 0, len(rows))
			for _, row := range rows {
				sources = append(sources, filetree.Source{ID: row.ID, Name: row.Name, Kind: row.Kind, Path: row.Path})
			}
			nodes = filetree.Build(sources)
			if err := filetree.Write(doc, nodes); err != nil {
				seedErr = err
				return
			}
		}

		byID := make(map[string]store.FileSnapshot, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}
		for _, entry := range filetree.Files(nodes) {
			row, ok := byID[entry.ID]
			if !ok || row.Content == "" {
				continue
			}
			key := filetree.TextKey(entry.ID)
			if doc.TextLen(key) == 0 {
				doc.InsertText(key, 0, row.Content)
			}
		}
	})
	return seedErr
}

// Clear empties the index and every text buffer it references, returning the
// ids that were referenced. Buffers of the ids in rows are emptied too, so
// files removed from the index since the rows were written do not carry
// leftover text into a following Seed. A corrupt index is replaced as well.
func Clear(doc *ydoc.Doc, rows []store.FileSnapshot, origin any) []string {
	nodes, _ := filetree.Read(doc)
	ids := filetree.IDs(nodes)
	keys := make([]string, 0, len(ids)+len(rows))
	seen := make(map[string]bool, len(ids)+len(rows))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, filetree.TextKey(id))
		}
	}
	for _, row := range rows {
		if !seen[row.ID] {
			seen[row.ID] = true
			keys = append(keys, filetree.TextKey(row.ID))
		}
	}
	doc.Transact(origin, func() {
		_ = filetree.Write(doc, nil)
		for _, key := range keys {
			if n := doc.TextLen(key); n > 0 {
				doc.DeleteText(key, 0, n)
			}
		}
	})
	return ids
}
