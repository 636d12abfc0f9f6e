package persistence

import (
	"context"
	"sync"

	"codesync/syncserver/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	appended      [][]byte
	upserts       [][]store.FileSnapshot
	appendFn      func(context.Context, string, []byte) error
	listUpdatesFn func(context.Context, string) ([]store.UpdateLogEntry, error)
	listFilesFn   func(context.Context, string) ([]store.FileSnapshot, error)
	upsertFilesFn func(context.Context, string, []store.FileSnapshot) error
}

func (f *fakeStore) AppendUpdate(ctx context.Context, documentID string, update []byte) error {
	f.mu.Lock()
	f.appended = append(f.appended, update)
	f.mu.Unlock()
	if f.appendFn != nil {
		return f.appendFn(ctx, documentID, update)
	}
	return nil
}

func (f *fakeStore) ListUpdates(ctx context.Context, documentID string) ([]store.UpdateLogEntry, error) {
	if f.listUpdatesFn != nil {
		return f.listUpdatesFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) ListFiles(ctx context.Context, documentID string) ([]store.FileSnapshot, error) {
	if f.listFilesFn != nil {
		return f.listFilesFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) UpsertFiles(ctx context.Context, documentID string, files []store.FileSnapshot) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, files)
	f.mu.Unlock()
	if f.upsertFilesFn != nil {
		return f.upsertFilesFn(ctx, documentID, files)
	}
	return nil
}

type fakeMirror struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (m *fakeMirror) PutContent(_ context.Context, key, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[key] = content
	return nil
}
