package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codesync/syncserver/internal/filetree"
	"codesync/syncserver/internal/persistence"
	"codesync/syncserver/internal/registry"
	"codesync/syncserver/internal/store"
	"codesync/syncserver/internal/ydoc"

	"go.uber.org/zap/zaptest"
)

type snapshotStore struct {
	mu    sync.Mutex
	files []store.FileSnapshot
}

func (s *snapshotStore) AppendUpdate(context.Context, string, []byte) error { return nil }

func (s *snapshotStore) ListUpdates(context.Context, string) ([]store.UpdateLogEntry, error) {
	return nil, nil
}

func (s *snapshotStore) ListFiles(context.Context, string) ([]store.FileSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.FileSnapshot(nil), s.files...), nil
}

func (s *snapshotStore) UpsertFiles(context.Context, string, []store.FileSnapshot) error {
	return nil
}

func (s *snapshotStore) setContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[0].Content = content
}

type recordingSub struct {
	id   string
	mu   sync.Mutex
	text []Event
}

func (r *recordingSub) ID() string        { return r.id }
func (r *recordingSub) SendBinary([]byte) {}
func (r *recordingSub) SendText(payload []byte) {
	var ev Event
	_ = json.Unmarshal(payload, &ev)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = append(r.text, ev)
}

func (r *recordingSub) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.text...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) Publish(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func setup(t *testing.T) (*Bridge, *registry.Registry, *snapshotStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := &snapshotStore{files: []store.FileSnapshot{
		{ID: "f1", DocumentID: "ws-1", Name: "main.py", Kind: "file", Path: "main.py", Content: "committed"},
	}}
	reg := registry.New(persistence.NewEngine(s, time.Second, logger), registry.Options{
		FlushInterval:  time.Hour,
		FlushThreshold: 50,
		Logger:         logger,
	})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return NewBridge(reg, time.Second, logger), reg, s
}

func fileText(t *testing.T, doc *registry.Document, id string) string {
	t.Helper()
	var text string
	if err := doc.View(func(d *ydoc.Doc) { text = d.GetText(filetree.TextKey(id)) }); err != nil {
		t.Fatalf("View() error = %v", err)
	}
	return text
}

func TestNewEventClassification(t *testing.T) {
	tests := []struct {
		command    string
		status     string
		wantType   string
		reconciles bool
	}{
		{"ROLLBACK", "SUCCESS", TypeVersioning, true},
		{"rollback", "success", TypeVersioning, true},
		{"ROLLBACK", "FAILED", TypeVersioning, false},
		{"COMMIT", "SUCCESS", TypeVersioning, false},
		{"BRANCH", "SUCCESS", TypeVersioning, false},
		{"MERGE", "SUCCESS", TypeVersioning, false},
		{"COMPILE", "SUCCESS", TypeCompiler, false},
		{"RUN", "ERROR", TypeCompiler, false},
	}
	for _, tt := range tests {
		ev := NewEvent("ws-1", tt.command, tt.status)
		if ev.Type != tt.wantType || ev.Reconciles() != tt.reconciles {
			t.Errorf("NewEvent(%q, %q) = %+v reconciles=%v", tt.command, tt.status, ev, ev.Reconciles())
		}
	}
}

func TestEventWireShape(t *testing.T) {
	raw, err := json.Marshal(NewEvent("ws-1", "ROLLBACK", "SUCCESS"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"versioning-event","command":"ROLLBACK","status":"SUCCESS","sessionId":"ws-1"}`
	if string(raw) != want {
		t.Fatalf("event JSON = %s, want %s", raw, want)
	}
}

func TestNotifyUnknownDocumentIsNoop(t *testing.T) {
	bridge, reg, _ := setup(t)
	publisher := &fakePublisher{}
	bridge.SetRelay(publisher)

	if bridge.Deliver(context.Background(), NewEvent("missing", "ROLLBACK", "SUCCESS")) {
		t.Fatal("Deliver reported delivery to a document that is not loaded")
	}
	bridge.Notify(context.Background(), "missing", "ROLLBACK", "SUCCESS")
	if reg.Len() != 0 {
		t.Fatal("notify loaded a document")
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected event to be relayed to other instances, got %d", len(publisher.events))
	}
}

func TestRollbackSuccessReconcilesAndBroadcasts(t *testing.T) {
	bridge, reg, s := setup(t)
	alice := &recordingSub{id: "alice"}
	bob := &recordingSub{id: "bob"}
	doc, err := reg.Acquire(context.Background(), "ws-1", alice)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := reg.Acquire(context.Background(), "ws-1", bob); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	_ = doc.View(func(d *ydoc.Doc) { d.SetText(filetree.TextKey("f1"), "committed with unsaved edits") })

	s.setContent("C")
	bridge.Notify(context.Background(), "ws-1", "ROLLBACK", "SUCCESS")

	if got := fileText(t, doc, "f1"); got != "C" {
		t.Fatalf("f1 = %q, want exactly C", got)
	}
	want := Event{Type: TypeVersioning, Command: "ROLLBACK", Status: "SUCCESS", SessionID: "ws-1"}
	for _, sub := range []*recordingSub{alice, bob} {
		events := sub.events()
		if len(events) != 1 || events[0] != want {
			t.Fatalf("%s received %+v, want %+v", sub.id, events, want)
		}
	}
}

func TestFailedRollbackOnlyBroadcasts(t *testing.T) {
	bridge, reg, s := setup(t)
	alice := &recordingSub{id: "alice"}
	doc, _ := reg.Acquire(context.Background(), "ws-1", alice)
	_ = doc.View(func(d *ydoc.Doc) { d.SetText(filetree.TextKey("f1"), "live") })

	s.setContent("C")
	bridge.Notify(context.Background(), "ws-1", "ROLLBACK", "FAILED")

	if got := fileText(t, doc, "f1"); got != "live" {
		t.Fatalf("failed rollback touched content: %q", got)
	}
	if events := alice.events(); len(events) != 1 || events[0].Type != TypeVersioning {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestCompileEventSkipsReconciliation(t *testing.T) {
	bridge, reg, s := setup(t)
	alice := &recordingSub{id: "alice"}
	doc, _ := reg.Acquire(context.Background(), "ws-1", alice)
	_ = doc.View(func(d *ydoc.Doc) { d.SetText(filetree.TextKey("f1"), "live") })

	s.setContent("C")
	bridge.Notify(context.Background(), "ws-1", "COMPILE", "SUCCESS")

	if got := fileText(t, doc, "f1"); got != "live" {
		t.Fatalf("compile event touched content: %q", got)
	}
	if events := alice.events(); len(events) != 1 || events[0].Type != TypeCompiler {
		t.Fatalf("unexpected events %+v", events)
	}
}
