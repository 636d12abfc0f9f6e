// Package notify turns events reported by the version-control and compile
// workers into rollback reconciliation and broadcasts to a document's
// subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"codesync/syncserver/internal/metrics"
	"codesync/syncserver/internal/registry"

	"go.uber.org/zap"
)

const (
	TypeVersioning = "versioning-event"
	TypeCompiler   = "compiler-event"

	CommandRollback = "ROLLBACK"
	StatusSuccess   = "SUCCESS"
)

var versioningCommands = map[string]bool{
	"COMMIT":        true,
	CommandRollback: true,
	"BRANCH":        true,
	"MERGE":         true,
}

// Event is the JSON message broadcast to every subscriber of a document.
type Event struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// NewEvent classifies command: version-control commands produce versioning
// events, everything else is reported by the compile workers.
func NewEvent(documentID, command, status string) Event {
	eventType := TypeCompiler
	if versioningCommands[strings.ToUpper(strings.TrimSpace(command))] {
		eventType = TypeVersioning
	}
	return Event{Type: eventType, Command: command, Status: status, SessionID: documentID}
}

// Reconciles reports whether the event requires the in-memory document to be
// reset to its durable snapshot.
func (e Event) Reconciles() bool {
	return e.Type == TypeVersioning &&
		strings.EqualFold(strings.TrimSpace(e.Command), CommandRollback) &&
		strings.EqualFold(strings.TrimSpace(e.Status), StatusSuccess)
}

type Documents interface {
	Lookup(id string) (*registry.Document, bool)
}

// Publisher forwards events to other server instances.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Bridge struct {
	docs    Documents
	relay   Publisher
	timeout time.Duration
	logger  *zap.Logger
}

func NewBridge(docs Documents, timeout time.Duration, logger *zap.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{docs: docs, timeout: timeout, logger: logger}
}

// SetRelay makes Notify forward every event to relay as well.
func (b *Bridge) SetRelay(relay Publisher) {
	b.relay = relay
}

// Notify handles an event for documentID locally and forwards it to the
// relay. Documents that are not loaded are skipped.
func (b *Bridge) Notify(ctx context.Context, documentID, command, status string) {
	event := NewEvent(documentID, command, status)
	b.Deliver(ctx, event)
	if b.relay != nil {
		if err := b.relay.Publish(ctx, event); err != nil {
			b.logger.Error("relay notify event failed", zap.String("doc", documentID), zap.Error(err))
		}
	}
}

// Deliver applies event to the local copy of its document and reports whether
// a loaded document received it.
func (b *Bridge) Deliver(ctx context.Context, event Event) bool {
	doc, ok := b.docs.Lookup(event.SessionID)
	if !ok {
		b.logger.Debug("notify for document not loaded",
			zap.String("doc", event.SessionID),
			zap.String("command", event.Command))
		return false
	}

	if event.Reconciles() {
		reconcileCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		err := doc.Reconcile(reconcileCtx)
		cancel()
		metrics.RecordRollback(err)
		if err != nil {
			b.logger.Error("rollback reconciliation failed", zap.String("doc", event.SessionID), zap.Error(err))
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("encode notify event failed", zap.Error(err))
		return false
	}
	n, err := doc.BroadcastEvent(payload)
	if errors.Is(err, registry.ErrClosed) {
		return false
	}
	metrics.RecordNotify(event.Type)
	b.logger.Info("notify event broadcast",
		zap.String("doc", event.SessionID),
		zap.String("type", event.Type),
		zap.String("command", event.Command),
		zap.String("status", event.Status),
		zap.Int("subscribers", n))
	return true
}
