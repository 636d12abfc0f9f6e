// Package session accepts editor websockets, binds each one to a document for
// its whole lifetime and relays protocol frames between the socket and the
// document.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"codesync/syncserver/internal/metrics"
	"codesync/syncserver/internal/protocol"
	"codesync/syncserver/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Registry interface {
	Acquire(ctx context.Context, id string, sub registry.Subscriber) (*registry.Document, error)
	Release(id string, sub registry.Subscriber)
}

type Options struct {
	DefaultDocument  string
	HeartbeatTimeout time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

type Manager struct {
	registry Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewManager(reg Registry, opts Options) *Manager {
	if opts.DefaultDocument == "" {
		opts.DefaultDocument = "default"
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		registry: reg,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger: opts.Logger,
		conns:  make(map[*Conn]struct{}),
	}
}

// AllowOrigin accepts every origin for "*" and otherwise only an exact match
// or requests without an Origin header.
func AllowOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "*" || origin == "" || strings.EqualFold(origin, allowed)
	}
}

// DocumentID resolves the document addressed by a request path: its trailing
// segment, or fallback when the path has none.
func DocumentID(path, fallback string) string {
	trimmed := strings.Trim(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := DocumentID(r.URL.Path, m.opts.DefaultDocument)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.String("doc", documentID), zap.Error(err))
		return
	}
	c := newConn(uuid.NewString(), documentID, ws, m.logger)
	if !m.track(c) {
		c.close(reasonShutdown, websocket.CloseGoingAway)
		return
	}
	defer m.untrack(c)
	metrics.ConnectionOpened()

	go c.writePump(m.opts.HeartbeatTimeout)

	doc, err := m.registry.Acquire(r.Context(), documentID, c)
	if err != nil {
		c.logger.Error("bind connection to document failed", zap.Error(err))
		c.close(reasonSync, websocket.CloseInternalServerErr)
		metrics.ConnectionClosed(c.closeReason())
		return
	}
	c.logger.Info("connection opened")

	m.readLoop(c, doc)

	m.registry.Release(documentID, c)
	reason := c.closeReason()
	metrics.ConnectionClosed(reason)
	c.logger.Info("connection closed", zap.String("reason", reason))
}

func (m *Manager) readLoop(c *Conn, doc *registry.Document) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(reasonPeer, 0)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping connection on malformed frame", zap.Error(err))
			c.close(reasonMalformed, websocket.CloseUnsupportedData)
			return
		}
		metrics.RecordMessage(msg.Kind.String())

		switch msg.Kind {
		case protocol.KindSync:
			err = doc.HandleSync(c, msg)
		case protocol.KindPresence:
			err = doc.HandlePresence(c, msg.Payload)
		}
		if err != nil {
			code := websocket.CloseUnsupportedData
			if errors.Is(err, registry.ErrClosed) {
				code = websocket.CloseGoingAway
			}
			c.logger.Warn("dropping connection on sync error", zap.Error(err))
			c.close(reasonSync, code)
			return
		}
	}
}

func (m *Manager) track(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = struct{}{}
	return true
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close disconnects every connection and waits until each one has been
// released from its document.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(reasonShutdown, websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
