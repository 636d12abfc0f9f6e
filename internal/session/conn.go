package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	sendBacklog = 256
)

// Close reasons recorded in metrics and logs.
const (
	reasonPeer      = "peer"
	reasonMalformed = "malformed"
	reasonSync      = "sync_error"
	reasonHeartbeat = "heartbeat"
	reasonBacklog   = "backlog"
	reasonWrite     = "write_error"
	reasonShutdown  = "shutdown"
)

type outbound struct {
	messageType int
	data        []byte
}

// Conn is one websocket bound to a single document. Frames queued by the
// document are written by the connection's own writer goroutine.
type Conn struct {
	id         string
	documentID string
	ws         *websocket.Conn
	logger     *zap.Logger

	send   chan outbound
	done   chan struct{}
	alive  atomic.Bool
	once   sync.Once
	reason string
}

func newConn(id, documentID string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		id:         id,
		documentID: documentID,
		ws:         ws,
		logger:     logger.With(zap.String("conn", id), zap.String("doc", documentID)),
		send:       make(chan outbound, sendBacklog),
		done:       make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) SendBinary(frame []byte) {
	c.enqueue(websocket.BinaryMessage, frame)
}

func (c *Conn) SendText(payload []byte) {
	c.enqueue(websocket.TextMessage, payload)
}

func (c *Conn) enqueue(messageType int, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- outbound{messageType: messageType, data: data}:
	default:
		go c.close(reasonBacklog, websocket.CloseTryAgainLater)
	}
}

// writePump writes queued frames and pings the peer every interval. A peer
// that did not answer the previous ping is disconnected.
func (c *Conn) writePump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.close(reasonWrite, 0)
				return
			}
		case <-ticker.C:
			if !c.alive.Swap(false) {
				c.close(reasonHeartbeat, websocket.CloseGoingAway)
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(reasonWrite, 0)
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the connection down once. A non-zero code sends a close frame
// first.
func (c *Conn) close(reason string, code int) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
		if code != 0 {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
		}
		_ = c.ws.Close()
	})
}

func (c *Conn) closeReason() string {
	<-c.done
	return c.reason
}
