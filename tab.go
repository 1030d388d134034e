package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/viewrouter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024
	// Send buffer size
	sendBufferSize = 32
)

// Tab is one browser tab connected over WebSocket.
type Tab struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan *ServerMessage
	remoteAddr string
	logger     *zap.Logger

	// Protected by mu - accessed from multiple goroutines
	mu        sync.RWMutex
	path      string
	userAgent string

	// Closing state
	closing int32
	once    sync.Once
}

// NewTab wraps an upgraded connection.
func NewTab(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *zap.Logger) *Tab {
	return &Tab{
		id:         uuid.New().String(),
		hub:        hub,
		conn:       conn,
		send:       make(chan *ServerMessage, sendBufferSize),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// ID returns the tab ID.
func (t *Tab) ID() string {
	return t.id
}

// Path returns the page the tab last reported.
func (t *Tab) Path() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path
}

// Send queues a message to be sent to the tab.
// Safe to call from multiple goroutines.
func (t *Tab) Send(msg *ServerMessage) {
	// Close may close the channel between the check and the send.
	defer func() {
		_ = recover()
	}()

	if atomic.LoadInt32(&t.closing) == 1 {
		return
	}
	select {
	case t.send <- msg:
	default:
		// Buffer full, the tab is not reading.
		go t.Close()
	}
}

// Close closes the tab.
// Safe to call multiple times - only first call takes effect.
func (t *Tab) Close() {
	t.once.Do(func() {
		atomic.StoreInt32(&t.closing, 1)
		close(t.send)
	})
}

// Run starts the tab's read and write pumps and blocks until the
// connection ends.
func (t *Tab) Run() {
	go t.writePump()
	t.readPump()
}

func (t *Tab) readPump() {
	defer func() {
		t.hub.Unregister(t)
		t.Close()
	}()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("tab read failed", zap.String("tab", t.id), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Send(CtrlError("", CodeBadRequest, "malformed message"))
			continue
		}
		t.dispatch(&msg)
	}
}

// writePump owns all writes to the connection and closes it on exit.
func (t *Tab) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := t.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Tab) dispatch(msg *ClientMessage) {
	switch {
	case msg.Hi != nil:
		t.handleHi(msg)
	case msg.State != nil:
		t.Send(t.hub.stateFor(t, t.hub.reader.State()))
	default:
		t.Send(CtrlError(msg.ID, CodeBadRequest, "unknown message type"))
	}
}

func (t *Tab) handleHi(msg *ClientMessage) {
	hi := msg.Hi

	t.mu.Lock()
	if hi.Path != "" {
		t.path = viewrouter.Clean(hi.Path)
	}
	t.userAgent = hi.UserAgent
	t.mu.Unlock()

	t.Send(CtrlSuccess(msg.ID, CodeOK, map[string]any{
		"ver":   currentVersion,
		"build": buildstamp,
		"tab":   t.id,
	}))
	t.Send(t.hub.stateFor(t, t.hub.reader.State()))
}
