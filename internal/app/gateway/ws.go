package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/invitewave/project/internal/contracts"
	"github.com/invitewave/project/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var errConnClosed = errors.New("websocket connection closed")

// wsConn adapts a gorilla websocket to realtime.Conn. All writes go through
// the send channel and a single write pump, since gorilla connections allow
// only one concurrent writer.
type wsConn struct {
	ws        *websocket.Conn
	send      chan contracts.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan contracts.Event, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues the event for the write pump. A full buffer counts as a
// failed send so the dispatcher prunes connections too slow to drain.
func (c *wsConn) Send(ctx context.Context, event contracts.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- event:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is safe to call concurrently: the dispatcher, the write pump and the
// read pump all close on their own failure paths.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// writePump owns all writes on the underlying connection, including pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case event := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump drains and discards client frames. Reading is what surfaces pongs,
// close frames and dead peers.
func (c *wsConn) readPump(onClose func()) {
	defer func() {
		c.Close()
		onClose()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Printf("event=ws_upgrade_failed contact_id=%s error=%v", claims.Subject, err)
		return
	}

	conn := newWSConn(ws)
	h.Registry.Register(claims.Subject, conn)
	log.Printf("event=ws_connected contact_id=%s connections=%d", claims.Subject, h.Registry.Connections())

	go conn.writePump()
	go conn.readPump(func() {
		h.Registry.Unregister(claims.Subject, conn)
		log.Printf("event=ws_disconnected contact_id=%s connections=%d", claims.Subject, h.Registry.Connections())
	})
}

func newUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
}

var _ realtime.Conn = (*wsConn)(nil)
