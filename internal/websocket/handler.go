// Package websocket carries the transport: upgrading HTTP requests to
// persistent bidirectional connections and pumping frames between the peer
// and the event router.
package websocket

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/router"
)

// Options tunes transport behavior. Zero values fall back to defaults
// suitable for browser clients.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 8 << 20 // room for inline data-URI images
	}
	return opts
}

// Handler upgrades requests on the relay endpoint and drives the router with
// inbound frames. The room id arrives as the "room" query parameter; an
// absent value means the default room.
type Handler struct {
	router   *router.Router
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler over the given router.
func NewHandler(rt *router.Router, opts Options) *Handler {
	o := opts.withDefaults()
	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		router: rt,
		opts:   o,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      checkOrigin,
		},
	}
}

// HandleWebSocket upgrades the request and registers the connection in the
// unassigned state. The session becomes visible to its room only when the
// client sends a join event.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	wsConn.SetReadLimit(h.opts.MaxMessageSize)

	conn := NewConnection(wsConn, h.opts.SendBufferSize, h.opts.WriteTimeout)
	if err := h.router.Connect(conn.ID(), conn, r.RemoteAddr, room); err != nil {
		log.Printf("connection registration failed: %v", err)
		_ = conn.Close()
		return
	}

	go h.readLoop(conn)
}

// readLoop owns the connection lifecycle: one reader goroutine per
// connection feeds the router in arrival order, which is what preserves
// per-sender FIFO delivery. The deferred disconnect makes teardown run
// exactly once no matter how the loop exits.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.router.Disconnect(conn.ID())
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.opts.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, frame, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: conn=%s: %v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.router.HandleFrame(conn.ID(), frame)
	}
}
