package hub

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4096 // subscribers only send pongs and small control text
)

// WSHandler upgrades HTTP requests and attaches them to one hub channel.
// In production only origins on the allowlist are accepted; without an
// allowlist all origins pass, with a warning.
type WSHandler struct {
	hub      *Hub
	channel  string
	snapshot func(r *http.Request) [][]byte
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewWSHandler builds a websocket endpoint for a channel. snapshot, when
// non-nil, produces the frames delivered before any live payload.
func NewWSHandler(h *Hub, channel, env string, allowedOrigins []string, snapshot func(r *http.Request) [][]byte) *WSHandler {
	logger := log.New(log.Writer(), "[WS] ", log.LstdFlags)
	return &WSHandler{
		hub:      h,
		channel:  channel,
		snapshot: snapshot,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(env, allowedOrigins, logger),
		},
	}
}

func buildCheckOrigin(env string, origins []string, logger *log.Logger) func(r *http.Request) bool {
	if env == "production" && len(origins) > 0 {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.TrimSpace(o)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Printf("rejected connection from origin %q", origin)
			return false
		}
	}
	if env == "production" {
		logger.Printf("no origin allowlist configured in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// ServeHTTP upgrades the connection, sends the initial snapshot, then
// relays hub frames until either side goes away.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed on %s: %v", h.channel, err)
		return
	}

	var initial [][]byte
	if h.snapshot != nil {
		initial = h.snapshot(r)
	}
	sub := h.hub.Subscribe(h.channel, initial...)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// writePump owns all writes to the connection: hub frames and pings.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Drain what is already queued while we hold the deadline.
			n := len(sub.C)
			for i := 0; i < n; i++ {
				if err := conn.WriteMessage(websocket.TextMessage, <-sub.C); err != nil {
					return
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns all reads; subscribers send nothing meaningful, the pump
// exists to service pongs and detect the peer going away.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Printf("read error on %s: %v", h.channel, err)
			}
			return
		}
	}
}
