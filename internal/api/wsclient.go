package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
)

const (
	wsSendBufferSize = 256

	defaultWSMaxMessageSize = 4096
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// The API listens on loopback by default and requires a token when a JWT
// secret is set, so any origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsTimings struct {
	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
}

func wsSettings(cfg config.WebSocketConfig) wsTimings {
	t := wsTimings{
		maxMessageSize: defaultWSMaxMessageSize,
		pingInterval:   defaultWSPingInterval,
		pongWait:       defaultWSPongTimeout,
	}
	if cfg.MaxMessageSize > 0 {
		t.maxMessageSize = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		t.pingInterval = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		t.pongWait = time.Duration(cfg.PongTimeout) * time.Second
	}
	return t
}

// readDeadline is how long a silent peer is tolerated.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.pingInterval + t.pongWait)
}

// WSClient is one connected WebSocket peer. Frames are queued on send and
// written by a single writer goroutine.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *WSClient {
	return &WSClient{
		hub:     hub,
		conn:    conn,
		subject: subject,
		send:    make(chan []byte, wsSendBufferSize),
		done:    make(chan struct{}),
		subs:    make(map[string]struct{}),
	}
}

// handleWebSocket upgrades the connection; authMiddleware has already run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is off
	client := newWSClient(s.hub, conn, subject)
	s.hub.Register(client)

	t := wsSettings(s.wsCfg)
	go client.writeLoop(t)
	go client.readLoop(t)
}

// close stops the writer and the connection once.
func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close() //nolint:errcheck // peer may already be gone
		}
	})
}

// enqueue drops the frame when the client is closing or its buffer is full.
func (c *WSClient) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *WSClient) reply(msgType, id string, payload any) {
	frame, err := encodeWS(msgType, id, "", payload)
	if err != nil {
		c.hub.logger.Warn("failed to encode websocket reply", "type", msgType, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(WSTypeError, id, map[string]string{"message": message})
}

func (c *WSClient) readLoop(t wsTimings) {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(t.maxMessageSize)
	_ = c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(t.readDeadline()) //nolint:errcheck // read error surfaces on next read
		c.dispatch(data)
	}
}

func (c *WSClient) writeLoop(t wsTimings) {
	ping := time.NewTicker(t.pingInterval)
	defer ping.Stop()

	write := func(kind int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(t.pongWait)) //nolint:errcheck // write error checked below
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if !write(websocket.TextMessage, frame) {
				c.close()
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				c.close()
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.changeSubscriptions(msg)
	case WSTypePing:
		c.reply(WSTypePong, msg.ID, nil)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// changeSubscriptions applies all channels or none.
func (c *WSClient) changeSubscriptions(msg WSMessage) {
	var req WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &req) != nil {
		c.replyError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}
	for _, ch := range req.Channels {
		if !strings.HasPrefix(ch, ChannelResourcePrefix) {
			c.replyError(msg.ID, "unknown channel: "+ch)
			return
		}
	}

	adding := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range req.Channels {
		if adding {
			c.subs[ch] = struct{}{}
		} else {
			delete(c.subs, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if adding {
		key = "subscribed"
	}
	c.reply(WSTypeResponse, msg.ID, map[string]any{key: req.Channels})
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}
