package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storefront/internal/domain"
	"storefront/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 << 10
	defaultSendBuf = 64
)

type HubOptions struct {
	// SendBuffer bounds the queued outbound frames per connection. A
	// connection whose buffer is full is dropped.
	SendBuffer     int
	AllowedOrigins []string
}

// Hub serves the chat socket and owns the live connections. It is the
// Deliverer for its Registry and Relay.
type Hub struct {
	Registry *Registry
	Relay    *Relay

	upgrader websocket.Upgrader
	sendBuf  int

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		sendBuf: opts.SendBuffer,
		conns:   map[string]*conn{},
	}
	if h.sendBuf <= 0 {
		h.sendBuf = defaultSendBuf
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	h.Registry = NewRegistry(h)
	h.Relay = NewRelay(h.Registry, h)
	return h
}

type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	handle string
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// Set by identify; only touched by the read loop.
	identity string
	isAdmin  bool
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("chat upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	c := &conn{
		hub:    h,
		ws:     ws,
		handle: util.NewConnHandle(),
		send:   make(chan []byte, h.sendBuf),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.handle] = c
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()
}

// Deliver queues an event for the connection without blocking. A full
// buffer closes the connection.
func (h *Hub) Deliver(handle, event string, data any) bool {
	h.mu.RLock()
	c, ok := h.conns[handle]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	frame, err := encode(event, data)
	if err != nil {
		slog.Error("chat encode failed", "event", event, "err", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("chat client too slow, disconnecting", "handle", handle)
		c.close()
		return false
	}
}

// Close drops every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *conn) readLoop() {
	defer func() {
		c.hub.mu.Lock()
		delete(c.hub.conns, c.handle)
		c.hub.mu.Unlock()
		c.hub.Registry.Disconnect(c.handle)
		c.close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("chat read ended", "handle", c.handle, "err", err)
			}
			return
		}
		// Decode failures are bad frames. A broken transport surfaces on
		// the next NextReader.
		var env Envelope
		if err := json.NewDecoder(r).Decode(&env); err != nil {
			c.replyError("bad_frame", "frame is not a valid envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env Envelope) {
	switch env.Event {
	case EventIdentify:
		var d identifyData
		if err := json.Unmarshal(env.Data, &d); err != nil || strings.TrimSpace(d.Identity) == "" {
			c.replyError("bad_identify", "identity is required")
			return
		}
		d.Identity = strings.TrimSpace(d.Identity)
		if c.identity != "" && c.identity != d.Identity {
			c.replyError("already_identified", "connection is bound to another identity")
			return
		}
		c.identity, c.isAdmin = d.Identity, d.IsAdmin
		c.hub.Registry.Connect(d.Identity, strings.TrimSpace(d.DisplayName), d.IsAdmin, c.handle)

	case EventMessage:
		if c.identity == "" {
			c.replyError("not_identified", ErrNotIdentified.Error())
			return
		}
		var d messageData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			c.replyError("bad_message", "message payload is invalid")
			return
		}
		if c.isAdmin && d.ReceiverIdentity == "" {
			c.replyError("bad_message", "receiverIdentity is required")
			return
		}
		_, err := c.hub.Relay.Send(c.identity, d.ReceiverIdentity, d.Body, c.isAdmin)
		switch {
		case err == nil, errors.Is(err, domain.ErrRecipientOffline):
		case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
			c.replyError("bad_message", err.Error())
		default:
			c.replyError("send_failed", err.Error())
		}

	case EventSelectConversation:
		if c.identity == "" {
			c.replyError("not_identified", ErrNotIdentified.Error())
			return
		}
		var d selectData
		_ = json.Unmarshal(env.Data, &d)
		shopper := c.identity
		if c.isAdmin {
			if d.PeerIdentity == "" {
				c.replyError("bad_select", "peerIdentity is required")
				return
			}
			shopper = d.PeerIdentity
		}
		c.hub.Deliver(c.handle, EventConversation, Conversation{PeerIdentity: shopper, Messages: c.hub.Relay.History(shopper)})

	default:
		c.replyError("unknown_event", "unknown event "+env.Event)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) replyError(code, msg string) {
	c.hub.Deliver(c.handle, EventError, errorData{Code: code, Message: msg})
}

func (c *conn) close() {
	// The write loop sends the close frame and closes the socket, which
	// ends the read loop.
	c.once.Do(func() { close(c.done) })
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
