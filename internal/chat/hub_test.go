package chat

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
)

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) emit(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Envelope{Event: event, Data: raw}))
}

// expect reads frames until one with the given event arrives.
func (c *client) expect(event string, into any) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		require.NoError(c.t, c.ws.ReadJSON(&env))
		if env.Event == event {
			if into != nil {
				require.NoError(c.t, json.Unmarshal(env.Data, into))
			}
			return
		}
	}
}

func TestHubChatFlow(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	alice := dial(t, srv)
	alice.emit(EventIdentify, identifyData{Identity: "alice", DisplayName: "Alice"})

	require.Eventually(t, func() bool {
		p, ok := hub.Registry.Lookup("alice")
		return ok && p.Online
	}, 2*time.Second, 10*time.Millisecond)

	alice.emit(EventMessage, messageData{Body: "anyone there?"})
	var sys domain.ChatMessage
	alice.expect(EventMessage, &sys)
	assert.True(t, sys.System)
	assert.Equal(t, adminOfflineText, sys.Body)

	admin := dial(t, srv)
	admin.emit(EventIdentify, identifyData{Identity: "admin", DisplayName: "Admin", IsAdmin: true})
	var list []domain.Presence
	admin.expect(EventPresenceList, &list)
	require.Len(t, list, 2)

	alice.emit(EventMessage, messageData{Body: "hello"})
	var got domain.ChatMessage
	admin.expect(EventMessage, &got)
	assert.Equal(t, "alice", got.SenderIdentity)
	assert.Equal(t, "hello", got.Body)

	admin.emit(EventMessage, messageData{ReceiverIdentity: "alice", Body: "hi Alice"})
	alice.expect(EventMessage, &got)
	assert.Equal(t, "admin", got.SenderIdentity)

	admin.emit(EventSelectConversation, selectData{PeerIdentity: "alice"})
	var conv struct {
		PeerIdentity string               `json:"peerIdentity"`
		Messages     []domain.ChatMessage `json:"messages"`
	}
	admin.expect(EventConversation, &conv)
	assert.Equal(t, "alice", conv.PeerIdentity)
	require.Len(t, conv.Messages, 2)

	_ = alice.ws.Close()
	var change PresenceChanged
	admin.expect(EventPresenceChanged, &change)
	assert.Equal(t, "alice", change.Identity)
	assert.False(t, change.Online)
}

func TestHubRepliesToBadFramesAndStaysOpen(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	c := dial(t, srv)
	for _, frame := range []string{`{"event":"identify","data":{`, `not json`, `{"event":7}`} {
		require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
		var e errorData
		c.expect(EventError, &e)
		assert.Equal(t, "bad_frame", e.Code, frame)
	}

	c.emit(EventIdentify, identifyData{Identity: "alice", DisplayName: "Alice"})
	require.Eventually(t, func() bool {
		p, ok := hub.Registry.Lookup("alice")
		return ok && p.Online
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubRejectsMessagesBeforeIdentify(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	c := dial(t, srv)
	c.emit(EventMessage, messageData{Body: "hi"})
	var e errorData
	c.expect(EventError, &e)
	assert.Equal(t, "not_identified", e.Code)

	c.emit("dance", struct{}{})
	c.expect(EventError, &e)
	assert.Equal(t, "unknown_event", e.Code)
}

func TestHubIdentityComesFromIdentify(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	admin := dial(t, srv)
	admin.emit(EventIdentify, identifyData{Identity: "admin", IsAdmin: true})
	admin.expect(EventPresenceList, nil)

	mallory := dial(t, srv)
	mallory.emit(EventIdentify, identifyData{Identity: "mallory"})
	admin.expect(EventPresenceChanged, nil)

	// Extra fields in the payload cannot change who the sender is.
	mallory.emit(EventMessage, map[string]any{"senderIdentity": "admin", "isAdmin": true, "receiverIdentity": "bob", "body": "x"})
	var got domain.ChatMessage
	admin.expect(EventMessage, &got)
	assert.Equal(t, "mallory", got.SenderIdentity)

	mallory.emit(EventIdentify, identifyData{Identity: "admin", IsAdmin: true})
	var e errorData
	mallory.expect(EventError, &e)
	assert.Equal(t, "already_identified", e.Code)
}

func TestDeliverDropsSlowConnection(t *testing.T) {
	hub := NewHub(HubOptions{SendBuffer: 1})
	c := &conn{hub: hub, handle: "h", send: make(chan []byte, 1), done: make(chan struct{})}
	hub.conns["h"] = c

	assert.True(t, hub.Deliver("h", EventMessage, "one"))
	assert.False(t, hub.Deliver("h", EventMessage, "two"))
	select {
	case <-c.done:
	default:
		t.Fatal("slow connection was not closed")
	}
	assert.False(t, hub.Deliver("h", EventMessage, "three"))
	assert.False(t, hub.Deliver("missing", EventMessage, "x"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://shop.example/"})
	req := httptest.NewRequest("GET", "/chat/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://shop.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
