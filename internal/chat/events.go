package chat

import (
	"encoding/json"
	"errors"
)

const (
	EventIdentify           = "identify"
	EventMessage            = "message"
	EventSelectConversation = "select-conversation"

	EventPresenceChanged = "presence-changed"
	EventPresenceList    = "presence-list"
	EventConversation    = "conversation"
	EventError           = "error"
)

const maxBodyLen = 4096

var (
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrMessageTooLong = errors.New("message body is too long")
	ErrNotIdentified  = errors.New("connection has not identified")
)

// Envelope is the frame exchanged over the chat socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Deliverer pushes an event to one live connection. It must not block and
// reports false when the event was not accepted.
type Deliverer interface {
	Deliver(handle, event string, data any) bool
}

type identifyData struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type messageData struct {
	ReceiverIdentity string `json:"receiverIdentity"`
	Body             string `json:"body"`
}

type selectData struct {
	PeerIdentity string `json:"peerIdentity"`
}

type PresenceChanged struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
	Online      bool   `json:"online"`
}

type Conversation struct {
	PeerIdentity string `json:"peerIdentity"`
	Messages     any    `json:"messages"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
