package domain

import "time"

// Presence is the connection state of one chat identity. Handle is the
// identifier of the live connection and changes on every reconnect.
type Presence struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	Online      bool      `json:"online"`
	Handle      string    `json:"-"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

type ChatMessage struct {
	SenderIdentity   string     `json:"senderIdentity"`
	ReceiverIdentity string     `json:"receiverIdentity"`
	SenderName       string     `json:"senderName,omitempty"`
	Body             string     `json:"body"`
	System           bool       `json:"system,omitempty"`
	SentAt           time.Time  `json:"sentAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
}
