package chat

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/util"
)

const adminOfflineText = "Sorry. I am not online right now"

// Relay routes messages between shoppers and the online admin. Each
// conversation log is owned by the shopper identity so it survives an
// admin reconnect or handoff.
type Relay struct {
	registry *Registry
	out      Deliverer
	now      func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
	last time.Time
}

func NewRelay(registry *Registry, out Deliverer) *Relay {
	return &Relay{
		registry: registry,
		out:      out,
		now:      util.NowUTC,
		convs:    map[string]*conversation{},
	}
}

// Send delivers body from sender to the resolved recipient: the online
// admin for a shopper, receiverIdentity for an admin. When the recipient
// is offline the sender gets a system message and nothing is kept.
func (r *Relay) Send(senderIdentity, receiverIdentity, body string, isAdminSender bool) (domain.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	if len(body) > maxBodyLen {
		return domain.ChatMessage{}, ErrMessageTooLong
	}

	sender, _ := r.registry.Lookup(senderIdentity)

	var recipient domain.Presence
	var online bool
	if isAdminSender {
		recipient, online = r.registry.Lookup(receiverIdentity)
		online = online && recipient.Online && !recipient.IsAdmin
	} else {
		recipient, online = r.registry.FindOnlineAdmin()
	}
	if !online {
		return domain.ChatMessage{}, r.offline(sender, receiverIdentity, isAdminSender)
	}

	shopper := senderIdentity
	if isAdminSender {
		shopper = recipient.Identity
	}
	conv := r.conversation(shopper)

	conv.mu.Lock()
	defer conv.mu.Unlock()

	sentAt := r.now()
	if sentAt.Before(conv.last) {
		sentAt = conv.last
	}
	msg := domain.ChatMessage{
		SenderIdentity:   senderIdentity,
		ReceiverIdentity: recipient.Identity,
		SenderName:       sender.DisplayName,
		Body:             body,
		SentAt:           sentAt,
	}
	if r.out == nil || !r.out.Deliver(recipient.Handle, EventMessage, msg) {
		return domain.ChatMessage{}, r.offline(sender, recipient.Identity, isAdminSender)
	}
	delivered := r.now()
	if delivered.Before(sentAt) {
		delivered = sentAt
	}
	msg.DeliveredAt = &delivered
	conv.msgs = append(conv.msgs, msg)
	conv.last = sentAt

	observability.ChatMessages.WithLabelValues("delivered").Inc()
	return msg, nil
}

// History returns the log of the conversation owned by shopperIdentity.
func (r *Relay) History(shopperIdentity string) []domain.ChatMessage {
	r.mu.Lock()
	conv, ok := r.convs[shopperIdentity]
	r.mu.Unlock()
	if !ok {
		return []domain.ChatMessage{}
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return append([]domain.ChatMessage(nil), conv.msgs...)
}

func (r *Relay) conversation(shopper string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[shopper]
	if !ok {
		c = &conversation{}
		r.convs[shopper] = c
	}
	return c
}

func (r *Relay) offline(sender domain.Presence, receiverIdentity string, isAdminSender bool) error {
	observability.ChatMessages.WithLabelValues("recipient_offline").Inc()
	slog.Info("chat recipient offline", "sender", sender.Identity, "receiver", receiverIdentity, "is_admin", isAdminSender)

	text := adminOfflineText
	if isAdminSender {
		name := receiverIdentity
		if p, ok := r.registry.Lookup(receiverIdentity); ok && p.DisplayName != "" {
			name = p.DisplayName
		}
		text = fmt.Sprintf("%s is not online right now", name)
	}
	if sender.Online && r.out != nil {
		r.out.Deliver(sender.Handle, EventMessage, domain.ChatMessage{
			SenderIdentity:   receiverIdentity,
			ReceiverIdentity: sender.Identity,
			Body:             text,
			System:           true,
			SentAt:           r.now(),
		})
	}
	return domain.ErrRecipientOffline
}
