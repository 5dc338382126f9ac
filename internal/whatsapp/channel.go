package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/guestloop/loyaltybot/internal/messaging"
	"github.com/guestloop/loyaltybot/internal/models"
)

// Constants for channel behavior
const (
	// DefaultEventBufferSize defines the buffer size for the inbound event channel
	DefaultEventBufferSize = 100
	// DefaultEventTimeout bounds the non-blocking event channel write
	DefaultEventTimeout = 1 * time.Second
)

// Channel adapts the WhatsApp client to the messaging.Channel contract.
//
// WhatsApp text messages carry no inline keyboards, so choice sets render as
// numbered options appended to the prompt; a reply with the option's number
// or label comes back as a choice event. The last prompt id per conversation
// is kept so EditLastPrompt can rewrite it in place.
type Channel struct {
	sender Sender
	client *Client // nil when running against a mock sender

	events chan models.Event
	done   chan struct{}

	// closeMu orders emit against Stop: Stop closes events only once no
	// emit holds the read lock, so a message racing with shutdown cannot
	// send on a closed channel.
	closeMu sync.RWMutex
	closed  bool

	mu          sync.Mutex
	lastChoices map[string][]messaging.ChoiceOption
	lastMsgID   map[string]string
}

// NewChannel creates a WhatsApp-backed channel on the given sender.
func NewChannel(sender Sender) *Channel {
	ch := &Channel{
		sender:      sender,
		events:      make(chan models.Event, DefaultEventBufferSize),
		done:        make(chan struct{}),
		lastChoices: make(map[string][]messaging.ChoiceOption),
		lastMsgID:   make(map[string]string),
	}
	if c, ok := sender.(*Client); ok {
		ch.client = c
		slog.Debug("WhatsApp channel created with full client for event handling")
	} else {
		slog.Debug("WhatsApp channel created with interface sender (likely mock)")
	}
	return ch
}

// SendPrompt delivers a message, rendering any choice set as numbered
// options.
func (ch *Channel) SendPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error {
	body, refs := messaging.RenderChoiceText(text, choices)
	id, err := ch.sender.SendText(ctx, conversationID, body)
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	ch.mu.Lock()
	ch.lastMsgID[conversationID] = id
	if len(refs) > 0 {
		ch.lastChoices[conversationID] = refs
	} else {
		delete(ch.lastChoices, conversationID)
	}
	ch.mu.Unlock()
	return nil
}

// EditLastPrompt rewrites the last prompt sent to the conversation, falling
// back to a fresh message when nothing was sent yet.
func (ch *Channel) EditLastPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error {
	ch.mu.Lock()
	id, ok := ch.lastMsgID[conversationID]
	ch.mu.Unlock()
	if !ok {
		return ch.SendPrompt(ctx, conversationID, text, choices)
	}

	body, refs := messaging.RenderChoiceText(text, choices)
	if err := ch.sender.EditText(ctx, conversationID, id, body); err != nil {
		return fmt.Errorf("failed to edit prompt: %w", err)
	}
	ch.mu.Lock()
	if len(refs) > 0 {
		ch.lastChoices[conversationID] = refs
	} else {
		delete(ch.lastChoices, conversationID)
	}
	ch.mu.Unlock()
	return nil
}

// Acknowledge marks the inbound message read. A non-empty text lands as a
// regular message since WhatsApp has no toast equivalent.
func (ch *Channel) Acknowledge(ctx context.Context, conversationID, eventID, text string) error {
	if eventID != "" {
		if err := ch.sender.MarkRead(ctx, conversationID, eventID); err != nil {
			slog.Warn("WhatsApp channel mark-read failed", "error", err, "conversationID", conversationID)
		}
	}
	if text != "" {
		if _, err := ch.sender.SendText(ctx, conversationID, text); err != nil {
			return fmt.Errorf("failed to send acknowledgement: %w", err)
		}
	}
	return nil
}

// Events returns the inbound event stream.
func (ch *Channel) Events() <-chan models.Event {
	return ch.events
}

// Start registers the whatsmeow event handler. With a mock sender there is
// nothing to poll.
func (ch *Channel) Start(ctx context.Context) error {
	if ch.client == nil || ch.client.GetClient() == nil {
		slog.Debug("WhatsApp channel Start: no full client, skipping event handling")
		return nil
	}
	ch.client.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			ch.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsApp channel event handler registered")
	return nil
}

// Stop disconnects and closes the event stream. Disconnecting first stops
// whatsmeow from delivering new messages; the close lock then waits out any
// in-flight emit before the stream is closed.
func (ch *Channel) Stop() error {
	slog.Info("WhatsApp channel stopping")
	close(ch.done)
	if ch.client != nil {
		ch.client.Disconnect()
	}
	ch.closeMu.Lock()
	ch.closed = true
	close(ch.events)
	ch.closeMu.Unlock()
	return nil
}

func (ch *Channel) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	sender := evt.Info.Sender.User
	base := models.Event{
		ID:             string(evt.Info.ID),
		ConversationID: sender,
		UserID:         sender,
		Time:           evt.Info.Timestamp.Unix(),
	}

	if contact := evt.Message.GetContactMessage(); contact != nil {
		phone := parseVCardPhone(contact.GetVcard())
		if phone == "" {
			slog.Debug("WhatsApp channel ignoring contact without phone", "from", sender)
			return
		}
		base.Kind = models.EventContact
		base.Contact = &models.Contact{UserID: digitsOnly(phone), PhoneNumber: phone}
		ch.emit(base)
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if ext := evt.Message.GetExtendedTextMessage(); ext != nil && ext.Text != nil {
		text = *ext.Text
	} else {
		slog.Debug("WhatsApp channel ignoring non-text message", "from", sender)
		return
	}

	ch.mu.Lock()
	refs := ch.lastChoices[sender]
	ch.mu.Unlock()
	if token, ok := messaging.ResolveChoiceReply(text, refs); ok {
		base.Kind = models.EventChoice
		base.Choice = token
		ch.emit(base)
		return
	}
	base.Kind = models.EventText
	base.Text = text
	ch.emit(base)
}

func (ch *Channel) emit(ev models.Event) {
	ch.closeMu.RLock()
	defer ch.closeMu.RUnlock()
	if ch.closed {
		slog.Debug("WhatsApp channel dropping event after shutdown", "from", ev.UserID)
		return
	}
	select {
	case ch.events <- ev:
	case <-ch.done:
	case <-time.After(DefaultEventTimeout):
		slog.Warn("WhatsApp channel event stream blocked, dropping event", "from", ev.UserID)
	}
}

// parseVCardPhone extracts the first phone number from a vCard payload.
func parseVCardPhone(vcard string) string {
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TEL") {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 || idx == len(line)-1 {
			continue
		}
		raw := line[idx+1:]
		var b strings.Builder
		for _, r := range raw {
			if r == '+' || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

// digitsOnly strips everything but digits, e.g. for comparing a shared phone
// against a JID user part.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
