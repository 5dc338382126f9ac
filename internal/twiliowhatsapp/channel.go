package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guestloop/loyaltybot/internal/messaging"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/util"
)

// Constants for channel behavior
const (
	// DefaultWebhookAddr is the default listen address for the inbound webhook
	DefaultWebhookAddr = ":8081"
	// DefaultWebhookPath is the path Twilio posts inbound messages to
	DefaultWebhookPath = "/twilio/webhook"
	// DefaultEventTimeout bounds the non-blocking event channel write
	DefaultEventTimeout = 1 * time.Second
)

// Channel adapts the Twilio client to the messaging.Channel contract.
//
// Twilio messages carry no inline keyboards and cannot be edited, so choice
// sets render as numbered options and EditLastPrompt sends a fresh message.
// Inbound messages arrive as form posts on the webhook.
type Channel struct {
	sender      Sender
	webhookAddr string

	events chan models.Event
	done   chan struct{}
	server *http.Server

	mu          sync.Mutex
	lastChoices map[string][]messaging.ChoiceOption
}

// ChannelOption defines a configuration option for the Twilio channel.
type ChannelOption func(*Channel)

// WithWebhookAddr sets the listen address for the inbound webhook server.
func WithWebhookAddr(addr string) ChannelOption {
	return func(ch *Channel) {
		ch.webhookAddr = addr
	}
}

// NewChannel creates a Twilio-backed channel on the given sender.
func NewChannel(sender Sender, opts ...ChannelOption) *Channel {
	ch := &Channel{
		sender:      sender,
		webhookAddr: DefaultWebhookAddr,
		events:      make(chan models.Event, messaging.DefaultChannelBufferSize),
		done:        make(chan struct{}),
		lastChoices: make(map[string][]messaging.ChoiceOption),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// SendPrompt delivers a message, rendering any choice set as numbered
// options.
func (ch *Channel) SendPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error {
	body, opts := messaging.RenderChoiceText(text, choices)
	if _, err := ch.sender.SendText(ctx, conversationID, body); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	ch.mu.Lock()
	if len(opts) > 0 {
		ch.lastChoices[conversationID] = opts
	} else {
		delete(ch.lastChoices, conversationID)
	}
	ch.mu.Unlock()
	return nil
}

// EditLastPrompt sends a fresh message; the Twilio API cannot edit a
// delivered message.
func (ch *Channel) EditLastPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error {
	return ch.SendPrompt(ctx, conversationID, text, choices)
}

// Acknowledge sends the confirmation text when present. Twilio exposes no
// read receipts for inbound messages.
func (ch *Channel) Acknowledge(ctx context.Context, conversationID, eventID, text string) error {
	if text == "" {
		return nil
	}
	if _, err := ch.sender.SendText(ctx, conversationID, text); err != nil {
		return fmt.Errorf("failed to send acknowledgement: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (ch *Channel) Events() <-chan models.Event {
	return ch.events
}

// Start launches the webhook server for inbound messages.
func (ch *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultWebhookPath, ch.WebhookHandler())
	ch.server = &http.Server{Addr: ch.webhookAddr, Handler: mux}
	go func() {
		slog.Info("Twilio webhook server listening", "addr", ch.webhookAddr, "path", DefaultWebhookPath)
		if err := ch.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Twilio webhook server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the webhook server and closes the event stream.
func (ch *Channel) Stop() error {
	slog.Info("Twilio channel stopping")
	close(ch.done)
	if ch.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Twilio webhook server shutdown failed", "error", err)
		}
	}
	close(ch.events)
	return nil
}

// WebhookHandler converts Twilio inbound form posts into events. Twilio
// sends the sender as "whatsapp:+79001234567" in the From field, the text in
// Body and the message SID in MessageSid.
func (ch *Channel) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			slog.Warn("Twilio webhook form parse failed", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
		body := r.FormValue("Body")
		sid := r.FormValue("MessageSid")
		if sid == "" {
			sid = util.GenerateEventID()
		}
		userID := digitsOnly(from)
		if userID == "" {
			slog.Warn("Twilio webhook without sender number")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		ev := models.Event{
			ID:             sid,
			ConversationID: userID,
			UserID:         userID,
			Time:           time.Now().Unix(),
		}
		ch.mu.Lock()
		opts := ch.lastChoices[userID]
		ch.mu.Unlock()
		if token, ok := messaging.ResolveChoiceReply(body, opts); ok {
			ev.Kind = models.EventChoice
			ev.Choice = token
		} else if phone, ok := phoneFromText(body); ok {
			// Twilio has no contact-share button, so a typed phone number
			// stands in for the attachment.
			ev.Kind = models.EventContact
			ev.Contact = &models.Contact{UserID: digitsOnly(phone), PhoneNumber: phone}
		} else {
			ev.Kind = models.EventText
			ev.Text = body
		}
		ch.emit(ev)

		// An empty TwiML response tells Twilio not to auto-reply.
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
	}
}

func (ch *Channel) emit(ev models.Event) {
	select {
	case ch.events <- ev:
	case <-ch.done:
	case <-time.After(DefaultEventTimeout):
		slog.Warn("Twilio channel event stream blocked, dropping event", "from", ev.UserID)
	}
}

// phoneFromText recognizes a message that is just a phone number, allowing
// spaces, dashes and parentheses around 10 to 15 digits.
func phoneFromText(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", false
	}
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits := digitsOnly(trimmed)
	if len(digits) < 10 || len(digits) > 15 {
		return "", false
	}
	if strings.HasPrefix(trimmed, "+") {
		return "+" + digits, true
	}
	return digits, true
}

// digitsOnly strips everything but digits so webhook senders match the user
// ids used by the rest of the system.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
