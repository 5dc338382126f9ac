// Package twiliowhatsapp provides a Twilio-backed WhatsApp transport.
//
// It is the fallback for deployments that cannot pair a Whatsmeow device:
// outbound messages go through the Twilio REST API and inbound messages
// arrive on a webhook.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the outbound surface of the Twilio client, narrow enough to
// mock in tests.
type Sender interface {
	// SendText sends a WhatsApp text message via Twilio and returns the
	// message SID.
	SendText(ctx context.Context, to, body string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // sender number in E.164 format, e.g. +14155238886
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) {
		o.AccountSID = sid
	}
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) {
		o.AuthToken = token
	}
}

// WithFromNumber sets the sender number in E.164 format.
func WithFromNumber(number string) Option {
	return func(o *Opts) {
		o.FromNumber = number
	}
}

// Client wraps the Twilio REST client for WhatsApp messaging.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a new Twilio client, applying any provided options and
// falling back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
// TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio account SID, auth token and from number are required")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("Twilio client created", "from", cfg.FromNumber)
	return &Client{client: client, fromWhats: "whatsapp:" + cfg.FromNumber}, nil
}

// SendText sends a WhatsApp text message via Twilio and returns the message
// SID. The recipient is a bare phone number; the whatsapp: prefix is added
// here.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + normalizeNumber(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Failed to send Twilio WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	var sid string
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio WhatsApp message sent", "to", to, "sid", sid)
	return sid, nil
}

// normalizeNumber ensures the number carries a leading plus for E.164.
func normalizeNumber(n string) string {
	if strings.HasPrefix(n, "+") {
		return n
	}
	return "+" + n
}

// MockClient implements Sender without calling Twilio (for tests).
type MockClient struct {
	SentMessages []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to, body string) (string, error) {
	m.SentMessages = append(m.SentMessages, body)
	return fmt.Sprintf("SM%04d", len(m.SentMessages)), nil
}
