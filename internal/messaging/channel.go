// Package messaging defines the transport abstraction and routes inbound
// events between the onboarding flow and the main menu.
package messaging

import (
	"context"

	"github.com/guestloop/loyaltybot/internal/models"
)

// Constants for channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the event channel
	DefaultChannelBufferSize = 100
)

// Channel is a pluggable message transport. Implementations convert their
// native updates into models.Event values and execute outbound actions.
type Channel interface {
	// SendPrompt delivers a message, optionally with a choice set.
	SendPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error

	// EditLastPrompt replaces the last prompt sent to the conversation.
	// Transports without message editing fall back to sending a new message.
	EditLastPrompt(ctx context.Context, conversationID, text string, choices *models.ChoiceSet) error

	// Acknowledge confirms an inbound interaction, e.g. stops a button
	// spinner or marks the message read.
	Acknowledge(ctx context.Context, conversationID, eventID, text string) error

	// Events returns the stream of inbound events.
	Events() <-chan models.Event

	// Start begins background processing (connection, event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}
