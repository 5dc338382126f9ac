// Package models defines the core data structures for the loyalty bot.
//
// It includes the user profile record, the closed field enum used for partial
// patches, and the inbound/outbound event types shared across modules.
package models

import (
	"errors"
	"time"
)

// Gender holds the user's self-reported gender.
type Gender string

const (
	// GenderMale is the "male" choice of the gender keyboard.
	GenderMale Gender = "male"
	// GenderFemale is the "female" choice of the gender keyboard.
	GenderFemale Gender = "female"
	// GenderUnset means the user has not picked a gender yet.
	GenderUnset Gender = ""
)

// IsValidGender checks if the given gender value is supported.
func IsValidGender(g Gender) bool {
	switch g {
	case GenderMale, GenderFemale:
		return true
	default:
		return false
	}
}

// Field identifies one user profile field. The set is closed: every write to
// the user record goes through a Patch keyed by Field, so a typo cannot
// silently create a new column the way a stringly-typed update would.
type Field string

const (
	FieldUsername               Field = "username"
	FieldFirstName              Field = "first_name"
	FieldLastName               Field = "last_name"
	FieldPreferredName          Field = "preferred_name"
	FieldGender                 Field = "gender"
	FieldBirthDate              Field = "birth_date"
	FieldEmail                  Field = "email"
	FieldPhoneNumber            Field = "phone_number"
	FieldRulesAccepted          Field = "rules_accepted"
	FieldRulesAcceptedAt        Field = "rules_accepted_at"
	FieldNotificationsAllowed   Field = "notifications_allowed"
	FieldNotificationsAllowedAt Field = "notifications_allowed_at"
	FieldIsRegistered           Field = "is_registered"
	FieldIsLegacy               Field = "is_legacy"
)

// IsValidField checks if the given field belongs to the closed enum.
func IsValidField(f Field) bool {
	switch f {
	case FieldUsername, FieldFirstName, FieldLastName, FieldPreferredName,
		FieldGender, FieldBirthDate, FieldEmail, FieldPhoneNumber,
		FieldRulesAccepted, FieldRulesAcceptedAt,
		FieldNotificationsAllowed, FieldNotificationsAllowedAt,
		FieldIsRegistered, FieldIsLegacy:
		return true
	default:
		return false
	}
}

// Patch is a partial update of a user record. Unknown keys are logged and
// ignored by the store; ApplyPatch reports which keys were actually applied.
type Patch map[Field]any

// BirthDateLayout is the wire/storage layout for birth dates. Birth dates are
// calendar dates only, no time component.
const BirthDateLayout = "02.01.2006"

// User is one participant of the loyalty program.
type User struct {
	ID       string `json:"id"` // canonical conversation identifier, immutable
	Username string `json:"username,omitempty"`

	FirstName     string `json:"first_name,omitempty"` // raw validated input
	LastName      string `json:"last_name,omitempty"`  // raw validated input
	PreferredName string `json:"preferred_name,omitempty"`
	Gender        Gender `json:"gender,omitempty"`
	BirthDate     string `json:"birth_date,omitempty"` // DD.MM.YYYY
	Email         string `json:"email,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`

	RulesAccepted          bool       `json:"rules_accepted"`
	RulesAcceptedAt        *time.Time `json:"rules_accepted_at,omitempty"`
	NotificationsAllowed   bool       `json:"notifications_allowed"`
	NotificationsAllowedAt *time.Time `json:"notifications_allowed_at,omitempty"`

	IsRegistered bool `json:"is_registered"`
	IsLegacy     bool `json:"is_legacy"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the name used to address the user, falling back to a
// neutral greeting when nothing was collected yet.
func (u *User) DisplayName() string {
	if u.PreferredName != "" {
		return u.PreferredName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return "Гость"
}

// Error variables shared across modules.
var (
	ErrEmptyConversation = errors.New("conversation id cannot be empty")
	ErrUserNotFound      = errors.New("user not found")
	ErrStoreClosed       = errors.New("store is closed")
)

// EventKind tags the modality of an inbound event.
type EventKind string

const (
	// EventText is a free-text message.
	EventText EventKind = "text"
	// EventChoice is a selection from a fixed choice set (inline button).
	EventChoice EventKind = "choice"
	// EventContact is a structured contact payload (shared phone number).
	EventContact EventKind = "contact"
)

// Contact is the structured payload of a shared contact.
type Contact struct {
	UserID      string `json:"user_id"` // owner of the shared contact
	PhoneNumber string `json:"phone_number"`
}

// Event is one inbound interaction, scoped to a single user conversation.
// The transport adapter tags it with exactly one of the three modalities.
type Event struct {
	ID             string    `json:"id"` // transport event id, used for acknowledgement
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Kind           EventKind `json:"kind"`
	Text           string    `json:"text,omitempty"`
	Choice         string    `json:"choice,omitempty"` // choice token, e.g. "gender_male"
	Contact        *Contact  `json:"contact,omitempty"`
	Time           int64     `json:"time"`
}

// Choice is one selectable option of a choice set.
type Choice struct {
	Label string `json:"label"` // text shown to the user
	Data  string `json:"data"`  // token delivered back as Event.Choice
	URL   string `json:"url,omitempty"`
}

// ChoiceSet is a fixed keyboard of choices, one row per entry.
type ChoiceSet struct {
	Rows [][]Choice `json:"rows"`
	// RequestContact marks a reply keyboard that asks the user to share
	// their own contact instead of tapping a data token.
	RequestContact bool `json:"request_contact,omitempty"`
}

// ActionKind tags an outbound action produced by a handler.
type ActionKind string

const (
	// ActionSendPrompt sends a new message, optionally with a choice set.
	ActionSendPrompt ActionKind = "send_prompt"
	// ActionEditPrompt edits the last prompt sent to the conversation.
	ActionEditPrompt ActionKind = "edit_prompt"
	// ActionAcknowledge acknowledges an inbound interaction.
	ActionAcknowledge ActionKind = "acknowledge"
	// ActionEnterMenu hands the conversation over to the main menu.
	ActionEnterMenu ActionKind = "enter_menu"
)

// Action is one outbound effect. Handlers are synchronous functions from an
// Event to a list of Actions; the dispatcher executes them on the Channel, so
// flow logic stays testable without a live transport.
type Action struct {
	Kind           ActionKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	Text           string     `json:"text,omitempty"`
	Choices        *ChoiceSet `json:"choices,omitempty"`
	AckID          string     `json:"ack_id,omitempty"`       // for ActionAcknowledge
	AckText        string     `json:"ack_text,omitempty"`     // optional toast shown on acknowledge
	DisplayName    string     `json:"display_name,omitempty"` // for ActionEnterMenu
}

// SendPrompt builds a send-prompt action.
func SendPrompt(conversationID, text string, choices *ChoiceSet) Action {
	return Action{Kind: ActionSendPrompt, ConversationID: conversationID, Text: text, Choices: choices}
}

// EditPrompt builds an edit-last-prompt action.
func EditPrompt(conversationID, text string, choices *ChoiceSet) Action {
	return Action{Kind: ActionEditPrompt, ConversationID: conversationID, Text: text, Choices: choices}
}

// Acknowledge builds an acknowledge action for an inbound event.
func Acknowledge(conversationID, eventID, text string) Action {
	return Action{Kind: ActionAcknowledge, ConversationID: conversationID, AckID: eventID, AckText: text}
}

// EnterMenu builds the menu hand-off action emitted once on flow completion.
func EnterMenu(conversationID, displayName string) Action {
	return Action{Kind: ActionEnterMenu, ConversationID: conversationID, DisplayName: displayName}
}
