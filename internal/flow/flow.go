// Package flow implements the onboarding state machine of the loyalty bot.
//
// One state machine serves two flow variants: fresh registration for new
// users and a data backfill for users carried over from the previous bot.
// The variants differ only in how the conversation opens, how the field
// queue is built and which flags the terminal patch writes; every state
// handler is shared.
package flow

import (
	"fmt"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/validate"
)

// Conversation states. A session is always in exactly one of these.
const (
	StateAwaitingRulesConsent         = "AWAITING_RULES_CONSENT"
	StateAwaitingContact              = "AWAITING_CONTACT"
	StateAwaitingField                = "AWAITING_FIELD"
	StateAwaitingReview               = "AWAITING_REVIEW"
	StateAwaitingEditChoice           = "AWAITING_EDIT_CHOICE"
	StateAwaitingEditField            = "AWAITING_EDIT_FIELD"
	StateAwaitingNotificationsConsent = "AWAITING_NOTIFICATIONS_CONSENT"
)

// Variant is the value object that parameterizes the shared state machine.
type Variant struct {
	Name models.FlowVariantName

	// CollectContact asks for the user's phone number right after the rules
	// consent. Only the fresh-registration variant does this.
	CollectContact bool

	// WelcomeText opens the conversation before the rules prompt.
	WelcomeText string

	// BuildQueue returns the ordered list of fields to collect for this user.
	BuildQueue func(u *models.User, today time.Time) []models.Field

	// FinalPatch is written when the notifications consent lands, together
	// with the consent fields themselves.
	FinalPatch func(now time.Time) models.Patch

	// FinalText is the completion message, addressed by display name.
	FinalText func(name string) string
}

// registrationQueue is the fixed collection order of the fresh flow.
var registrationQueue = []models.Field{
	models.FieldFirstName,
	models.FieldLastName,
	models.FieldGender,
	models.FieldBirthDate,
	models.FieldEmail,
}

// Registration is the fresh-registration variant for users with no record or
// an incomplete non-legacy record.
var Registration = Variant{
	Name:           models.FlowRegistration,
	CollectContact: true,
	WelcomeText: "👋 Добро пожаловать в программу лояльности!\n" +
		"Давай знакомиться: ответь на несколько вопросов, это займёт пару минут.",
	BuildQueue: func(u *models.User, today time.Time) []models.Field {
		queue := make([]models.Field, len(registrationQueue))
		copy(queue, registrationQueue)
		return queue
	},
	FinalPatch: func(now time.Time) models.Patch {
		return models.Patch{models.FieldIsRegistered: true}
	},
	FinalText: func(name string) string {
		return fmt.Sprintf("🎉 Поздравляем, %s! Вы успешно зарегистрированы в программе лояльности.", name)
	},
}

// LegacyUpgrade is the backfill variant for users imported from the previous
// bot. The phone number survived the import, so no contact step; the queue
// holds only the fields whose stored values are absent or fail validation.
var LegacyUpgrade = Variant{
	Name:           models.FlowLegacyUpgrade,
	CollectContact: false,
	WelcomeText: "👋 Здравствуй, друг! Мы обновили бота и хотим убедиться, " +
		"что твои данные актуальны, а также получить необходимые согласия. " +
		"Это займёт всего пару минут.",
	BuildQueue: validate.MissingFields,
	FinalPatch: func(now time.Time) models.Patch {
		return models.Patch{
			models.FieldIsRegistered: true,
			models.FieldIsLegacy:     false,
		}
	},
	FinalText: func(name string) string {
		return fmt.Sprintf("✅ Спасибо, %s! Твои данные сохранены. Добро пожаловать в обновлённый бот!", name)
	},
}

// SelectVariant picks the flow variant for a user record. Legacy users get
// the backfill flow; everyone else starts a fresh registration.
func SelectVariant(u *models.User) Variant {
	if u != nil && u.IsLegacy {
		return LegacyUpgrade
	}
	return Registration
}

// VariantByName resolves a persisted session's variant name. Unknown names
// fall back to the fresh flow so a stale session cannot wedge a user.
func VariantByName(name models.FlowVariantName) Variant {
	if name == models.FlowLegacyUpgrade {
		return LegacyUpgrade
	}
	return Registration
}
