package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guestloop/loyaltybot/internal/keyboards"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
)

var testToday = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestController(st store.Store) *Controller {
	return NewController(st, NewSessionManager(st), WithClock(func() time.Time { return testToday }))
}

func textEvent(userID, text string) models.Event {
	return models.Event{ID: "ev-" + text, ConversationID: userID, UserID: userID, Kind: models.EventText, Text: text}
}

func choiceEvent(userID, token string) models.Event {
	return models.Event{ID: "ev-" + token, ConversationID: userID, UserID: userID, Kind: models.EventChoice, Choice: token}
}

func contactEvent(userID, ownerID, phone string) models.Event {
	return models.Event{
		ID: "ev-contact", ConversationID: userID, UserID: userID,
		Kind:    models.EventContact,
		Contact: &models.Contact{UserID: ownerID, PhoneNumber: phone},
	}
}

func handle(t *testing.T, c *Controller, ev models.Event) []models.Action {
	t.Helper()
	actions, err := c.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%s %q%q) failed: %v", ev.Kind, ev.Text, ev.Choice, err)
	}
	return actions
}

// lastPrompt returns the text of the last send/edit action.
func lastPrompt(actions []models.Action) string {
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Kind == models.ActionSendPrompt || actions[i].Kind == models.ActionEditPrompt {
			return actions[i].Text
		}
	}
	return ""
}

func sessionState(t *testing.T, st store.Store, userID string) string {
	t.Helper()
	sess, err := st.GetSession(userID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess == nil {
		return ""
	}
	return sess.CurrentState
}

func TestFreshRegistrationEndToEnd(t *testing.T) {
	st := store.NewInMemoryStore()
	c := newTestController(st)
	const uid = "100500"

	// First contact starts the flow with welcome plus rules.
	actions := handle(t, c, textEvent(uid, "/start"))
	if len(actions) != 2 || actions[1].Choices == nil {
		t.Fatalf("expected welcome and rules prompt, got %+v", actions)
	}
	if got := sessionState(t, st, uid); got != StateAwaitingRulesConsent {
		t.Fatalf("expected rules-consent state, got %q", got)
	}

	// Free text instead of the accept button re-prompts the rules.
	actions = handle(t, c, textEvent(uid, "ок"))
	if !strings.Contains(lastPrompt(actions), "согласие") {
		t.Errorf("expected rules re-prompt, got %q", lastPrompt(actions))
	}
	if got := sessionState(t, st, uid); got != StateAwaitingRulesConsent {
		t.Errorf("state must not advance on wrong modality, got %q", got)
	}

	// Accept rules: contact request follows.
	actions = handle(t, c, choiceEvent(uid, keyboards.TokenAcceptRules))
	if !strings.Contains(lastPrompt(actions), "Поделиться контактом") {
		t.Errorf("expected contact prompt, got %q", lastPrompt(actions))
	}
	u, _ := st.GetUser(uid)
	if !u.RulesAccepted || u.RulesAcceptedAt == nil {
		t.Errorf("rules consent not recorded: %+v", u)
	}

	// A foreign contact is rejected, state holds.
	actions = handle(t, c, contactEvent(uid, "999", "79001234567"))
	if !strings.Contains(actions[0].Text, "собственный контакт") {
		t.Errorf("expected own-contact rejection, got %q", actions[0].Text)
	}
	if got := sessionState(t, st, uid); got != StateAwaitingContact {
		t.Errorf("expected contact state to hold, got %q", got)
	}

	// Own contact: phone normalized with a leading plus, first name asked.
	actions = handle(t, c, contactEvent(uid, uid, "79001234567"))
	if !strings.Contains(lastPrompt(actions), "имя") {
		t.Errorf("expected first-name prompt, got %q", lastPrompt(actions))
	}
	u, _ = st.GetUser(uid)
	if u.PhoneNumber != "+79001234567" {
		t.Errorf("phone not normalized: %q", u.PhoneNumber)
	}

	// Invalid name re-prompts.
	actions = handle(t, c, textEvent(uid, "Иван123"))
	if !strings.Contains(lastPrompt(actions), "буквы") {
		t.Errorf("expected name rejection, got %q", lastPrompt(actions))
	}

	handle(t, c, textEvent(uid, "Иван"))
	actions = handle(t, c, textEvent(uid, "Петров"))
	if actions[len(actions)-1].Choices == nil {
		t.Fatalf("expected gender keyboard, got %+v", actions)
	}

	// Text during the gender step self-loops on the same prompt.
	actions = handle(t, c, textEvent(uid, "мужской"))
	if lastPrompt(actions) != "Выберите ваш пол:" || actions[len(actions)-1].Choices == nil {
		t.Errorf("expected gender re-prompt with keyboard, got %+v", actions)
	}

	handle(t, c, choiceEvent(uid, keyboards.TokenGenderMale))

	// Nonexistent calendar date is rejected even though the shape matches.
	actions = handle(t, c, textEvent(uid, "31.02.2020"))
	if !strings.Contains(lastPrompt(actions), "даты не существует") {
		t.Errorf("expected nonexistent-date rejection, got %q", lastPrompt(actions))
	}

	handle(t, c, textEvent(uid, "25.12.1990"))
	actions = handle(t, c, textEvent(uid, "ivan@example.com"))
	if !strings.Contains(lastPrompt(actions), "Проверьте введённые данные") {
		t.Fatalf("expected review summary, got %q", lastPrompt(actions))
	}
	if !strings.Contains(lastPrompt(actions), "Иван") || !strings.Contains(lastPrompt(actions), "25.12.1990") {
		t.Errorf("review summary missing collected values: %q", lastPrompt(actions))
	}

	// Confirm review, then opt in to notifications.
	actions = handle(t, c, choiceEvent(uid, keyboards.TokenReviewCorrect))
	if !strings.Contains(lastPrompt(actions), "уведомлений") {
		t.Errorf("expected notifications prompt, got %q", lastPrompt(actions))
	}
	actions = handle(t, c, choiceEvent(uid, keyboards.TokenNotifyYes))

	final := actions[len(actions)-1]
	if final.Kind != models.ActionEnterMenu {
		t.Fatalf("expected menu hand-off, got %+v", final)
	}
	if final.DisplayName != "Иван" {
		t.Errorf("menu hand-off display name = %q", final.DisplayName)
	}

	u, _ = st.GetUser(uid)
	if !u.IsRegistered || !u.NotificationsAllowed || u.NotificationsAllowedAt == nil {
		t.Errorf("terminal patch not applied: %+v", u)
	}
	if u.PreferredName != "Иван" {
		t.Errorf("preferred name not derived: %q", u.PreferredName)
	}
	if got := sessionState(t, st, uid); got != "" {
		t.Errorf("session must be cleared on completion, got %q", got)
	}
}

func TestLegacyUpgradeProbesOnlyMissingFields(t *testing.T) {
	st := store.NewInMemoryStore()
	const uid = "200700"
	if _, err := st.CreateUserIfAbsent(uid, models.Patch{
		models.FieldFirstName:   "Анна",
		models.FieldLastName:    "Смирнова",
		models.FieldGender:      models.GenderFemale,
		models.FieldBirthDate:   "01.01.1875", // fails the age cap
		models.FieldPhoneNumber: "+79005554433",
		models.FieldIsLegacy:    true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	c := newTestController(st)

	handle(t, c, textEvent(uid, "/start"))
	sess, _ := st.GetSession(uid)
	if sess.Variant != models.FlowLegacyUpgrade {
		t.Fatalf("expected legacy variant, got %q", sess.Variant)
	}

	// No contact step: the rules consent leads straight to the first probe
	// failure, the birth date.
	actions := handle(t, c, choiceEvent(uid, keyboards.TokenAcceptRules))
	if !strings.Contains(lastPrompt(actions), "дату рождения") {
		t.Fatalf("expected birth-date prompt, got %q", lastPrompt(actions))
	}

	handle(t, c, textEvent(uid, "25.12.1990"))
	actions = handle(t, c, textEvent(uid, "anna@example.com"))
	if !strings.Contains(lastPrompt(actions), "Проверьте введённые данные") {
		t.Fatalf("expected review after queue drained, got %q", lastPrompt(actions))
	}

	handle(t, c, choiceEvent(uid, keyboards.TokenReviewCorrect))
	actions = handle(t, c, choiceEvent(uid, keyboards.TokenNotifyNo))
	if actions[len(actions)-1].Kind != models.ActionEnterMenu {
		t.Fatalf("expected menu hand-off, got %+v", actions)
	}

	u, _ := st.GetUser(uid)
	if u.IsLegacy {
		t.Errorf("legacy flag must be cleared on completion")
	}
	if !u.IsRegistered {
		t.Errorf("registration flag must be set on completion")
	}
	if u.NotificationsAllowed {
		t.Errorf("declined notifications must be stored as false")
	}
	if u.NotificationsAllowedAt == nil {
		t.Errorf("consent timestamp must be recorded even on decline")
	}
	// Valid stored values survive untouched.
	if u.FirstName != "Анна" || u.PhoneNumber != "+79005554433" {
		t.Errorf("stored fields must not be re-collected: %+v", u)
	}
}

func TestLegacyUpgradeCompleteProfileSkipsToReview(t *testing.T) {
	st := store.NewInMemoryStore()
	const uid = "200800"
	if _, err := st.CreateUserIfAbsent(uid, models.Patch{
		models.FieldFirstName: "Пётр",
		models.FieldLastName:  "Иванов",
		models.FieldGender:    models.GenderMale,
		models.FieldBirthDate: "25.12.1990",
		models.FieldEmail:     "pyotr@example.com",
		models.FieldIsLegacy:  true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	c := newTestController(st)

	handle(t, c, textEvent(uid, "/start"))
	actions := handle(t, c, choiceEvent(uid, keyboards.TokenAcceptRules))
	if !strings.Contains(lastPrompt(actions), "Проверьте введённые данные") {
		t.Fatalf("expected immediate review for complete profile, got %q", lastPrompt(actions))
	}
	if got := sessionState(t, st, uid); got != StateAwaitingReview {
		t.Errorf("expected review state, got %q", got)
	}
}

func TestReviewEditRoundTrip(t *testing.T) {
	st := store.NewInMemoryStore()
	const uid = "300900"
	if _, err := st.CreateUserIfAbsent(uid, models.Patch{
		models.FieldFirstName: "Олег",
		models.FieldLastName:  "Кузнецов",
		models.FieldGender:    models.GenderMale,
		models.FieldBirthDate: "25.12.1990",
		models.FieldEmail:     "oleg@example.com",
		models.FieldIsLegacy:  true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	c := newTestController(st)
	handle(t, c, textEvent(uid, "/start"))
	handle(t, c, choiceEvent(uid, keyboards.TokenAcceptRules))

	// Open the edit menu and pick the email field.
	actions := handle(t, c, choiceEvent(uid, keyboards.TokenReviewEdit))
	if !strings.Contains(lastPrompt(actions), "исправить") {
		t.Fatalf("expected edit-choice menu, got %q", lastPrompt(actions))
	}
	actions = handle(t, c, choiceEvent(uid, keyboards.EditToken(models.FieldEmail)))
	if !strings.Contains(lastPrompt(actions), "email") {
		t.Fatalf("expected email edit prompt, got %q", lastPrompt(actions))
	}

	// Invalid replacement re-prompts, stored value survives.
	handle(t, c, textEvent(uid, "not-an-email"))
	u, _ := st.GetUser(uid)
	if u.Email != "oleg@example.com" {
		t.Errorf("rejected edit must not overwrite stored value: %q", u.Email)
	}

	// Valid replacement lands back on review with the new value.
	actions = handle(t, c, textEvent(uid, "new@example.com"))
	if !strings.Contains(lastPrompt(actions), "new@example.com") {
		t.Errorf("review must show edited value, got %q", lastPrompt(actions))
	}
	u, _ = st.GetUser(uid)
	if u.Email != "new@example.com" {
		t.Errorf("edit not persisted: %q", u.Email)
	}

	// Editing to the same value is idempotent.
	handle(t, c, choiceEvent(uid, keyboards.TokenReviewEdit))
	handle(t, c, choiceEvent(uid, keyboards.EditToken(models.FieldEmail)))
	actions = handle(t, c, textEvent(uid, "new@example.com"))
	if !strings.Contains(lastPrompt(actions), "Проверьте введённые данные") {
		t.Errorf("idempotent edit must land on review, got %q", lastPrompt(actions))
	}

	// Cancel returns to review without changes.
	handle(t, c, choiceEvent(uid, keyboards.TokenReviewEdit))
	actions = handle(t, c, choiceEvent(uid, keyboards.TokenEditCancel))
	if !strings.Contains(lastPrompt(actions), "Проверьте введённые данные") {
		t.Errorf("cancel must land on review, got %q", lastPrompt(actions))
	}
}

func TestSelectVariant(t *testing.T) {
	if v := SelectVariant(nil); v.Name != models.FlowRegistration {
		t.Errorf("nil user must get registration, got %q", v.Name)
	}
	if v := SelectVariant(&models.User{IsLegacy: true}); v.Name != models.FlowLegacyUpgrade {
		t.Errorf("legacy user must get the upgrade flow, got %q", v.Name)
	}
	if v := SelectVariant(&models.User{}); v.Name != models.FlowRegistration {
		t.Errorf("plain user must get registration, got %q", v.Name)
	}
}

func TestUnknownQueueFieldIsSkipped(t *testing.T) {
	st := store.NewInMemoryStore()
	const uid = "400100"
	if _, err := st.CreateUserIfAbsent(uid, nil); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	sm := NewSessionManager(st)
	c := NewController(st, sm, WithClock(func() time.Time { return testToday }))

	// A persisted session whose queue holds a field no step collects.
	sess := models.Session{
		UserID:       uid,
		Variant:      models.FlowLegacyUpgrade,
		CurrentState: StateAwaitingField,
		Pending:      []models.Field{models.Field("favorite_drink"), models.FieldEmail},
		CreatedAt:    testToday,
		UpdatedAt:    testToday,
	}
	if err := st.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	actions := handle(t, c, textEvent(uid, "whatever"))
	if !strings.Contains(lastPrompt(actions), "email") {
		t.Errorf("unknown field must be skipped silently, got %q", lastPrompt(actions))
	}
}

func TestRenderReviewUnsetValues(t *testing.T) {
	text := RenderReview(&models.User{FirstName: "Иван"})
	if !strings.Contains(text, "Иван") {
		t.Errorf("review must show set values: %q", text)
	}
	for _, marker := range []string{"не указано", "не указан", "не указана"} {
		if !strings.Contains(text, marker) {
			t.Errorf("review must mark absent values with %q: %q", marker, text)
		}
	}
}
