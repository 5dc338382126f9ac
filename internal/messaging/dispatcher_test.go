package messaging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guestloop/loyaltybot/internal/flow"
	"github.com/guestloop/loyaltybot/internal/keyboards"
	"github.com/guestloop/loyaltybot/internal/menu"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
)

// mockChannel records outbound traffic for assertions.
type mockChannel struct {
	events chan models.Event
	sent   []string
	edited []string
	acked  []string
}

func newMockChannel() *mockChannel {
	return &mockChannel{events: make(chan models.Event, DefaultChannelBufferSize)}
}

func (m *mockChannel) SendPrompt(_ context.Context, _, text string, _ *models.ChoiceSet) error {
	m.sent = append(m.sent, text)
	return nil
}

func (m *mockChannel) EditLastPrompt(_ context.Context, _, text string, _ *models.ChoiceSet) error {
	m.edited = append(m.edited, text)
	return nil
}

func (m *mockChannel) Acknowledge(_ context.Context, _, eventID, _ string) error {
	m.acked = append(m.acked, eventID)
	return nil
}

func (m *mockChannel) Events() <-chan models.Event   { return m.events }
func (m *mockChannel) Start(_ context.Context) error { return nil }
func (m *mockChannel) Stop() error                   { return nil }

func (m *mockChannel) lastSent() string {
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1]
}

func newTestDispatcher(st store.Store) (*Dispatcher, *mockChannel) {
	ch := newMockChannel()
	clock := func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	ctrl := flow.NewController(st, flow.NewSessionManager(st), flow.WithClock(clock))
	m := menu.New(st)
	return NewDispatcher(ch, ctrl, m, st), ch
}

func text(userID, body string) models.Event {
	return models.Event{ID: "ev-" + body, ConversationID: userID, UserID: userID, Kind: models.EventText, Text: body}
}

func choice(userID, token string) models.Event {
	return models.Event{ID: "ev-" + token, ConversationID: userID, UserID: userID, Kind: models.EventChoice, Choice: token}
}

func TestDispatcherStartsFlowForNewUser(t *testing.T) {
	st := store.NewInMemoryStore()
	d, ch := newTestDispatcher(st)

	if err := d.Handle(context.Background(), text("500", "привет")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(ch.sent) != 2 {
		t.Fatalf("expected welcome and rules prompts, got %v", ch.sent)
	}
	if sess, _ := st.GetSession("500"); sess == nil {
		t.Errorf("expected active session after first contact")
	}
}

func TestDispatcherRoutesActiveSessionToFlow(t *testing.T) {
	st := store.NewInMemoryStore()
	d, ch := newTestDispatcher(st)
	ctx := context.Background()

	if err := d.Handle(ctx, text("500", "привет")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := d.Handle(ctx, choice("500", keyboards.TokenAcceptRules)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !strings.Contains(ch.lastSent(), "Поделиться контактом") {
		t.Errorf("expected contact prompt, got %q", ch.lastSent())
	}
	if len(ch.acked) == 0 {
		t.Errorf("choice event must be acknowledged")
	}
}

func TestDispatcherRoutesRegisteredUserToMenu(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.CreateUserIfAbsent("600", models.Patch{
		models.FieldPreferredName: "Анна",
		models.FieldIsRegistered:  true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	d, ch := newTestDispatcher(st)

	if err := d.Handle(context.Background(), text("600", "привет")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !strings.Contains(ch.lastSent(), "главном меню") {
		t.Errorf("registered user must land in the menu, got %q", ch.lastSent())
	}
	if sess, _ := st.GetSession("600"); sess != nil {
		t.Errorf("menu routing must not open a session")
	}
}

func TestDispatcherExpandsMenuHandOff(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.CreateUserIfAbsent("700", models.Patch{
		models.FieldFirstName: "Олег",
		models.FieldLastName:  "Кузнецов",
		models.FieldGender:    models.GenderMale,
		models.FieldBirthDate: "25.12.1990",
		models.FieldEmail:     "oleg@example.com",
		models.FieldIsLegacy:  true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	d, ch := newTestDispatcher(st)
	ctx := context.Background()

	// Complete the whole legacy flow through the dispatcher.
	steps := []models.Event{
		text("700", "привет"),
		choice("700", keyboards.TokenAcceptRules),
		choice("700", keyboards.TokenReviewCorrect),
		choice("700", keyboards.TokenNotifyYes),
	}
	for _, ev := range steps {
		if err := d.Handle(ctx, ev); err != nil {
			t.Fatalf("Handle(%+v) failed: %v", ev, err)
		}
	}

	// The terminal EnterMenu action expands into the menu greeting.
	if !strings.Contains(ch.lastSent(), "добро пожаловать") {
		t.Errorf("expected menu greeting after completion, got %q", ch.lastSent())
	}
	u, _ := st.GetUser("700")
	if !u.IsRegistered || u.IsLegacy {
		t.Errorf("flow completion flags not set: %+v", u)
	}
}

func TestDispatcherRejectsEmptyUser(t *testing.T) {
	st := store.NewInMemoryStore()
	d, _ := newTestDispatcher(st)
	if err := d.Handle(context.Background(), models.Event{Kind: models.EventText}); err == nil {
		t.Error("expected error for event without user id")
	}
}

func TestDispatcherRunDrainsStream(t *testing.T) {
	st := store.NewInMemoryStore()
	d, ch := newTestDispatcher(st)

	ch.events <- text("800", "привет")
	close(ch.events)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(ch.sent) == 0 {
		t.Errorf("expected queued event to be processed before shutdown")
	}
}
