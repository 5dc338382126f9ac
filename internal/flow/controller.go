package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guestloop/loyaltybot/internal/keyboards"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
	"github.com/guestloop/loyaltybot/internal/validate"
)

// Conversation texts shared by both variants.
const (
	rulesText = "📜 Для начала нам необходимо получить твоё согласие на обработку персональных данных " +
		"и согласие с политикой конфиденциальности.\n\n" +
		"👉 Ознакомься с документами по ссылке ниже и нажми «✅ Согласен»."
	rulesAcceptedAck = "Спасибо! Правила приняты."

	contactPromptText = "Отлично! Теперь, чтобы подключиться к программе лояльности, " +
		"нажми кнопку «Поделиться контактом»."
	contactReminderText = "Пожалуйста, нажмите кнопку «Поделиться контактом» на клавиатуре, " +
		"чтобы отправить свой номер телефона."
	contactNotOwnText = "Пожалуйста, отправьте свой собственный контакт, используя кнопку ниже."
	contactSavedText  = "Спасибо! Номер телефона сохранён."

	notificationsText = "📢 Мы хотим радовать вас уникальными предложениями и акциями.\n" +
		"Ознакомьтесь с условиями получения уведомлений по ссылке ниже и сделайте выбор:"

	editChoiceText = "🔧 Выберите, что хотите исправить:"
	genderSavedAck = "✅ Пол сохранён."
)

// Opts holds configuration options for the flow controller.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the flow controller.
type Option func(*Opts)

// WithClock overrides the controller's time source. Tests pin it for
// deterministic age math.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Controller drives the onboarding state machine. HandleEvent is a pure
// dispatch: it maps one inbound event to a list of outbound actions and the
// next persisted session state; the transport executes the actions.
type Controller struct {
	store    store.Store
	sessions *SessionManager
	now      func() time.Time
}

// NewController creates a flow controller on the given store.
func NewController(st store.Store, sessions *SessionManager, opts ...Option) *Controller {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{store: st, sessions: sessions, now: cfg.Now}
}

// Start opens the onboarding conversation for a user: creates the record if
// absent, picks the flow variant and emits the welcome plus rules prompt.
func (c *Controller) Start(ctx context.Context, ev models.Event) ([]models.Action, error) {
	var actions []models.Action
	err := c.sessions.WithLock(ev.UserID, func() error {
		var err error
		actions, err = c.start(ev)
		return err
	})
	return actions, err
}

func (c *Controller) start(ev models.Event) ([]models.Action, error) {
	u, err := c.store.CreateUserIfAbsent(ev.UserID, nil)
	if err != nil {
		slog.Error("Controller start user creation failed", "error", err, "userID", ev.UserID)
		return nil, fmt.Errorf("failed to prepare user %s: %w", ev.UserID, err)
	}
	variant := SelectVariant(u)
	if _, err := c.sessions.Begin(ev.UserID, variant); err != nil {
		return nil, err
	}
	slog.Debug("Controller flow started", "userID", ev.UserID, "variant", variant.Name)
	return []models.Action{
		models.SendPrompt(ev.ConversationID, variant.WelcomeText, nil),
		models.SendPrompt(ev.ConversationID, rulesText, keyboards.Rules()),
	}, nil
}

// HandleEvent processes one inbound event under the user's conversation
// lock. Events for users without an active session start a new flow.
func (c *Controller) HandleEvent(ctx context.Context, ev models.Event) ([]models.Action, error) {
	var actions []models.Action
	err := c.sessions.WithLock(ev.UserID, func() error {
		sess, err := c.sessions.Get(ev.UserID)
		if err != nil {
			return err
		}
		if sess == nil {
			actions, err = c.start(ev)
			return err
		}
		actions, err = c.dispatch(sess, ev)
		return err
	})
	return actions, err
}

// HasSession reports whether the user has an active onboarding session.
func (c *Controller) HasSession(userID string) (bool, error) {
	sess, err := c.sessions.Get(userID)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

func (c *Controller) dispatch(sess *models.Session, ev models.Event) ([]models.Action, error) {
	slog.Debug("Controller dispatching event", "userID", ev.UserID, "state", sess.CurrentState, "kind", ev.Kind)
	switch sess.CurrentState {
	case StateAwaitingRulesConsent:
		return c.handleRulesConsent(sess, ev)
	case StateAwaitingContact:
		return c.handleContact(sess, ev)
	case StateAwaitingField:
		return c.handleField(sess, ev)
	case StateAwaitingReview:
		return c.handleReview(sess, ev)
	case StateAwaitingEditChoice:
		return c.handleEditChoice(sess, ev)
	case StateAwaitingEditField:
		return c.handleEditField(sess, ev)
	case StateAwaitingNotificationsConsent:
		return c.handleNotifications(sess, ev)
	default:
		// Session written by an unknown version: restart cleanly.
		slog.Warn("Controller unknown session state, restarting flow", "userID", ev.UserID, "state", sess.CurrentState)
		if err := c.sessions.End(ev.UserID); err != nil {
			return nil, err
		}
		return c.start(ev)
	}
}

func (c *Controller) handleRulesConsent(sess *models.Session, ev models.Event) ([]models.Action, error) {
	if ev.Kind != models.EventChoice || ev.Choice != keyboards.TokenAcceptRules {
		// Anything but the accept button re-prompts the rules.
		return []models.Action{
			models.SendPrompt(ev.ConversationID, rulesText, keyboards.Rules()),
		}, nil
	}

	now := c.now()
	if _, err := c.store.ApplyPatch(ev.UserID, models.Patch{
		models.FieldRulesAccepted:   true,
		models.FieldRulesAcceptedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record rules consent: %w", err)
	}
	slog.Debug("Controller rules accepted", "userID", ev.UserID)

	actions := []models.Action{
		models.Acknowledge(ev.ConversationID, ev.ID, rulesAcceptedAck),
		models.EditPrompt(ev.ConversationID, rulesText, nil),
	}

	variant := VariantByName(sess.Variant)
	if variant.CollectContact {
		sess.CurrentState = StateAwaitingContact
		if err := c.sessions.Save(sess); err != nil {
			return nil, err
		}
		return append(actions,
			models.SendPrompt(ev.ConversationID, contactPromptText, keyboards.Contact()),
		), nil
	}

	u, err := c.store.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, models.ErrUserNotFound
	}
	sess.Pending = variant.BuildQueue(u, c.now())
	next, err := c.advance(sess, ev.ConversationID)
	if err != nil {
		return nil, err
	}
	return append(actions, next...), nil
}

func (c *Controller) handleContact(sess *models.Session, ev models.Event) ([]models.Action, error) {
	if ev.Kind != models.EventContact || ev.Contact == nil {
		return []models.Action{
			models.SendPrompt(ev.ConversationID, contactReminderText, nil),
		}, nil
	}
	// The shared contact must belong to the sender.
	if ev.Contact.UserID != ev.UserID {
		slog.Warn("Controller rejected foreign contact", "userID", ev.UserID, "contactOwner", ev.Contact.UserID)
		return []models.Action{
			models.SendPrompt(ev.ConversationID, contactNotOwnText, nil),
			models.SendPrompt(ev.ConversationID, "Нажмите кнопку «Поделиться контактом»:", keyboards.Contact()),
		}, nil
	}

	phone := validate.NormalizePhone(ev.Contact.PhoneNumber)
	if _, err := c.store.ApplyPatch(ev.UserID, models.Patch{models.FieldPhoneNumber: phone}); err != nil {
		return nil, fmt.Errorf("failed to store phone number: %w", err)
	}
	slog.Debug("Controller contact captured", "userID", ev.UserID)

	u, err := c.store.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, models.ErrUserNotFound
	}
	variant := VariantByName(sess.Variant)
	sess.Pending = variant.BuildQueue(u, c.now())

	actions := []models.Action{
		models.SendPrompt(ev.ConversationID, contactSavedText, nil),
	}
	next, err := c.advance(sess, ev.ConversationID)
	if err != nil {
		return nil, err
	}
	return append(actions, next...), nil
}

// advance prompts for the next collectable field, skipping queue entries no
// step knows how to collect, and falls through to review when the queue is
// drained. It saves the session in the state it lands on.
func (c *Controller) advance(sess *models.Session, conversationID string) ([]models.Action, error) {
	for {
		head := sess.PendingHead()
		if head == "" {
			return c.toReview(sess, conversationID)
		}
		step, ok := StepFor(head)
		if !ok {
			slog.Warn("Controller skipping uncollectable field", "userID", sess.UserID, "field", head)
			sess.PopPending()
			continue
		}
		sess.CurrentState = StateAwaitingField
		if err := c.sessions.Save(sess); err != nil {
			return nil, err
		}
		var kb *models.ChoiceSet
		if step.Keyboard != nil {
			kb = step.Keyboard()
		}
		return []models.Action{models.SendPrompt(conversationID, step.Prompt, kb)}, nil
	}
}

func (c *Controller) handleField(sess *models.Session, ev models.Event) ([]models.Action, error) {
	head := sess.PendingHead()
	if head == "" {
		return c.toReview(sess, ev.ConversationID)
	}
	step, ok := StepFor(head)
	if !ok {
		sess.PopPending()
		return c.advance(sess, ev.ConversationID)
	}

	if ev.Kind != step.Modality {
		// Wrong modality self-loops on the same prompt.
		var kb *models.ChoiceSet
		if step.Keyboard != nil {
			kb = step.Keyboard()
		}
		return []models.Action{models.SendPrompt(ev.ConversationID, step.Prompt, kb)}, nil
	}

	patch, err := step.Parse(ev, c.now())
	if err != nil {
		return c.rejectInput(sess, ev, step, err)
	}

	variant := VariantByName(sess.Variant)
	if head == models.FieldFirstName && variant.Name == models.FlowRegistration {
		if v, ok := patch[models.FieldFirstName].(string); ok {
			patch[models.FieldPreferredName] = preferredNameFrom(v)
		}
	}
	if _, err := c.store.ApplyPatch(ev.UserID, patch); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", head, err)
	}
	slog.Debug("Controller field captured", "userID", ev.UserID, "field", head)
	sess.PopPending()

	var actions []models.Action
	if ev.Kind == models.EventChoice {
		ack := ""
		if head == models.FieldGender {
			ack = genderSavedAck
		}
		actions = append(actions, models.Acknowledge(ev.ConversationID, ev.ID, ack))
	}
	next, err := c.advance(sess, ev.ConversationID)
	if err != nil {
		return nil, err
	}
	return append(actions, next...), nil
}

// rejectInput turns a validation rejection into a re-prompt and leaves the
// session state untouched. Any other error is a hard failure.
func (c *Controller) rejectInput(sess *models.Session, ev models.Event, step Step, err error) ([]models.Action, error) {
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	slog.Debug("Controller input rejected", "userID", ev.UserID, "field", verr.Field, "reason", verr.Reason)
	var kb *models.ChoiceSet
	if step.Keyboard != nil {
		kb = step.Keyboard()
	}
	actions := []models.Action{models.SendPrompt(ev.ConversationID, "⚠️ "+verr.Reason, kb)}
	if ev.Kind == models.EventChoice {
		actions = append([]models.Action{models.Acknowledge(ev.ConversationID, ev.ID, "")}, actions...)
	}
	return actions, nil
}

// toReview renders the profile summary and moves the session to review.
func (c *Controller) toReview(sess *models.Session, conversationID string) ([]models.Action, error) {
	u, err := c.store.GetUser(sess.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, models.ErrUserNotFound
	}
	sess.CurrentState = StateAwaitingReview
	sess.EditTarget = ""
	if err := c.sessions.Save(sess); err != nil {
		return nil, err
	}
	return []models.Action{
		models.SendPrompt(conversationID, RenderReview(u), keyboards.Review()),
	}, nil
}

func (c *Controller) handleReview(sess *models.Session, ev models.Event) ([]models.Action, error) {
	if ev.Kind != models.EventChoice {
		return c.toReview(sess, ev.ConversationID)
	}
	switch ev.Choice {
	case keyboards.TokenReviewCorrect:
		sess.CurrentState = StateAwaitingNotificationsConsent
		if err := c.sessions.Save(sess); err != nil {
			return nil, err
		}
		return []models.Action{
			models.Acknowledge(ev.ConversationID, ev.ID, ""),
			models.SendPrompt(ev.ConversationID, notificationsText, keyboards.Notifications()),
		}, nil
	case keyboards.TokenReviewEdit:
		sess.CurrentState = StateAwaitingEditChoice
		if err := c.sessions.Save(sess); err != nil {
			return nil, err
		}
		return []models.Action{
			models.Acknowledge(ev.ConversationID, ev.ID, ""),
			models.EditPrompt(ev.ConversationID, editChoiceText, keyboards.EditChoice()),
		}, nil
	default:
		return c.toReview(sess, ev.ConversationID)
	}
}

func (c *Controller) handleEditChoice(sess *models.Session, ev models.Event) ([]models.Action, error) {
	if ev.Kind != models.EventChoice {
		return []models.Action{
			models.SendPrompt(ev.ConversationID, editChoiceText, keyboards.EditChoice()),
		}, nil
	}
	if ev.Choice == keyboards.TokenEditCancel {
		ack := models.Acknowledge(ev.ConversationID, ev.ID, "")
		actions, err := c.toReview(sess, ev.ConversationID)
		if err != nil {
			return nil, err
		}
		return append([]models.Action{ack}, actions...), nil
	}
	field, ok := keyboards.FieldFromEditToken(ev.Choice)
	if !ok {
		return c.toReview(sess, ev.ConversationID)
	}
	step, ok := StepFor(field)
	if !ok {
		return c.toReview(sess, ev.ConversationID)
	}

	sess.EditTarget = field
	sess.CurrentState = StateAwaitingEditField
	if err := c.sessions.Save(sess); err != nil {
		return nil, err
	}
	var kb *models.ChoiceSet
	if step.Keyboard != nil {
		kb = step.Keyboard()
	}
	return []models.Action{
		models.Acknowledge(ev.ConversationID, ev.ID, ""),
		models.EditPrompt(ev.ConversationID, step.EditPrompt, kb),
	}, nil
}

func (c *Controller) handleEditField(sess *models.Session, ev models.Event) ([]models.Action, error) {
	step, ok := StepFor(sess.EditTarget)
	if !ok {
		return c.toReview(sess, ev.ConversationID)
	}
	if ev.Kind != step.Modality {
		var kb *models.ChoiceSet
		if step.Keyboard != nil {
			kb = step.Keyboard()
		}
		return []models.Action{models.SendPrompt(ev.ConversationID, step.EditPrompt, kb)}, nil
	}

	patch, err := step.Parse(ev, c.now())
	if err != nil {
		return c.rejectInput(sess, ev, step, err)
	}
	if _, err := c.store.ApplyPatch(ev.UserID, patch); err != nil {
		return nil, fmt.Errorf("failed to store edited %s: %w", sess.EditTarget, err)
	}
	slog.Debug("Controller field edited", "userID", ev.UserID, "field", sess.EditTarget)

	var actions []models.Action
	if ev.Kind == models.EventChoice {
		ack := ""
		if sess.EditTarget == models.FieldGender {
			ack = genderSavedAck
		}
		actions = append(actions, models.Acknowledge(ev.ConversationID, ev.ID, ack))
	}
	next, err := c.toReview(sess, ev.ConversationID)
	if err != nil {
		return nil, err
	}
	return append(actions, next...), nil
}

func (c *Controller) handleNotifications(sess *models.Session, ev models.Event) ([]models.Action, error) {
	if ev.Kind != models.EventChoice ||
		(ev.Choice != keyboards.TokenNotifyYes && ev.Choice != keyboards.TokenNotifyNo) {
		return []models.Action{
			models.SendPrompt(ev.ConversationID, notificationsText, keyboards.Notifications()),
		}, nil
	}

	allowed := ev.Choice == keyboards.TokenNotifyYes
	now := c.now()
	patch := models.Patch{
		models.FieldNotificationsAllowed:   allowed,
		models.FieldNotificationsAllowedAt: now,
	}
	variant := VariantByName(sess.Variant)
	for field, value := range variant.FinalPatch(now) {
		patch[field] = value
	}
	if _, err := c.store.ApplyPatch(ev.UserID, patch); err != nil {
		return nil, fmt.Errorf("failed to finish onboarding: %w", err)
	}
	if err := c.sessions.End(ev.UserID); err != nil {
		return nil, err
	}

	u, err := c.store.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, models.ErrUserNotFound
	}
	name := u.DisplayName()
	slog.Info("Controller onboarding completed", "userID", ev.UserID, "variant", variant.Name, "notifications", allowed)
	return []models.Action{
		models.Acknowledge(ev.ConversationID, ev.ID, ""),
		models.EditPrompt(ev.ConversationID, notificationsText, nil),
		models.SendPrompt(ev.ConversationID, variant.FinalText(name), nil),
		models.EnterMenu(ev.ConversationID, name),
	}, nil
}
