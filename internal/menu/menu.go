// Package menu serves the main menu shown after onboarding completes:
// balance, virtual card, care team and vacancies.
package menu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"

	"github.com/guestloop/loyaltybot/internal/keyboards"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
)

const (
	balanceText = "💰 Твой баланс\n\n" +
		"Твои бонусы: 0\n" +
		"Твой уровень: 3%\n" +
		"Ближайшая дата сгорания: —\n" +
		"Количество бонусов к сгоранию: —\n" +
		"Количество посещений до нового уровня: 3\n" +
		"Посещение бани: 0"

	supportText = "🆘 Отдел заботы\n\nВыберите действие:"

	vacanciesText = "💼 Вакансии\n\n" +
		"Ждем классных, ответственных, позитивных, энергичных и профессиональных " +
		"сотрудников в дружные команды наших заведений!\n\n" +
		"Гарантируем:\n" +
		"• крепкие коллективы, в которых весело работать и приятно отдыхать после смены\n" +
		"• с нами – непрерывное профессиональное развитие\n" +
		"• мы не дадим скучать и хандрить\n" +
		"• достойный доход и щедрые чаевые\n\n" +
		"👉 Посмотреть все вакансии: https://team.sobolevalliance.su/vacancy"

	feedbackText = "✍️ Оставить отзыв\n\n" +
		"Мы будем рады узнать ваше мнение! Перейдите по ссылке ниже:\n" +
		"👉 https://example.com/feedback"

	contactsText = "📧 Контакты\n\n" +
		"Почта для связи: brand@ermolaev.beer\n" +
		"Сайт: https://ermolaev.beer\n" +
		"Соцсети: @ermolaev_beer"

	askQuestionText = "❓ Мне только спросить\n\n" +
		"Напишите ваш вопрос, и я постараюсь ответить."
	questionUnavailableText = "❓ Мне только спросить\n\n" +
		"Эта функция временно недоступна. Напишите нам: brand@ermolaev.beer"
	questionFailedText = "Не получилось обработать вопрос, попробуйте позже " +
		"или напишите нам: brand@ermolaev.beer"

	// qaSystemPrompt frames the care-team assistant.
	qaSystemPrompt = "Ты — сотрудник отдела заботы сети заведений. " +
		"Отвечай кратко, дружелюбно и по-русски. " +
		"Если не знаешь ответа, предложи написать на brand@ermolaev.beer."
)

// Answerer generates a reply to a free-form guest question.
type Answerer interface {
	Answer(ctx context.Context, systemPrompt, question string) (string, error)
}

// Opts holds configuration options for the menu.
type Opts struct {
	QA Answerer
}

// Option defines a configuration option for the menu.
type Option func(*Opts)

// WithQA enables the care-team question answering backend.
func WithQA(qa Answerer) Option {
	return func(o *Opts) {
		o.QA = qa
	}
}

// Menu handles all post-onboarding interactions.
type Menu struct {
	store store.Store
	qa    Answerer

	mu       sync.Mutex
	awaiting map[string]bool // users whose next text message is a care-team question
}

// New creates a menu on the given store.
func New(st store.Store, opts ...Option) *Menu {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Menu{
		store:    st,
		qa:       cfg.QA,
		awaiting: make(map[string]bool),
	}
}

// Enter emits the main menu greeting. Called on onboarding completion and
// whenever a registered user comes back.
func (m *Menu) Enter(conversationID, displayName string) []models.Action {
	if displayName == "" {
		displayName = "Гость"
	}
	text := fmt.Sprintf("👋 %s, добро пожаловать!\nВы в главном меню.\nВыберите раздел:", displayName)
	return []models.Action{
		models.SendPrompt(conversationID, text, keyboards.MainMenu()),
	}
}

// HandleEvent processes one inbound event from a registered user.
func (m *Menu) HandleEvent(ctx context.Context, ev models.Event) ([]models.Action, error) {
	switch ev.Kind {
	case models.EventChoice:
		return m.handleChoice(ctx, ev)
	case models.EventText:
		if m.takeAwaiting(ev.UserID) {
			return m.answerQuestion(ctx, ev)
		}
		return m.reshowMenu(ev)
	default:
		return m.reshowMenu(ev)
	}
}

func (m *Menu) setAwaiting(userID string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.awaiting[userID] = true
	} else {
		delete(m.awaiting, userID)
	}
}

// takeAwaiting consumes the question-pending flag.
func (m *Menu) takeAwaiting(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.awaiting[userID] {
		delete(m.awaiting, userID)
		return true
	}
	return false
}

func (m *Menu) reshowMenu(ev models.Event) ([]models.Action, error) {
	u, err := m.store.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	name := "Гость"
	if u != nil {
		name = u.DisplayName()
	}
	return m.Enter(ev.ConversationID, name), nil
}

func (m *Menu) handleChoice(ctx context.Context, ev models.Event) ([]models.Action, error) {
	ack := models.Acknowledge(ev.ConversationID, ev.ID, "")
	slog.Debug("Menu handling choice", "userID", ev.UserID, "choice", ev.Choice)

	switch ev.Choice {
	case keyboards.TokenMenuBalance:
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, balanceText, keyboards.BackToMain()),
		}, nil

	case keyboards.TokenMenuVirtualCard:
		return m.virtualCard(ev, ack)

	case keyboards.TokenMenuSupport, keyboards.TokenBackToSupport:
		m.setAwaiting(ev.UserID, false)
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, supportText, keyboards.SupportSubmenu()),
		}, nil

	case keyboards.TokenMenuVacancies:
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, vacanciesText, keyboards.BackToMain()),
		}, nil

	case keyboards.TokenSupportFeedback:
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, feedbackText, keyboards.BackToSupport()),
		}, nil

	case keyboards.TokenSupportQuestion:
		if m.qa == nil {
			return []models.Action{ack,
				models.EditPrompt(ev.ConversationID, questionUnavailableText, keyboards.BackToSupport()),
			}, nil
		}
		m.setAwaiting(ev.UserID, true)
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, askQuestionText, keyboards.BackToSupport()),
		}, nil

	case keyboards.TokenSupportContacts:
		return []models.Action{ack,
			models.EditPrompt(ev.ConversationID, contactsText, keyboards.BackToSupport()),
		}, nil

	case keyboards.TokenBackToMain:
		m.setAwaiting(ev.UserID, false)
		actions, err := m.reshowMenu(ev)
		if err != nil {
			return nil, err
		}
		return append([]models.Action{ack}, actions...), nil

	default:
		slog.Debug("Menu ignoring unknown choice", "userID", ev.UserID, "choice", ev.Choice)
		actions, err := m.reshowMenu(ev)
		if err != nil {
			return nil, err
		}
		return append([]models.Action{ack}, actions...), nil
	}
}

// virtualCard renders the guest's loyalty card as a QR code over their phone
// number, the same code the cashier scans.
func (m *Menu) virtualCard(ev models.Event, ack models.Action) ([]models.Action, error) {
	u, err := m.store.GetUser(ev.UserID)
	if err != nil {
		return nil, err
	}
	phone := "+70000000000"
	if u != nil && u.PhoneNumber != "" {
		phone = u.PhoneNumber
	}

	var qr strings.Builder
	qrterminal.GenerateHalfBlock(phone, qrterminal.L, &qr)

	text := fmt.Sprintf("🪪 Ваш QR-код для предъявления на кассе.\nНомер телефона: %s\n\n%s", phone, qr.String())
	return []models.Action{ack,
		models.SendPrompt(ev.ConversationID, text, keyboards.BackToMain()),
	}, nil
}

// answerQuestion forwards a free-form question to the QA backend. Failures
// degrade to a fallback message, never an error to the dispatcher.
func (m *Menu) answerQuestion(ctx context.Context, ev models.Event) ([]models.Action, error) {
	question := strings.TrimSpace(ev.Text)
	if question == "" {
		m.setAwaiting(ev.UserID, true)
		return []models.Action{
			models.SendPrompt(ev.ConversationID, askQuestionText, keyboards.BackToSupport()),
		}, nil
	}
	answer, err := m.qa.Answer(ctx, qaSystemPrompt, question)
	if err != nil {
		slog.Error("Menu question answering failed", "error", err, "userID", ev.UserID)
		return []models.Action{
			models.SendPrompt(ev.ConversationID, questionFailedText, keyboards.BackToSupport()),
		}, nil
	}
	slog.Debug("Menu question answered", "userID", ev.UserID)
	return []models.Action{
		models.SendPrompt(ev.ConversationID, answer, keyboards.BackToSupport()),
	}, nil
}
