// Package keyboards builds the fixed choice sets shown during onboarding and
// in the main menu. Labels are user-facing; the Data tokens are what the
// transport delivers back as choice events.
package keyboards

import "github.com/guestloop/loyaltybot/internal/models"

// Choice tokens shared between keyboards and the flow controller.
const (
	TokenAcceptRules = "accept_rules"
	TokenNotifyYes   = "notify_yes"
	TokenNotifyNo    = "notify_no"

	TokenGenderMale   = "gender_male"
	TokenGenderFemale = "gender_female"

	TokenReviewCorrect = "review_correct"
	TokenReviewEdit    = "review_edit"
	TokenEditCancel    = "edit_cancel"

	TokenMenuBalance     = "balance"
	TokenMenuVirtualCard = "virtual_card"
	TokenMenuSupport     = "support"
	TokenMenuVacancies   = "vacancies"

	TokenSupportFeedback = "support_feedback"
	TokenSupportQuestion = "support_question"
	TokenSupportContacts = "support_contacts"
	TokenBackToMain      = "back_to_main"
	TokenBackToSupport   = "back_to_support"
)

// editTokenPrefix prefixes the per-field edit tokens, e.g. "edit_first_name".
const editTokenPrefix = "edit_"

// Document URLs surfaced as link buttons.
const (
	RulesURL         = "https://sagur.24vds.ru/agreement/"
	NotificationsURL = "https://sagur.24vds.ru/notifications/"
)

// Rules returns the program-rules consent keyboard: a link to the documents
// and a single accept button.
func Rules() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "📄 Открыть документы", URL: RulesURL}},
		{{Label: "✅ Согласен", Data: TokenAcceptRules}},
	}}
}

// Contact returns the share-contact request keyboard.
func Contact() *models.ChoiceSet {
	return &models.ChoiceSet{
		Rows:           [][]models.Choice{{{Label: "📱 Поделиться контактом"}}},
		RequestContact: true,
	}
}

// Gender returns the two-button gender keyboard, both choices on one row.
func Gender() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{
			{Label: "Мужской", Data: TokenGenderMale},
			{Label: "Женский", Data: TokenGenderFemale},
		},
	}}
}

// Notifications returns the marketing-notifications consent keyboard.
func Notifications() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "📄 Условия получения уведомлений", URL: NotificationsURL}},
		{{Label: "✅ О да, кидай всё, что есть! 🔥", Data: TokenNotifyYes}},
		{{Label: "❌ Нет, останусь без подарков… 🙁", Data: TokenNotifyNo}},
	}}
}

// Review returns the profile-review confirmation keyboard.
func Review() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "✅ Всё верно", Data: TokenReviewCorrect}},
		{{Label: "✏️ Изменить", Data: TokenReviewEdit}},
	}}
}

// editableFields lists the fields offered on the edit-choice keyboard, with
// their button labels, in display order.
var editableFields = []struct {
	Label string
	Field models.Field
}{
	{"👤 Имя", models.FieldFirstName},
	{"👥 Фамилия", models.FieldLastName},
	{"⚥ Пол", models.FieldGender},
	{"🎂 Дата рождения", models.FieldBirthDate},
	{"📧 Email", models.FieldEmail},
}

// EditChoice returns the keyboard for picking which profile field to edit,
// plus a cancel button returning to review.
func EditChoice() *models.ChoiceSet {
	rows := make([][]models.Choice, 0, len(editableFields)+1)
	for _, f := range editableFields {
		rows = append(rows, []models.Choice{{Label: f.Label, Data: EditToken(f.Field)}})
	}
	rows = append(rows, []models.Choice{{Label: "🔙 Отмена", Data: TokenEditCancel}})
	return &models.ChoiceSet{Rows: rows}
}

// EditToken returns the choice token that selects a field for editing.
func EditToken(field models.Field) string {
	return editTokenPrefix + string(field)
}

// FieldFromEditToken resolves an edit token back to its field. Only fields
// present on the edit keyboard resolve.
func FieldFromEditToken(token string) (models.Field, bool) {
	for _, f := range editableFields {
		if token == EditToken(f.Field) {
			return f.Field, true
		}
	}
	return "", false
}

// MainMenu returns the top-level menu keyboard.
func MainMenu() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "💰 Мой баланс", Data: TokenMenuBalance}},
		{{Label: "🪪 Виртуальная карта", Data: TokenMenuVirtualCard}},
		{{Label: "🆘 Отдел заботы", Data: TokenMenuSupport}},
		{{Label: "💼 Вакансии", Data: TokenMenuVacancies}},
	}}
}

// SupportSubmenu returns the care-team submenu keyboard.
func SupportSubmenu() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "✍️ Оставить отзыв", Data: TokenSupportFeedback}},
		{{Label: "❓ Мне только спросить", Data: TokenSupportQuestion}},
		{{Label: "📧 Контакты", Data: TokenSupportContacts}},
		{{Label: "🔙 Назад в меню", Data: TokenBackToMain}},
	}}
}

// BackToMain returns a single back-to-menu button.
func BackToMain() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "🔙 Назад в меню", Data: TokenBackToMain}},
	}}
}

// BackToSupport returns a single back-to-care-team button.
func BackToSupport() *models.ChoiceSet {
	return &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "🔙 Назад в отдел заботы", Data: TokenBackToSupport}},
	}}
}
