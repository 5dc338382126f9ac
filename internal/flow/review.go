package flow

import (
	"fmt"

	"github.com/guestloop/loyaltybot/internal/models"
)

// RenderReview builds the profile summary shown before final confirmation.
// Absent values render as "не указано" so legacy users see what the import
// did and did not carry over.
func RenderReview(u *models.User) string {
	genderText := "не указан"
	switch u.Gender {
	case models.GenderMale:
		genderText = "мужской"
	case models.GenderFemale:
		genderText = "женский"
	}
	return fmt.Sprintf(
		"📋 Проверьте введённые данные:\n\n"+
			"👤 Имя: %s\n"+
			"👥 Фамилия: %s\n"+
			"📞 Телефон: %s\n"+
			"⚥ Пол: %s\n"+
			"🎂 Дата рождения: %s\n"+
			"📧 Email: %s\n\n"+
			"Всё верно?",
		orUnset(u.FirstName, "не указано"),
		orUnset(u.LastName, "не указано"),
		orUnset(u.PhoneNumber, "не указан"),
		genderText,
		orUnset(u.BirthDate, "не указана"),
		orUnset(u.Email, "не указан"),
	)
}

func orUnset(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
