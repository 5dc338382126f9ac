// Package validate provides pure validators for user profile fields.
//
// Validators are synchronous and side-effect-free: they never touch storage
// and never produce transient failures. A rejection carries the field and a
// human-readable reason that the flow controller sends back as a re-prompt.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
)

// Age bounds for the loyalty program.
const (
	MinAge = 18
	MaxAge = 100
)

var (
	// nameRe allows Cyrillic and Latin letters, spaces and hyphens.
	nameRe = regexp.MustCompile(`^[a-zA-Zа-яА-ЯёЁ\s-]+$`)
	// birthDateRe is the strict DD.MM.YYYY token shape checked before parsing.
	birthDateRe = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)
	// emailRe is a deliberately coarse shape check: one "@" separating a
	// non-empty local part from a domain that contains a dot. Full RFC
	// validation is out of scope.
	emailRe = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
	// spaceRunRe collapses runs of whitespace during name normalization.
	spaceRunRe = regexp.MustCompile(`\s+`)
)

// ValidationError is the only recoverable error category of the flow: the
// controller turns it into a re-prompt with the reason, never a hard failure.
type ValidationError struct {
	Field  models.Field
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected for %s: %s", e.Field, e.Reason)
}

func reject(field models.Field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Name validates a name-like field (first or last name) and returns the
// normalized value: whitespace runs collapsed to a single space, ends trimmed.
func Name(field models.Field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", reject(field, "значение не может быть пустым")
	}
	if !nameRe.MatchString(trimmed) {
		return "", reject(field, "допустимы только буквы (латиница и кириллица), пробелы и дефисы")
	}
	return spaceRunRe.ReplaceAllString(trimmed, " "), nil
}

// BirthDate validates a birth date in strict DD.MM.YYYY form against the
// given "today". It returns the normalized DD.MM.YYYY value.
//
// The age is computed as today.year - birth.year, decremented by one when the
// birthday has not yet occurred this year.
func BirthDate(raw string, today time.Time) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !birthDateRe.MatchString(trimmed) {
		return "", reject(models.FieldBirthDate, "введите дату в формате ДД.ММ.ГГГГ (например, 25.12.1990)")
	}
	birth, err := time.Parse(models.BirthDateLayout, trimmed)
	if err != nil {
		// Shape matched but the calendar date does not exist (e.g. 31.02.2020).
		return "", reject(models.FieldBirthDate, "такой даты не существует, проверьте число, месяц и год")
	}
	age := ageAt(birth, today)
	if birth.After(today) {
		return "", reject(models.FieldBirthDate, "дата рождения не может быть в будущем")
	}
	if age < MinAge {
		return "", reject(models.FieldBirthDate, "программа лояльности доступна только гостям старше 18 лет")
	}
	if age > MaxAge {
		return "", reject(models.FieldBirthDate, "введите корректную дату рождения")
	}
	return birth.Format(models.BirthDateLayout), nil
}

// ageAt returns full years between birth and today with the day/month
// tie-break.
func ageAt(birth, today time.Time) int {
	age := today.Year() - birth.Year()
	if today.Month() < birth.Month() || (today.Month() == birth.Month() && today.Day() < birth.Day()) {
		age--
	}
	return age
}

// Email validates an email address against the coarse local@domain.tld shape.
func Email(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", reject(models.FieldEmail, "email не может быть пустым")
	}
	if !emailRe.MatchString(trimmed) {
		return "", reject(models.FieldEmail, "введите корректный email, например example@domain.com")
	}
	return trimmed, nil
}

// GenderToken maps a gender choice token to its enum value. Gender is never
// free text, so there is no rejection path for keyboard input; an unknown
// token simply does not resolve.
func GenderToken(token string) (models.Gender, bool) {
	switch token {
	case "gender_male":
		return models.GenderMale, true
	case "gender_female":
		return models.GenderFemale, true
	default:
		return models.GenderUnset, false
	}
}

// NormalizePhone brings a shared phone number to the stored form: a leading
// "+" is prefixed when absent. No further E.164 checks are applied.
func NormalizePhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "+") {
		return "+" + trimmed
	}
	return trimmed
}

// MissingFields probes a stored user record with the same validators used for
// live input and returns, in fixed order, the fields that are absent or
// invalid. It drives the legacy-upgrade queue builder.
func MissingFields(u *models.User, today time.Time) []models.Field {
	var missing []models.Field
	if _, err := Name(models.FieldFirstName, u.FirstName); err != nil {
		missing = append(missing, models.FieldFirstName)
	}
	if _, err := Name(models.FieldLastName, u.LastName); err != nil {
		missing = append(missing, models.FieldLastName)
	}
	if !models.IsValidGender(u.Gender) {
		missing = append(missing, models.FieldGender)
	}
	if _, err := BirthDate(u.BirthDate, today); err != nil {
		missing = append(missing, models.FieldBirthDate)
	}
	if _, err := Email(u.Email); err != nil {
		missing = append(missing, models.FieldEmail)
	}
	return missing
}
