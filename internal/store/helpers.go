package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
)

// applyFieldToUser writes one patch entry onto an in-memory user record.
// It returns false for unknown fields or mismatched value types.
func applyFieldToUser(u *models.User, field models.Field, value any) bool {
	switch field {
	case models.FieldUsername:
		if s, ok := value.(string); ok {
			u.Username = s
			return true
		}
	case models.FieldFirstName:
		if s, ok := value.(string); ok {
			u.FirstName = s
			return true
		}
	case models.FieldLastName:
		if s, ok := value.(string); ok {
			u.LastName = s
			return true
		}
	case models.FieldPreferredName:
		if s, ok := value.(string); ok {
			u.PreferredName = s
			return true
		}
	case models.FieldGender:
		switch v := value.(type) {
		case models.Gender:
			u.Gender = v
			return true
		case string:
			u.Gender = models.Gender(v)
			return true
		}
	case models.FieldBirthDate:
		if s, ok := value.(string); ok {
			u.BirthDate = s
			return true
		}
	case models.FieldEmail:
		if s, ok := value.(string); ok {
			u.Email = s
			return true
		}
	case models.FieldPhoneNumber:
		if s, ok := value.(string); ok {
			u.PhoneNumber = s
			return true
		}
	case models.FieldRulesAccepted:
		if b, ok := value.(bool); ok {
			u.RulesAccepted = b
			return true
		}
	case models.FieldRulesAcceptedAt:
		if t, ok := timeValue(value); ok {
			u.RulesAcceptedAt = t
			return true
		}
	case models.FieldNotificationsAllowed:
		if b, ok := value.(bool); ok {
			u.NotificationsAllowed = b
			return true
		}
	case models.FieldNotificationsAllowedAt:
		if t, ok := timeValue(value); ok {
			u.NotificationsAllowedAt = t
			return true
		}
	case models.FieldIsRegistered:
		if b, ok := value.(bool); ok {
			u.IsRegistered = b
			return true
		}
	case models.FieldIsLegacy:
		if b, ok := value.(bool); ok {
			u.IsLegacy = b
			return true
		}
	}
	return false
}

func timeValue(value any) (*time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return &v, true
	case *time.Time:
		return v, true
	default:
		return nil, false
	}
}

// columnValue converts a patch entry to its SQL column and driver value.
// It returns ok=false for fields outside the closed enum or mismatched types.
func columnValue(field models.Field, value any) (column string, arg any, ok bool) {
	switch field {
	case models.FieldUsername, models.FieldFirstName, models.FieldLastName,
		models.FieldPreferredName, models.FieldBirthDate, models.FieldEmail,
		models.FieldPhoneNumber:
		if s, sok := value.(string); sok {
			return string(field), s, true
		}
	case models.FieldGender:
		switch v := value.(type) {
		case models.Gender:
			return string(field), string(v), true
		case string:
			return string(field), v, true
		}
	case models.FieldRulesAccepted, models.FieldNotificationsAllowed,
		models.FieldIsRegistered, models.FieldIsLegacy:
		if b, bok := value.(bool); bok {
			return string(field), b, true
		}
	case models.FieldRulesAcceptedAt, models.FieldNotificationsAllowedAt:
		if t, tok := timeValue(value); tok {
			if t == nil {
				return string(field), nil, true
			}
			return string(field), *t, true
		}
	}
	return "", nil, false
}

// scanUser scans a user row in the fixed column order used by both SQL
// backends.
func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var username, firstName, lastName, preferredName, gender, birthDate, email, phone sql.NullString
	var rulesAcceptedAt, notificationsAllowedAt sql.NullTime
	err := row.Scan(
		&u.ID, &username, &firstName, &lastName, &preferredName, &gender,
		&birthDate, &email, &phone,
		&u.RulesAccepted, &rulesAcceptedAt,
		&u.NotificationsAllowed, &notificationsAllowedAt,
		&u.IsRegistered, &u.IsLegacy,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan user failed: %w", err)
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.PreferredName = preferredName.String
	u.Gender = models.Gender(gender.String)
	u.BirthDate = birthDate.String
	u.Email = email.String
	u.PhoneNumber = phone.String
	if rulesAcceptedAt.Valid {
		u.RulesAcceptedAt = &rulesAcceptedAt.Time
	}
	if notificationsAllowedAt.Valid {
		u.NotificationsAllowedAt = &notificationsAllowedAt.Time
	}
	return &u, nil
}

// userSelectColumns is the column list matching scanUser.
const userSelectColumns = `id, username, first_name, last_name, preferred_name, gender,
	birth_date, email, phone_number,
	rules_accepted, rules_accepted_at,
	notifications_allowed, notifications_allowed_at,
	is_registered, is_legacy, created_at, updated_at`
