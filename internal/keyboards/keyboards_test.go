package keyboards

import (
	"testing"

	"github.com/guestloop/loyaltybot/internal/models"
)

func TestEditTokenRoundTrip(t *testing.T) {
	fields := []models.Field{
		models.FieldFirstName,
		models.FieldLastName,
		models.FieldGender,
		models.FieldBirthDate,
		models.FieldEmail,
	}
	for _, f := range fields {
		token := EditToken(f)
		got, ok := FieldFromEditToken(token)
		if !ok || got != f {
			t.Errorf("FieldFromEditToken(EditToken(%s)) = (%s, %v)", f, got, ok)
		}
	}
}

func TestFieldFromEditTokenRejectsForeignTokens(t *testing.T) {
	for _, token := range []string{TokenEditCancel, TokenReviewCorrect, "edit_", "gender_male", ""} {
		if f, ok := FieldFromEditToken(token); ok {
			t.Errorf("FieldFromEditToken(%q) = (%s, true), want no match", token, f)
		}
	}
}

func TestRulesKeyboardLinksDocuments(t *testing.T) {
	cs := Rules()
	var sawURL, sawAccept bool
	for _, row := range cs.Rows {
		for _, c := range row {
			if c.URL == RulesURL {
				sawURL = true
			}
			if c.Data == TokenAcceptRules {
				sawAccept = true
			}
		}
	}
	if !sawURL || !sawAccept {
		t.Errorf("rules keyboard must link the rules and offer consent: %+v", cs)
	}
}

func TestContactKeyboardRequestsContact(t *testing.T) {
	if cs := Contact(); !cs.RequestContact {
		t.Errorf("contact keyboard must request a contact share: %+v", cs)
	}
}

func TestEditChoiceCoversEditableFields(t *testing.T) {
	cs := EditChoice()
	tokens := map[string]bool{}
	for _, row := range cs.Rows {
		for _, c := range row {
			tokens[c.Data] = true
		}
	}
	for _, f := range []models.Field{
		models.FieldFirstName,
		models.FieldLastName,
		models.FieldGender,
		models.FieldBirthDate,
		models.FieldEmail,
	} {
		if !tokens[EditToken(f)] {
			t.Errorf("edit keyboard missing token for %s", f)
		}
	}
	if !tokens[TokenEditCancel] {
		t.Error("edit keyboard missing cancel token")
	}
}
