package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/guestloop/loyaltybot/internal/models"
)

// fixed "today" for deterministic age math: 15 June 2025.
var today = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func TestNameAcceptsAndNormalizes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Иван", "Иван"},
		{"  Анна-Мария  ", "Анна-Мария"},
		{"Jean Luc", "Jean Luc"},
		{"Пётр   Ильич", "Пётр Ильич"},
	}
	for _, c := range cases {
		got, err := Name(models.FieldFirstName, c.in)
		if err != nil {
			t.Errorf("Name(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Name(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNameRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "Иван123", "O'Brien", "имя!"} {
		if _, err := Name(models.FieldLastName, in); err == nil {
			t.Errorf("Name(%q) expected rejection", in)
		}
	}
}

func TestNameRejectionIsValidationError(t *testing.T) {
	_, err := Name(models.FieldFirstName, "123")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Field != models.FieldFirstName {
		t.Errorf("expected field first_name, got %s", verr.Field)
	}
}

func TestBirthDateAccepts(t *testing.T) {
	got, err := BirthDate("25.12.1990", today)
	if err != nil {
		t.Fatalf("BirthDate unexpected error: %v", err)
	}
	if got != "25.12.1990" {
		t.Errorf("BirthDate normalized to %q", got)
	}
}

func TestBirthDateRejectsShape(t *testing.T) {
	for _, in := range []string{"1990-12-25", "25/12/1990", "25.12.90", "два мая"} {
		if _, err := BirthDate(in, today); err == nil {
			t.Errorf("BirthDate(%q) expected shape rejection", in)
		}
	}
}

func TestBirthDateRejectsNonexistentDate(t *testing.T) {
	// Shape matches but the calendar date does not exist.
	if _, err := BirthDate("31.02.2020", today); err == nil {
		t.Error("BirthDate(31.02.2020) expected rejection")
	}
	if _, err := BirthDate("29.02.2023", today); err == nil {
		t.Error("BirthDate(29.02.2023) expected rejection (not a leap year)")
	}
}

func TestBirthDateAgeBounds(t *testing.T) {
	// Turns 18 exactly today: accepted.
	if _, err := BirthDate("15.06.2007", today); err != nil {
		t.Errorf("18th birthday today must be accepted: %v", err)
	}
	// 18th birthday is tomorrow: still 17, rejected.
	if _, err := BirthDate("16.06.2007", today); err == nil {
		t.Error("17-year-old must be rejected")
	}
	// Exactly 100: accepted.
	if _, err := BirthDate("15.06.1925", today); err != nil {
		t.Errorf("100-year-old must be accepted: %v", err)
	}
	// Over 100: rejected.
	if _, err := BirthDate("14.06.1925", today); err == nil {
		t.Error("over-100 must be rejected")
	}
	// Future date: rejected.
	if _, err := BirthDate("01.01.2030", today); err == nil {
		t.Error("future date must be rejected")
	}
}

func TestEmail(t *testing.T) {
	if got, err := Email("  user@example.com "); err != nil || got != "user@example.com" {
		t.Errorf("Email trim failed: %q, %v", got, err)
	}
	for _, in := range []string{"", "plain", "a@b", "a@@b.c", "@example.com"} {
		if _, err := Email(in); err == nil {
			t.Errorf("Email(%q) expected rejection", in)
		}
	}
}

func TestGenderToken(t *testing.T) {
	if g, ok := GenderToken("gender_male"); !ok || g != models.GenderMale {
		t.Errorf("gender_male not resolved: %v %v", g, ok)
	}
	if g, ok := GenderToken("gender_female"); !ok || g != models.GenderFemale {
		t.Errorf("gender_female not resolved: %v %v", g, ok)
	}
	if _, ok := GenderToken("gender_other"); ok {
		t.Error("unknown token must not resolve")
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"79001234567":  "+79001234567",
		"+79001234567": "+79001234567",
		" 7900 ":       "+7900",
		"":             "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMissingFieldsOrder(t *testing.T) {
	u := &models.User{}
	got := MissingFields(u, today)
	want := []models.Field{
		models.FieldFirstName, models.FieldLastName, models.FieldGender,
		models.FieldBirthDate, models.FieldEmail,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d missing fields, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("missing[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMissingFieldsProbesStoredValues(t *testing.T) {
	u := &models.User{
		FirstName: "Иван",
		LastName:  "Петров",
		Gender:    models.GenderMale,
		BirthDate: "25.12.1875", // stored but over the age cap
		Email:     "",
	}
	got := MissingFields(u, today)
	if len(got) != 2 || got[0] != models.FieldBirthDate || got[1] != models.FieldEmail {
		t.Errorf("expected [birth_date email], got %v", got)
	}
}

func TestMissingFieldsComplete(t *testing.T) {
	u := &models.User{
		FirstName: "Иван",
		LastName:  "Петров",
		Gender:    models.GenderMale,
		BirthDate: "25.12.1990",
		Email:     "ivan@example.com",
	}
	if got := MissingFields(u, today); len(got) != 0 {
		t.Errorf("expected no missing fields, got %v", got)
	}
}
