package messaging

import (
	"strings"
	"testing"

	"github.com/guestloop/loyaltybot/internal/models"
)

func TestRenderChoiceTextNumbersDataChoices(t *testing.T) {
	cs := &models.ChoiceSet{Rows: [][]models.Choice{
		{{Label: "Открыть документы", URL: "https://example.com/docs"}},
		{{Label: "Согласен", Data: "accept_rules"}},
	}}
	body, opts := RenderChoiceText("Прочитайте правила.", cs)
	if !strings.Contains(body, "Прочитайте правила.") {
		t.Errorf("prompt text missing: %q", body)
	}
	if !strings.Contains(body, "https://example.com/docs") {
		t.Errorf("link choice must render inline: %q", body)
	}
	if !strings.Contains(body, "1) Согласен") {
		t.Errorf("data choice must be numbered: %q", body)
	}
	if len(opts) != 1 || opts[0].Token != "accept_rules" {
		t.Errorf("unexpected options: %+v", opts)
	}
}

func TestRenderChoiceTextContactRequest(t *testing.T) {
	cs := &models.ChoiceSet{
		Rows:           [][]models.Choice{{{Label: "Поделиться контактом"}}},
		RequestContact: true,
	}
	body, opts := RenderChoiceText("Подключение.", cs)
	if !strings.Contains(body, "контакт вложением") {
		t.Errorf("contact request must render an instruction: %q", body)
	}
	if len(opts) != 0 {
		t.Errorf("contact button carries no token: %+v", opts)
	}
}

func TestResolveChoiceReply(t *testing.T) {
	opts := []ChoiceOption{
		{Label: "Мужской", Token: "gender_male"},
		{Label: "Женский", Token: "gender_female"},
	}
	cases := []struct {
		in    string
		token string
		ok    bool
	}{
		{"1", "gender_male", true},
		{"2)", "gender_female", true},
		{" женский ", "gender_female", true},
		{"МУЖСКОЙ", "gender_male", true},
		{"3", "", false},
		{"0", "", false},
		{"не знаю", "", false},
	}
	for _, c := range cases {
		token, ok := ResolveChoiceReply(c.in, opts)
		if ok != c.ok || token != c.token {
			t.Errorf("ResolveChoiceReply(%q) = (%q, %v), want (%q, %v)", c.in, token, ok, c.token, c.ok)
		}
	}
	if _, ok := ResolveChoiceReply("1", nil); ok {
		t.Error("no options means no choice match")
	}
}
