package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guestloop/loyaltybot/internal/models"
)

// ChoiceOption is one rendered option and the token it maps back to.
type ChoiceOption struct {
	Label string
	Token string
}

// RenderChoiceText appends a choice set to a prompt as numbered options for
// transports without inline keyboards. Link choices render inline with their
// URL; a contact request renders as an instruction because those transports
// deliver contacts as attachments. The returned options are in display order.
func RenderChoiceText(text string, choices *models.ChoiceSet) (string, []ChoiceOption) {
	if choices == nil {
		return text, nil
	}
	var b strings.Builder
	b.WriteString(text)
	var opts []ChoiceOption
	for _, row := range choices.Rows {
		for _, c := range row {
			switch {
			case c.URL != "":
				fmt.Fprintf(&b, "\n%s: %s", c.Label, c.URL)
			case c.Data != "":
				opts = append(opts, ChoiceOption{Label: c.Label, Token: c.Data})
				fmt.Fprintf(&b, "\n%d) %s", len(opts), c.Label)
			}
		}
	}
	if choices.RequestContact {
		b.WriteString("\n\n📱 Отправьте свой контакт вложением (скрепка → Контакт).")
	}
	return b.String(), opts
}

// ResolveChoiceReply matches a text reply against rendered options, by number
// or by label (case-insensitive).
func ResolveChoiceReply(text string, opts []ChoiceOption) (string, bool) {
	if len(opts) == 0 {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	if n, err := strconv.Atoi(strings.TrimSuffix(trimmed, ")")); err == nil {
		if n >= 1 && n <= len(opts) {
			return opts[n-1].Token, true
		}
		return "", false
	}
	folded := strings.ToLower(trimmed)
	for _, opt := range opts {
		if folded == strings.ToLower(strings.TrimSpace(opt.Label)) {
			return opt.Token, true
		}
	}
	return "", false
}
