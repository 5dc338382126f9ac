package flow

import (
	"strings"
	"time"

	"github.com/guestloop/loyaltybot/internal/keyboards"
	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/validate"
)

// Step describes how one profile field is collected: the prompts shown to
// the user, the expected input modality and the parser that turns the raw
// event into a patch. Parsers return *validate.ValidationError on rejection;
// the controller re-prompts, never fails.
type Step struct {
	Field      models.Field
	Modality   models.EventKind
	Prompt     string
	EditPrompt string

	// Keyboard is non-nil for choice steps.
	Keyboard func() *models.ChoiceSet

	// Parse validates the inbound value and returns the patch to apply.
	Parse func(ev models.Event, today time.Time) (models.Patch, error)
}

var steps = map[models.Field]Step{
	models.FieldFirstName: {
		Field:      models.FieldFirstName,
		Modality:   models.EventText,
		Prompt:     "✍️ Введите ваше имя:",
		EditPrompt: "✍️ Введите новое имя:",
		Parse: func(ev models.Event, _ time.Time) (models.Patch, error) {
			v, err := validate.Name(models.FieldFirstName, ev.Text)
			if err != nil {
				return nil, err
			}
			return models.Patch{models.FieldFirstName: v}, nil
		},
	},
	models.FieldLastName: {
		Field:      models.FieldLastName,
		Modality:   models.EventText,
		Prompt:     "✍️ Введите вашу фамилию:",
		EditPrompt: "✍️ Введите новую фамилию:",
		Parse: func(ev models.Event, _ time.Time) (models.Patch, error) {
			v, err := validate.Name(models.FieldLastName, ev.Text)
			if err != nil {
				return nil, err
			}
			return models.Patch{models.FieldLastName: v}, nil
		},
	},
	models.FieldGender: {
		Field:      models.FieldGender,
		Modality:   models.EventChoice,
		Prompt:     "Выберите ваш пол:",
		EditPrompt: "Выберите ваш пол:",
		Keyboard:   keyboards.Gender,
		Parse: func(ev models.Event, _ time.Time) (models.Patch, error) {
			g, ok := validate.GenderToken(ev.Choice)
			if !ok {
				return nil, &validate.ValidationError{
					Field:  models.FieldGender,
					Reason: "выберите один из вариантов на клавиатуре",
				}
			}
			return models.Patch{models.FieldGender: g}, nil
		},
	},
	models.FieldBirthDate: {
		Field:      models.FieldBirthDate,
		Modality:   models.EventText,
		Prompt:     "📅 Введите вашу дату рождения в формате ДД.ММ.ГГГГ (например, 25.12.1990):",
		EditPrompt: "📅 Введите новую дату рождения в формате ДД.ММ.ГГГГ (например, 25.12.1990):",
		Parse: func(ev models.Event, today time.Time) (models.Patch, error) {
			v, err := validate.BirthDate(ev.Text, today)
			if err != nil {
				return nil, err
			}
			return models.Patch{models.FieldBirthDate: v}, nil
		},
	},
	models.FieldEmail: {
		Field:      models.FieldEmail,
		Modality:   models.EventText,
		Prompt:     "📧 Введите ваш email:",
		EditPrompt: "📧 Введите новый email:",
		Parse: func(ev models.Event, _ time.Time) (models.Patch, error) {
			v, err := validate.Email(ev.Text)
			if err != nil {
				return nil, err
			}
			return models.Patch{models.FieldEmail: v}, nil
		},
	},
}

// StepFor returns the collection step for a field. Fields without a step
// (for example queue entries from an older bot version) report ok=false and
// are skipped by the controller.
func StepFor(field models.Field) (Step, bool) {
	s, ok := steps[field]
	return s, ok
}

// preferredNameFrom derives the short form of address from a validated first
// name: its first word.
func preferredNameFrom(firstName string) string {
	words := strings.Fields(firstName)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}
