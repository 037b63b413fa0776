package survey

import (
	"fmt"
	"sort"
	"strings"
)

// QuestionKind describes how a question is answered
type QuestionKind string

const (
	KindScale  QuestionKind = "scale"
	KindChoice QuestionKind = "choice"
	KindText   QuestionKind = "text"
)

// Option is one allowed answer of a scale or choice question
type Option struct {
	Value string `yaml:"value"`
	Label string `yaml:"label"`
}

// Condition makes a question required only when another answer is one of In
type Condition struct {
	Question string   `yaml:"question"`
	In       []string `yaml:"in"`
}

// Question is a single survey item
type Question struct {
	ID           string       `yaml:"id"`
	Prompt       string       `yaml:"prompt"`
	Kind         QuestionKind `yaml:"kind"`
	Options      []Option     `yaml:"options,omitempty"`
	Optional     bool         `yaml:"optional,omitempty"`
	RequiredWhen *Condition   `yaml:"required_when,omitempty"`
}

// Questionnaire is an ordered list of questions
type Questionnaire struct {
	Questions []Question `yaml:"questions"`
}

// IncompleteError lists required questions that are unanswered or answered with
// a value outside their options.
type IncompleteError struct {
	Missing []string
	Invalid []string
}

func (e *IncompleteError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "unanswered: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return "incomplete survey (" + strings.Join(parts, "; ") + ")"
}

// Check validates the question definitions themselves
func (q Questionnaire) Check() error {
	seen := make(map[string]bool, len(q.Questions))
	for i, question := range q.Questions {
		if question.ID == "" {
			return fmt.Errorf("question %d has no id", i)
		}
		if seen[question.ID] {
			return fmt.Errorf("duplicate question id %q", question.ID)
		}
		switch question.Kind {
		case KindScale, KindChoice:
			if len(question.Options) == 0 {
				return fmt.Errorf("question %q needs options", question.ID)
			}
		case KindText:
		default:
			return fmt.Errorf("question %q has unknown kind %q", question.ID, question.Kind)
		}
		if cond := question.RequiredWhen; cond != nil {
			if !seen[cond.Question] {
				return fmt.Errorf("question %q depends on %q which must come before it", question.ID, cond.Question)
			}
			if len(cond.In) == 0 {
				return fmt.Errorf("question %q has an empty required_when", question.ID)
			}
		}
		seen[question.ID] = true
	}
	return nil
}

// Find returns the question with the given id
func (q Questionnaire) Find(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// Applies reports whether the question is asked given the answers so far
func (question Question) Applies(answers map[string]string) bool {
	if question.RequiredWhen == nil {
		return true
	}
	got := strings.TrimSpace(answers[question.RequiredWhen.Question])
	for _, v := range question.RequiredWhen.In {
		if got == v {
			return true
		}
	}
	return false
}

// Accepts reports whether value is an allowed answer
func (question Question) Accepts(value string) bool {
	if len(question.Options) == 0 {
		return true
	}
	for _, opt := range question.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// Applicable returns the questions that apply to the given answers, in order
func (q Questionnaire) Applicable(answers map[string]string) []Question {
	var out []Question
	for _, question := range q.Questions {
		if question.Applies(answers) {
			out = append(out, question)
		}
	}
	return out
}

// Validate returns an *IncompleteError when a required answer is missing or invalid.
// Conditional questions are only required when their trigger answer selects them.
func (q Questionnaire) Validate(answers map[string]string) error {
	incomplete := &IncompleteError{}
	for _, question := range q.Applicable(answers) {
		value := strings.TrimSpace(answers[question.ID])
		if value == "" {
			if !question.Optional {
				incomplete.Missing = append(incomplete.Missing, question.ID)
			}
			continue
		}
		if !question.Accepts(value) {
			incomplete.Invalid = append(incomplete.Invalid, question.ID)
		}
	}
	if len(incomplete.Missing) == 0 && len(incomplete.Invalid) == 0 {
		return nil
	}
	return incomplete
}

// Normalize keeps only answers to applicable questions, trimmed. Answers to
// questions whose condition is not met are dropped so they are never sent.
func (q Questionnaire) Normalize(answers map[string]string) map[string]string {
	out := make(map[string]string, len(answers))
	for _, question := range q.Applicable(answers) {
		if v := strings.TrimSpace(answers[question.ID]); v != "" {
			out[question.ID] = v
		}
	}
	return out
}

// IDs returns the question ids, sorted
func (q Questionnaire) IDs() []string {
	ids := make([]string, 0, len(q.Questions))
	for _, question := range q.Questions {
		ids = append(ids, question.ID)
	}
	sort.Strings(ids)
	return ids
}
