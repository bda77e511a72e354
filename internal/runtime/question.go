package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QuestionItem is one entry in an ask_user tool invocation.
type QuestionItem struct {
	Prompt  string   `json:"question"`
	Options []string `json:"options,omitempty"`
}

// ParseQuestions decodes the ask_user tool input. Malformed input yields an
// empty list rather than an error; the tool contract is advisory and the
// model occasionally drifts from the schema.
func ParseQuestions(input json.RawMessage) []QuestionItem {
	if len(input) == 0 {
		return nil
	}
	var payload struct {
		Questions []QuestionItem `json:"questions"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil
	}
	out := make([]QuestionItem, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		q.Prompt = strings.TrimSpace(q.Prompt)
		if q.Prompt == "" {
			continue
		}
		out = append(out, q)
	}
	return out
}

// DefaultAnswer synthesizes the autonomous tool result used when no human is
// attached: the first option of each question, or "use your judgement" when
// a question is open-ended.
func DefaultAnswer(input json.RawMessage) string {
	questions := ParseQuestions(input)
	if len(questions) == 0 {
		return "No user is available. Proceed with your best judgement."
	}
	var b strings.Builder
	b.WriteString("No user is available; defaults were applied.")
	for _, q := range questions {
		if len(q.Options) > 0 {
			fmt.Fprintf(&b, " %s: %s.", q.Prompt, q.Options[0])
		} else {
			fmt.Fprintf(&b, " %s: use your best judgement.", q.Prompt)
		}
	}
	return b.String()
}

// FormatAnswers renders externally delivered selections as the synthesized
// ask_user tool result.
func FormatAnswers(answers []string) string {
	cleaned := make([]string, 0, len(answers))
	for _, a := range answers {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		cleaned = append(cleaned, a)
	}
	if len(cleaned) == 0 {
		return "The user acknowledged the question without selecting an option."
	}
	return "User selected: " + strings.Join(cleaned, "; ")
}
