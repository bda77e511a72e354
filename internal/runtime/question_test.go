package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQuestions(t *testing.T) {
	input := json.RawMessage(`{"questions":[
		{"question":"Deploy now?","options":["yes","no"]},
		{"question":"  ","options":["skipped"]},
		{"question":"Which env?"}
	]}`)

	questions := ParseQuestions(input)
	assert.Len(t, questions, 2, "blank prompts are dropped")
	assert.Equal(t, "Deploy now?", questions[0].Prompt)
	assert.Equal(t, []string{"yes", "no"}, questions[0].Options)
	assert.Equal(t, "Which env?", questions[1].Prompt)
	assert.Empty(t, questions[1].Options)
}

func TestParseQuestionsMalformed(t *testing.T) {
	assert.Nil(t, ParseQuestions(nil))
	assert.Nil(t, ParseQuestions(json.RawMessage(`not json`)))
	assert.Empty(t, ParseQuestions(json.RawMessage(`{"questions":"oops"}`)))
}

func TestDefaultAnswer(t *testing.T) {
	input := json.RawMessage(`{"questions":[
		{"question":"Deploy now?","options":["yes","no"]},
		{"question":"Which env?"}
	]}`)

	answer := DefaultAnswer(input)
	assert.Contains(t, answer, "Deploy now?: yes.")
	assert.Contains(t, answer, "Which env?: use your best judgement.")

	assert.Contains(t, DefaultAnswer(nil), "best judgement")
}

func TestFormatAnswers(t *testing.T) {
	assert.Equal(t, "User selected: yes; staging", FormatAnswers([]string{"yes", " staging "}))
	assert.Contains(t, FormatAnswers(nil), "acknowledged")
	assert.Contains(t, FormatAnswers([]string{"  "}), "acknowledged")
}
