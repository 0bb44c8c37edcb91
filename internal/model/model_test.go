package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSessionConfigValidate(t *testing.T) {
	valid := SessionConfig{
		QuestionCount:    10,
		Difficulties:     []Difficulty{DifficultyMedium},
		QuestionType:     TypeMCQ,
		TimeLimitMinutes: 20,
	}

	tests := []struct {
		name    string
		mutate  func(c *SessionConfig)
		wantErr bool
	}{
		{"valid", func(c *SessionConfig) {}, false},
		{"zero count", func(c *SessionConfig) { c.QuestionCount = 0 }, true},
		{"negative count", func(c *SessionConfig) { c.QuestionCount = -3 }, true},
		{"zero time", func(c *SessionConfig) { c.TimeLimitMinutes = 0 }, true},
		{"empty difficulties", func(c *SessionConfig) { c.Difficulties = nil }, true},
		{"unknown difficulty", func(c *SessionConfig) { c.Difficulties = []Difficulty{"extreme"} }, true},
		{"unknown type", func(c *SessionConfig) { c.QuestionType = "essay" }, true},
		{"both types", func(c *SessionConfig) { c.QuestionType = TypeBoth }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			c.Difficulties = append([]Difficulty(nil), valid.Difficulties...)
			tt.mutate(&c)
			_, err := c.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestSessionConfigValidateDedupesDifficulties(t *testing.T) {
	c := SessionConfig{
		QuestionCount:    1,
		Difficulties:     []Difficulty{DifficultyLow, DifficultyHigh, DifficultyLow},
		QuestionType:     TypeText,
		TimeLimitMinutes: 1,
	}
	got, err := c.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Difficulties) != 2 {
		t.Errorf("expected 2 difficulties, got %v", got.Difficulties)
	}
}

func TestQuestionValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Question
		wantErr bool
	}{
		{"mcq ok", Question{Prompt: "p", Body: MultipleChoice{CorrectIndices: []int{0, 3}}}, false},
		{"mcq no correct", Question{Prompt: "p", Body: MultipleChoice{}}, true},
		{"mcq out of range", Question{Prompt: "p", Body: MultipleChoice{CorrectIndices: []int{4}}}, true},
		{"mcq duplicate", Question{Prompt: "p", Body: MultipleChoice{CorrectIndices: []int{1, 1}}}, true},
		{"text ok", Question{Prompt: "p", Body: ShortAnswer{SampleAnswer: "a"}}, false},
		{"text empty sample", Question{Prompt: "p", Body: ShortAnswer{}}, true},
		{"no body", Question{Prompt: "p"}, true},
		{"no prompt", Question{Body: ShortAnswer{SampleAnswer: "a"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQuestionJSONKeepsAnswerState(t *testing.T) {
	correct := true
	q := Question{
		ID:         "q1",
		Prompt:     "Pick primes",
		Difficulty: DifficultyLow,
		Body: MultipleChoice{
			Options:        [OptionCount]string{"2", "4", "5", "9"},
			CorrectIndices: []int{0, 2},
		},
		Answer:  Selection{2, 0},
		Correct: &correct,
	}

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"mcq"`) {
		t.Errorf("expected kind discriminator in %s", data)
	}

	var got Question
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	mc, ok := got.Body.(MultipleChoice)
	if !ok {
		t.Fatalf("expected MultipleChoice body, got %T", got.Body)
	}
	if mc.Options[2] != "5" {
		t.Errorf("expected option 2 to be '5', got %q", mc.Options[2])
	}
	sel, ok := got.Answer.(Selection)
	if !ok || len(sel) != 2 {
		t.Fatalf("expected 2-element Selection, got %#v", got.Answer)
	}
	if got.Correct == nil || !*got.Correct {
		t.Errorf("expected is_correct true")
	}
}

func TestQuestionJSONUnansweredText(t *testing.T) {
	q := Question{ID: "t1", Prompt: "Explain", Body: ShortAnswer{SampleAnswer: "Because."}}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Question
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Answered() {
		t.Errorf("expected unanswered question, got answer %#v", got.Answer)
	}
	if got.Kind() != KindText {
		t.Errorf("expected text kind, got %q", got.Kind())
	}
}

func TestQuestionJSONUnansweredMultipleChoice(t *testing.T) {
	q := Question{ID: "m1", Prompt: "Pick", Body: MultipleChoice{
		Options:        [OptionCount]string{"a", "b", "c", "d"},
		CorrectIndices: []int{1},
	}}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"selected":null`) {
		t.Errorf("expected null selection in %s", data)
	}
	var got Question
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Answered() {
		t.Errorf("expected unanswered question, got answer %#v", got.Answer)
	}
}

func TestQuestionJSONRejectsBadShape(t *testing.T) {
	var q Question
	err := json.Unmarshal([]byte(`{"kind":"mcq","prompt":"p","options":["a","b"],"correct_indices":[0]}`), &q)
	if !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion, got %v", err)
	}
	err = json.Unmarshal([]byte(`{"kind":"essay","prompt":"p"}`), &q)
	if !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion for unknown kind, got %v", err)
	}
}
