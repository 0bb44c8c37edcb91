package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Kind discriminates question bodies.
type Kind string

const (
	KindMCQ  Kind = "mcq"
	KindText Kind = "text"
)

// OptionCount is the fixed number of options of a multiple-choice question.
const OptionCount = 4

// ErrInvalidQuestion is returned when a question violates its shape invariants.
var ErrInvalidQuestion = errors.New("invalid question")

// Body is the kind-specific part of a question. It is implemented only by
// MultipleChoice and ShortAnswer.
type Body interface {
	Kind() Kind
	isBody()
}

// MultipleChoice is an mcq body. More than one option may be correct.
type MultipleChoice struct {
	Options        [OptionCount]string
	CorrectIndices []int
}

func (MultipleChoice) Kind() Kind { return KindMCQ }
func (MultipleChoice) isBody()    {}

// ShortAnswer is a free-text body.
type ShortAnswer struct {
	SampleAnswer string
}

func (ShortAnswer) Kind() Kind { return KindText }
func (ShortAnswer) isBody()    {}

// Answer is a user's submission. It is implemented only by Selection and TextResponse.
type Answer interface {
	Kind() Kind
	isAnswer()
}

// Selection is the set of option indices picked for an mcq question.
type Selection []int

func (Selection) Kind() Kind { return KindMCQ }
func (Selection) isAnswer()  {}

// TextResponse is a free-text answer.
type TextResponse string

func (TextResponse) Kind() Kind { return KindText }
func (TextResponse) isAnswer()  {}

// Question is a generated assessment item. Answer and Correct stay nil until
// the user submits.
type Question struct {
	ID          string
	Prompt      string
	Explanation string
	Difficulty  Difficulty
	Body        Body
	Answer      Answer
	Correct     *bool
}

// Kind returns the kind of the question body.
func (q Question) Kind() Kind {
	if q.Body == nil {
		return ""
	}
	return q.Body.Kind()
}

// Answered reports whether the question already carries a submission.
func (q Question) Answered() bool {
	return q.Answer != nil
}

// Validate checks the shape invariants of q.
func (q Question) Validate() error {
	if q.Prompt == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidQuestion)
	}
	switch b := q.Body.(type) {
	case MultipleChoice:
		if len(b.CorrectIndices) == 0 {
			return fmt.Errorf("%w: no correct option", ErrInvalidQuestion)
		}
		seen := make(map[int]bool, len(b.CorrectIndices))
		for _, i := range b.CorrectIndices {
			if i < 0 || i >= OptionCount {
				return fmt.Errorf("%w: correct index %d out of range", ErrInvalidQuestion, i)
			}
			if seen[i] {
				return fmt.Errorf("%w: duplicate correct index %d", ErrInvalidQuestion, i)
			}
			seen[i] = true
		}
	case ShortAnswer:
		if b.SampleAnswer == "" {
			return fmt.Errorf("%w: empty sample answer", ErrInvalidQuestion)
		}
	default:
		return fmt.Errorf("%w: missing body", ErrInvalidQuestion)
	}
	return nil
}

// questionJSON is the flat wire form shared by the HTTP surface, the store
// and the LLM adapter.
type questionJSON struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Prompt         string     `json:"prompt"`
	Options        []string   `json:"options,omitempty"`
	CorrectIndices []int      `json:"correct_indices,omitempty"`
	SampleAnswer   string     `json:"sample_answer,omitempty"`
	Explanation    string     `json:"explanation"`
	Difficulty     Difficulty `json:"difficulty"`
	Selected       []int      `json:"selected"`
	Response       *string    `json:"response,omitempty"`
	Correct        *bool      `json:"is_correct,omitempty"`
}

// MarshalJSON encodes the question in its flat form with a kind discriminator.
func (q Question) MarshalJSON() ([]byte, error) {
	w := questionJSON{
		ID:          q.ID,
		Kind:        q.Kind(),
		Prompt:      q.Prompt,
		Explanation: q.Explanation,
		Difficulty:  q.Difficulty,
		Correct:     q.Correct,
	}
	switch b := q.Body.(type) {
	case MultipleChoice:
		w.Options = b.Options[:]
		w.CorrectIndices = b.CorrectIndices
	case ShortAnswer:
		w.SampleAnswer = b.SampleAnswer
	}
	switch a := q.Answer.(type) {
	case Selection:
		w.Selected = []int(a)
		if w.Selected == nil {
			w.Selected = []int{}
		}
	case TextResponse:
		s := string(a)
		w.Response = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat form produced by MarshalJSON.
func (q *Question) UnmarshalJSON(data []byte) error {
	var w questionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Question{
		ID:          w.ID,
		Prompt:      w.Prompt,
		Explanation: w.Explanation,
		Difficulty:  w.Difficulty,
		Correct:     w.Correct,
	}
	switch w.Kind {
	case KindMCQ:
		if len(w.Options) != OptionCount {
			return fmt.Errorf("%w: expected %d options, got %d", ErrInvalidQuestion, OptionCount, len(w.Options))
		}
		var mc MultipleChoice
		copy(mc.Options[:], w.Options)
		mc.CorrectIndices = slices.Clone(w.CorrectIndices)
		out.Body = mc
		if w.Selected != nil {
			out.Answer = Selection(w.Selected)
		}
	case KindText:
		out.Body = ShortAnswer{SampleAnswer: w.SampleAnswer}
		if w.Response != nil {
			out.Answer = TextResponse(*w.Response)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuestion, w.Kind)
	}
	*q = out
	return nil
}
