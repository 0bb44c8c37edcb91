// Package evaluate scores submitted answers against generated questions.
package evaluate

import (
	"errors"
	"fmt"

	"github.com/pavelanni/quizforge/internal/model"
)

var (
	// ErrKindMismatch is returned when the answer kind does not match the question kind.
	ErrKindMismatch = errors.New("answer kind does not match question")
	// ErrEmptySelection is returned for a multiple-choice answer with no option selected.
	ErrEmptySelection = errors.New("no option selected")
)

// Evaluate reports whether answer is correct for q.
//
// Multiple-choice answers are correct only when the selected set equals the
// accepted set exactly; order and repeated indices are ignored. Short answers
// are accepted provisionally: real grading happens in the report pass, which
// compares them with the sample answer.
func Evaluate(q model.Question, answer model.Answer) (bool, error) {
	if answer == nil || q.Body == nil || answer.Kind() != q.Kind() {
		return false, fmt.Errorf("%w: question %q is %q", ErrKindMismatch, q.ID, q.Kind())
	}
	switch b := q.Body.(type) {
	case model.MultipleChoice:
		sel := answer.(model.Selection)
		if len(sel) == 0 {
			return false, fmt.Errorf("%w: question %q", ErrEmptySelection, q.ID)
		}
		return sameSet(sel, b.CorrectIndices), nil
	case model.ShortAnswer:
		return true, nil
	}
	return false, fmt.Errorf("%w: unsupported body %T", ErrKindMismatch, q.Body)
}

func sameSet(selected []int, accepted []int) bool {
	want := make(map[int]bool, len(accepted))
	for _, i := range accepted {
		want[i] = true
	}
	got := make(map[int]bool, len(selected))
	for _, i := range selected {
		if !want[i] {
			return false
		}
		got[i] = true
	}
	return len(got) == len(want)
}
