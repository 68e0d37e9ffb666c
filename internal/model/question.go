package model

import (
	"errors"
	"fmt"
	"strings"
)

// RubricPoint is one weighted expectation for a free-text answer.
type RubricPoint struct {
	Weight int    `json:"weight" xml:"weight"`
	Point  string `json:"point" xml:"point"`
}

// MultiChoice is a multiple-choice question. CorrectAnswer is 1-based.
type MultiChoice struct {
	Title         string   `json:"title"`
	Question      string   `json:"question"`
	AnswerChoices []string `json:"answerChoices"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// SingleChoice is a single-answer question. CorrectAnswer is 1-based.
type SingleChoice struct {
	Title         string   `json:"title"`
	Question      string   `json:"question"`
	AnswerChoices []string `json:"answerChoices"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// TrueFalse is a true/false question. CorrectAnswer is "True" or "False".
type TrueFalse struct {
	Title         string   `json:"title"`
	Question      string   `json:"question"`
	AnswerChoices []string `json:"answerChoices"`
	CorrectAnswer string   `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
}

// FreeText is an open question graded against a rubric.
type FreeText struct {
	Title       string        `json:"title"`
	Question    string        `json:"question"`
	Rubric      []RubricPoint `json:"rubric"`
	Explanation string        `json:"explanation,omitempty"`
}

// Question is the type-neutral form produced by parsing model output.
// For choice types CorrectAnswer is a 1-based index into AnswerChoices;
// true/false questions use the choices True and False.
type Question struct {
	Title         string        `json:"title"`
	Question      string        `json:"question"`
	AnswerChoices []string      `json:"answerChoices,omitempty"`
	CorrectAnswer int           `json:"correctAnswer,omitempty"`
	Explanation   string        `json:"explanation,omitempty"`
	Rubric        []RubricPoint `json:"rubric,omitempty"`
}

// TrueFalseChoices are the fixed choices of a true/false question.
var TrueFalseChoices = []string{"True", "False"}

// Validate checks the structural invariants for questions of type t.
func (q Question) Validate(t AssessType) error {
	if strings.TrimSpace(q.Question) == "" {
		return errors.New("question text is empty")
	}
	switch t {
	case AssessMultiChoice, AssessSingleChoice, AssessTrueFalse:
		if len(q.AnswerChoices) < 2 {
			return fmt.Errorf("need at least 2 answer choices, got %d", len(q.AnswerChoices))
		}
		if q.CorrectAnswer < 1 || q.CorrectAnswer > len(q.AnswerChoices) {
			return fmt.Errorf("correct answer %d out of range 1..%d", q.CorrectAnswer, len(q.AnswerChoices))
		}
		if strings.TrimSpace(q.Explanation) == "" {
			return errors.New("explanation is empty")
		}
	case AssessFreeText:
		if len(q.Rubric) == 0 {
			return errors.New("rubric has no points")
		}
		for i, p := range q.Rubric {
			if strings.TrimSpace(p.Point) == "" {
				return fmt.Errorf("rubric point %d is empty", i+1)
			}
		}
	default:
		return fmt.Errorf("unknown assess type %q", t)
	}
	return nil
}

// SetQuestions validates qs and stores them in the field matching t,
// replacing whatever that field held before.
func (a *Assessment) SetQuestions(t AssessType, qs []Question) error {
	for i, q := range qs {
		if err := q.Validate(t); err != nil {
			return fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	switch t {
	case AssessMultiChoice:
		out := make([]MultiChoice, 0, len(qs))
		for _, q := range qs {
			out = append(out, MultiChoice{q.Title, q.Question, q.AnswerChoices, q.CorrectAnswer, q.Explanation})
		}
		a.MultiChoice = out
	case AssessSingleChoice:
		out := make([]SingleChoice, 0, len(qs))
		for _, q := range qs {
			out = append(out, SingleChoice{q.Title, q.Question, q.AnswerChoices, q.CorrectAnswer, q.Explanation})
		}
		a.SingleChoice = out
	case AssessTrueFalse:
		out := make([]TrueFalse, 0, len(qs))
		for _, q := range qs {
			out = append(out, TrueFalse{q.Title, q.Question, q.AnswerChoices, q.AnswerChoices[q.CorrectAnswer-1], q.Explanation})
		}
		a.TrueFalse = out
	case AssessFreeText:
		out := make([]FreeText, 0, len(qs))
		for _, q := range qs {
			out = append(out, FreeText{q.Title, q.Question, q.Rubric, q.Explanation})
		}
		a.FreeText = out
	default:
		return fmt.Errorf("unknown assess type %q", t)
	}
	return nil
}
