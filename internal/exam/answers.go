package exam

import (
	"slices"
	"strings"

	"github.com/pavelanni/toeic/internal/model"
)

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// Upsert returns a new answer list with a stored in place of any answer to the
// same question, or appended when none exists. The input slice is not modified.
func Upsert(answers []model.Answer, a model.Answer) []model.Answer {
	out := slices.Clone(answers)
	for i := range out {
		if out[i].QuestionID == a.QuestionID {
			out[i] = a
			return out
		}
	}
	return append(out, a)
}

// Get returns the answer recorded for questionID.
func Get(answers []model.Answer, questionID string) (model.Answer, bool) {
	for _, a := range answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return model.Answer{}, false
}

// ResolvePredicate returns the completion rule for q. An explicit predicate wins;
// otherwise questions with a word minimum use min_words, timed speaking questions
// need audio, and everything else needs some text.
func ResolvePredicate(q model.QuestionDescriptor, p model.Predicate) model.Predicate {
	if p != model.PredicateDefault {
		return p
	}
	switch {
	case q.MinWords > 0:
		return model.PredicateMinWords
	case q.TwoPhase():
		return model.PredicateAudio
	default:
		return model.PredicateAnyText
	}
}

// IsComplete reports whether the answer to q satisfies predicate p.
func IsComplete(answers []model.Answer, q model.QuestionDescriptor, p model.Predicate) bool {
	a, found := Get(answers, q.ID)
	if !found {
		return false
	}
	switch ResolvePredicate(q, p) {
	case model.PredicateAudio:
		return a.AudioRef != "" || strings.TrimSpace(a.Transcript) != ""
	case model.PredicateMinWords:
		n := CountWords(a.Text)
		return n > 0 && n >= q.MinWords
	default:
		return strings.TrimSpace(a.Text) != "" || strings.TrimSpace(a.Transcript) != ""
	}
}
