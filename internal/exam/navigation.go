package exam

import (
	"slices"

	"github.com/pavelanni/toeic/internal/model"
)

// Verdict is the answer to a navigation request.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(reason Reason) Verdict { return Verdict{Reason: reason} }

// CanEnter decides whether the question at target may become active.
//
// A target must be in range, its gate (if any) must be satisfied by the
// current answers, and no previously entered question may carry a one-way
// gate pointing back at it.
func CanEnter(target int, snap model.Snapshot, cat *model.Catalog) Verdict {
	if target < 0 || target >= len(cat.Questions) {
		return deny(ReasonOutOfRange)
	}
	q := cat.Questions[target]

	if q.Gate != nil {
		pred, _, found := cat.Question(q.Gate.QuestionID)
		if !found || !IsComplete(snap.Answers, pred, q.Gate.Predicate) {
			return deny(ReasonGateIncomplete)
		}
	}

	if ClosedBehind(q.ID, snap, cat) {
		return deny(ReasonOneWay)
	}
	return allow()
}

// ClosedBehind reports whether an entered question carries a one-way gate
// pointing at id. Such a question can be neither re-entered nor edited.
func ClosedBehind(id string, snap model.Snapshot, cat *model.Catalog) bool {
	for _, enteredID := range snap.EnteredQuestions {
		entered, _, found := cat.Question(enteredID)
		if !found || entered.Gate == nil {
			continue
		}
		if entered.Gate.OneWay && entered.Gate.QuestionID == id {
			return true
		}
	}
	return false
}

// NeedsInstructions reports whether part requires its instructions to be
// acknowledged before any of its countdowns may start.
func NeedsInstructions(part int, snap model.Snapshot, cat *model.Catalog) bool {
	policy, found := cat.Policy(part)
	if !found || !policy.Instructions {
		return false
	}
	return !slices.Contains(snap.AcknowledgedParts, part)
}
