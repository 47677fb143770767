package exam

import (
	"testing"

	"github.com/pavelanni/toeic/internal/model"
)

func emailCatalog() *model.Catalog {
	return &model.Catalog{
		ExamType: model.ExamWriting,
		Parts:    []model.PartPolicy{{Part: 2, Budget: model.BudgetNone, Instructions: true}},
		Questions: []model.QuestionDescriptor{
			{ID: "email", Part: 2, MinWords: 50},
			{ID: "reply", Part: 2, Gate: &model.Gate{QuestionID: "email", OneWay: true}},
		},
	}
}

func TestCanEnterOutOfRange(t *testing.T) {
	cat := emailCatalog()
	for _, idx := range []int{-1, 2, 99} {
		if v := CanEnter(idx, model.Snapshot{}, cat); v.Allowed || v.Reason != ReasonOutOfRange {
			t.Errorf("CanEnter(%d) = %+v, want out_of_range", idx, v)
		}
	}
}

func TestCanEnterWordCountGate(t *testing.T) {
	cat := emailCatalog()

	snap := model.Snapshot{Answers: []model.Answer{{QuestionID: "email", Text: words(49)}}}
	if v := CanEnter(1, snap, cat); v.Allowed || v.Reason != ReasonGateIncomplete {
		t.Errorf("49 words: got %+v, want gate_incomplete", v)
	}

	snap.Answers[0].Text = words(50)
	if v := CanEnter(1, snap, cat); !v.Allowed {
		t.Errorf("50 words: got %+v, want allowed", v)
	}
}

func TestCanEnterOneWayIsPermanent(t *testing.T) {
	cat := emailCatalog()
	snap := model.Snapshot{
		Answers:          []model.Answer{{QuestionID: "email", Text: words(60)}},
		EnteredQuestions: []string{"email", "reply"},
	}
	for i := range 3 {
		if v := CanEnter(0, snap, cat); v.Allowed || v.Reason != ReasonOneWay {
			t.Fatalf("call %d: got %+v, want one_way", i, v)
		}
	}
	// The gated question itself stays reachable.
	if v := CanEnter(1, snap, cat); !v.Allowed {
		t.Errorf("reply should remain reachable, got %+v", v)
	}
}

func TestNeedsInstructions(t *testing.T) {
	cat := emailCatalog()
	if !NeedsInstructions(2, model.Snapshot{}, cat) {
		t.Error("part 2 should need instructions before acknowledgement")
	}
	if NeedsInstructions(2, model.Snapshot{AcknowledgedParts: []int{2}}, cat) {
		t.Error("part 2 should not need instructions after acknowledgement")
	}
	if NeedsInstructions(7, model.Snapshot{}, cat) {
		t.Error("unknown part should not need instructions")
	}
}
