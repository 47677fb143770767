package exam

import (
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/toeic/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// gatedCatalog has two untimed questions in part 1 and a third in part 2
// that opens only once the second reaches ten words, and never lets the
// candidate go back.
func gatedCatalog() *model.Catalog {
	return &model.Catalog{
		ExamType: model.ExamWriting,
		Parts: []model.PartPolicy{
			{Part: 1, Title: "A", Budget: model.BudgetNone, OnExpire: model.ExpireAdvance},
			{Part: 2, Title: "B", Budget: model.BudgetNone, OnExpire: model.ExpireAdvance},
		},
		Questions: []model.QuestionDescriptor{
			{ID: "a1", Part: 1, OrderIndex: 0, Number: 1, Title: "first", MinWords: 10},
			{ID: "a2", Part: 1, OrderIndex: 1, Number: 2, Title: "second", MinWords: 10},
			{ID: "b1", Part: 2, OrderIndex: 2, Number: 3, Title: "third",
				Gate: &model.Gate{QuestionID: "a2", OneWay: true}},
		},
	}
}

func speakingCatalog() *model.Catalog {
	return &model.Catalog{
		ExamType: model.ExamSpeaking,
		Parts: []model.PartPolicy{
			{Part: 1, Title: "Read aloud", Budget: model.BudgetNone, Instructions: true,
				OnExpire: model.ExpireAdvance, Lockout: true},
			{Part: 2, Title: "Opinion", Budget: model.BudgetNone,
				OnExpire: model.ExpireLock, Lockout: true},
		},
		Questions: []model.QuestionDescriptor{
			{ID: "s1", Part: 1, OrderIndex: 0, Number: 1, Title: "Read", PrepSeconds: 30, ResponseSeconds: 45},
			{ID: "s2", Part: 1, OrderIndex: 1, Number: 2, Title: "Respond", ResponseSeconds: 15},
			{ID: "s3", Part: 2, OrderIndex: 2, Number: 3, Title: "Opinion", PrepSeconds: 10, ResponseSeconds: 20},
		},
	}
}

func writingCatalog() *model.Catalog {
	return &model.Catalog{
		ExamType: model.ExamWriting,
		Parts: []model.PartPolicy{
			{Part: 1, Title: "Sentences", Budget: model.BudgetShared, Instructions: true,
				OnExpire: model.ExpireAdvance, Lockout: true},
			{Part: 2, Title: "Emails", Budget: model.BudgetPerQuestion,
				OnExpire: model.ExpireAdvance, Lockout: true},
			{Part: 3, Title: "Essay", Budget: model.BudgetPerQuestion,
				OnExpire: model.ExpireFinish, Lockout: true},
		},
		Questions: []model.QuestionDescriptor{
			{ID: "w1", Part: 1, OrderIndex: 0, Number: 1, MinWords: 1, PartTimeLimitSeconds: 300},
			{ID: "w2", Part: 1, OrderIndex: 1, Number: 2, MinWords: 1, PartTimeLimitSeconds: 300},
			{ID: "w3", Part: 2, OrderIndex: 2, Number: 3, MinWords: 25, PartTimeLimitSeconds: 600},
			{ID: "w4", Part: 2, OrderIndex: 3, Number: 4, MinWords: 25, PartTimeLimitSeconds: 600,
				Gate: &model.Gate{QuestionID: "w3", OneWay: true, Predicate: model.PredicateAnyText}},
			{ID: "w5", Part: 3, OrderIndex: 4, Number: 5, MinWords: 300, PartTimeLimitSeconds: 1800,
				Gate: &model.Gate{QuestionID: "w4", OneWay: true, Predicate: model.PredicateAnyText}},
		},
	}
}

func mustOK(t *testing.T, op string, r Result) {
	t.Helper()
	if !r.OK() {
		t.Fatalf("%s: rejected with %q", op, r.Reason)
	}
}

func mustReject(t *testing.T, op string, r Result, want Reason) {
	t.Helper()
	if r.Reason != want {
		t.Fatalf("%s: reason = %q, want %q", op, r.Reason, want)
	}
}

func startedMachine(t *testing.T, cat *model.Catalog) *Machine {
	t.Helper()
	m := NewMachine(cat)
	mustOK(t, "Start", m.Start(t0))
	return m
}

func currentIndex(t *testing.T, m *Machine) int {
	t.Helper()
	idx := m.Snapshot().CurrentQuestionIndex
	if idx == nil {
		t.Fatal("no question selected")
	}
	return *idx
}
