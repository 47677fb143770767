package exam

import (
	"errors"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/pavelanni/toeic/internal/model"
)

func TestStartLeavesNothingSelected(t *testing.T) {
	m := NewMachine(gatedCatalog())
	if m.Status() != StatusNotStarted {
		t.Fatalf("status = %q, want not_started", m.Status())
	}
	mustReject(t, "Select before start", m.SelectQuestion(0, at(0)), ReasonNotStarted)

	mustOK(t, "Start", m.Start(at(0)))
	snap := m.Snapshot()
	if snap.CurrentQuestionIndex != nil {
		t.Errorf("current index = %d, want nil", *snap.CurrentQuestionIndex)
	}
	if len(snap.TimerAnchors) != 0 {
		t.Errorf("no anchor expected after start, got %v", snap.TimerAnchors)
	}
	if m.Status() != StatusInProgress {
		t.Errorf("status = %q, want in_progress", m.Status())
	}
}

func TestStartDiscardsPreviousAttempt(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	mustOK(t, "Select 0", m.SelectQuestion(0, at(1)))
	mustOK(t, "Record a1", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: words(3)}, at(2)))

	mustOK(t, "Start again", m.Start(at(10)))
	snap := m.Snapshot()
	if len(snap.Answers) != 0 || snap.CurrentQuestionIndex != nil || len(snap.EnteredQuestions) != 0 {
		t.Errorf("snapshot not reset: %+v", snap)
	}
	if snap.StartedAt == nil || !snap.StartedAt.Equal(at(10)) {
		t.Errorf("started at = %v, want %v", snap.StartedAt, at(10))
	}
	if m.Status() != StatusInProgress {
		t.Errorf("status = %q, want in_progress", m.Status())
	}
}

func TestGatedScenario(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	if m.Snapshot().CurrentQuestionIndex != nil {
		t.Fatal("expected no selection after start")
	}

	mustOK(t, "Select 0", m.SelectQuestion(0, at(1)))
	mustOK(t, "Record a1", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: words(5)}, at(2)))

	mustOK(t, "Select 1", m.SelectQuestion(1, at(3)))
	mustReject(t, "Select 2 early", m.SelectQuestion(2, at(4)), ReasonGateIncomplete)
	if got := currentIndex(t, m); got != 1 {
		t.Fatalf("rejected navigation moved index to %d", got)
	}

	mustOK(t, "Record a2", m.RecordAnswer(model.Answer{QuestionID: "a2", Text: words(10)}, at(5)))
	mustOK(t, "Select 2", m.SelectQuestion(2, at(6)))
	mustReject(t, "Back to 1", m.SelectQuestion(1, at(7)), ReasonOneWay)
	mustReject(t, "Back to 1 again", m.SelectQuestion(1, at(8)), ReasonOneWay)

	// Questions not gated by the current one stay reachable.
	mustOK(t, "Select 0", m.SelectQuestion(0, at(9)))
}

func TestOneWayClosesAnswerEdits(t *testing.T) {
	m := startedMachine(t, writingCatalog())
	mustOK(t, "Select w3", m.SelectQuestion(2, at(0)))
	mustOK(t, "Record w3", m.RecordAnswer(model.Answer{QuestionID: "w3", Text: "Dear team, thanks."}, at(10)))
	mustOK(t, "Select w4", m.SelectQuestion(3, at(20)))

	if v := CanEnter(2, m.Snapshot(), m.Catalog()); v.Reason != ReasonOneWay {
		t.Fatalf("CanEnter(w3) = %+v, want one_way", v)
	}
	mustReject(t, "Edit w3", m.RecordAnswer(model.Answer{QuestionID: "w3", Text: "rewritten after moving on"}, at(30)),
		ReasonOneWay)
	if a, _ := Get(m.Snapshot().Answers, "w3"); a.Text != "Dear team, thanks." {
		t.Errorf("w3 text = %q, want the original answer", a.Text)
	}
	mustOK(t, "Record w4", m.RecordAnswer(model.Answer{QuestionID: "w4", Text: words(30)}, at(40)))
}

func TestRecordAnswerFillsDerivedFields(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a2", Text: "three little words"}, at(12)))

	a, found := Get(m.Snapshot().Answers, "a2")
	if !found {
		t.Fatal("answer not stored")
	}
	if a.QuestionPart != 1 || a.WordCount != 3 || !a.SavedAt.Equal(at(12)) {
		t.Errorf("unexpected derived fields: %+v", a)
	}
	if a.QuestionText != "second" {
		t.Errorf("question text = %q, want catalog title", a.QuestionText)
	}
	mustReject(t, "Unknown", m.RecordAnswer(model.Answer{QuestionID: "zz"}, at(13)), ReasonUnknownQuestion)
}

func TestLockedRejectsEveryEdit(t *testing.T) {
	m := startedMachine(t, speakingCatalog())
	mustOK(t, "Select s3", m.SelectQuestion(2, at(0)))
	mustOK(t, "Begin", m.BeginResponse(at(1)))
	mustOK(t, "Record s3", m.RecordAnswer(model.Answer{QuestionID: "s3", AudioRef: "r1"}, at(2)))

	report := m.Tick(at(21))
	if report.Action != model.ExpireLock {
		t.Fatalf("action = %q, want lock", report.Action)
	}
	if m.Status() != StatusLocked {
		t.Fatalf("status = %q, want locked", m.Status())
	}

	before := m.Snapshot().Answers
	attempts := []model.Answer{
		{QuestionID: "s3", AudioRef: "r2"},
		{QuestionID: "s1", Transcript: "hello"},
		{QuestionID: "missing"},
	}
	for _, a := range attempts {
		mustReject(t, "Record "+a.QuestionID, m.RecordAnswer(a, at(30)), ReasonLocked)
	}
	if !reflect.DeepEqual(before, m.Snapshot().Answers) {
		t.Error("answers changed while locked")
	}
	mustReject(t, "Capture", m.BeginCapture(at(30)), ReasonLocked)

	// Navigation and finish remain possible.
	mustOK(t, "Select while locked", m.SelectQuestion(0, at(31)))
	mustOK(t, "Finish", m.Finish())
	if !m.Snapshot().IsLocked {
		t.Error("lock must survive finishing")
	}
}

func TestFinishRequiresAnswers(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	before := m.Snapshot()

	mustReject(t, "Finish empty", m.Finish(), ReasonNoAnswers)
	if m.Status() != StatusInProgress {
		t.Errorf("status = %q, want in_progress", m.Status())
	}
	if !reflect.DeepEqual(before, m.Snapshot()) {
		t.Error("rejected finish changed the snapshot")
	}

	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: "x"}, at(1)))
	mustOK(t, "Finish", m.Finish())
	mustReject(t, "Finish twice", m.Finish(), ReasonAlreadyFinished)
	mustReject(t, "Record after finish", m.RecordAnswer(model.Answer{QuestionID: "a1"}, at(2)), ReasonFinished)
	mustReject(t, "Select after finish", m.SelectQuestion(0, at(2)), ReasonFinished)
}

func TestRecordAnswerRespectsCountdown(t *testing.T) {
	m := startedMachine(t, speakingCatalog())
	mustOK(t, "Select s1", m.SelectQuestion(0, at(0)))

	answer := model.Answer{QuestionID: "s1", AudioRef: "clip"}
	mustReject(t, "Before instructions", m.RecordAnswer(answer, at(1)), ReasonTimerNotStarted)

	mustOK(t, "Ack", m.AcknowledgeInstructions(1, at(2)))
	mustReject(t, "Preparing", m.RecordAnswer(answer, at(3)), ReasonPreparing)
	mustReject(t, "Capture while preparing", m.BeginCapture(at(3)), ReasonPreparing)

	mustOK(t, "Begin response", m.BeginResponse(at(4)))
	mustReject(t, "Begin response twice", m.BeginResponse(at(5)), ReasonNotPreparing)
	mustOK(t, "Record", m.RecordAnswer(answer, at(10)))
	mustReject(t, "Expired", m.RecordAnswer(answer, at(4+45)), ReasonTimeExpired)
}

func TestTickAdvancesAndAbandonsCapture(t *testing.T) {
	m := startedMachine(t, speakingCatalog())
	mustOK(t, "Ack", m.AcknowledgeInstructions(1, at(0)))
	mustOK(t, "Select s1", m.SelectQuestion(0, at(0)))
	mustOK(t, "Capture", m.BeginCapture(at(40)))

	report := m.Tick(at(75))
	if report.Abandoned != "s1" {
		t.Errorf("abandoned = %q, want s1", report.Abandoned)
	}
	if report.Action != model.ExpireAdvance || report.Advanced != 1 {
		t.Fatalf("report = %+v, want advance to 1", report)
	}
	snap := m.Snapshot()
	if snap.ActiveCapture != "" {
		t.Errorf("capture %q should be abandoned", snap.ActiveCapture)
	}
	if got := snap.TimerAnchors["response:s2"]; !got.Equal(at(75)) {
		t.Errorf("s2 anchor = %v, want %v", got, at(75))
	}

	// Each scope expires once.
	if again := m.Tick(at(76)); again.Changed() {
		t.Errorf("second tick changed state: %+v", again)
	}

	report = m.Tick(at(90))
	if report.Advanced != 2 {
		t.Fatalf("expected advance into part 2, got %+v", report)
	}
	if got := m.Snapshot().TimerAnchors["prep:s3"]; !got.Equal(at(90)) {
		t.Errorf("s3 prep anchor = %v, want %v", got, at(90))
	}

	report = m.Tick(at(90 + 10 + 20))
	if report.Action != model.ExpireLock || m.Status() != StatusLocked {
		t.Errorf("expected lock after last response, got %+v / %q", report, m.Status())
	}
}

func TestTickWithMissedIntervals(t *testing.T) {
	// One late tick catches up on every countdown that ran out meanwhile.
	// Each advanced question is anchored when the previous one ended.
	m := startedMachine(t, speakingCatalog())
	mustOK(t, "Ack", m.AcknowledgeInstructions(1, at(0)))
	mustOK(t, "Select s1", m.SelectQuestion(0, at(0)))

	report := m.Tick(at(600))
	if !slices.Equal(report.Promoted, []string{"s1"}) {
		t.Errorf("promoted = %v", report.Promoted)
	}
	want := []string{"response:s1", "response:s2", "response:s3"}
	if !slices.Equal(report.Expired, want) {
		t.Errorf("expired = %v, want %v", report.Expired, want)
	}
	snap := m.Snapshot()
	if got := snap.TimerAnchors["response:s2"]; !got.Equal(at(75)) {
		t.Errorf("s2 anchor = %v, want %v", got, at(75))
	}
	if got := snap.TimerAnchors["prep:s3"]; !got.Equal(at(90)) {
		t.Errorf("s3 prep anchor = %v, want %v", got, at(90))
	}
	if report.Action != model.ExpireLock || m.Status() != StatusLocked {
		t.Errorf("report = %+v, status %q, want lock", report, m.Status())
	}
	if got := currentIndex(t, m); got != 2 {
		t.Errorf("current = %d, want 2", got)
	}
}

func TestForcedAdvanceAnchorsAtDeadline(t *testing.T) {
	m := startedMachine(t, writingCatalog())
	mustOK(t, "Select w3", m.SelectQuestion(2, at(0)))

	// The tick arrives 100s late; w4 still gets only what is left of its own budget.
	report := m.Tick(at(700))
	if report.Advanced != 3 {
		t.Fatalf("report = %+v, want advance to w4", report)
	}
	snap := m.Snapshot()
	if got := snap.TimerAnchors["question:w4"]; !got.Equal(at(600)) {
		t.Errorf("w4 anchor = %v, want %v", got, at(600))
	}
	if left, _ := m.Timer().Remaining(m.Catalog().Questions[3], snap, at(700)); left != 500*time.Second {
		t.Errorf("w4 remaining = %v, want 500s", left)
	}
}

func TestWritingFlow(t *testing.T) {
	m := startedMachine(t, writingCatalog())
	mustOK(t, "Select w1", m.SelectQuestion(0, at(0)))
	if len(m.Snapshot().TimerAnchors) != 0 {
		t.Fatal("part 1 timer must wait for instructions")
	}
	mustOK(t, "Ack", m.AcknowledgeInstructions(1, at(5)))
	mustOK(t, "Record w1", m.RecordAnswer(model.Answer{QuestionID: "w1", Text: "A man reads."}, at(20)))
	mustOK(t, "Select w2", m.SelectQuestion(1, at(30)))

	// The shared budget skips the rest of part 1.
	report := m.Tick(at(305))
	if !slices.Equal(report.Expired, []string{"part:1"}) || report.Advanced != 2 {
		t.Fatalf("report = %+v", report)
	}
	mustReject(t, "Edit expired part", m.RecordAnswer(model.Answer{QuestionID: "w1", Text: "late"}, at(306)),
		ReasonTimeExpired)

	// w3 runs out unanswered; the forced advance ignores w4's gate.
	report = m.Tick(at(305 + 600))
	if report.Advanced != 3 {
		t.Fatalf("expected forced advance to w4, got %+v", report)
	}
	mustReject(t, "Back to w3", m.SelectQuestion(2, at(906)), ReasonOneWay)
	mustOK(t, "Record w4", m.RecordAnswer(model.Answer{QuestionID: "w4", Text: words(30)}, at(910)))

	report = m.Tick(at(905 + 600))
	if report.Advanced != 4 {
		t.Fatalf("expected forced advance to w5, got %+v", report)
	}
	report = m.Tick(at(1505 + 1800))
	if report.Action != model.ExpireFinish || m.Status() != StatusFinished {
		t.Errorf("expected finish, got %+v / %q", report, m.Status())
	}
}

func TestAdvancePastLastQuestionFinishes(t *testing.T) {
	cat := &model.Catalog{
		ExamType: model.ExamWriting,
		Parts:    []model.PartPolicy{{Part: 1, Budget: model.BudgetPerQuestion, OnExpire: model.ExpireAdvance}},
		Questions: []model.QuestionDescriptor{
			{ID: "only", Part: 1, PartTimeLimitSeconds: 60},
		},
	}
	m := startedMachine(t, cat)
	mustOK(t, "Select", m.SelectQuestion(0, at(0)))
	report := m.Tick(at(60))
	if report.Action != model.ExpireFinish || m.Status() != StatusFinished {
		t.Errorf("expected finish, got %+v / %q", report, m.Status())
	}
}

func TestClearSelectionAndReset(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	mustOK(t, "Select", m.SelectQuestion(0, at(0)))
	mustOK(t, "Clear", m.ClearSelection())
	if m.Snapshot().CurrentQuestionIndex != nil {
		t.Error("selection not cleared")
	}

	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: "x"}, at(1)))
	mustOK(t, "Finish", m.Finish())
	mustOK(t, "Reset", m.Reset())

	snap := m.Snapshot()
	if m.Status() != StatusNotStarted || len(snap.Answers) != 0 || snap.IsFinished {
		t.Errorf("reset left state behind: %+v", snap)
	}
	if snap.ExamType != model.ExamWriting {
		t.Errorf("exam type = %q", snap.ExamType)
	}
}

func TestQuestionOverrides(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	mustOK(t, "Override", m.SetQuestionText("a1", "Describe your office"))
	mustOK(t, "Image", m.SetQuestionImage("a1", "img-1"))
	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: "x"}, at(1)))

	snap := m.Snapshot()
	a, _ := Get(snap.Answers, "a1")
	if a.QuestionText != "Describe your office" {
		t.Errorf("question text = %q, want override", a.QuestionText)
	}
	if snap.Images["a1"] != "img-1" {
		t.Errorf("images = %v", snap.Images)
	}

	mustOK(t, "Clear override", m.SetQuestionText("a1", ""))
	a, _ = Get(m.Snapshot().Answers, "a1")
	if a.QuestionText != "first" {
		t.Errorf("question text = %q, want catalog title", a.QuestionText)
	}
	mustReject(t, "Unknown", m.SetQuestionText("nope", "x"), ReasonUnknownQuestion)
}

func TestAttachResults(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	result := model.GradingResult{OverallScore: 150, Strengths: []string{"clear"}}
	mustReject(t, "Attach early", m.AttachResults(result), ReasonNotFinished)

	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: "x"}, at(1)))
	mustOK(t, "Finish", m.Finish())
	mustOK(t, "Attach", m.AttachResults(result))

	result.Strengths[0] = "mutated"
	got := m.Snapshot().Results
	if got == nil || got.OverallScore != 150 || got.Strengths[0] != "clear" {
		t.Errorf("results = %+v", got)
	}
}

func TestProgressAndIncomplete(t *testing.T) {
	m := startedMachine(t, gatedCatalog())
	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: words(10)}, at(1)))
	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a2", Text: words(3)}, at(2)))

	if got := m.IncompleteQuestions(); !slices.Equal(got, []string{"a2", "b1"}) {
		t.Errorf("incomplete = %v", got)
	}

	progress := m.PartProgress()
	if len(progress) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(progress))
	}
	want := PartProgress{Part: 1, Title: "A", Total: 2, Answered: 2, Complete: 1, Reachable: true}
	if progress[0] != want {
		t.Errorf("part 1 = %+v, want %+v", progress[0], want)
	}
	if progress[1].Reachable {
		t.Error("part 2 should not be reachable before a2 is complete")
	}
}

func TestRestore(t *testing.T) {
	cat := gatedCatalog()
	m := startedMachine(t, cat)
	mustOK(t, "Select", m.SelectQuestion(0, at(0)))
	mustOK(t, "Record", m.RecordAnswer(model.Answer{QuestionID: "a1", Text: "x"}, at(1)))

	restored, err := Restore(cat, m.Snapshot())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(restored.Snapshot(), m.Snapshot()) {
		t.Error("restored snapshot differs")
	}

	bad := m.Snapshot()
	bad.ExamType = model.ExamSpeaking
	if _, err := Restore(cat, bad); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("exam type mismatch: err = %v", err)
	}

	bad = m.Snapshot()
	idx := 7
	bad.CurrentQuestionIndex = &idx
	if _, err := Restore(cat, bad); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("index out of range: err = %v", err)
	}

	bad = m.Snapshot()
	bad.Answers = append(bad.Answers, bad.Answers[0])
	if _, err := Restore(cat, bad); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("duplicate answers: err = %v", err)
	}
}

func TestRejectionError(t *testing.T) {
	if err := (Result{}).Err("finish"); err != nil {
		t.Errorf("success should have no error, got %v", err)
	}
	err := reject(ReasonNoAnswers).Err("finish")
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Reason != ReasonNoAnswers || rej.Op != "finish" {
		t.Errorf("unexpected error %v", err)
	}
}
