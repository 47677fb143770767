package exam

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pavelanni/toeic/internal/model"
)

// Status is the lifecycle state derived from a snapshot.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusLocked     Status = "locked"
	StatusFinished   Status = "finished"
)

// StatusOf derives the lifecycle state of snap.
func StatusOf(snap model.Snapshot) Status {
	switch {
	case snap.IsFinished:
		return StatusFinished
	case snap.IsLocked:
		return StatusLocked
	case snap.StartedAt != nil:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// ErrSnapshotMismatch is returned by Restore when a snapshot cannot belong to the catalog.
var ErrSnapshotMismatch = errors.New("snapshot does not match catalog")

// Machine owns the snapshot of one exam and is its only writer. Every
// operation either applies fully or leaves the snapshot untouched.
// A Machine is not safe for concurrent use.
type Machine struct {
	cat   *model.Catalog
	timer Timer
	snap  model.Snapshot
}

// NewMachine returns a machine in the NotStarted state.
func NewMachine(cat *model.Catalog) *Machine {
	return &Machine{
		cat:   cat,
		timer: NewTimer(cat),
		snap:  model.Snapshot{ExamType: cat.ExamType},
	}
}

// Restore rebuilds a machine from a persisted snapshot.
func Restore(cat *model.Catalog, snap model.Snapshot) (*Machine, error) {
	if snap.ExamType != cat.ExamType {
		return nil, fmt.Errorf("%w: exam type %q, catalog %q", ErrSnapshotMismatch, snap.ExamType, cat.ExamType)
	}
	if idx := snap.CurrentQuestionIndex; idx != nil && (*idx < 0 || *idx >= len(cat.Questions)) {
		return nil, fmt.Errorf("%w: question index %d out of range", ErrSnapshotMismatch, *idx)
	}
	seen := make(map[string]bool, len(snap.Answers))
	for _, a := range snap.Answers {
		if _, _, found := cat.Question(a.QuestionID); !found {
			return nil, fmt.Errorf("%w: unknown question %q", ErrSnapshotMismatch, a.QuestionID)
		}
		if seen[a.QuestionID] {
			return nil, fmt.Errorf("%w: duplicate answer for %q", ErrSnapshotMismatch, a.QuestionID)
		}
		seen[a.QuestionID] = true
	}
	m := NewMachine(cat)
	m.snap = snap.Clone()
	return m, nil
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() model.Snapshot {
	return m.snap.Clone()
}

// Catalog returns the catalog the machine runs.
func (m *Machine) Catalog() *model.Catalog {
	return m.cat
}

// Timer returns the countdown calculator bound to the machine's catalog.
func (m *Machine) Timer() Timer {
	return m.timer
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	return StatusOf(m.snap)
}

// Current returns the active question, if any.
func (m *Machine) Current() (model.QuestionDescriptor, bool) {
	if m.snap.CurrentQuestionIndex == nil {
		return model.QuestionDescriptor{}, false
	}
	return m.cat.Questions[*m.snap.CurrentQuestionIndex], true
}

// Start discards any previous attempt and moves the exam to InProgress with
// nothing selected. No countdown is anchored until a question is entered with
// its instructions acknowledged.
func (m *Machine) Start(now time.Time) Result {
	started := now
	m.snap = model.Snapshot{
		ExamType:  m.cat.ExamType,
		Answers:   []model.Answer{},
		StartedAt: &started,
	}
	return ok()
}

// SelectQuestion makes the question at index active if navigation allows it.
func (m *Machine) SelectQuestion(index int, now time.Time) Result {
	switch m.Status() {
	case StatusNotStarted:
		return reject(ReasonNotStarted)
	case StatusFinished:
		return reject(ReasonFinished)
	}
	if cur := m.snap.CurrentQuestionIndex; cur != nil && *cur == index {
		return ok()
	}
	if v := CanEnter(index, m.snap, m.cat); !v.Allowed {
		return reject(v.Reason)
	}
	next := m.snap.Clone()
	m.enter(&next, index, now)
	m.snap = next
	return ok()
}

// ClearSelection deselects the active question.
func (m *Machine) ClearSelection() Result {
	switch m.Status() {
	case StatusNotStarted:
		return reject(ReasonNotStarted)
	case StatusFinished:
		return reject(ReasonFinished)
	}
	next := m.snap.Clone()
	next.CurrentQuestionIndex = nil
	next.ActiveCapture = ""
	m.snap = next
	return ok()
}

// AcknowledgeInstructions records that part's instructions were shown. If the
// active question belongs to part, its countdown starts now.
func (m *Machine) AcknowledgeInstructions(part int, now time.Time) Result {
	switch m.Status() {
	case StatusNotStarted:
		return reject(ReasonNotStarted)
	case StatusFinished:
		return reject(ReasonFinished)
	}
	if _, found := m.cat.Policy(part); !found {
		return reject(ReasonUnknownPart)
	}
	if slices.Contains(m.snap.AcknowledgedParts, part) {
		return ok()
	}
	next := m.snap.Clone()
	next.AcknowledgedParts = append(next.AcknowledgedParts, part)
	if q, active := m.Current(); active && q.Part == part {
		m.anchorIfReady(&next, q, now)
	}
	m.snap = next
	return ok()
}

// BeginResponse ends the preparation phase of the active question early.
func (m *Machine) BeginResponse(now time.Time) Result {
	if r := m.requireEditable(); !r.OK() {
		return r
	}
	q, active := m.Current()
	if !active {
		return reject(ReasonNoSelection)
	}
	if m.timer.timingOf(q) != twoPhase || m.timer.Phase(q, m.snap, now) != PhasePreparing {
		return reject(ReasonNotPreparing)
	}
	next := m.snap.Clone()
	next.TimerAnchors, _ = StartAnchor(next.TimerAnchors, responseAnchor(q.ID), now)
	m.snap = next
	return ok()
}

// BeginCapture marks a recording as in flight for the active question. The
// capture is abandoned if the governing countdown expires before an answer
// is recorded.
func (m *Machine) BeginCapture(now time.Time) Result {
	if r := m.requireEditable(); !r.OK() {
		return r
	}
	q, active := m.Current()
	if !active {
		return reject(ReasonNoSelection)
	}
	if reason := m.editable(q, now); reason != ReasonNone {
		return reject(reason)
	}
	next := m.snap.Clone()
	next.ActiveCapture = q.ID
	m.snap = next
	return ok()
}

// RecordAnswer stores a, replacing any earlier answer to the same question.
// QuestionPart, WordCount and SavedAt are filled in by the machine.
func (m *Machine) RecordAnswer(a model.Answer, now time.Time) Result {
	if r := m.requireEditable(); !r.OK() {
		return r
	}
	q, _, found := m.cat.Question(a.QuestionID)
	if !found {
		return reject(ReasonUnknownQuestion)
	}
	if ClosedBehind(q.ID, m.snap, m.cat) {
		return reject(ReasonOneWay)
	}
	if reason := m.editable(q, now); reason != ReasonNone {
		return reject(reason)
	}

	a.QuestionPart = q.Part
	if override, found := m.snap.QuestionOverrides[q.ID]; found {
		a.QuestionText = override
	} else if a.QuestionText == "" {
		a.QuestionText = defaultText(q)
	}
	a.WordCount = CountWords(a.Text)
	a.SavedAt = now

	next := m.snap.Clone()
	next.Answers = Upsert(next.Answers, a)
	if next.ActiveCapture == q.ID {
		next.ActiveCapture = ""
	}
	m.snap = next
	return ok()
}

// SetQuestionText overrides the prompt text shown for a question. An empty
// text removes the override.
func (m *Machine) SetQuestionText(id, text string) Result {
	if r := m.requireOpen(); !r.OK() {
		return r
	}
	q, _, found := m.cat.Question(id)
	if !found {
		return reject(ReasonUnknownQuestion)
	}
	next := m.snap.Clone()
	next.QuestionOverrides = setOrDelete(next.QuestionOverrides, id, text)
	if a, found := Get(next.Answers, id); found {
		a.QuestionText = text
		if text == "" {
			a.QuestionText = defaultText(q)
		}
		next.Answers = Upsert(next.Answers, a)
	}
	m.snap = next
	return ok()
}

// SetQuestionImage attaches a reference image to a question. An empty ref
// removes it.
func (m *Machine) SetQuestionImage(id, ref string) Result {
	if r := m.requireOpen(); !r.OK() {
		return r
	}
	if _, _, found := m.cat.Question(id); !found {
		return reject(ReasonUnknownQuestion)
	}
	next := m.snap.Clone()
	next.Images = setOrDelete(next.Images, id, ref)
	m.snap = next
	return ok()
}

// TickReport describes what a Tick changed.
type TickReport struct {
	Promoted  []string           // questions whose response phase began
	Expired   []string           // countdown scopes that ran out
	Abandoned string             // capture dropped by expiry
	Action    model.ExpiryAction // last expiry policy applied
	Advanced  int                // index entered by auto-advance, -1 if none
}

// Changed reports whether the tick modified the snapshot.
func (r TickReport) Changed() bool {
	return len(r.Promoted) > 0 || len(r.Expired) > 0
}

// Tick promotes finished preparation phases and applies the expiry policy of
// every countdown that has run out since the last tick. Each scope expires
// at most once.
func (m *Machine) Tick(now time.Time) TickReport {
	report := TickReport{Advanced: -1}
	if m.Status() != StatusInProgress {
		return report
	}
	next := m.snap.Clone()

	for _, q := range m.cat.Questions {
		if m.timer.timingOf(q) != twoPhase || q.PrepSeconds == 0 {
			continue
		}
		prep, found := next.TimerAnchors[prepAnchor(q.ID)]
		if !found {
			continue
		}
		start := prep.Add(seconds(q.PrepSeconds))
		if now.Before(start) {
			continue
		}
		var started bool
		next.TimerAnchors, started = StartAnchor(next.TimerAnchors, responseAnchor(q.ID), start)
		if started {
			report.Promoted = append(report.Promoted, q.ID)
		}
	}

	for _, q := range m.cat.Questions {
		scope := m.timer.ScopeKey(q)
		if scope == "" || slices.Contains(next.ExpiredScopes, scope) {
			continue
		}
		if !m.timer.Expired(q, next, now) {
			continue
		}
		ended, _ := m.timer.Deadline(q, next)
		next.ExpiredScopes = append(next.ExpiredScopes, scope)
		report.Expired = append(report.Expired, scope)
		if next.ActiveCapture != "" {
			if cq, _, found := m.cat.Question(next.ActiveCapture); found && m.timer.ScopeKey(cq) == scope {
				report.Abandoned = next.ActiveCapture
				next.ActiveCapture = ""
			}
		}
		if m.expire(&next, scope, q.Part, ended, &report) {
			break
		}
	}

	m.snap = next
	return report
}

// expire applies the part's expiry policy for scope, which ran out at ended.
// It reports whether the exam left InProgress.
func (m *Machine) expire(next *model.Snapshot, scope string, part int, ended time.Time, report *TickReport) bool {
	policy, _ := m.cat.Policy(part)
	switch policy.OnExpire {
	case model.ExpireLock:
		next.IsLocked = true
		next.ActiveCapture = ""
		report.Action = model.ExpireLock
		return true
	case model.ExpireFinish:
		next.IsFinished = true
		next.ActiveCapture = ""
		report.Action = model.ExpireFinish
		return true
	}

	cur := next.CurrentQuestionIndex
	if cur == nil || m.timer.ScopeKey(m.cat.Questions[*cur]) != scope {
		return false
	}
	target := m.advanceTarget(*cur)
	if target >= len(m.cat.Questions) {
		next.IsFinished = true
		next.ActiveCapture = ""
		report.Action = model.ExpireFinish
		return true
	}
	// Forced advance skips the completion gate; the exam must move on.
	m.enter(next, target, ended)
	report.Action = model.ExpireAdvance
	report.Advanced = target
	return false
}

// advanceTarget is the question after cur, or after cur's whole part when the
// part shares one budget.
func (m *Machine) advanceTarget(cur int) int {
	q := m.cat.Questions[cur]
	if m.timer.timingOf(q) != shared {
		return cur + 1
	}
	last := cur
	for i := cur + 1; i < len(m.cat.Questions) && m.cat.Questions[i].Part == q.Part; i++ {
		last = i
	}
	return last + 1
}

// Finish ends the exam. It requires at least one answer and is allowed from
// InProgress or Locked.
func (m *Machine) Finish() Result {
	switch m.Status() {
	case StatusNotStarted:
		return reject(ReasonNotStarted)
	case StatusFinished:
		return reject(ReasonAlreadyFinished)
	}
	if len(m.snap.Answers) == 0 {
		return reject(ReasonNoAnswers)
	}
	next := m.snap.Clone()
	next.IsFinished = true
	next.ActiveCapture = ""
	m.snap = next
	return ok()
}

// AttachResults stores grading output on a finished exam.
func (m *Machine) AttachResults(r model.GradingResult) Result {
	if m.Status() != StatusFinished {
		return reject(ReasonNotFinished)
	}
	next := m.snap.Clone()
	res := r.Clone()
	next.Results = &res
	m.snap = next
	return ok()
}

// Reset discards everything and returns to NotStarted.
func (m *Machine) Reset() Result {
	m.snap = model.Snapshot{ExamType: m.cat.ExamType}
	return ok()
}

// IncompleteQuestions lists the IDs of questions whose answers do not yet
// satisfy their default completion rule, in catalog order.
func (m *Machine) IncompleteQuestions() []string {
	var ids []string
	for _, q := range m.cat.Questions {
		if !IsComplete(m.snap.Answers, q, model.PredicateDefault) {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// PartProgress summarizes one part of the exam.
type PartProgress struct {
	Part     int    `json:"part"`
	Title    string `json:"title"`
	Total    int    `json:"total"`
	Answered int    `json:"answered"`
	Complete int    `json:"complete"`
	// Reachable is true when the first question of the part can be entered now.
	Reachable bool `json:"reachable"`
}

// PartProgress derives per-part progress from the answers.
func (m *Machine) PartProgress() []PartProgress {
	out := make([]PartProgress, 0, len(m.cat.Parts))
	for _, p := range m.cat.Parts {
		pp := PartProgress{Part: p.Part, Title: p.Title}
		first := -1
		for i, q := range m.cat.Questions {
			if q.Part != p.Part {
				continue
			}
			if first < 0 {
				first = i
			}
			pp.Total++
			if _, found := Get(m.snap.Answers, q.ID); found {
				pp.Answered++
			}
			if IsComplete(m.snap.Answers, q, model.PredicateDefault) {
				pp.Complete++
			}
		}
		if first >= 0 {
			pp.Reachable = CanEnter(first, m.snap, m.cat).Allowed
		}
		out = append(out, pp)
	}
	return out
}

func (m *Machine) enter(next *model.Snapshot, index int, now time.Time) {
	q := m.cat.Questions[index]
	if next.ActiveCapture != "" && next.ActiveCapture != q.ID {
		next.ActiveCapture = ""
	}
	idx := index
	next.CurrentQuestionIndex = &idx
	if !slices.Contains(next.EnteredQuestions, q.ID) {
		next.EnteredQuestions = append(next.EnteredQuestions, q.ID)
	}
	m.anchorIfReady(next, q, now)
}

func (m *Machine) anchorIfReady(next *model.Snapshot, q model.QuestionDescriptor, now time.Time) {
	if next.IsLocked || NeedsInstructions(q.Part, *next, m.cat) {
		return
	}
	if key := m.timer.EntryKey(q); key != "" {
		next.TimerAnchors, _ = StartAnchor(next.TimerAnchors, key, now)
	}
}

// editable checks the countdown of q for answer edits.
func (m *Machine) editable(q model.QuestionDescriptor, now time.Time) Reason {
	switch m.timer.Phase(q, m.snap, now) {
	case PhaseIdle:
		return ReasonTimerNotStarted
	case PhasePreparing:
		return ReasonPreparing
	case PhaseExpired:
		if policy, _ := m.cat.Policy(q.Part); policy.Lockout {
			return ReasonTimeExpired
		}
	}
	return ReasonNone
}

func (m *Machine) requireOpen() Result {
	switch m.Status() {
	case StatusNotStarted:
		return reject(ReasonNotStarted)
	case StatusFinished:
		return reject(ReasonFinished)
	}
	return ok()
}

func (m *Machine) requireEditable() Result {
	if r := m.requireOpen(); !r.OK() {
		return r
	}
	if m.snap.IsLocked {
		return reject(ReasonLocked)
	}
	return ok()
}

func defaultText(q model.QuestionDescriptor) string {
	if q.Prompt != "" {
		return q.Prompt
	}
	return q.Title
}

func setOrDelete(m map[string]string, key, value string) map[string]string {
	if value == "" {
		delete(m, key)
		return m
	}
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[key] = value
	return m
}
