package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pavelanni/toeic/internal/exam"
	"github.com/pavelanni/toeic/internal/llm"
	"github.com/pavelanni/toeic/internal/metrics"
	"github.com/pavelanni/toeic/internal/model"
)

// Session owns the state machine of one exam. All access goes through its
// lock, so HTTP calls and the ticker never interleave.
type Session struct {
	key string
	mgr *Manager

	mu       sync.Mutex
	machine  *exam.Machine
	state    sessionState
	grading  bool
	lastUsed time.Time
}

type sessionState int

const (
	stateLive sessionState = iota
	// stateEvicted sessions were dropped from memory; their key is restored
	// into a fresh Session on next use.
	stateEvicted
	stateDeleted
)

// View is what clients see of a session.
type View struct {
	Key        string              `json:"key"`
	Status     exam.Status         `json:"status"`
	Snapshot   model.Snapshot      `json:"snapshot"`
	Current    *QuestionView       `json:"current,omitempty"`
	Progress   []exam.PartProgress `json:"progress"`
	Incomplete []string            `json:"incomplete"`
}

// QuestionView describes the active question at the time of the view.
type QuestionView struct {
	Question          model.QuestionDescriptor `json:"question"`
	Text              string                   `json:"text"`
	Image             string                   `json:"image,omitempty"`
	Phase             exam.Phase               `json:"phase"`
	RemainingSeconds  *int                     `json:"remaining_seconds,omitempty"`
	NeedsInstructions bool                     `json:"needs_instructions"`
}

// Op mutates the machine at the given instant.
type Op func(m *exam.Machine, now time.Time) exam.Result

// Key returns the session key.
func (s *Session) Key() string {
	return s.key
}

// Apply runs op under the session lock, after bringing countdowns up to
// date. A rejected op returns the current view and an *exam.Rejection.
func (s *Session) Apply(ctx context.Context, name string, op Op) (View, error) {
	return s.applyAt(ctx, name, s.mgr.now(), op)
}

func (s *Session) applyAt(ctx context.Context, name string, at time.Time, op Op) (View, error) {
	s, err := s.acquire(ctx)
	if err != nil {
		return View{}, err
	}
	defer s.mu.Unlock()

	now := s.mgr.now()
	s.tickLocked(ctx, now)

	before := s.machine.Status()
	res := op(s.machine, at)
	if !res.OK() {
		metrics.Rejection(name, string(res.Reason))
		slog.Debug("operation rejected", "session", s.key, "op", name, "reason", res.Reason)
		return s.viewLocked(now), res.Err(name)
	}
	if after := s.machine.Status(); after != before {
		metrics.Transition(string(before), string(after))
		slog.Info("exam status changed", "session", s.key, "op", name, "from", before, "to", after)
	}
	s.saveLocked(ctx)
	return s.viewLocked(now), nil
}

// acquire locks the session that currently holds s's key and marks it used.
// After eviction it follows the key to the restored session; once the key is
// deleted it returns ErrNotFound.
func (s *Session) acquire(ctx context.Context) (*Session, error) {
	for {
		s.mu.Lock()
		switch s.state {
		case stateLive:
			s.lastUsed = s.mgr.now()
			return s, nil
		case stateDeleted:
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		s.mu.Unlock()
		s.mgr.forget(s)
		next, err := s.mgr.Get(ctx, s.key)
		if err != nil {
			return nil, err
		}
		s = next
	}
}

// View returns the current state, applying any expiry that is due.
func (s *Session) View(ctx context.Context) View {
	live, err := s.acquire(ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.viewLocked(s.mgr.now())
	}
	defer live.mu.Unlock()
	now := live.mgr.now()
	live.tickLocked(ctx, now)
	return live.viewLocked(now)
}

// Tick applies due countdown promotions and expiries. Evicted and deleted
// sessions are left alone.
func (s *Session) Tick(ctx context.Context) exam.TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateLive {
		return exam.TickReport{Advanced: -1}
	}
	return s.tickLocked(ctx, s.mgr.now())
}

// evictIfIdle marks the session evicted if it was last used before cutoff.
func (s *Session) evictIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateLive || s.grading || !s.lastUsed.Before(cutoff) {
		return false
	}
	s.state = stateEvicted
	return true
}

func (s *Session) tickLocked(ctx context.Context, now time.Time) exam.TickReport {
	before := s.machine.Status()
	report := s.machine.Tick(now)
	if !report.Changed() {
		return report
	}
	if report.Action != "" {
		metrics.Expiry(string(report.Action))
	}
	if report.Abandoned != "" {
		slog.Info("recording abandoned on expiry", "session", s.key, "question", report.Abandoned)
	}
	if after := s.machine.Status(); after != before {
		metrics.Transition(string(before), string(after))
	}
	slog.Info("countdown tick", "session", s.key, "expired", report.Expired, "promoted", report.Promoted, "action", report.Action, "advanced", report.Advanced)
	s.saveLocked(ctx)
	return report
}

// saveLocked persists the snapshot of a live session. A finished exam is
// never restored from its snapshot, so its entry is cleared instead.
// Failures are logged; the in-memory machine stays authoritative.
func (s *Session) saveLocked(ctx context.Context) {
	if s.state != stateLive {
		return
	}
	snap := s.machine.Snapshot()
	var err error
	if snap.IsFinished {
		err = s.mgr.codec.Clear(ctx, s.key)
	} else {
		err = s.mgr.codec.Save(ctx, s.key, snap)
	}
	if err != nil {
		slog.Error("persist snapshot", "session", s.key, "error", err)
	}
}

func (s *Session) viewLocked(now time.Time) View {
	snap := s.machine.Snapshot()
	v := View{
		Key:        s.key,
		Status:     s.machine.Status(),
		Snapshot:   snap,
		Progress:   s.machine.PartProgress(),
		Incomplete: s.machine.IncompleteQuestions(),
	}
	if v.Incomplete == nil {
		v.Incomplete = []string{}
	}

	q, active := s.machine.Current()
	if !active {
		return v
	}
	timer := s.machine.Timer()
	qv := &QuestionView{
		Question:          q,
		Text:              q.Prompt,
		Image:             q.ImageURL,
		Phase:             timer.Phase(q, snap, now),
		NeedsInstructions: exam.NeedsInstructions(q.Part, snap, s.machine.Catalog()),
	}
	if qv.Text == "" {
		qv.Text = q.Title
	}
	if override, found := snap.QuestionOverrides[q.ID]; found {
		qv.Text = override
	}
	if ref, found := snap.Images[q.ID]; found {
		qv.Image = ref
	}
	if remaining, timed := timer.Remaining(q, snap, now); timed {
		secs := int(math.Ceil(remaining.Seconds()))
		qv.RemainingSeconds = &secs
	}
	v.Current = qv
	return v
}

// RecordAudio stores a spoken answer. The audio is fingerprinted, transcribed
// when no transcript is supplied, and recorded at the time it was received,
// so a slow transcription never pushes an answer past its countdown.
func (s *Session) RecordAudio(ctx context.Context, questionID, filename string, audio io.Reader, transcript string) (View, error) {
	received := s.mgr.now()

	data, err := io.ReadAll(audio)
	if err != nil {
		return View{}, fmt.Errorf("read audio: %w", err)
	}
	sum := sha256.Sum256(data)
	ref := "sha256:" + hex.EncodeToString(sum[:])

	if transcript == "" && s.mgr.transcriber != nil && len(data) > 0 {
		text, err := s.mgr.transcriber.Transcribe(ctx, filename, bytes.NewReader(data))
		if err != nil {
			slog.Warn("transcription failed", "session", s.key, "question", questionID, "error", err)
		} else {
			transcript = text
		}
	}

	return s.applyAt(ctx, "record_answer", received, func(m *exam.Machine, now time.Time) exam.Result {
		return m.RecordAnswer(model.Answer{
			QuestionID: questionID,
			AudioRef:   ref,
			Transcript: transcript,
		}, now)
	})
}

// Grade scores a finished exam once. The grader runs outside the session
// lock; any failure is replaced by a degraded placeholder result. Once the
// result is archived the session leaves memory and is served from the
// archive.
func (s *Session) Grade(ctx context.Context) (View, error) {
	s, err := s.acquire(ctx)
	if err != nil {
		return View{}, err
	}
	if st := s.machine.Status(); st != exam.StatusFinished {
		metrics.Rejection("grade", string(exam.ReasonNotFinished))
		v := s.viewLocked(s.mgr.now())
		s.mu.Unlock()
		return v, &exam.Rejection{Op: "grade", Reason: exam.ReasonNotFinished}
	}
	snap := s.machine.Snapshot()
	if snap.Results != nil || s.grading {
		v := s.viewLocked(s.mgr.now())
		s.mu.Unlock()
		return v, nil
	}
	req := model.GradeRequest{
		ExamType:  snap.ExamType,
		Questions: s.machine.Catalog().Questions,
		Answers:   snap.Answers,
		Overrides: snap.QuestionOverrides,
		Images:    snap.Images,
	}
	s.grading = true
	s.mu.Unlock()

	result := s.mgr.grade(ctx, s.key, req)

	s.mu.Lock()
	s.grading = false
	if s.state == stateDeleted {
		s.mu.Unlock()
		return View{}, ErrNotFound
	}
	now := s.mgr.now()
	if res := s.machine.AttachResults(result); !res.OK() {
		v := s.viewLocked(now)
		s.mu.Unlock()
		return v, res.Err("grade")
	}
	s.saveLocked(ctx)
	evict := s.mgr.archive(ctx, s.key, s.machine.Snapshot(), now)
	if evict {
		s.state = stateEvicted
	}
	v := s.viewLocked(now)
	s.mu.Unlock()

	if evict {
		s.mgr.forget(s)
		slog.Info("graded session archived", "session", s.key)
	}
	return v, nil
}

func (m *Manager) grade(ctx context.Context, key string, req model.GradeRequest) model.GradingResult {
	if m.grader == nil {
		metrics.Grading("fallback", 0)
		return llm.Fallback(req.ExamType, req.Answers)
	}
	start := time.Now()
	result, err := m.grader.Grade(ctx, req)
	took := time.Since(start)
	if err != nil {
		slog.Error("grading failed, using fallback result", "session", key, "error", err)
		metrics.Grading("fallback", took)
		return llm.Fallback(req.ExamType, req.Answers)
	}
	metrics.Grading("ok", took)
	slog.Info("exam graded", "session", key, "overall", result.OverallScore, "took", took)
	return *result
}
