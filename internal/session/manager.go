// Package session runs exam state machines on behalf of HTTP clients and
// keeps their snapshots persisted.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/toeic/internal/catalog"
	"github.com/pavelanni/toeic/internal/exam"
	"github.com/pavelanni/toeic/internal/metrics"
	"github.com/pavelanni/toeic/internal/model"
)

// ErrNotFound is returned when no live or persisted session has the key.
var ErrNotFound = errors.New("session not found")

// Grader scores a finished exam.
type Grader interface {
	Grade(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Archive keeps graded sessions. LoadResult returns nil for a key that was
// never archived.
type Archive interface {
	SaveResult(ctx context.Context, r model.SessionResult) error
	LoadResult(ctx context.Context, key string) (*model.SessionResult, error)
}

// Deps holds the collaborators of a Manager. Grader, Transcriber and Archive
// are optional; Clock defaults to time.Now. Sessions untouched for IdleTTL
// are dropped from memory; zero keeps them until deleted or graded.
type Deps struct {
	Catalogs    catalog.Set
	Store       KV
	Grader      Grader
	Transcriber Transcriber
	Archive     Archive
	Clock       func() time.Time
	IdleTTL     time.Duration
}

// Manager holds the live sessions.
type Manager struct {
	catalogs    catalog.Set
	codec       *Codec
	grader      Grader
	transcriber Transcriber
	results     Archive
	clock       func() time.Time
	idleTTL     time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager.
func NewManager(d Deps) *Manager {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		catalogs:    d.Catalogs,
		codec:       NewCodec(d.Store),
		grader:      d.Grader,
		transcriber: d.Transcriber,
		results:     d.Archive,
		clock:       clock,
		idleTTL:     d.IdleTTL,
		sessions:    make(map[string]*Session),
	}
}

func (m *Manager) now() time.Time {
	return m.clock()
}

// Catalog returns the catalog for an exam type.
func (m *Manager) Catalog(t model.ExamType) (*model.Catalog, error) {
	return m.catalogs.Get(t)
}

// Create registers a new NotStarted session for the exam type.
func (m *Manager) Create(ctx context.Context, t model.ExamType) (*Session, error) {
	cat, err := m.catalogs.Get(t)
	if err != nil {
		return nil, err
	}
	s := &Session{key: uuid.NewString(), mgr: m, machine: exam.NewMachine(cat), lastUsed: m.now()}

	s.mu.Lock()
	s.saveLocked(ctx)
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[s.key] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(n)
	slog.Info("session created", "session", s.key, "exam_type", t)
	return s, nil
}

// Get returns the session for key. A session not held in memory is restored
// from its persisted snapshot, or from the archive once it has been graded.
func (m *Manager) Get(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, found := m.sessions[key]; found {
		return s, nil
	}

	snap, err := m.codec.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	archived := false
	if snap == nil {
		if snap, err = m.loadArchived(ctx, key); err != nil {
			return nil, err
		}
		archived = snap != nil
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	cat, err := m.catalogs.Get(snap.ExamType)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", key, err)
	}
	machine, err := exam.Restore(cat, *snap)
	if err != nil {
		slog.Warn("discarding snapshot that does not match the catalog", "session", key, "error", err)
		if err := m.codec.Clear(ctx, key); err != nil {
			slog.Error("clear snapshot", "session", key, "error", err)
		}
		return nil, ErrNotFound
	}

	s := &Session{key: key, mgr: m, machine: machine, lastUsed: m.now()}
	m.sessions[key] = s
	metrics.SetActiveSessions(len(m.sessions))
	slog.Info("session restored", "session", key, "status", machine.Status(), "archived", archived)
	return s, nil
}

// loadArchived rebuilds the finished snapshot of a graded session.
func (m *Manager) loadArchived(ctx context.Context, key string) (*model.Snapshot, error) {
	if m.results == nil {
		return nil, nil
	}
	r, err := m.results.LoadResult(ctx, key)
	if err != nil || r == nil {
		return nil, err
	}
	result := r.Result
	return &model.Snapshot{
		ExamType:   r.ExamType,
		Answers:    r.Answers,
		IsFinished: true,
		StartedAt:  r.StartedAt,
		Results:    &result,
	}, nil
}

// Delete forgets the session and its persisted snapshot. Operations already
// holding the session fail with ErrNotFound and never persist it again.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, found := m.sessions[key]; found {
		s.mu.Lock()
		s.state = stateDeleted
		s.mu.Unlock()
		delete(m.sessions, key)
	}
	metrics.SetActiveSessions(len(m.sessions))
	return m.codec.Clear(ctx, key)
}

// forget drops s from memory if it is still the session held for its key.
// The caller must have marked s evicted.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, found := m.sessions[s.key]; found && cur == s {
		delete(m.sessions, s.key)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetActiveSessions(n)
}

func (m *Manager) live() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	return live
}

// TickAll ticks every live session, then evicts the ones idle for longer
// than the configured age. Evicted sessions are restored on their next use.
func (m *Manager) TickAll(ctx context.Context) {
	for _, s := range m.live() {
		s.Tick(ctx)
	}
	if m.idleTTL > 0 {
		m.EvictIdle(m.now().Add(-m.idleTTL))
	}
}

// EvictIdle drops sessions last used before cutoff from memory and returns
// how many were dropped. Sessions being graded are kept.
func (m *Manager) EvictIdle(cutoff time.Time) int {
	n := 0
	for _, s := range m.live() {
		if s.evictIfIdle(cutoff) {
			m.forget(s)
			slog.Info("idle session evicted", "session", s.key)
			n++
		}
	}
	return n
}

// Run ticks all sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("session ticker started", "interval", interval, "idle_ttl", m.idleTTL)
	for {
		select {
		case <-ctx.Done():
			slog.Info("session ticker stopped")
			return
		case <-ticker.C:
			m.TickAll(ctx)
		}
	}
}

// archive stores a graded session and reports whether it was kept.
func (m *Manager) archive(ctx context.Context, key string, snap model.Snapshot, gradedAt time.Time) bool {
	if m.results == nil || snap.Results == nil {
		return false
	}
	err := m.results.SaveResult(ctx, model.SessionResult{
		SessionKey: key,
		ExamType:   snap.ExamType,
		StartedAt:  snap.StartedAt,
		GradedAt:   gradedAt,
		Answers:    snap.Answers,
		Result:     *snap.Results,
	})
	if err != nil {
		slog.Error("archive graded session", "session", key, "error", err)
		return false
	}
	return true
}
