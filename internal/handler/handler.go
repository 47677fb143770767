package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/toeic/internal/catalog"
	"github.com/pavelanni/toeic/internal/exam"
	appI18n "github.com/pavelanni/toeic/internal/i18n"
	"github.com/pavelanni/toeic/internal/model"
	"github.com/pavelanni/toeic/internal/session"
)

// maxAudioBytes matches the upload limit of common transcription APIs.
const maxAudioBytes = 25 << 20

// ResultLister reads archived graded sessions.
type ResultLister interface {
	ListResults(ctx context.Context, examType model.ExamType) ([]model.SessionResult, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	results  ResultLister
	config   model.ExamConfig
}

// New creates a new Handler. results may be nil when no archive is configured.
func New(m *session.Manager, results ResultLister, cfg model.ExamConfig) *Handler {
	return &Handler{sessions: m, results: results, config: cfg}
}

// Routes registers the JSON API.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/catalog/{examType}", h.handleCatalog)
	r.Get("/results", h.handleResults)

	r.Post("/sessions", h.handleCreate)
	r.Route("/sessions/{key}", func(r chi.Router) {
		r.Get("/", h.handleView)
		r.Delete("/", h.handleDelete)
		r.Post("/start", h.handleStart)
		r.Post("/reset", h.handleReset)
		r.Post("/select", h.handleSelect)
		r.Post("/instructions/{part}", h.handleInstructions)
		r.Post("/response", h.handleBeginResponse)
		r.Post("/capture", h.handleBeginCapture)
		r.Put("/answers/{questionID}", h.handleAnswer)
		r.Post("/answers/{questionID}/audio", h.handleAudio)
		r.Put("/questions/{questionID}", h.handleQuestion)
		r.Post("/finish", h.handleFinish)
		r.Post("/grade", h.handleGrade)
	})
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := h.sessions.Catalog(model.ExamType(chi.URLParam(r, "examType")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

type createRequest struct {
	ExamType model.ExamType `json:"exam_type"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.ExamType.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Reason:  "unknown_exam_type",
			Message: appI18n.Td(r.Context(), "unknown_exam_type", map[string]any{"Type": req.ExamType}),
		})
		return
	}
	s, err := h.sessions.Create(r.Context(), req.ExamType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := s.Apply(r.Context(), "start", func(m *exam.Machine, now time.Time) exam.Result {
		return m.Start(now)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v := s.View(r.Context())
	resp := viewResponse{View: v}
	if v.Status == exam.StatusInProgress || v.Status == exam.StatusLocked {
		if n := len(v.Incomplete); n > 0 {
			resp.Notice = appI18n.Tp(r.Context(), "IncompleteAnswers", n)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// viewResponse adds a localized reminder of unanswered questions to a view.
type viewResponse struct {
	session.View
	Notice string `json:"notice,omitempty"`
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.sessions.Delete(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("session deleted", "session", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "start", func(m *exam.Machine, now time.Time) exam.Result {
		return m.Start(now)
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "reset", func(m *exam.Machine, _ time.Time) exam.Result {
		return m.Reset()
	})
}

type selectRequest struct {
	Index *int `json:"index"`
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Index == nil {
		h.apply(w, r, "clear_selection", func(m *exam.Machine, _ time.Time) exam.Result {
			return m.ClearSelection()
		})
		return
	}
	index := *req.Index
	h.apply(w, r, "select_question", func(m *exam.Machine, now time.Time) exam.Result {
		return m.SelectQuestion(index, now)
	})
}

func (h *Handler) handleInstructions(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(chi.URLParam(r, "part"))
	if err != nil {
		h.writeBadRequest(w, r)
		return
	}
	h.apply(w, r, "acknowledge_instructions", func(m *exam.Machine, now time.Time) exam.Result {
		return m.AcknowledgeInstructions(part, now)
	})
}

func (h *Handler) handleBeginResponse(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "begin_response", func(m *exam.Machine, now time.Time) exam.Result {
		return m.BeginResponse(now)
	})
}

func (h *Handler) handleBeginCapture(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "begin_capture", func(m *exam.Machine, now time.Time) exam.Result {
		return m.BeginCapture(now)
	})
}

type answerRequest struct {
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	AudioRef   string `json:"audio_ref"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	a := model.Answer{
		QuestionID: chi.URLParam(r, "questionID"),
		Text:       req.Text,
		Transcript: req.Transcript,
		AudioRef:   req.AudioRef,
	}
	h.apply(w, r, "record_answer", func(m *exam.Machine, now time.Time) exam.Result {
		return m.RecordAnswer(a, now)
	})
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		slog.Warn("bad audio upload", "session", s.Key(), "error", err)
		h.writeBadRequest(w, r)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		h.writeBadRequest(w, r)
		return
	}
	defer file.Close()

	v, err := s.RecordAudio(r.Context(), chi.URLParam(r, "questionID"), header.Filename, file, r.FormValue("transcript"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type questionRequest struct {
	Text  *string `json:"text"`
	Image *string `json:"image"`
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "questionID")
	h.apply(w, r, "update_question", func(m *exam.Machine, _ time.Time) exam.Result {
		if req.Text != nil {
			if res := m.SetQuestionText(id, *req.Text); !res.OK() {
				return res
			}
		}
		if req.Image != nil {
			return m.SetQuestionImage(id, *req.Image)
		}
		return exam.Result{}
	})
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "finish", func(m *exam.Machine, _ time.Time) exam.Result {
		return m.Finish()
	})
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := s.Grade(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// apply runs op on the session named in the URL and writes the resulting view.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, name string, op session.Op) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	v, err := s.Apply(r.Context(), name, op)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

type errorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var rej *exam.Rejection
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusConflict, errorResponse{
			Reason:  string(rej.Reason),
			Message: appI18n.T(ctx, string(rej.Reason)),
			Op:      rej.Op,
		})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Reason:  "session_not_found",
			Message: appI18n.T(ctx, "session_not_found"),
		})
	case errors.Is(err, catalog.ErrUnknownExamType):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Reason:  "unknown_exam_type",
			Message: appI18n.Td(ctx, "unknown_exam_type", map[string]any{"Type": chi.URLParam(r, "examType")}),
		})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Reason:  "internal_error",
			Message: appI18n.T(ctx, "internal_error"),
		})
	}
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Reason:  "invalid_request",
		Message: appI18n.T(r.Context(), "invalid_request"),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Reason:  "invalid_request",
			Message: appI18n.T(r.Context(), "invalid_request"),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
