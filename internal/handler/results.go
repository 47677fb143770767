package handler

import (
	"net/http"

	"github.com/pavelanni/toeic/internal/model"
)

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeJSON(w, http.StatusOK, []model.SessionResult{})
		return
	}
	examType := model.ExamType(r.URL.Query().Get("exam_type"))
	if examType != "" && !examType.Valid() {
		h.writeBadRequest(w, r)
		return
	}
	results, err := h.results.ListResults(r.Context(), examType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []model.SessionResult{}
	}
	writeJSON(w, http.StatusOK, results)
}
