package model

import "time"

// ExamExport is the top-level JSON structure for graded exam export.
type ExamExport struct {
	ExamType      ExamType        `json:"exam_type,omitempty"`
	PromptVariant string          `json:"prompt_variant"`
	ExportedAt    time.Time       `json:"exported_at"`
	Results       []SessionResult `json:"results"`
}

// SessionResult holds one graded session for export.
type SessionResult struct {
	SessionKey string        `json:"session_key"`
	ExamType   ExamType      `json:"exam_type"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	GradedAt   time.Time     `json:"graded_at"`
	Answers    []Answer      `json:"answers"`
	Result     GradingResult `json:"result"`
}
