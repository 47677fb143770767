package model

import "slices"

// MaxCriterionScore is the top of the TOEIC 0-200 scale used for every score.
const MaxCriterionScore = 200

// Criterion is one named rubric sub-score.
type Criterion struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"maxScore"`
	Explanation string  `json:"explanation"`
}

// QuestionFeedback is per-question feedback; QuestionID must appear in the graded answers.
type QuestionFeedback struct {
	QuestionID string  `json:"questionId"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
	Transcript string  `json:"transcript,omitempty"`
}

// PartFeedback is per-part feedback.
type PartFeedback struct {
	Part     int     `json:"part"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// GradingResult is the rubric result attached to a finished snapshot.
type GradingResult struct {
	OverallScore     float64              `json:"overallScore"`
	Criteria         map[string]Criterion `json:"criteria"`
	Strengths        []string             `json:"strengths"`
	Weaknesses       []string             `json:"weaknesses"`
	ImprovementTips  []string             `json:"improvementTips"`
	QuestionFeedback []QuestionFeedback   `json:"perQuestionFeedback"`
	PartFeedback     []PartFeedback       `json:"perPartFeedback,omitempty"`
	// Degraded marks a placeholder produced when the grader could not be used.
	Degraded bool `json:"degraded,omitempty"`
}

// GradeRequest is everything the grading collaborator sees of a finished exam.
type GradeRequest struct {
	ExamType  ExamType
	Questions []QuestionDescriptor
	Answers   []Answer
	// Overrides and Images are user-supplied per-question text and reference images.
	Overrides map[string]string
	Images    map[string]string
}

// Clone returns a deep copy of r.
func (r GradingResult) Clone() GradingResult {
	out := r
	out.Criteria = cloneMap(r.Criteria)
	out.Strengths = slices.Clone(r.Strengths)
	out.Weaknesses = slices.Clone(r.Weaknesses)
	out.ImprovementTips = slices.Clone(r.ImprovementTips)
	out.QuestionFeedback = slices.Clone(r.QuestionFeedback)
	out.PartFeedback = slices.Clone(r.PartFeedback)
	return out
}
