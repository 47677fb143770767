package llm

import "github.com/pavelanni/toeic/internal/model"

const fallbackNote = "Automatic scoring is unavailable right now. These placeholder scores are not an assessment of your answers."

// Fallback returns a placeholder result so a finished exam is never left
// without results when the grader fails. Feedback references only the given answers.
func Fallback(examType model.ExamType, answers []model.Answer) model.GradingResult {
	criteria := map[string]model.Criterion{}
	for key, name := range criteriaFor(examType) {
		criteria[key] = model.Criterion{
			Name:        name,
			Score:       0,
			MaxScore:    model.MaxCriterionScore,
			Explanation: fallbackNote,
		}
	}

	result := model.GradingResult{
		Criteria:        criteria,
		Strengths:       []string{},
		Weaknesses:      []string{},
		ImprovementTips: []string{"Try grading again later to receive detailed feedback."},
		Degraded:        true,
	}

	seenParts := map[int]bool{}
	for _, a := range answers {
		result.QuestionFeedback = append(result.QuestionFeedback, model.QuestionFeedback{
			QuestionID: a.QuestionID,
			Feedback:   fallbackNote,
			Transcript: a.Transcript,
		})
		if examType == model.ExamWriting && !seenParts[a.QuestionPart] {
			seenParts[a.QuestionPart] = true
			result.PartFeedback = append(result.PartFeedback, model.PartFeedback{
				Part:     a.QuestionPart,
				Feedback: fallbackNote,
			})
		}
	}
	return result
}

func criteriaFor(examType model.ExamType) map[string]string {
	if examType == model.ExamSpeaking {
		return map[string]string{
			"pronunciation": "Pronunciation",
			"intonation":    "Intonation",
			"grammar":       "Grammar",
			"vocabulary":    "Vocabulary",
			"content":       "Content",
			"fluency":       "Fluency",
		}
	}
	return map[string]string{
		"grammar":         "Grammar",
		"vocabularyRange": "Vocabulary Range",
		"organization":    "Organization",
		"taskFulfillment": "Task Fulfillment",
	}
}
