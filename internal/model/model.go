package model

import (
	"slices"
	"time"
)

// ExamType selects one of the two exam flows.
type ExamType string

const (
	ExamSpeaking ExamType = "speaking"
	ExamWriting  ExamType = "writing"
)

// Valid reports whether t names a known exam type.
func (t ExamType) Valid() bool {
	return t == ExamSpeaking || t == ExamWriting
}

// Budget describes how a part's wall-clock limit is spent.
type Budget string

const (
	// BudgetNone means questions carry their own prep/response timings (or none at all).
	BudgetNone Budget = "none"
	// BudgetShared means all questions of the part draw from one pool anchored on part entry.
	BudgetShared Budget = "shared"
	// BudgetPerQuestion means each question has its own PartTimeLimitSeconds.
	BudgetPerQuestion Budget = "per_question"
)

// ExpiryAction is what happens when a countdown in the part runs out.
type ExpiryAction string

const (
	ExpireAdvance ExpiryAction = "advance"
	ExpireLock    ExpiryAction = "lock"
	ExpireFinish  ExpiryAction = "finish"
)

// Predicate names the completion rule used by a gate.
type Predicate string

const (
	// PredicateDefault derives the rule from the gating question's descriptor.
	PredicateDefault  Predicate = ""
	PredicateAnyText  Predicate = "any_text"
	PredicateMinWords Predicate = "min_words"
	PredicateAudio    Predicate = "audio"
)

// Gate makes a question reachable only after QuestionID is complete.
type Gate struct {
	QuestionID string    `json:"question_id"`
	OneWay     bool      `json:"one_way"`
	Predicate  Predicate `json:"predicate,omitempty"`
}

// QuestionDescriptor is one entry of the static question catalog.
type QuestionDescriptor struct {
	ID                   string `json:"id"`
	Part                 int    `json:"part"`
	OrderIndex           int    `json:"order_index"`
	Number               int    `json:"number"`
	Title                string `json:"title"`
	Instructions         string `json:"instructions,omitempty"`
	PrepSeconds          int    `json:"prep_seconds,omitempty"`
	ResponseSeconds      int    `json:"response_seconds,omitempty"`
	MinWords             int    `json:"min_words,omitempty"`
	PartTimeLimitSeconds int    `json:"part_time_limit_seconds,omitempty"`
	Gate                 *Gate  `json:"gate,omitempty"`
	ImageURL             string `json:"image_url,omitempty"`
	Prompt               string `json:"prompt,omitempty"`
}

// TwoPhase reports whether the question runs a preparation and a response countdown.
func (q QuestionDescriptor) TwoPhase() bool {
	return q.ResponseSeconds > 0
}

// PartPolicy configures timing, instructions and expiry for one part.
type PartPolicy struct {
	Part         int          `json:"part"`
	Title        string       `json:"title"`
	Budget       Budget       `json:"budget"`
	Instructions bool         `json:"instructions"`
	OnExpire     ExpiryAction `json:"on_expire"`
	// Lockout rejects edits to a question once its countdown has run out.
	Lockout bool `json:"lockout"`
}

// Catalog is the ordered question list and part policy table for one exam type.
type Catalog struct {
	ExamType  ExamType             `json:"exam_type"`
	Parts     []PartPolicy         `json:"parts"`
	Questions []QuestionDescriptor `json:"questions"`
}

// Policy returns the policy of the given part.
func (c *Catalog) Policy(part int) (PartPolicy, bool) {
	for _, p := range c.Parts {
		if p.Part == part {
			return p, true
		}
	}
	return PartPolicy{}, false
}

// Question returns the descriptor with the given ID and its index.
func (c *Catalog) Question(id string) (QuestionDescriptor, int, bool) {
	for i, q := range c.Questions {
		if q.ID == id {
			return q, i, true
		}
	}
	return QuestionDescriptor{}, -1, false
}

// Answer is a recorded response to one question.
type Answer struct {
	QuestionID   string `json:"question_id"`
	QuestionPart int    `json:"question_part"`
	QuestionText string `json:"question_text"`

	// Speaking payload.
	AudioRef   string `json:"audio_ref,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// Writing payload.
	Text      string `json:"text,omitempty"`
	WordCount int    `json:"word_count,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Snapshot is the externally observable state of one exam session.
type Snapshot struct {
	ExamType             ExamType             `json:"exam_type"`
	CurrentQuestionIndex *int                 `json:"current_question_index"`
	Answers              []Answer             `json:"answers"`
	IsFinished           bool                 `json:"is_finished"`
	IsLocked             bool                 `json:"is_locked"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	TimerAnchors         map[string]time.Time `json:"timer_anchors,omitempty"`
	AcknowledgedParts    []int                `json:"acknowledged_parts,omitempty"`
	EnteredQuestions     []string             `json:"entered_questions,omitempty"`
	ExpiredScopes        []string             `json:"expired_scopes,omitempty"`
	ActiveCapture        string               `json:"active_capture,omitempty"`
	QuestionOverrides    map[string]string    `json:"question_overrides,omitempty"`
	Images               map[string]string    `json:"images,omitempty"`
	Results              *GradingResult       `json:"results,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the owner.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.CurrentQuestionIndex != nil {
		idx := *s.CurrentQuestionIndex
		out.CurrentQuestionIndex = &idx
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	out.Answers = slices.Clone(s.Answers)
	out.AcknowledgedParts = slices.Clone(s.AcknowledgedParts)
	out.EnteredQuestions = slices.Clone(s.EnteredQuestions)
	out.ExpiredScopes = slices.Clone(s.ExpiredScopes)
	out.TimerAnchors = cloneMap(s.TimerAnchors)
	out.QuestionOverrides = cloneMap(s.QuestionOverrides)
	out.Images = cloneMap(s.Images)
	if s.Results != nil {
		r := s.Results.Clone()
		out.Results = &r
	}
	return out
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExamConfig holds runtime parameters set via CLI flags.
type ExamConfig struct {
	BasePath      string        // URL prefix for sub-path deployments
	PromptVariant string        // Grading prompt variant (strict, standard, lenient)
	TickInterval  time.Duration // How often active sessions are ticked
}
