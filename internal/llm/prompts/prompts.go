package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/toeic/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var candidateAnswerRegex = regexp.MustCompile(`(?i)</?\s*candidate-answer\b[^>]*>`)

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict grades like a certification rater.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient grades encouragingly for self-study.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

type templateKey struct {
	variant  PromptVariant
	examType model.ExamType
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[templateKey]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// QuestionData is one graded question as rendered into the prompt.
type QuestionData struct {
	ID        string
	Number    int
	Text      string
	Answer    string
	WordCount int
	MinWords  int
	HasImage  bool
}

// PartData groups questions of one part.
type PartData struct {
	Part      int
	Title     string
	Questions []QuestionData
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	ExamType    model.ExamType
	Parts       []PartData
	QuestionIDs []string
}

// Load parses the embedded templates. It is safe to call more than once.
func Load() error {
	loadOnce.Do(func() {
		loadErr = load(templateFS)
	})
	return loadErr
}

func load(fsys fs.FS) error {
	templates = make(map[templateKey]*template.Template)
	funcs := template.FuncMap{"join": strings.Join}

	for v := range validVariants {
		stanceFile := "templates/stance_" + string(v) + ".tmpl"
		stance, err := fs.ReadFile(fsys, stanceFile)
		if err != nil {
			return fmt.Errorf("read prompt file %s: %w", stanceFile, err)
		}
		for _, t := range []model.ExamType{model.ExamSpeaking, model.ExamWriting} {
			examFile := "templates/" + string(t) + ".tmpl"
			content, err := fs.ReadFile(fsys, examFile)
			if err != nil {
				return fmt.Errorf("read prompt file %s: %w", examFile, err)
			}
			tmpl, err := template.New(string(t)).Funcs(funcs).Parse(string(content))
			if err != nil {
				return fmt.Errorf("parse prompt template %s: %w", examFile, err)
			}
			if _, err := tmpl.New("stance").Parse(string(stance)); err != nil {
				return fmt.Errorf("parse prompt template %s: %w", stanceFile, err)
			}
			templates[templateKey{v, t}] = tmpl
		}
	}
	return nil
}

// BuildGradePrompt renders the grading prompt for a finished exam.
func BuildGradePrompt(variant PromptVariant, req model.GradeRequest) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[templateKey{variant, req.ExamType}]
	if !ok {
		return "", errors.New("invalid prompt variant or exam type: " + string(variant) + "/" + string(req.ExamType))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, buildGradeData(req)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildGradeData(req model.GradeRequest) GradeData {
	data := GradeData{ExamType: req.ExamType}
	byPart := map[int]int{}

	for _, a := range req.Answers {
		q := findQuestion(req.Questions, a.QuestionID)
		text := a.QuestionText
		if override := req.Overrides[a.QuestionID]; override != "" {
			text = override
		}
		if text == "" {
			text = q.Title
		}
		answer := a.Text
		if req.ExamType == model.ExamSpeaking {
			answer = a.Transcript
		}

		qd := QuestionData{
			ID:        a.QuestionID,
			Number:    q.Number,
			Text:      text,
			Answer:    sanitizeAnswer(answer),
			WordCount: a.WordCount,
			MinWords:  q.MinWords,
			HasImage:  req.Images[a.QuestionID] != "",
		}

		idx, found := byPart[a.QuestionPart]
		if !found {
			idx = len(data.Parts)
			byPart[a.QuestionPart] = idx
			data.Parts = append(data.Parts, PartData{Part: a.QuestionPart, Title: partTitle(req.Questions, a.QuestionPart)})
		}
		data.Parts[idx].Questions = append(data.Parts[idx].Questions, qd)
		data.QuestionIDs = append(data.QuestionIDs, a.QuestionID)
	}
	return data
}

func findQuestion(questions []model.QuestionDescriptor, id string) model.QuestionDescriptor {
	for _, q := range questions {
		if q.ID == id {
			return q
		}
	}
	return model.QuestionDescriptor{ID: id}
}

func partTitle(questions []model.QuestionDescriptor, part int) string {
	for _, q := range questions {
		if q.Part == part {
			return q.Title
		}
	}
	return ""
}

func sanitizeAnswer(answer string) string {
	answer = candidateAnswerRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
