package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"github.com/pavelanni/toeic/internal/llm/prompts"
	"github.com/pavelanni/toeic/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoAnswers is returned when grading is requested for an empty answer set.
var ErrNoAnswers = errors.New("no answers to grade")

// ErrMalformed is returned when the model reply cannot be used as a grading result.
var ErrMalformed = errors.New("malformed grading response")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api             *openai.Client
	model           string
	transcribeModel string
	variant         prompts.PromptVariant
}

// New creates a new LLM client. An empty transcribeModel defaults to whisper-1.
func New(baseURL, apiKey, modelName, transcribeModel, promptVariant string) (*Client, error) {
	if !prompts.IsValidVariant(promptVariant) {
		return nil, fmt.Errorf("invalid prompt variant %q", promptVariant)
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if transcribeModel == "" {
		transcribeModel = openai.Whisper1
	}
	return &Client{
		api:             openai.NewClientWithConfig(config),
		model:           modelName,
		transcribeModel: transcribeModel,
		variant:         prompts.PromptVariant(promptVariant),
	}, nil
}

// Ping checks that the endpoint is reachable and accepts the API key.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Grade sends the finished exam to the LLM and returns the rubric result.
// Feedback entries that reference questions outside the request are dropped.
func (c *Client) Grade(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error) {
	if len(req.Answers) == 0 {
		return nil, ErrNoAnswers
	}
	systemPrompt, err := prompts.BuildGradePrompt(c.variant, req)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Grade the candidate responses above."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM grading API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM grading response", "raw", raw)

	var result model.GradingResult
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &result); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}
	if err := normalize(&result, req.Answers); err != nil {
		return nil, err
	}
	return &result, nil
}

// Transcribe converts a recorded answer to text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", fmt.Errorf("transcription API call: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// stripCodeFence removes a surrounding ```json ... ``` block some models add
// despite JSON mode.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// normalize clamps scores to the 0-200 scale and drops feedback for
// questions that were not graded.
func normalize(r *model.GradingResult, answers []model.Answer) error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("%w: no criteria", ErrMalformed)
	}
	known := make(map[string]bool, len(answers))
	parts := make(map[int]bool)
	for _, a := range answers {
		known[a.QuestionID] = true
		parts[a.QuestionPart] = true
	}

	r.OverallScore = clampScore(r.OverallScore)
	for key, c := range r.Criteria {
		c.Score = clampScore(c.Score)
		c.MaxScore = model.MaxCriterionScore
		if c.Name == "" {
			c.Name = key
		}
		r.Criteria[key] = c
	}

	feedback := r.QuestionFeedback[:0]
	for _, f := range r.QuestionFeedback {
		if !known[f.QuestionID] {
			slog.Warn("dropping feedback for unknown question", "question", f.QuestionID)
			continue
		}
		f.Score = clampScore(f.Score)
		feedback = append(feedback, f)
	}
	r.QuestionFeedback = feedback

	partFeedback := r.PartFeedback[:0]
	for _, f := range r.PartFeedback {
		if !parts[f.Part] {
			slog.Warn("dropping feedback for unknown part", "part", f.Part)
			continue
		}
		f.Score = clampScore(f.Score)
		partFeedback = append(partFeedback, f)
	}
	r.PartFeedback = partFeedback
	r.Degraded = false
	return nil
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(model.MaxCriterionScore, s))
}
