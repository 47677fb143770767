package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/toeic/internal/model"
)

const gradedJSON = `{
  "overallScore": 250,
  "criteria": {
    "grammar": {"name": "Grammar", "score": 150, "maxScore": 100, "explanation": "Mostly accurate."},
    "organization": {"score": -5, "explanation": "Needs structure."}
  },
  "strengths": ["clear"],
  "weaknesses": ["short"],
  "improvementTips": ["write more"],
  "perQuestionFeedback": [
    {"questionId": "writing-6", "score": 140, "feedback": "Polite reply."},
    {"questionId": "writing-99", "score": 10, "feedback": "Invented."}
  ],
  "perPartFeedback": [
    {"part": 2, "score": 140, "feedback": "Good emails."},
    {"part": 7, "score": 1, "feedback": "No such part."}
  ]
}`

// fakeOpenAI serves the subset of the OpenAI API the client uses.
func fakeOpenAI(t *testing.T, chatContent string) (*httptest.Server, *string) {
	t.Helper()
	var lastPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/models":
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"test-model","object":"model"}]}`)
		case r.URL.Path == "/v1/chat/completions":
			var req struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode chat request: %v", err)
			}
			if len(req.Messages) > 0 {
				lastPrompt = req.Messages[0].Content
			}
			reply := map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"choices": []map[string]any{{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]string{"role": "assistant", "content": chatContent},
				}},
			}
			_ = json.NewEncoder(w).Encode(reply)
		case r.URL.Path == "/v1/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if got := r.FormValue("model"); got != "whisper-1" {
				t.Errorf("transcription model = %q, want whisper-1", got)
			}
			_, _ = io.WriteString(w, `{"text":"  I prefer small companies.  "}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &lastPrompt
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(srv.URL+"/v1", "test-key", "test-model", "", "standard")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writingRequest() model.GradeRequest {
	return model.GradeRequest{
		ExamType:  model.ExamWriting,
		Questions: []model.QuestionDescriptor{{ID: "writing-6", Part: 2, Number: 6, Title: "Respond to a written request"}},
		Answers: []model.Answer{
			{QuestionID: "writing-6", QuestionPart: 2, QuestionText: "Reply to Sarah", Text: "Dear Sarah, Tuesday works for me.", WordCount: 6},
		},
	}
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	if _, err := New("http://localhost", "k", "m", "", "harsh"); err == nil {
		t.Error("expected error for invalid variant")
	}
}

func TestPing(t *testing.T) {
	srv, _ := fakeOpenAI(t, "{}")
	if err := newTestClient(t, srv).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer down.Close()
	if err := newTestClient(t, down).Ping(context.Background()); err == nil {
		t.Error("expected Ping error from failing endpoint")
	}
}

func TestGradeNormalizesResult(t *testing.T) {
	srv, prompt := fakeOpenAI(t, "```json\n"+gradedJSON+"\n```")
	c := newTestClient(t, srv)

	result, err := c.Grade(context.Background(), writingRequest())
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if !strings.Contains(*prompt, "Reply to Sarah") {
		t.Error("prompt should carry the question text")
	}
	if result.OverallScore != 200 {
		t.Errorf("overall = %v, want clamped 200", result.OverallScore)
	}
	grammar := result.Criteria["grammar"]
	if grammar.Score != 150 || grammar.MaxScore != 200 {
		t.Errorf("grammar = %+v", grammar)
	}
	org := result.Criteria["organization"]
	if org.Score != 0 || org.Name != "organization" {
		t.Errorf("organization = %+v", org)
	}
	if len(result.QuestionFeedback) != 1 || result.QuestionFeedback[0].QuestionID != "writing-6" {
		t.Errorf("question feedback = %+v, want only writing-6", result.QuestionFeedback)
	}
	if len(result.PartFeedback) != 1 || result.PartFeedback[0].Part != 2 {
		t.Errorf("part feedback = %+v, want only part 2", result.PartFeedback)
	}
	if result.Degraded {
		t.Error("real result must not be degraded")
	}
}

func TestGradeErrors(t *testing.T) {
	t.Run("no answers", func(t *testing.T) {
		srv, _ := fakeOpenAI(t, gradedJSON)
		_, err := newTestClient(t, srv).Grade(context.Background(), model.GradeRequest{ExamType: model.ExamWriting})
		if !errors.Is(err, ErrNoAnswers) {
			t.Errorf("err = %v, want ErrNoAnswers", err)
		}
	})
	t.Run("not json", func(t *testing.T) {
		srv, _ := fakeOpenAI(t, "I cannot grade this.")
		_, err := newTestClient(t, srv).Grade(context.Background(), writingRequest())
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v, want ErrMalformed", err)
		}
	})
	t.Run("no criteria", func(t *testing.T) {
		srv, _ := fakeOpenAI(t, `{"overallScore": 100}`)
		_, err := newTestClient(t, srv).Grade(context.Background(), writingRequest())
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v, want ErrMalformed", err)
		}
	})
}

func TestTranscribe(t *testing.T) {
	srv, _ := fakeOpenAI(t, "{}")
	text, err := newTestClient(t, srv).Transcribe(context.Background(), "answer.webm", strings.NewReader("RIFF...."))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I prefer small companies." {
		t.Errorf("text = %q", text)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFence(tt.in); got != tt.want {
				t.Errorf("stripCodeFence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	answers := []model.Answer{
		{QuestionID: "writing-1", QuestionPart: 1},
		{QuestionID: "writing-2", QuestionPart: 1},
		{QuestionID: "writing-8", QuestionPart: 3},
	}
	r := Fallback(model.ExamWriting, answers)
	if !r.Degraded {
		t.Error("fallback must be marked degraded")
	}
	if len(r.Criteria) != 4 {
		t.Errorf("writing criteria = %d, want 4", len(r.Criteria))
	}
	if len(r.QuestionFeedback) != 3 || len(r.PartFeedback) != 2 {
		t.Errorf("feedback = %d questions / %d parts", len(r.QuestionFeedback), len(r.PartFeedback))
	}
	for _, c := range r.Criteria {
		if c.MaxScore != model.MaxCriterionScore {
			t.Errorf("criterion %s max = %v", c.Name, c.MaxScore)
		}
	}

	speaking := Fallback(model.ExamSpeaking, []model.Answer{{QuestionID: "speaking-1", QuestionPart: 1, Transcript: "hi"}})
	if len(speaking.Criteria) != 6 || len(speaking.PartFeedback) != 0 {
		t.Errorf("speaking fallback = %+v", speaking)
	}
	if speaking.QuestionFeedback[0].Transcript != "hi" {
		t.Error("speaking fallback should keep the transcript")
	}
}
