// Package catalog holds the static question lists and part policies for each exam type.
package catalog

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pavelanni/toeic/internal/model"
)

//go:embed catalogs/*.json
var catalogFS embed.FS

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid catalog")

// ErrUnknownExamType is returned when no catalog exists for an exam type.
var ErrUnknownExamType = errors.New("unknown exam type")

// Set maps exam types to their catalogs.
type Set map[model.ExamType]*model.Catalog

// Defaults parses the built-in catalogs.
func Defaults() (Set, error) {
	set := Set{}
	for _, t := range []model.ExamType{model.ExamSpeaking, model.ExamWriting} {
		data, err := catalogFS.ReadFile("catalogs/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s catalog: %w", t, err)
		}
		cat, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s catalog: %w", t, err)
		}
		set[t] = cat
	}
	return set, nil
}

// Load returns the defaults with each file in paths replacing the catalog of
// its exam type.
func Load(paths []string) (Set, error) {
	set, err := Defaults()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		cat, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		set[cat.ExamType] = cat
		slog.Info("loaded catalog override", "path", path, "exam_type", cat.ExamType, "questions", len(cat.Questions))
	}
	return set, nil
}

// Get returns the catalog for t.
func (s Set) Get(t model.ExamType) (*model.Catalog, error) {
	cat, found := s[t]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExamType, t)
	}
	return cat, nil
}

// Parse decodes and validates a catalog.
func Parse(data []byte) (*model.Catalog, error) {
	var cat model.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Validate(&cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks the structural rules the exam machine relies on.
func Validate(cat *model.Catalog) error {
	if cat == nil {
		return fmt.Errorf("%w: catalog is required", ErrInvalid)
	}
	if !cat.ExamType.Valid() {
		return fmt.Errorf("%w: exam_type %q", ErrInvalid, cat.ExamType)
	}
	if len(cat.Parts) == 0 || len(cat.Questions) == 0 {
		return fmt.Errorf("%w: parts and questions are required", ErrInvalid)
	}

	parts := map[int]model.PartPolicy{}
	for _, p := range cat.Parts {
		if p.Part <= 0 {
			return fmt.Errorf("%w: part number must be positive, got %d", ErrInvalid, p.Part)
		}
		if _, dup := parts[p.Part]; dup {
			return fmt.Errorf("%w: duplicate part %d", ErrInvalid, p.Part)
		}
		switch p.Budget {
		case model.BudgetNone, model.BudgetShared, model.BudgetPerQuestion:
		default:
			return fmt.Errorf("%w: part %d: unknown budget %q", ErrInvalid, p.Part, p.Budget)
		}
		switch p.OnExpire {
		case model.ExpireAdvance, model.ExpireLock, model.ExpireFinish:
		default:
			return fmt.Errorf("%w: part %d: unknown on_expire %q", ErrInvalid, p.Part, p.OnExpire)
		}
		parts[p.Part] = p
	}

	seen := map[string]int{}
	closed := map[int]bool{}
	sharedLimit := map[int]int{}
	for i, q := range cat.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d: id is required", ErrInvalid, i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalid, q.ID)
		}
		if q.OrderIndex != i {
			return fmt.Errorf("%w: %s: order_index %d, want %d", ErrInvalid, q.ID, q.OrderIndex, i)
		}
		policy, found := parts[q.Part]
		if !found {
			return fmt.Errorf("%w: %s: unknown part %d", ErrInvalid, q.ID, q.Part)
		}
		if i > 0 && cat.Questions[i-1].Part != q.Part {
			closed[cat.Questions[i-1].Part] = true
		}
		if closed[q.Part] {
			return fmt.Errorf("%w: %s: questions of part %d are not contiguous", ErrInvalid, q.ID, q.Part)
		}
		if q.PrepSeconds < 0 || q.ResponseSeconds < 0 || q.MinWords < 0 || q.PartTimeLimitSeconds < 0 {
			return fmt.Errorf("%w: %s: negative timing or word count", ErrInvalid, q.ID)
		}
		if q.PrepSeconds > 0 && q.ResponseSeconds == 0 {
			return fmt.Errorf("%w: %s: prep_seconds without response_seconds", ErrInvalid, q.ID)
		}
		switch policy.Budget {
		case model.BudgetShared:
			if q.PartTimeLimitSeconds == 0 {
				return fmt.Errorf("%w: %s: shared part %d needs part_time_limit_seconds", ErrInvalid, q.ID, q.Part)
			}
			if limit, found := sharedLimit[q.Part]; found && limit != q.PartTimeLimitSeconds {
				return fmt.Errorf("%w: %s: part %d budget differs between questions", ErrInvalid, q.ID, q.Part)
			}
			sharedLimit[q.Part] = q.PartTimeLimitSeconds
		case model.BudgetPerQuestion:
			if q.PartTimeLimitSeconds == 0 {
				return fmt.Errorf("%w: %s: per-question part %d needs part_time_limit_seconds", ErrInvalid, q.ID, q.Part)
			}
		}
		if g := q.Gate; g != nil {
			if _, earlier := seen[g.QuestionID]; !earlier {
				return fmt.Errorf("%w: %s: gate must reference an earlier question, got %q", ErrInvalid, q.ID, g.QuestionID)
			}
			switch g.Predicate {
			case model.PredicateDefault, model.PredicateAnyText, model.PredicateMinWords, model.PredicateAudio:
			default:
				return fmt.Errorf("%w: %s: unknown gate predicate %q", ErrInvalid, q.ID, g.Predicate)
			}
		}
		seen[q.ID] = i
	}
	return nil
}
