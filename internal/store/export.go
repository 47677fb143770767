package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/toeic/internal/model"
)

// SaveResult archives a graded session. Saving the same session again
// replaces the earlier row.
func (s *Store) SaveResult(ctx context.Context, r model.SessionResult) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graded_results (session_key, exam_type, started_at, graded_at, answers, result, overall_score, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			exam_type = excluded.exam_type,
			started_at = excluded.started_at,
			graded_at = excluded.graded_at,
			answers = excluded.answers,
			result = excluded.result,
			overall_score = excluded.overall_score,
			degraded = excluded.degraded`,
		r.SessionKey, r.ExamType, r.StartedAt, r.GradedAt, string(answers), string(result),
		r.Result.OverallScore, r.Result.Degraded,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.SessionKey, err)
	}
	return nil
}

// ListResults returns archived sessions, newest first. An empty examType
// returns all of them.
func (s *Store) ListResults(ctx context.Context, examType model.ExamType) ([]model.SessionResult, error) {
	query := `SELECT session_key, exam_type, started_at, graded_at, answers, result FROM graded_results`
	var args []any
	if examType != "" {
		query += ` WHERE exam_type = ?`
		args = append(args, examType)
	}
	query += ` ORDER BY graded_at DESC, session_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.SessionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadResult returns the archived session with the given key, or nil if it
// was never graded.
func (s *Store) LoadResult(ctx context.Context, key string) (*model.SessionResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, exam_type, started_at, graded_at, answers, result FROM graded_results WHERE session_key = ?`, key)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", key, err)
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (model.SessionResult, error) {
	var (
		r                   model.SessionResult
		startedAt           *time.Time
		answers, resultJSON string
	)
	if err := row.Scan(&r.SessionKey, &r.ExamType, &startedAt, &r.GradedAt, &answers, &resultJSON); err != nil {
		return r, err
	}
	r.StartedAt = startedAt
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return r, fmt.Errorf("decode answers of %s: %w", r.SessionKey, err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &r.Result); err != nil {
		return r, fmt.Errorf("decode result of %s: %w", r.SessionKey, err)
	}
	return r, nil
}

// ExportResults builds the export document for archived sessions.
func (s *Store) ExportResults(ctx context.Context, examType model.ExamType) (model.ExamExport, error) {
	results, err := s.ListResults(ctx, examType)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list results: %w", err)
	}
	if results == nil {
		results = []model.SessionResult{}
	}
	variant, err := s.GetMetadata(ctx, MetaPromptVariant)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("get prompt variant: %w", err)
	}
	return model.ExamExport{
		ExamType:      examType,
		PromptVariant: variant,
		ExportedAt:    time.Now().UTC(),
		Results:       results,
	}, nil
}
