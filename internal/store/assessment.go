package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/genassess/internal/model"
)

// questionSet is the JSON document held in assessments.questions.
type questionSet struct {
	MultiChoice  []model.MultiChoice  `json:"multiChoiceAssessment,omitempty"`
	SingleChoice []model.SingleChoice `json:"singleChoiceAssessment,omitempty"`
	TrueFalse    []model.TrueFalse    `json:"trueFalseAssessment,omitempty"`
	FreeText     []model.FreeText     `json:"freeTextAssessment,omitempty"`
}

const assessmentColumns = `id, owner_id, course_id, template_id, name, assess_type, status,
	published, questions, created_at, updated_at`

// CreateAssessment inserts a new assessment record.
func (s *Store) CreateAssessment(ctx context.Context, a model.Assessment) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	questions, err := encodeQuestions(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessments (`+assessmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.CourseID, a.TemplateID, a.Name, a.AssessType, a.Status,
		a.Published, questions, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assessment %s: %w", a.ID, err)
	}
	return nil
}

// PutAssessment writes the whole record, replacing any existing row.
// Concurrent writers race on the full document; there is no field merge.
func (s *Store) PutAssessment(ctx context.Context, a model.Assessment) error {
	questions, err := encodeQuestions(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessments (`+assessmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			course_id = excluded.course_id,
			template_id = excluded.template_id,
			name = excluded.name,
			assess_type = excluded.assess_type,
			status = excluded.status,
			published = excluded.published,
			questions = excluded.questions,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		a.ID, a.OwnerID, a.CourseID, a.TemplateID, a.Name, a.AssessType, a.Status,
		a.Published, questions, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put assessment %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAssessmentStatus sets only the status and update time.
func (s *Store) UpdateAssessmentStatus(ctx context.Context, id string, status model.AssessStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update assessment %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("assessment %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetAssessment returns the owner's assessment, falling back to an
// id-only lookup when the owner does not match.
func (s *Store) GetAssessment(ctx context.Context, ownerID, id string) (model.Assessment, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE owner_id = ? AND id = ?`, ownerID, id))
	if !errors.Is(err, ErrNotFound) {
		return a, err
	}
	return scanAssessment(s.db.QueryRowContext(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`, id))
}

// ListAssessments returns the owner's assessments, newest first.
func (s *Store) ListAssessments(ctx context.Context, ownerID string) ([]model.Assessment, error) {
	return s.queryAssessments(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
}

// ListAllAssessments returns every assessment, optionally filtered by
// course and status (empty means no filter).
func (s *Store) ListAllAssessments(ctx context.Context, courseID string, status model.AssessStatus) ([]model.Assessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE 1=1`
	var args []any
	if courseID != "" {
		query += ` AND course_id = ?`
		args = append(args, courseID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	return s.queryAssessments(ctx, query, args...)
}

func (s *Store) queryAssessments(ctx context.Context, query string, args ...any) ([]model.Assessment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssessment(sc scanner) (model.Assessment, error) {
	var a model.Assessment
	var questions string
	err := sc.Scan(&a.ID, &a.OwnerID, &a.CourseID, &a.TemplateID, &a.Name, &a.AssessType, &a.Status,
		&a.Published, &questions, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	var qs questionSet
	if err := json.Unmarshal([]byte(questions), &qs); err != nil {
		return a, fmt.Errorf("decode questions of %s: %w", a.ID, err)
	}
	a.MultiChoice, a.SingleChoice, a.TrueFalse, a.FreeText = qs.MultiChoice, qs.SingleChoice, qs.TrueFalse, qs.FreeText
	return a, nil
}

func encodeQuestions(a model.Assessment) (string, error) {
	data, err := json.Marshal(questionSet{
		MultiChoice:  a.MultiChoice,
		SingleChoice: a.SingleChoice,
		TrueFalse:    a.TrueFalse,
		FreeText:     a.FreeText,
	})
	if err != nil {
		return "", fmt.Errorf("encode questions: %w", err)
	}
	return string(data), nil
}
