package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/genassess/internal/model"
)

const templateColumns = `id, owner_id, name, assess_type, total_questions, easy_questions,
	medium_questions, hard_questions, taxonomy, doc_language, created_at`

// CreateTemplate stores a new assessment template.
func (s *Store) CreateTemplate(ctx context.Context, t model.AssessmentTemplate) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assessment_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.AssessType, t.TotalQuestions, t.EasyQuestions,
		t.MediumQuestions, t.HardQuestions, t.Taxonomy, t.DocLanguage, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template %s: %w", t.ID, err)
	}
	return nil
}

// GetTemplate returns the owner's template with the given id.
func (s *Store) GetTemplate(ctx context.Context, ownerID, id string) (model.AssessmentTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM assessment_templates WHERE owner_id = ? AND id = ?`, ownerID, id)
	return scanTemplate(row)
}

// FindTemplate looks a template up by id regardless of owner.
func (s *Store) FindTemplate(ctx context.Context, id string) (model.AssessmentTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM assessment_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

// ListTemplates returns the owner's templates, newest first.
func (s *Store) ListTemplates(ctx context.Context, ownerID string) ([]model.AssessmentTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM assessment_templates WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AssessmentTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(sc scanner) (model.AssessmentTemplate, error) {
	var t model.AssessmentTemplate
	err := sc.Scan(&t.ID, &t.OwnerID, &t.Name, &t.AssessType, &t.TotalQuestions, &t.EasyQuestions,
		&t.MediumQuestions, &t.HardQuestions, &t.Taxonomy, &t.DocLanguage, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}
