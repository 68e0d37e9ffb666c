package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/genassess/internal/model"
)

const kbColumns = `course_id, owner_id, knowledge_base_id, data_source_id, index_name,
	source_prefix, status, created_at`

// GetKnowledgeBaseByCourse returns the course's record regardless of owner,
// or nil if the course has none.
func (s *Store) GetKnowledgeBaseByCourse(ctx context.Context, courseID string) (*model.KnowledgeBaseRecord, error) {
	var r model.KnowledgeBaseRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+kbColumns+` FROM knowledge_bases WHERE course_id = ?`, courseID,
	).Scan(&r.CourseID, &r.OwnerID, &r.KnowledgeBaseID, &r.DataSourceID, &r.IndexName,
		&r.SourcePrefix, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge base for %s: %w", courseID, err)
	}
	return &r, nil
}

// InsertKnowledgeBaseIfAbsent stores r unless the course already has a
// record. It reports whether this call created the record.
func (s *Store) InsertKnowledgeBaseIfAbsent(ctx context.Context, r model.KnowledgeBaseRecord) (bool, error) {
	if !r.Complete() {
		return false, fmt.Errorf("knowledge base record for %s is incomplete", r.CourseID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_bases (`+kbColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(course_id) DO NOTHING`,
		r.CourseID, r.OwnerID, r.KnowledgeBaseID, r.DataSourceID, r.IndexName,
		r.SourcePrefix, r.Status, r.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert knowledge base for %s: %w", r.CourseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteKnowledgeBase removes the course's record.
func (s *Store) DeleteKnowledgeBase(ctx context.Context, courseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE course_id = ?`, courseID)
	if err != nil {
		return fmt.Errorf("delete knowledge base for %s: %w", courseID, err)
	}
	return nil
}

// ListKnowledgeBases returns all course records.
func (s *Store) ListKnowledgeBases(ctx context.Context) ([]model.KnowledgeBaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+kbColumns+` FROM knowledge_bases ORDER BY course_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.KnowledgeBaseRecord
	for rows.Next() {
		var r model.KnowledgeBaseRecord
		if err := rows.Scan(&r.CourseID, &r.OwnerID, &r.KnowledgeBaseID, &r.DataSourceID, &r.IndexName,
			&r.SourcePrefix, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
