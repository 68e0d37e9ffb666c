package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/genassess/internal/model"
)

// ExportAssessments builds an export document of all assessments matching
// the optional course and status filters.
func (s *Store) ExportAssessments(ctx context.Context, courseID string, status model.AssessStatus) (model.AssessmentExport, error) {
	list, err := s.ListAllAssessments(ctx, courseID, status)
	if err != nil {
		return model.AssessmentExport{}, fmt.Errorf("list assessments: %w", err)
	}
	if list == nil {
		list = []model.Assessment{}
	}
	return model.AssessmentExport{
		ExportedAt:  time.Now().UTC(),
		CourseID:    courseID,
		Status:      status,
		Count:       len(list),
		Assessments: list,
	}, nil
}
