package model

import "time"

// AssessmentExport is the top-level JSON structure written by the export command.
type AssessmentExport struct {
	ExportedAt  time.Time    `json:"exported_at"`
	CourseID    string       `json:"course_id,omitempty"`
	Status      AssessStatus `json:"status,omitempty"`
	Count       int          `json:"count"`
	Assessments []Assessment `json:"assessments"`
}
