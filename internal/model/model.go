package model

import (
	"context"
	"fmt"
	"time"
)

// AssessType selects which question variant an assessment holds.
type AssessType string

const (
	AssessMultiChoice  AssessType = "multiChoiceAssessment"
	AssessSingleChoice AssessType = "singleChoiceAssessment"
	AssessTrueFalse    AssessType = "trueFalseAssessment"
	AssessFreeText     AssessType = "freeTextAssessment"
)

// Valid reports whether t is one of the known assessment types.
func (t AssessType) Valid() bool {
	switch t {
	case AssessMultiChoice, AssessSingleChoice, AssessTrueFalse, AssessFreeText:
		return true
	}
	return false
}

// IsChoice reports whether questions of this type carry answer choices.
func (t AssessType) IsChoice() bool {
	return t == AssessMultiChoice || t == AssessSingleChoice || t == AssessTrueFalse
}

// AssessStatus is the lifecycle state of an assessment.
type AssessStatus string

const (
	StatusInProgress AssessStatus = "IN_PROGRESS"
	StatusCreated    AssessStatus = "CREATED"
	StatusFailed     AssessStatus = "FAILED"
	StatusPublished  AssessStatus = "PUBLISHED"
)

// KBStatus is the readiness state of a knowledge base.
type KBStatus string

const (
	KBCreating KBStatus = "CREATING"
	KBActive   KBStatus = "ACTIVE"
	KBFailed   KBStatus = "FAILED"
)

// KnowledgeBaseRecord binds a course to its shared knowledge base and data source.
type KnowledgeBaseRecord struct {
	OwnerID         string    `json:"owner_id"`
	CourseID        string    `json:"course_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DataSourceID    string    `json:"data_source_id"`
	IndexName       string    `json:"index_name"`
	SourcePrefix    string    `json:"source_prefix"`
	Status          KBStatus  `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Complete reports whether both provider ids are set.
func (r KnowledgeBaseRecord) Complete() bool {
	return r.KnowledgeBaseID != "" && r.DataSourceID != ""
}

// AssessmentTemplate describes the shape of an assessment to generate.
type AssessmentTemplate struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	AssessType      AssessType `json:"assess_type"`
	TotalQuestions  int        `json:"total_questions"`
	EasyQuestions   int        `json:"easy_questions"`
	MediumQuestions int        `json:"medium_questions"`
	HardQuestions   int        `json:"hard_questions"`
	Taxonomy        string     `json:"taxonomy"`
	DocLanguage     string     `json:"doc_language"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Validate checks the template's counts and type.
func (t AssessmentTemplate) Validate() error {
	if !t.AssessType.Valid() {
		return fmt.Errorf("unknown assess type %q", t.AssessType)
	}
	if t.TotalQuestions <= 0 {
		return fmt.Errorf("total questions must be positive, got %d", t.TotalQuestions)
	}
	if t.EasyQuestions < 0 || t.MediumQuestions < 0 || t.HardQuestions < 0 {
		return fmt.Errorf("difficulty counts must not be negative")
	}
	if sum := t.EasyQuestions + t.MediumQuestions + t.HardQuestions; sum != t.TotalQuestions {
		return fmt.Errorf("difficulty counts sum to %d, want %d", sum, t.TotalQuestions)
	}
	return nil
}

// Assessment is a generated question set tied to a course.
// Only the slice matching AssessType is populated.
type Assessment struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	CourseID     string         `json:"course_id"`
	TemplateID   string         `json:"template_id,omitempty"`
	Name         string         `json:"name"`
	AssessType   AssessType     `json:"assess_type"`
	Status       AssessStatus   `json:"status"`
	Published    bool           `json:"published"`
	MultiChoice  []MultiChoice  `json:"multiChoiceAssessment,omitempty"`
	SingleChoice []SingleChoice `json:"singleChoiceAssessment,omitempty"`
	TrueFalse    []TrueFalse    `json:"trueFalseAssessment,omitempty"`
	FreeText     []FreeText     `json:"freeTextAssessment,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// QuestionCount returns the number of questions stored for the assessment's type.
func (a *Assessment) QuestionCount() int {
	switch a.AssessType {
	case AssessMultiChoice:
		return len(a.MultiChoice)
	case AssessSingleChoice:
		return len(a.SingleChoice)
	case AssessTrueFalse:
		return len(a.TrueFalse)
	case AssessFreeText:
		return len(a.FreeText)
	}
	return 0
}

// VersionSnapshot is an archived copy of a replaced source document.
type VersionSnapshot struct {
	ArchiveKey string    `json:"archive_key"`
	SourceKey  string    `json:"source_key"`
	Timestamp  time.Time `json:"timestamp"`
	SizeBytes  int64     `json:"size_bytes"`
}

// RetrievalResult is one passage returned by a knowledge base query.
type RetrievalResult struct {
	Text      string  `json:"text"`
	SourceKey string  `json:"source_key"`
	Score     float32 `json:"score"`
}

type ownerCtxKey struct{}

// ContextWithOwner stores the calling owner id in the request context.
func ContextWithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, ownerID)
}

// OwnerFromContext retrieves the owner id from context, or "".
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerCtxKey{}).(string)
	return id
}
