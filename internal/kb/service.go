// Package kb manages the per-course knowledge base shared by every teacher
// of a course: find-or-create, readiness, ingestion and teardown.
package kb

import (
	"context"
	"errors"

	"github.com/pavelanni/genassess/internal/model"
)

var (
	// ErrNotFound is returned by Lookup when a course has no knowledge base.
	ErrNotFound = errors.New("knowledge base not found")
	// ErrResourceNotFound is returned by a Service for missing provider resources.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrTimeout is returned when polling exceeds its deadline.
	ErrTimeout = errors.New("timed out waiting for knowledge base")
	// ErrCreationFailed is returned when the provider reports FAILED.
	ErrCreationFailed = errors.New("knowledge base creation failed")
	// ErrIngestionFailed is returned when an ingestion job ends FAILED.
	ErrIngestionFailed = errors.New("ingestion job failed")
	// ErrMalformedIngestion is returned when a started job lacks an id.
	ErrMalformedIngestion = errors.New("malformed ingestion response")
)

// KnowledgeBase is the provider's view of a knowledge base.
type KnowledgeBase struct {
	ID            string
	Name          string
	IndexName     string
	Status        model.KBStatus
	FailureReason string
}

// CreateKnowledgeBaseInput names the knowledge base and the index backing it.
type CreateKnowledgeBaseInput struct {
	Name           string
	IndexName      string
	EmbeddingModel string
}

// Chunking is a fixed-size chunking strategy.
type Chunking struct {
	MaxTokens         int
	OverlapPercentage int
}

// CreateDataSourceInput binds a knowledge base to an object prefix.
type CreateDataSourceInput struct {
	KnowledgeBaseID string
	Name            string
	Prefix          string
	Chunking        Chunking
}

// DataSource is the provider's view of a data source.
type DataSource struct {
	ID              string
	KnowledgeBaseID string
	Name            string
	Prefix          string
}

// IngestionStatus is the state of an ingestion job.
type IngestionStatus string

const (
	IngestionStarting   IngestionStatus = "STARTING"
	IngestionInProgress IngestionStatus = "IN_PROGRESS"
	IngestionComplete   IngestionStatus = "COMPLETE"
	IngestionFailed     IngestionStatus = "FAILED"
)

// IngestionJob is one indexing run of a data source.
type IngestionJob struct {
	JobID            string          `json:"job_id"`
	KnowledgeBaseID  string          `json:"knowledge_base_id"`
	DataSourceID     string          `json:"data_source_id"`
	Status           IngestionStatus `json:"status"`
	DocumentsScanned int             `json:"documents_scanned"`
	ChunksIndexed    int             `json:"chunks_indexed"`
	FailureReason    string          `json:"failure_reason,omitempty"`
}

// Service is the managed vector knowledge base provider.
type Service interface {
	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	CreateKnowledgeBase(ctx context.Context, in CreateKnowledgeBaseInput) (KnowledgeBase, error)
	GetKnowledgeBase(ctx context.Context, id string) (KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error
	CreateDataSource(ctx context.Context, in CreateDataSourceInput) (DataSource, error)
	DeleteDataSource(ctx context.Context, kbID, dsID string) error
	StartIngestionJob(ctx context.Context, kbID, dsID string) (IngestionJob, error)
	GetIngestionJob(ctx context.Context, kbID, dsID, jobID string) (IngestionJob, error)
	Retrieve(ctx context.Context, kbID, query string, topK int) ([]model.RetrievalResult, error)
}

// RecordStore persists knowledge base records keyed by course.
type RecordStore interface {
	GetKnowledgeBaseByCourse(ctx context.Context, courseID string) (*model.KnowledgeBaseRecord, error)
	InsertKnowledgeBaseIfAbsent(ctx context.Context, rec model.KnowledgeBaseRecord) (bool, error)
	DeleteKnowledgeBase(ctx context.Context, courseID string) error
}

// KBName is the shared knowledge base name of a course.
func KBName(courseID string) string { return courseID + "-shared" }

// IndexName is the vector index name of a course.
func IndexName(courseID string) string { return KBName(courseID) + "-index" }

// DataSourceName is the data source name of a course.
func DataSourceName(courseID string) string { return KBName(courseID) + "-datasource" }

// SourcePrefix is the object prefix holding a course's source documents.
func SourcePrefix(courseID string) string { return "shared/" + courseID + "/" }
