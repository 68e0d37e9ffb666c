// Package documents manages course source documents: uploads with
// version snapshots, removal and restore, each followed by re-ingestion
// into the course knowledge base.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/versioning"
)

var (
	// ErrInvalidName is returned for an empty name, "." or "..", or a name
	// containing a slash.
	ErrInvalidName = errors.New("invalid document name")
	// ErrNotFound is returned when a document or archived version is missing.
	ErrNotFound = errors.New("document not found")
)

// OwnerMetadataKey is the object metadata entry naming the uploader.
const OwnerMetadataKey = "owner"

// KnowledgeBases resolves course knowledge bases.
type KnowledgeBases interface {
	GetOrCreate(ctx context.Context, ownerID, courseID string) (*kb.Handle, error)
	Lookup(ctx context.Context, courseID string) (*kb.Handle, error)
}

// Service stores documents and keeps the knowledge base in sync.
type Service struct {
	objects  objectstore.Store
	versions *versioning.Controller
	kbs      KnowledgeBases
}

// New creates a Service.
func New(objects objectstore.Store, versions *versioning.Controller, kbs KnowledgeBases) *Service {
	return &Service{objects: objects, versions: versions, kbs: kbs}
}

// UploadResult reports what an upload changed.
type UploadResult struct {
	Key             string                 `json:"key"`
	Snapshot        *model.VersionSnapshot `json:"snapshot,omitempty"`
	KnowledgeBaseID string                 `json:"knowledge_base_id"`
	Job             kb.IngestionJob        `json:"ingestion_job"`
}

// Key returns the object key of a course document.
func Key(courseID, name string) string {
	return kb.SourcePrefix(courseID) + name
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// Upload stores data as the course document name, snapshotting the
// previous content, and starts ingestion into the course knowledge base.
func (s *Service) Upload(ctx context.Context, ownerID, courseID, name string, data []byte) (UploadResult, error) {
	if err := validName(name); err != nil {
		return UploadResult{}, err
	}
	key := Key(courseID, name)
	res := UploadResult{Key: key}

	snap, err := s.versions.OnDocumentReplaced(ctx, key, ownerID, courseID)
	if err != nil {
		slog.Warn("version snapshot failed, continuing upload", "key", key, "error", err)
	}
	res.Snapshot = snap

	if err := s.objects.Put(ctx, key, data, map[string]string{OwnerMetadataKey: ownerID}); err != nil {
		return res, fmt.Errorf("store %s: %w", key, err)
	}
	slog.Info("document uploaded", "key", key, "owner_id", ownerID, "bytes", len(data))

	h, err := s.kbs.GetOrCreate(ctx, ownerID, courseID)
	if err != nil {
		return res, fmt.Errorf("knowledge base for %s: %w", courseID, err)
	}
	res.KnowledgeBaseID = h.Record.KnowledgeBaseID
	res.Job, err = h.IngestDocuments(ctx)
	return res, err
}

// Remove deletes a course document and re-ingests the remaining ones.
func (s *Service) Remove(ctx context.Context, ownerID, courseID, name string) (kb.IngestionJob, error) {
	if err := validName(name); err != nil {
		return kb.IngestionJob{}, err
	}
	key := Key(courseID, name)
	if err := s.objects.Delete(ctx, key); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return kb.IngestionJob{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return kb.IngestionJob{}, fmt.Errorf("delete %s: %w", key, err)
	}
	slog.Info("document removed", "key", key, "owner_id", ownerID)

	h, err := s.kbs.Lookup(ctx, courseID)
	if errors.Is(err, kb.ErrNotFound) {
		return kb.IngestionJob{}, nil
	}
	if err != nil {
		return kb.IngestionJob{}, err
	}
	return h.IngestDocuments(ctx)
}

// History lists the owner's archived versions of a document, newest first.
func (s *Service) History(ctx context.Context, ownerID, courseID, name string) ([]model.VersionSnapshot, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return s.versions.ListVersions(ctx, Key(courseID, name), ownerID, courseID)
}

// Restore copies an archived version back over the document and
// re-ingests the course.
func (s *Service) Restore(ctx context.Context, ownerID, courseID, name, versionKey string) (kb.IngestionJob, error) {
	if err := validName(name); err != nil {
		return kb.IngestionJob{}, err
	}
	if err := s.versions.Restore(ctx, Key(courseID, name), versionKey); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return kb.IngestionJob{}, fmt.Errorf("%s: %w", versionKey, ErrNotFound)
		}
		return kb.IngestionJob{}, err
	}
	return s.Sync(ctx, ownerID, courseID)
}

// Sync starts ingestion of the course documents, creating the knowledge
// base if needed.
func (s *Service) Sync(ctx context.Context, ownerID, courseID string) (kb.IngestionJob, error) {
	h, err := s.kbs.GetOrCreate(ctx, ownerID, courseID)
	if err != nil {
		return kb.IngestionJob{}, fmt.Errorf("knowledge base for %s: %w", courseID, err)
	}
	return h.IngestDocuments(ctx)
}
