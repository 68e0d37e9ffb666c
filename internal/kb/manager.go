package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
)

// Config controls knowledge base creation and polling.
type Config struct {
	EmbeddingModel    string
	ChunkTokens       int
	OverlapPercentage int
	PollInterval      time.Duration
	PollTimeout       time.Duration
	CreateAttempts    int
	CreateRetryDelay  time.Duration
}

// DefaultConfig returns 512-token chunks with 20% overlap, a 1s poll
// bounded by 10 minutes and 3 creation attempts 5s apart.
func DefaultConfig() Config {
	return Config{
		ChunkTokens:       512,
		OverlapPercentage: 20,
		PollInterval:      time.Second,
		PollTimeout:       10 * time.Minute,
		CreateAttempts:    3,
		CreateRetryDelay:  5 * time.Second,
	}
}

// Manager finds or creates the shared knowledge base of a course.
type Manager struct {
	svc         Service
	records     RecordStore
	objects     objectstore.Store
	retry       *retry.Engine
	createRetry *retry.Engine
	cfg         Config
}

// NewManager creates a Manager. objects may be nil, in which case
// teardown leaves source documents in place.
func NewManager(svc Service, records RecordStore, objects objectstore.Store, engine *retry.Engine, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = def.ChunkTokens
	}
	if cfg.OverlapPercentage <= 0 {
		cfg.OverlapPercentage = def.OverlapPercentage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = def.CreateAttempts
	}
	if cfg.CreateRetryDelay <= 0 {
		cfg.CreateRetryDelay = def.CreateRetryDelay
	}
	if engine == nil {
		engine = retry.New(retry.DefaultConfig())
	}
	return &Manager{
		svc:     svc,
		records: records,
		objects: objects,
		retry:   engine,
		createRetry: retry.New(retry.Config{
			MaxAttempts: cfg.CreateAttempts,
			BaseDelay:   cfg.CreateRetryDelay,
		}, retry.WithClassifier(isNoSuchIndex)),
		cfg: cfg,
	}
}

// The index of a freshly created collection can take a few seconds to
// become visible to the knowledge base service.
func isNoSuchIndex(err error) bool {
	return strings.Contains(err.Error(), "no such index")
}

// Handle is a usable knowledge base bound to its course record.
type Handle struct {
	Record model.KnowledgeBaseRecord
	m      *Manager
}

// GetOrCreate returns the course's knowledge base, creating it on first use.
// Concurrent callers for the same course converge on a single record.
func (m *Manager) GetOrCreate(ctx context.Context, ownerID, courseID string) (*Handle, error) {
	rec, err := m.records.GetKnowledgeBaseByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		slog.Debug("using existing knowledge base", "course_id", courseID, "kb_id", rec.KnowledgeBaseID)
		return &Handle{Record: *rec, m: m}, nil
	}
	return m.create(ctx, ownerID, courseID)
}

// Lookup returns the course's knowledge base without creating one.
func (m *Manager) Lookup(ctx context.Context, courseID string) (*Handle, error) {
	rec, err := m.records.GetKnowledgeBaseByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	return &Handle{Record: *rec, m: m}, nil
}

func (m *Manager) create(ctx context.Context, ownerID, courseID string) (*Handle, error) {
	name := KBName(courseID)
	indexName := IndexName(courseID)
	log := slog.With("course_id", courseID, "owner_id", ownerID)
	log.Info("creating knowledge base", "name", name)

	if err := m.svc.CreateIndex(ctx, indexName); err != nil {
		return nil, fmt.Errorf("create index %s: %w", indexName, err)
	}

	kb, err := retry.Do(ctx, m.createRetry, "CreateKnowledgeBase", func(ctx context.Context) (KnowledgeBase, error) {
		return m.svc.CreateKnowledgeBase(ctx, CreateKnowledgeBaseInput{
			Name:           name,
			IndexName:      indexName,
			EmbeddingModel: m.cfg.EmbeddingModel,
		})
	}, "course_id", courseID)
	if err != nil {
		return nil, fmt.Errorf("create knowledge base %s: %w", name, err)
	}

	if _, err := m.WaitForKnowledgeBase(ctx, kb.ID); err != nil {
		m.discard(ctx, kb.ID, "")
		return nil, err
	}

	ds, err := m.svc.CreateDataSource(ctx, CreateDataSourceInput{
		KnowledgeBaseID: kb.ID,
		Name:            DataSourceName(courseID),
		Prefix:          SourcePrefix(courseID),
		Chunking: Chunking{
			MaxTokens:         m.cfg.ChunkTokens,
			OverlapPercentage: m.cfg.OverlapPercentage,
		},
	})
	if err != nil {
		m.discard(ctx, kb.ID, "")
		return nil, fmt.Errorf("create data source for %s: %w", name, err)
	}

	rec := model.KnowledgeBaseRecord{
		OwnerID:         ownerID,
		CourseID:        courseID,
		KnowledgeBaseID: kb.ID,
		DataSourceID:    ds.ID,
		IndexName:       indexName,
		SourcePrefix:    SourcePrefix(courseID),
		Status:          model.KBActive,
		CreatedAt:       time.Now().UTC(),
	}
	won, err := m.records.InsertKnowledgeBaseIfAbsent(ctx, rec)
	if err != nil {
		m.discard(ctx, kb.ID, ds.ID)
		return nil, fmt.Errorf("save knowledge base record: %w", err)
	}
	if !won {
		log.Warn("knowledge base created concurrently, discarding ours", "kb_id", kb.ID)
		m.discard(ctx, kb.ID, ds.ID)
		winner, err := m.records.GetKnowledgeBaseByCourse(ctx, courseID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, fmt.Errorf("course %s: record vanished after conflict: %w", courseID, ErrNotFound)
		}
		return &Handle{Record: *winner, m: m}, nil
	}

	log.Info("knowledge base ready", "kb_id", kb.ID, "data_source_id", ds.ID)
	return &Handle{Record: rec, m: m}, nil
}

// discard removes provider resources that will never be recorded. Errors
// are logged only.
func (m *Manager) discard(ctx context.Context, kbID, dsID string) {
	if dsID != "" {
		if err := m.svc.DeleteDataSource(ctx, kbID, dsID); err != nil && !errors.Is(err, ErrResourceNotFound) {
			slog.Warn("discard data source", "kb_id", kbID, "data_source_id", dsID, "error", err)
		}
	}
	if err := m.svc.DeleteKnowledgeBase(ctx, kbID); err != nil && !errors.Is(err, ErrResourceNotFound) {
		slog.Warn("discard knowledge base", "kb_id", kbID, "error", err)
	}
}

// WaitForKnowledgeBase polls until the knowledge base is ACTIVE.
func (m *Manager) WaitForKnowledgeBase(ctx context.Context, kbID string) (KnowledgeBase, error) {
	var kb KnowledgeBase
	err := m.poll(ctx, "knowledge base "+kbID, func(ctx context.Context) (bool, string, error) {
		var err error
		kb, err = m.svc.GetKnowledgeBase(ctx, kbID)
		if err != nil {
			return false, "", err
		}
		switch kb.Status {
		case model.KBActive:
			return true, string(kb.Status), nil
		case model.KBFailed:
			return false, "", fmt.Errorf("knowledge base %s: %s: %w", kbID, kb.FailureReason, ErrCreationFailed)
		}
		return false, string(kb.Status), nil
	})
	return kb, err
}

// poll calls check every PollInterval until it reports done, fails, or
// PollTimeout elapses.
func (m *Manager) poll(ctx context.Context, what string, check func(context.Context) (bool, string, error)) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	last := "unknown"
	for {
		done, state, err := check(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s: last status %s: %w", what, last, ErrTimeout)
			}
			return err
		}
		if done {
			return nil
		}
		last = state
		slog.Debug("waiting", "what", what, "status", state)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s: last status %s: %w", what, last, ErrTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delete tears down the course's knowledge base: source documents,
// data source, knowledge base, index and finally the record. Missing
// provider resources are not an error.
func (m *Manager) Delete(ctx context.Context, courseID string) error {
	rec, err := m.records.GetKnowledgeBaseByCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	log := slog.With("course_id", courseID, "kb_id", rec.KnowledgeBaseID)

	if m.objects != nil {
		m.deleteSources(ctx, rec.SourcePrefix)
	}
	if err := m.svc.DeleteDataSource(ctx, rec.KnowledgeBaseID, rec.DataSourceID); err != nil {
		if !errors.Is(err, ErrResourceNotFound) {
			return fmt.Errorf("delete data source %s: %w", rec.DataSourceID, err)
		}
		log.Info("data source already gone", "data_source_id", rec.DataSourceID)
	}
	if err := m.svc.DeleteKnowledgeBase(ctx, rec.KnowledgeBaseID); err != nil {
		if !errors.Is(err, ErrResourceNotFound) {
			return fmt.Errorf("delete knowledge base %s: %w", rec.KnowledgeBaseID, err)
		}
		log.Info("knowledge base already gone")
	}
	if err := m.svc.DeleteIndex(ctx, rec.IndexName); err != nil && !errors.Is(err, ErrResourceNotFound) {
		log.Warn("delete index", "index", rec.IndexName, "error", err)
	}
	if err := m.records.DeleteKnowledgeBase(ctx, courseID); err != nil {
		return err
	}
	log.Info("knowledge base deleted")
	return nil
}

func (m *Manager) deleteSources(ctx context.Context, prefix string) {
	objs, err := m.objects.List(ctx, prefix)
	if err != nil {
		slog.Warn("list source documents", "prefix", prefix, "error", err)
		return
	}
	for _, o := range objs {
		if err := m.objects.Delete(ctx, o.Key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			slog.Warn("delete source document", "key", o.Key, "error", err)
		}
	}
	slog.Info("deleted source documents", "prefix", prefix, "count", len(objs))
}

// IngestDocuments starts an ingestion job for the data source.
func (h *Handle) IngestDocuments(ctx context.Context) (IngestionJob, error) {
	kbID, dsID := h.Record.KnowledgeBaseID, h.Record.DataSourceID
	job, err := retry.Do(ctx, h.m.retry, "StartIngestionJob", func(ctx context.Context) (IngestionJob, error) {
		return h.m.svc.StartIngestionJob(ctx, kbID, dsID)
	}, "course_id", h.Record.CourseID)
	if err != nil {
		return IngestionJob{}, fmt.Errorf("start ingestion for %s: %w", h.Record.CourseID, err)
	}
	if job.JobID == "" || job.KnowledgeBaseID == "" || job.DataSourceID == "" {
		return IngestionJob{}, fmt.Errorf("job %q kb %q data source %q: %w",
			job.JobID, job.KnowledgeBaseID, job.DataSourceID, ErrMalformedIngestion)
	}
	slog.Info("ingestion started", "course_id", h.Record.CourseID, "job_id", job.JobID)
	return job, nil
}

// WaitForIngestion polls until the job is COMPLETE.
func (h *Handle) WaitForIngestion(ctx context.Context, job IngestionJob) (IngestionJob, error) {
	cur := job
	err := h.m.poll(ctx, "ingestion job "+job.JobID, func(ctx context.Context) (bool, string, error) {
		var err error
		cur, err = h.m.svc.GetIngestionJob(ctx, job.KnowledgeBaseID, job.DataSourceID, job.JobID)
		if err != nil {
			return false, "", err
		}
		switch cur.Status {
		case IngestionComplete:
			return true, string(cur.Status), nil
		case IngestionFailed:
			return false, "", fmt.Errorf("job %s: %s: %w", job.JobID, cur.FailureReason, ErrIngestionFailed)
		}
		return false, string(cur.Status), nil
	})
	if err != nil {
		return cur, err
	}
	slog.Info("ingestion complete", "job_id", job.JobID,
		"documents", cur.DocumentsScanned, "chunks", cur.ChunksIndexed)
	return cur, nil
}

// Retrieve returns the topK chunks most relevant to query.
func (h *Handle) Retrieve(ctx context.Context, query string, topK int) ([]model.RetrievalResult, error) {
	return retry.Do(ctx, h.m.retry, "Retrieve", func(ctx context.Context) ([]model.RetrievalResult, error) {
		return h.m.svc.Retrieve(ctx, h.Record.KnowledgeBaseID, query, topK)
	}, "course_id", h.Record.CourseID)
}
