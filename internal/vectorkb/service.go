// Package vectorkb is a self-hosted knowledge base provider: a catalog of
// knowledge bases, data sources and ingestion jobs in sqlite, chunk vectors
// in Milvus, and source documents in the object store.
package vectorkb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"

	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
	"github.com/pavelanni/genassess/internal/store"
)

const (
	// DefaultChunkSize is the chunk length in runes, roughly 512 tokens.
	DefaultChunkSize = 2048
	// DefaultChunkOverlap is 20% of DefaultChunkSize.
	DefaultChunkOverlap = 410
	// runesPerToken converts a data source's token budget to chunk runes.
	runesPerToken = 4

	embedBatch = 64
)

// Catalog persists provider resources.
type Catalog interface {
	InsertVectorKB(ctx context.Context, kb store.VectorKB) error
	GetVectorKB(ctx context.Context, id string) (store.VectorKB, error)
	UpdateVectorKBStatus(ctx context.Context, id, status, reason string) error
	DeleteVectorKB(ctx context.Context, id string) error
	InsertDataSource(ctx context.Context, ds store.VectorDataSource) error
	GetDataSource(ctx context.Context, kbID, id string) (store.VectorDataSource, error)
	DeleteDataSource(ctx context.Context, kbID, id string) error
	InsertIngestionJob(ctx context.Context, j store.IngestionJob) error
	GetIngestionJob(ctx context.Context, id string) (store.IngestionJob, error)
	UpdateIngestionJob(ctx context.Context, j store.IngestionJob) error
}

// Service implements kb.Service.
type Service struct {
	catalog  Catalog
	index    Index
	objects  objectstore.Store
	embedder embedding.Embedder
	chunker  *Chunker

	mu       sync.Mutex
	chunkers map[[2]int]*Chunker

	wg sync.WaitGroup
}

var _ kb.Service = (*Service)(nil)

// New creates a Service. chunker splits documents of data sources created
// without chunking settings; nil means the default size and overlap.
func New(catalog Catalog, index Index, objects objectstore.Store, embedder embedding.Embedder, chunker *Chunker) *Service {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Service{
		catalog:  catalog,
		index:    index,
		objects:  objects,
		embedder: embedder,
		chunker:  chunker,
		chunkers: make(map[[2]int]*Chunker),
	}
}

// chunkerFor returns the splitter for the chunking settings stored with ds.
func (s *Service) chunkerFor(ds store.VectorDataSource) *Chunker {
	if ds.ChunkTokens <= 0 {
		return s.chunker
	}
	size := ds.ChunkTokens * runesPerToken
	overlap := size * ds.OverlapPercent / 100
	key := [2]int{size, overlap}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunkers[key]
	if !ok {
		c = NewChunker(size, overlap)
		s.chunkers[key] = c
	}
	return c
}

// Wait blocks until background activation and ingestion work has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) background(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", kb.ErrResourceNotFound, err)
	}
	return err
}

// CreateIndex creates the collection backing indexName.
func (s *Service) CreateIndex(ctx context.Context, name string) error {
	return s.index.EnsureCollection(ctx, CollectionName(name))
}

// DeleteIndex drops the collection backing indexName.
func (s *Service) DeleteIndex(ctx context.Context, name string) error {
	return s.index.DropCollection(ctx, CollectionName(name))
}

// CreateKnowledgeBase records a knowledge base over an existing index and
// loads the collection in the background. It fails with a retryable
// ValidationException while the collection is not visible yet.
func (s *Service) CreateKnowledgeBase(ctx context.Context, in kb.CreateKnowledgeBaseInput) (kb.KnowledgeBase, error) {
	coll := CollectionName(in.IndexName)
	ok, err := s.index.HasCollection(ctx, coll)
	if err != nil {
		return kb.KnowledgeBase{}, err
	}
	if !ok {
		return kb.KnowledgeBase{}, retry.NewNamedError("ValidationException",
			fmt.Sprintf("no such index [%s]", in.IndexName))
	}

	rec := store.VectorKB{
		ID:             uuid.NewString(),
		Name:           in.Name,
		IndexName:      in.IndexName,
		EmbeddingModel: in.EmbeddingModel,
		Status:         string(model.KBCreating),
	}
	if err := s.catalog.InsertVectorKB(ctx, rec); err != nil {
		return kb.KnowledgeBase{}, err
	}
	slog.Info("knowledge base creating", "kb_id", rec.ID, "index", in.IndexName)

	s.background(ctx, func(ctx context.Context) {
		status, reason := model.KBActive, ""
		if err := s.index.LoadCollection(ctx, coll); err != nil {
			status, reason = model.KBFailed, err.Error()
			slog.Error("load collection", "kb_id", rec.ID, "collection", coll, "error", err)
		}
		if err := s.catalog.UpdateVectorKBStatus(ctx, rec.ID, string(status), reason); err != nil {
			slog.Error("update knowledge base status", "kb_id", rec.ID, "error", err)
		}
	})
	return toKnowledgeBase(rec), nil
}

func toKnowledgeBase(r store.VectorKB) kb.KnowledgeBase {
	return kb.KnowledgeBase{
		ID:            r.ID,
		Name:          r.Name,
		IndexName:     r.IndexName,
		Status:        model.KBStatus(r.Status),
		FailureReason: r.FailureReason,
	}
}

// GetKnowledgeBase returns the knowledge base's current state.
func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (kb.KnowledgeBase, error) {
	r, err := s.catalog.GetVectorKB(ctx, id)
	if err != nil {
		return kb.KnowledgeBase{}, notFound(err)
	}
	return toKnowledgeBase(r), nil
}

// DeleteKnowledgeBase removes the knowledge base with its data sources.
// Chunks of a data source are removed by DeleteDataSource.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	return notFound(s.catalog.DeleteVectorKB(ctx, id))
}

// CreateDataSource binds a knowledge base to an object prefix.
func (s *Service) CreateDataSource(ctx context.Context, in kb.CreateDataSourceInput) (kb.DataSource, error) {
	if _, err := s.catalog.GetVectorKB(ctx, in.KnowledgeBaseID); err != nil {
		return kb.DataSource{}, notFound(err)
	}
	ds := store.VectorDataSource{
		ID:             uuid.NewString(),
		KBID:           in.KnowledgeBaseID,
		Name:           in.Name,
		Prefix:         in.Prefix,
		ChunkTokens:    in.Chunking.MaxTokens,
		OverlapPercent: in.Chunking.OverlapPercentage,
	}
	if err := s.catalog.InsertDataSource(ctx, ds); err != nil {
		return kb.DataSource{}, err
	}
	return kb.DataSource{ID: ds.ID, KnowledgeBaseID: ds.KBID, Name: ds.Name, Prefix: ds.Prefix}, nil
}

// DeleteDataSource removes the data source and its indexed chunks.
func (s *Service) DeleteDataSource(ctx context.Context, kbID, dsID string) error {
	base, err := s.catalog.GetVectorKB(ctx, kbID)
	if err != nil {
		return notFound(err)
	}
	if _, err := s.catalog.GetDataSource(ctx, kbID, dsID); err != nil {
		return notFound(err)
	}
	if err := s.index.ReplaceSource(ctx, CollectionName(base.IndexName), dsID, nil); err != nil {
		slog.Warn("remove chunks of data source", "data_source_id", dsID, "error", err)
	}
	return notFound(s.catalog.DeleteDataSource(ctx, kbID, dsID))
}

// StartIngestionJob records a STARTING job and indexes the data source's
// documents in the background.
func (s *Service) StartIngestionJob(ctx context.Context, kbID, dsID string) (kb.IngestionJob, error) {
	base, err := s.catalog.GetVectorKB(ctx, kbID)
	if err != nil {
		return kb.IngestionJob{}, notFound(err)
	}
	if base.Status != string(model.KBActive) {
		return kb.IngestionJob{}, retry.NewNamedError("ConflictException",
			fmt.Sprintf("knowledge base %s is %s", kbID, base.Status))
	}
	ds, err := s.catalog.GetDataSource(ctx, kbID, dsID)
	if err != nil {
		return kb.IngestionJob{}, notFound(err)
	}

	job := store.IngestionJob{
		ID:           uuid.NewString(),
		KBID:         kbID,
		DataSourceID: dsID,
		Status:       string(kb.IngestionStarting),
	}
	if err := s.catalog.InsertIngestionJob(ctx, job); err != nil {
		return kb.IngestionJob{}, err
	}
	s.background(ctx, func(ctx context.Context) {
		s.ingest(ctx, base, ds, job)
	})
	return toIngestionJob(job), nil
}

func (s *Service) ingest(ctx context.Context, base store.VectorKB, ds store.VectorDataSource, job store.IngestionJob) {
	log := slog.With("job_id", job.ID, "kb_id", base.ID, "prefix", ds.Prefix)
	job.Status = string(kb.IngestionInProgress)
	if err := s.catalog.UpdateIngestionJob(ctx, job); err != nil {
		log.Error("update ingestion job", "error", err)
	}

	scanned, chunks, err := s.indexSource(ctx, base, ds)
	job.DocumentsScanned, job.ChunksIndexed = scanned, len(chunks)
	if err != nil {
		job.Status, job.FailureReason = string(kb.IngestionFailed), err.Error()
		log.Error("ingestion failed", "error", err)
	} else {
		job.Status = string(kb.IngestionComplete)
		log.Info("ingestion complete", "documents", scanned, "chunks", len(chunks))
	}
	if err := s.catalog.UpdateIngestionJob(ctx, job); err != nil {
		log.Error("update ingestion job", "error", err)
	}
}

func (s *Service) indexSource(ctx context.Context, base store.VectorKB, ds store.VectorDataSource) (int, []Chunk, error) {
	objs, err := s.objects.List(ctx, ds.Prefix)
	if err != nil {
		return 0, nil, fmt.Errorf("list %s: %w", ds.Prefix, err)
	}

	chunker := s.chunkerFor(ds)
	var chunks []Chunk
	for _, o := range objs {
		data, err := s.objects.Get(ctx, o.Key)
		if err != nil {
			return 0, nil, fmt.Errorf("read %s: %w", o.Key, err)
		}
		if !utf8.Valid(data) {
			slog.Warn("skipping non-text document", "key", o.Key)
			continue
		}
		parts, err := chunker.Split(ctx, string(data))
		if err != nil {
			return 0, nil, fmt.Errorf("chunk %s: %w", o.Key, err)
		}
		for _, p := range parts {
			chunks = append(chunks, Chunk{
				ID:           uuid.NewString(),
				DataSourceID: ds.ID,
				SourceKey:    o.Key,
				Text:         p,
			})
		}
	}

	for start := 0; start < len(chunks); start += embedBatch {
		end := min(start+embedBatch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := s.embed(ctx, texts)
		if err != nil {
			return len(objs), nil, err
		}
		for i, v := range vecs {
			chunks[start+i].Vector = v
		}
	}

	if err := s.index.ReplaceSource(ctx, CollectionName(base.IndexName), ds.ID, chunks); err != nil {
		return len(objs), nil, err
	}
	return len(objs), chunks, nil
}

func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := s.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), len(texts))
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		f := make([]float32, len(v))
		for j, x := range v {
			f[j] = float32(x)
		}
		out[i] = f
	}
	return out, nil
}

func toIngestionJob(j store.IngestionJob) kb.IngestionJob {
	return kb.IngestionJob{
		JobID:            j.ID,
		KnowledgeBaseID:  j.KBID,
		DataSourceID:     j.DataSourceID,
		Status:           kb.IngestionStatus(j.Status),
		DocumentsScanned: j.DocumentsScanned,
		ChunksIndexed:    j.ChunksIndexed,
		FailureReason:    j.FailureReason,
	}
}

// GetIngestionJob returns the job's current state.
func (s *Service) GetIngestionJob(ctx context.Context, kbID, dsID, jobID string) (kb.IngestionJob, error) {
	j, err := s.catalog.GetIngestionJob(ctx, jobID)
	if err != nil {
		return kb.IngestionJob{}, notFound(err)
	}
	if j.KBID != kbID || j.DataSourceID != dsID {
		return kb.IngestionJob{}, fmt.Errorf("job %s of data source %s: %w", jobID, dsID, kb.ErrResourceNotFound)
	}
	return toIngestionJob(j), nil
}

// Retrieve embeds query and returns the topK closest chunks.
func (s *Service) Retrieve(ctx context.Context, kbID, query string, topK int) ([]model.RetrievalResult, error) {
	base, err := s.catalog.GetVectorKB(ctx, kbID)
	if err != nil {
		return nil, notFound(err)
	}
	if strings.TrimSpace(query) == "" {
		return nil, retry.NewNamedError("InvalidRequestException", "empty retrieval query")
	}
	vecs, err := s.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, CollectionName(base.IndexName), vecs[0], topK)
	if err != nil {
		return nil, err
	}
	out := make([]model.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, model.RetrievalResult{Text: h.Text, SourceKey: h.SourceKey, Score: h.Score})
	}
	return out, nil
}
