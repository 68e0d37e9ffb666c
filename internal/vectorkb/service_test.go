package vectorkb

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
	"github.com/pavelanni/genassess/internal/store"
)

const testDim = 64

// wordEmbedder hashes words into a fixed-size bag-of-words vector.
type wordEmbedder struct {
	err error
}

func (e *wordEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, testDim)
		for _, w := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(w, ".,")))
			v[h.Sum32()%testDim]++
		}
		out[i] = v
	}
	return out, nil
}

type memIndex struct {
	mu      sync.Mutex
	colls   map[string][]Chunk
	loadErr error
}

func newMemIndex() *memIndex {
	return &memIndex{colls: map[string][]Chunk{}}
}

func (m *memIndex) EnsureCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[name]; !ok {
		m.colls[name] = []Chunk{}
	}
	return nil
}

func (m *memIndex) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.colls[name]
	return ok, nil
}

func (m *memIndex) LoadCollection(context.Context, string) error { return m.loadErr }

func (m *memIndex) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls, name)
	return nil
}

func (m *memIndex) ReplaceSource(_ context.Context, name, dsID string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.colls[name][:0:0]
	for _, c := range m.colls[name] {
		if c.DataSourceID != dsID {
			kept = append(kept, c)
		}
	}
	m.colls[name] = append(kept, chunks...)
	return nil
}

func (m *memIndex) Search(_ context.Context, name string, vector []float32, topK int) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Hit
	for _, c := range m.colls[name] {
		hits = append(hits, Hit{ID: c.ID, SourceKey: c.SourceKey, Text: c.Text, Score: cosine(vector, c.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *memIndex) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.colls[name])
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

type fixture struct {
	svc     *Service
	index   *memIndex
	objects *objectstore.Memory
	catalog *store.Store
	emb     *wordEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{index: newMemIndex(), objects: objectstore.NewMemory(), catalog: st, emb: &wordEmbedder{}}
	f.svc = New(st, f.index, f.objects, f.emb, NewChunker(200, 40))
	t.Cleanup(f.svc.Wait)

	ctx := context.Background()
	require.NoError(t, f.objects.Put(ctx, "shared/bio101/photo.txt",
		[]byte("Photosynthesis converts light energy into chemical energy in chloroplasts."), nil))
	require.NoError(t, f.objects.Put(ctx, "shared/bio101/cell.txt",
		[]byte("Mitochondria produce ATP through cellular respiration."), nil))
	require.NoError(t, f.objects.Put(ctx, "shared/chem201/acid.txt",
		[]byte("Acids donate protons."), nil))
	return f
}

func (f *fixture) activeKB(t *testing.T) (kb.KnowledgeBase, kb.DataSource) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.CreateIndex(ctx, "bio101-shared-index"))
	base, err := f.svc.CreateKnowledgeBase(ctx, kb.CreateKnowledgeBaseInput{Name: "bio101-shared", IndexName: "bio101-shared-index"})
	require.NoError(t, err)
	f.svc.Wait()
	ds, err := f.svc.CreateDataSource(ctx, kb.CreateDataSourceInput{
		KnowledgeBaseID: base.ID, Name: "bio101-shared-datasource", Prefix: "shared/bio101/",
		Chunking: kb.Chunking{MaxTokens: 512, OverlapPercentage: 20},
	})
	require.NoError(t, err)
	return base, ds
}

func TestCreateKnowledgeBaseRequiresIndex(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateKnowledgeBase(context.Background(), kb.CreateKnowledgeBaseInput{
		Name: "bio101-shared", IndexName: "bio101-shared-index",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such index")
	assert.Equal(t, "ValidationException", retry.ErrorName(err))
}

func TestCreateKnowledgeBaseActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.CreateIndex(ctx, "bio101-shared-index"))

	base, err := f.svc.CreateKnowledgeBase(ctx, kb.CreateKnowledgeBaseInput{Name: "bio101-shared", IndexName: "bio101-shared-index"})
	require.NoError(t, err)
	assert.Equal(t, model.KBCreating, base.Status)

	f.svc.Wait()
	got, err := f.svc.GetKnowledgeBase(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KBActive, got.Status)
}

func TestCreateKnowledgeBaseLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.index.loadErr = errors.New("collection not loadable")
	ctx := context.Background()
	require.NoError(t, f.svc.CreateIndex(ctx, "bio101-shared-index"))

	base, err := f.svc.CreateKnowledgeBase(ctx, kb.CreateKnowledgeBaseInput{Name: "bio101-shared", IndexName: "bio101-shared-index"})
	require.NoError(t, err)
	f.svc.Wait()

	got, err := f.svc.GetKnowledgeBase(ctx, base.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KBFailed, got.Status)
	assert.Contains(t, got.FailureReason, "not loadable")

	_, err = f.svc.StartIngestionJob(ctx, base.ID, "whatever")
	assert.Error(t, err)
}

func TestIngestAndRetrieve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base, ds := f.activeKB(t)

	job, err := f.svc.StartIngestionJob(ctx, base.ID, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, kb.IngestionStarting, job.Status)
	f.svc.Wait()

	job, err = f.svc.GetIngestionJob(ctx, base.ID, ds.ID, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, kb.IngestionComplete, job.Status)
	assert.Equal(t, 2, job.DocumentsScanned)
	assert.Equal(t, 2, job.ChunksIndexed)

	res, err := f.svc.Retrieve(ctx, base.ID, "how does photosynthesis use light energy", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "shared/bio101/photo.txt", res[0].SourceKey)
	assert.Contains(t, res[0].Text, "chloroplasts")

	// Re-ingesting replaces the data source's chunks.
	_, err = f.svc.StartIngestionJob(ctx, base.ID, ds.ID)
	require.NoError(t, err)
	f.svc.Wait()
	assert.Equal(t, 2, f.index.count("bio101_shared_index"))

	_, err = f.svc.GetIngestionJob(ctx, base.ID, "other-ds", job.JobID)
	assert.ErrorIs(t, err, kb.ErrResourceNotFound)
}

func TestIngestEmbedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base, ds := f.activeKB(t)
	f.emb.err = errors.New("embedding backend down")

	job, err := f.svc.StartIngestionJob(ctx, base.ID, ds.ID)
	require.NoError(t, err)
	f.svc.Wait()

	job, err = f.svc.GetIngestionJob(ctx, base.ID, ds.ID, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, kb.IngestionFailed, job.Status)
	assert.Contains(t, job.FailureReason, "embedding backend down")
}

func TestDeleteResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base, ds := f.activeKB(t)
	_, err := f.svc.StartIngestionJob(ctx, base.ID, ds.ID)
	require.NoError(t, err)
	f.svc.Wait()

	require.NoError(t, f.svc.DeleteDataSource(ctx, base.ID, ds.ID))
	assert.Zero(t, f.index.count("bio101_shared_index"))
	assert.ErrorIs(t, f.svc.DeleteDataSource(ctx, base.ID, ds.ID), kb.ErrResourceNotFound)

	require.NoError(t, f.svc.DeleteKnowledgeBase(ctx, base.ID))
	assert.ErrorIs(t, f.svc.DeleteKnowledgeBase(ctx, base.ID), kb.ErrResourceNotFound)
	_, err = f.svc.GetKnowledgeBase(ctx, base.ID)
	assert.ErrorIs(t, err, kb.ErrResourceNotFound)

	require.NoError(t, f.svc.DeleteIndex(ctx, "bio101-shared-index"))
	ok, err := f.index.HasCollection(ctx, "bio101_shared_index")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerOverService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine := retry.New(retry.DefaultConfig(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	m := kb.NewManager(f.svc, f.catalog, f.objects, engine, kb.Config{
		PollInterval: time.Millisecond, PollTimeout: 5 * time.Second, CreateRetryDelay: time.Millisecond,
	})

	h, err := m.GetOrCreate(ctx, "u1", "bio101")
	require.NoError(t, err)
	job, err := h.IngestDocuments(ctx)
	require.NoError(t, err)
	job, err = h.WaitForIngestion(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 2, job.DocumentsScanned)

	res, err := h.Retrieve(ctx, "ATP cellular respiration", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "shared/bio101/cell.txt", res[0].SourceKey)

	require.NoError(t, m.Delete(ctx, "bio101"))
	left, err := f.objects.List(ctx, "shared/")
	require.NoError(t, err)
	assert.Len(t, left, 1, "other courses keep their documents")
}

func TestIngestUsesDataSourceChunking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base, _ := f.activeKB(t)
	long := strings.Repeat("Cells are the basic unit of life. ", 30)
	require.NoError(t, f.objects.Put(ctx, "shared/long/cells.txt", []byte(long), nil))

	ingest := func(chunking kb.Chunking) []Chunk {
		t.Helper()
		ds, err := f.svc.CreateDataSource(ctx, kb.CreateDataSourceInput{
			KnowledgeBaseID: base.ID, Name: "long", Prefix: "shared/long/", Chunking: chunking,
		})
		require.NoError(t, err)
		job, err := f.svc.StartIngestionJob(ctx, base.ID, ds.ID)
		require.NoError(t, err)
		f.svc.Wait()
		job, err = f.svc.GetIngestionJob(ctx, base.ID, ds.ID, job.JobID)
		require.NoError(t, err)
		require.Equal(t, kb.IngestionComplete, job.Status, job.FailureReason)

		f.index.mu.Lock()
		defer f.index.mu.Unlock()
		var out []Chunk
		for _, c := range f.index.colls["bio101_shared_index"] {
			if c.DataSourceID == ds.ID {
				out = append(out, c)
			}
		}
		require.Len(t, out, job.ChunksIndexed)
		return out
	}

	whole := ingest(kb.Chunking{MaxTokens: 512, OverlapPercentage: 20})
	assert.Len(t, whole, 1)

	small := ingest(kb.Chunking{MaxTokens: 25, OverlapPercentage: 20})
	assert.Greater(t, len(small), 5)
	for _, c := range small {
		assert.LessOrEqual(t, len([]rune(c.Text)), 25*runesPerToken+20)
	}

	fallback := ingest(kb.Chunking{})
	assert.Greater(t, len(fallback), 1)
	assert.Less(t, len(fallback), len(small))
}

func TestChunkerSplitsLongText(t *testing.T) {
	c := NewChunker(100, 20)
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("Cells are the basic unit of life. ")
	}
	chunks, err := c.Split(context.Background(), b.String())
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch)), c.Size+c.Overlap)
	}

	empty, err := c.Split(context.Background(), "  \n ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"bio101-shared-index", "bio101_shared_index"},
		{"101-shared-index", "kb_101_shared_index"},
		{"CS.intro", "CS_intro"},
		{"", "kb_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CollectionName(tt.in), tt.in)
	}
}
