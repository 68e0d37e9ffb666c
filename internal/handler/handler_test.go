package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/genassess/internal/documents"
	"github.com/pavelanni/genassess/internal/generate"
	appI18n "github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
	"github.com/pavelanni/genassess/internal/store"
	"github.com/pavelanni/genassess/internal/versioning"
)

// readyKB is a kb.Service whose resources are ready at once and whose
// retrieval returns nothing.
type readyKB struct {
	mu  sync.Mutex
	seq int
}

func (f *readyKB) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *readyKB) CreateIndex(context.Context, string) error { return nil }
func (f *readyKB) DeleteIndex(context.Context, string) error { return nil }
func (f *readyKB) CreateKnowledgeBase(_ context.Context, in kb.CreateKnowledgeBaseInput) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{ID: f.id("kb"), Name: in.Name, Status: model.KBCreating}, nil
}
func (f *readyKB) GetKnowledgeBase(_ context.Context, id string) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{ID: id, Status: model.KBActive}, nil
}
func (f *readyKB) DeleteKnowledgeBase(context.Context, string) error { return nil }
func (f *readyKB) CreateDataSource(_ context.Context, in kb.CreateDataSourceInput) (kb.DataSource, error) {
	return kb.DataSource{ID: f.id("ds"), KnowledgeBaseID: in.KnowledgeBaseID, Name: in.Name, Prefix: in.Prefix}, nil
}
func (f *readyKB) DeleteDataSource(context.Context, string, string) error { return nil }
func (f *readyKB) StartIngestionJob(_ context.Context, kbID, dsID string) (kb.IngestionJob, error) {
	return kb.IngestionJob{JobID: f.id("job"), KnowledgeBaseID: kbID, DataSourceID: dsID, Status: kb.IngestionStarting}, nil
}
func (f *readyKB) GetIngestionJob(_ context.Context, kbID, dsID, jobID string) (kb.IngestionJob, error) {
	return kb.IngestionJob{JobID: jobID, KnowledgeBaseID: kbID, DataSourceID: dsID, Status: kb.IngestionComplete}, nil
}
func (f *readyKB) Retrieve(context.Context, string, string, int) ([]model.RetrievalResult, error) {
	return nil, nil
}

type cannedLLM struct{}

func (cannedLLM) Complete(_ context.Context, prompt string) (string, error) {
	if !strings.Contains(prompt, "questionnaire with exactly") {
		return "Topic: photosynthesis", nil
	}
	var b strings.Builder
	b.WriteString("<response>")
	for i := 1; i <= 2; i++ {
		fmt.Fprintf(&b, `<questions><title>Light %d</title>
			<question>Where do the light reactions happen?</question>
			<answerChoices>Stroma</answerChoices><answerChoices>Thylakoid membrane</answerChoices>
			<answerChoices>Cytoplasm</answerChoices><answerChoices>Nucleus</answerChoices>
			<correctAnswer>B</correctAnswer>
			<explanation>Photosystems sit in the thylakoid membrane.</explanation></questions>`, i)
	}
	b.WriteString("</response>")
	return b.String(), nil
}

type testServer struct {
	router   http.Handler
	store    *store.Store
	pipeline *generate.Pipeline
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	objects := objectstore.NewMemory()
	clock := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	objects.SetClock(tick)
	versions := versioning.New(objects, versioning.DefaultConfig())
	versions.SetClock(tick)

	engine := retry.New(retry.DefaultConfig(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	mgr := kb.NewManager(&readyKB{}, st, objects, engine, kb.Config{PollInterval: time.Millisecond, PollTimeout: time.Second})
	pipeline := generate.New(st, mgr, objects, cannedLLM{}, engine, generate.Config{})
	h := New(st, pipeline, documents.New(objects, versions, mgr), mgr)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testServer{router: r, store: st, pipeline: pipeline}
}

func (s *testServer) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var weeklyTemplate = map[string]any{
	"id": "tpl-1", "name": "Weekly", "assess_type": "multiChoiceAssessment",
	"total_questions": 2, "easy_questions": 1, "medium_questions": 1, "hard_questions": 0,
	"taxonomy": "Remember",
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMissingOwner(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/templates", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "The X-User-ID header is required.", decode[map[string]string](t, rec)["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	zh := httptest.NewRecorder()
	s.router.ServeHTTP(zh, req)
	assert.Equal(t, "缺少 X-User-ID 请求头。", decode[map[string]string](t, zh)["error"])
}

func TestTemplates(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/templates", "teacher-a", weeklyTemplate)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.AssessmentTemplate](t, rec)
	assert.Equal(t, "teacher-a", created.OwnerID)
	assert.Equal(t, "en", created.DocLanguage)

	rec = s.do(t, http.MethodGet, "/api/templates", "teacher-a", nil)
	assert.Len(t, decode[[]model.AssessmentTemplate](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/templates", "teacher-b", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/templates/tpl-1", "teacher-b", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/templates/nope", "teacher-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTemplateValidation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"difficulty mismatch", map[string]any{"assess_type": "freeTextAssessment", "total_questions": 3, "easy_questions": 1}, http.StatusUnprocessableEntity},
		{"unknown type", map[string]any{"assess_type": "essay", "total_questions": 1, "easy_questions": 1}, http.StatusUnprocessableEntity},
		{"unknown field", map[string]any{"questions": 3}, http.StatusBadRequest},
		{"not json", []byte("{"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/templates", "teacher-a", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestGenerateAssessmentFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/templates", "teacher-a", weeklyTemplate).Code)

	start := map[string]any{
		"course_id": "bio101", "template_id": "tpl-1", "name": "Week 1",
		"locations": []string{"shared/bio101/light.txt"},
	}
	rec := s.do(t, http.MethodPost, "/api/assessments", "teacher-a", start)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "Course bio101 has no knowledge base")

	rec = s.do(t, http.MethodPut, "/api/courses/bio101/documents/light.txt", "teacher-a",
		[]byte("Light reactions take place in the thylakoid membrane."))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/assessments", "teacher-a", start)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[map[string]string](t, rec)
	assert.Equal(t, "IN_PROGRESS", started["status"])
	assert.Equal(t, "Assessment generation started.", started["message"])

	s.pipeline.Wait()
	rec = s.do(t, http.MethodGet, "/api/assessments/"+started["id"], "teacher-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[model.Assessment](t, rec)
	assert.Equal(t, model.StatusCreated, a.Status)
	require.Len(t, a.MultiChoice, 2)
	assert.Equal(t, 2, a.MultiChoice[0].CorrectAnswer)

	rec = s.do(t, http.MethodGet, "/api/assessments", "teacher-a", nil)
	assert.Len(t, decode[[]model.Assessment](t, rec), 1)
}

func TestStartAssessmentErrors(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusAccepted,
		s.do(t, http.MethodPut, "/api/courses/bio101/documents/a.txt", "teacher-a", []byte("text")).Code)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"no content", map[string]any{"course_id": "bio101", "template_id": "tpl-1"}, http.StatusBadRequest},
		{"missing course", map[string]any{"template_id": "tpl-1", "custom_prompt": "x"}, http.StatusBadRequest},
		{"unknown template", map[string]any{"course_id": "bio101", "template_id": "nope", "custom_prompt": "x"}, http.StatusNotFound},
		{"other course document", map[string]any{"course_id": "bio101", "template_id": "tpl-1", "locations": []string{"shared/chem201/key.txt"}}, http.StatusBadRequest},
		{"blank course list", map[string]any{"course_ids": []string{" "}, "template_id": "tpl-1", "custom_prompt": "x"}, http.StatusBadRequest},
		{"batch unknown template", map[string]any{"course_ids": []string{"bio101"}, "template_id": "nope", "custom_prompt": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/assessments", "teacher-a", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestGenerateForSeveralCourses(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/templates", "teacher-a", weeklyTemplate).Code)
	for _, course := range []string{"bio101", "bio102"} {
		rec := s.do(t, http.MethodPut, "/api/courses/"+course+"/documents/light.txt", "teacher-a",
			[]byte("Light reactions take place in the thylakoid membrane."))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/api/assessments", "teacher-a", map[string]any{
		"course_ids": []string{"bio101", "bio102", "hist100"}, "template_id": "tpl-1", "name": "Week 1",
		"locations": []string{"light.txt"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started struct {
		Results []generate.CourseResult `json:"results"`
		Message string                  `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "Assessment generation started.", started.Message)
	require.Len(t, started.Results, 3)
	assert.Equal(t, model.StatusFailed, started.Results[2].Status)
	assert.Empty(t, started.Results[2].AssessmentID)
	assert.Contains(t, started.Results[2].Error, "no knowledge base")

	s.pipeline.Wait()
	for _, res := range started.Results[:2] {
		assert.Equal(t, model.StatusInProgress, res.Status)
		rec := s.do(t, http.MethodGet, "/api/assessments/"+res.AssessmentID, "teacher-a", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		a := decode[model.Assessment](t, rec)
		assert.Equal(t, res.CourseID, a.CourseID)
		assert.Equal(t, model.StatusCreated, a.Status)
		assert.Len(t, a.MultiChoice, 2)
	}
}

func TestWriteErrorGenerationFailures(t *testing.T) {
	require.NoError(t, appI18n.Init("en"))
	h := &Handler{}
	for _, sentinel := range []error{generate.ErrContentLeak, generate.ErrMalformedOutput, generate.ErrNoQuestions} {
		err := fmt.Errorf("improve question 1: %w", sentinel)
		r := chi.NewRouter()
		r.Use(appI18n.Middleware("en"))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) { h.writeError(w, r, err) })

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, sentinel.Error())
		assert.Equal(t, "The generated questions could not be used: "+err.Error(), decode[map[string]string](t, rec)["error"])
	}
}

func TestDocumentVersionsAndRestore(t *testing.T) {
	s := newTestServer(t)
	path := "/api/courses/bio101/documents/notes.txt"
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPut, path, "teacher-a", []byte("v1")).Code)
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPut, path, "teacher-a", []byte("v2")).Code)

	rec := s.do(t, http.MethodGet, path+"/versions", "teacher-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Versions []model.VersionSnapshot `json:"versions"`
		Message  string                  `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Versions, 1)
	assert.Equal(t, "1 previous version kept.", hist.Message)

	rec = s.do(t, http.MethodPost, path+"/restore", "teacher-a", map[string]string{"version_key": "shared/bio101/notes.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/restore", "teacher-a", map[string]string{"version_key": hist.Versions[0].ArchiveKey})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, path, "teacher-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodDelete, path, "teacher-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKnowledgeBaseRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/courses/bio101/knowledge-base", "teacher-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/courses/bio101/knowledge-base/sync", "teacher-a", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/courses/bio101/knowledge-base", "teacher-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.KnowledgeBaseRecord](t, rec)
	assert.Equal(t, "bio101", got.CourseID)
	assert.Equal(t, "teacher-a", got.OwnerID)
	assert.Equal(t, "shared/bio101/", got.SourcePrefix)

	rec = s.do(t, http.MethodDelete, "/api/courses/bio101/knowledge-base", "teacher-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Knowledge base deleted.", decode[map[string]string](t, rec)["message"])

	rec = s.do(t, http.MethodDelete, "/api/courses/bio101/knowledge-base", "teacher-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
