// Package generate turns course documents into a stored assessment:
// topic extraction, question drafting, retrieval-augmented improvement
// and persistence, with the assessment flipped to FAILED on any error.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/llm/prompts"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
	"github.com/pavelanni/genassess/internal/store"
)

// Input errors are returned before any model or knowledge base call.
// Content errors mean the model output could not be used.
var (
	ErrNoContent         = errors.New("no documents or custom prompt supplied")
	ErrNoCourse          = errors.New("no course id supplied")
	ErrForeignDocument   = errors.New("document is not a source document of the course")
	ErrTemplateNotFound  = errors.New("assessment template not found")
	ErrInvalidTemplate   = errors.New("invalid assessment template")
	ErrNoKnowledgeBase   = errors.New("course has no knowledge base")
	ErrContentLeak       = errors.New("question refers to document file structure")
	ErrMalformedOutput   = errors.New("malformed model output")
	ErrNoQuestions       = errors.New("model produced no questions")
	ErrAssessmentMissing = errors.New("assessment not found")
)

// Completer sends a single-turn prompt to the language model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// KnowledgeBases resolves the existing knowledge base of a course.
type KnowledgeBases interface {
	Lookup(ctx context.Context, courseID string) (*kb.Handle, error)
}

// Store is the record persistence used by the pipeline.
type Store interface {
	GetTemplate(ctx context.Context, ownerID, id string) (model.AssessmentTemplate, error)
	FindTemplate(ctx context.Context, id string) (model.AssessmentTemplate, error)
	CreateAssessment(ctx context.Context, a model.Assessment) error
	GetAssessment(ctx context.Context, ownerID, id string) (model.Assessment, error)
	PutAssessment(ctx context.Context, a model.Assessment) error
	UpdateAssessmentStatus(ctx context.Context, id string, status model.AssessStatus) error
}

// Request describes one generation run. Locations are document names or
// keys under the course's source prefix.
type Request struct {
	OwnerID      string `json:"owner_id"`
	AssessmentID string `json:"assessment_id,omitempty"`
	CourseID     string `json:"course_id,omitempty"`
	// CourseIDs asks StartBatch for one assessment per course.
	CourseIDs    []string `json:"course_ids,omitempty"`
	TemplateID   string   `json:"template_id"`
	Name         string   `json:"name"`
	Locations    []string `json:"locations"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
}

func (r Request) hasContent() bool {
	return len(r.Locations) > 0 || strings.TrimSpace(r.CustomPrompt) != ""
}

// courses returns CourseIDs without blanks or repeats, or CourseID alone.
func (r Request) courses() []string {
	ids := r.CourseIDs
	if len(ids) == 0 {
		ids = []string{r.CourseID}
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// CourseResult reports how one course of a batch was started.
type CourseResult struct {
	CourseID     string             `json:"course_id"`
	AssessmentID string             `json:"assessment_id,omitempty"`
	Status       model.AssessStatus `json:"status"`
	Error        string             `json:"error,omitempty"`
}

// sourceKeys maps locations to object keys under the source prefix of
// courseID. Anything that is not a plain document name once the prefix is
// stripped, such as another course's key or an archived version, is
// rejected.
func sourceKeys(courseID string, locations []string) ([]string, error) {
	prefix := kb.SourcePrefix(courseID)
	keys := make([]string, 0, len(locations))
	for _, loc := range locations {
		name := strings.TrimPrefix(strings.TrimSpace(loc), prefix)
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
			return nil, fmt.Errorf("location %q for course %s: %w", loc, courseID, ErrForeignDocument)
		}
		keys = append(keys, prefix+name)
	}
	return keys, nil
}

// Config tunes the pipeline.
type Config struct {
	// TopK is the number of passages retrieved per question.
	TopK int
	// Timeout bounds a background run started with Start.
	Timeout time.Duration
	// FetchConcurrency limits parallel document downloads.
	FetchConcurrency int
}

// DefaultConfig returns 5 passages per question and a 30 minute run limit.
func DefaultConfig() Config {
	return Config{TopK: 5, Timeout: 30 * time.Minute, FetchConcurrency: 4}
}

// Pipeline generates assessments.
type Pipeline struct {
	store   Store
	kbs     KnowledgeBases
	objects objectstore.Store
	llm     Completer
	retry   *retry.Engine
	cfg     Config
	wg      sync.WaitGroup
}

// New creates a Pipeline.
func New(st Store, kbs KnowledgeBases, objects objectstore.Store, llm Completer, engine *retry.Engine, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	return &Pipeline{store: st, kbs: kbs, objects: objects, llm: llm, retry: engine, cfg: cfg}
}

// Start records an IN_PROGRESS assessment and generates its questions in
// the background. The run outlives ctx and is bounded by Config.Timeout.
func (p *Pipeline) Start(ctx context.Context, req Request) (string, error) {
	a, err := p.createPending(ctx, req)
	if err != nil {
		return "", err
	}
	req.AssessmentID = a.ID

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		if _, err := p.Run(runCtx, req); err != nil {
			slog.Error("generation failed", "assessment_id", req.AssessmentID, "error", err)
		}
	}()
	return a.ID, nil
}

// StartBatch starts one background run per course of req, each with its
// own assessment. The template is shared, so a missing template fails the
// whole batch; any other reason a course cannot start is reported in its
// result with status FAILED and no assessment.
func (p *Pipeline) StartBatch(ctx context.Context, req Request) ([]CourseResult, error) {
	courses := req.courses()
	if len(courses) == 0 {
		return nil, ErrNoCourse
	}
	if !req.hasContent() {
		return nil, ErrNoContent
	}
	if _, err := p.template(ctx, req.OwnerID, req.TemplateID); err != nil {
		return nil, err
	}

	results := make([]CourseResult, 0, len(courses))
	for _, courseID := range courses {
		one := req
		one.CourseID, one.CourseIDs, one.AssessmentID = courseID, nil, ""
		res := CourseResult{CourseID: courseID, Status: model.StatusInProgress}
		id, err := p.startCourse(ctx, one)
		if err != nil {
			slog.Warn("course generation not started", "course_id", courseID, "error", err)
			res.Status, res.Error = model.StatusFailed, err.Error()
		}
		res.AssessmentID = id
		results = append(results, res)
	}
	return results, nil
}

func (p *Pipeline) startCourse(ctx context.Context, req Request) (string, error) {
	_, err := p.kbs.Lookup(ctx, req.CourseID)
	if errors.Is(err, kb.ErrNotFound) {
		return "", fmt.Errorf("course %s: %w", req.CourseID, ErrNoKnowledgeBase)
	}
	if err != nil {
		return "", err
	}
	return p.Start(ctx, req)
}

// Wait blocks until background runs started with Start have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) createPending(ctx context.Context, req Request) (model.Assessment, error) {
	if strings.TrimSpace(req.CourseID) == "" {
		return model.Assessment{}, ErrNoCourse
	}
	if _, err := sourceKeys(req.CourseID, req.Locations); err != nil {
		return model.Assessment{}, err
	}
	tpl, err := p.template(ctx, req.OwnerID, req.TemplateID)
	if err != nil {
		return model.Assessment{}, err
	}
	now := time.Now().UTC()
	a := model.Assessment{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		CourseID:   req.CourseID,
		TemplateID: req.TemplateID,
		Name:       req.Name,
		AssessType: tpl.AssessType,
		Status:     model.StatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.CreateAssessment(ctx, a); err != nil {
		return model.Assessment{}, fmt.Errorf("create assessment: %w", err)
	}
	slog.Info("assessment created", "assessment_id", a.ID, "course_id", a.CourseID, "type", a.AssessType)
	return a, nil
}

// Run generates the questions of req.AssessmentID, which must already
// exist, and stores them with status CREATED. On any error the
// assessment is set to FAILED.
func (p *Pipeline) Run(ctx context.Context, req Request) (_ *model.Assessment, err error) {
	log := slog.With("assessment_id", req.AssessmentID, "course_id", req.CourseID)
	start := time.Now()
	defer func() {
		if err == nil {
			return
		}
		log.Error("generation pipeline failed", "error", err)
		if uerr := p.store.UpdateAssessmentStatus(context.WithoutCancel(ctx), req.AssessmentID, model.StatusFailed); uerr != nil {
			err = errors.Join(err, fmt.Errorf("mark assessment failed: %w", uerr))
		}
	}()

	if !req.hasContent() {
		return nil, ErrNoContent
	}
	keys, err := sourceKeys(req.CourseID, req.Locations)
	if err != nil {
		return nil, err
	}
	tpl, err := p.template(ctx, req.OwnerID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %v: %w", tpl.ID, err, ErrInvalidTemplate)
	}
	handle, err := p.kbs.Lookup(ctx, req.CourseID)
	if errors.Is(err, kb.ErrNotFound) {
		return nil, fmt.Errorf("course %s: %w", req.CourseID, ErrNoKnowledgeBase)
	}
	if err != nil {
		return nil, err
	}
	docs, err := p.fetchDocuments(ctx, keys)
	if err != nil {
		return nil, err
	}

	topics, err := p.extractTopics(ctx, docs, req.CustomPrompt)
	if err != nil {
		return nil, err
	}
	log.Info("topics extracted", "chars", len(topics))

	questions, err := p.draft(ctx, tpl, topics, req.CustomPrompt)
	if err != nil {
		return nil, err
	}
	log.Info("questions drafted", "count", len(questions))

	for i := range questions {
		improved, err := p.improve(ctx, handle, tpl, questions[i])
		if err != nil {
			return nil, fmt.Errorf("improve question %d: %w", i+1, err)
		}
		questions[i] = improved
	}

	a, err := p.store.GetAssessment(ctx, req.OwnerID, req.AssessmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("assessment %s: %w", req.AssessmentID, ErrAssessmentMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("load assessment: %w", err)
	}
	a.AssessType = tpl.AssessType
	if err := a.SetQuestions(tpl.AssessType, questions); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedOutput)
	}
	a.Status = model.StatusCreated
	a.Published = false
	a.UpdatedAt = time.Now().UTC()
	if err := p.store.PutAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("save assessment: %w", err)
	}
	log.Info("assessment generated", "questions", a.QuestionCount(), "duration", time.Since(start))
	return &a, nil
}

// template loads the owner's template, falling back to any owner's
// template with the same id.
func (p *Pipeline) template(ctx context.Context, ownerID, id string) (model.AssessmentTemplate, error) {
	tpl, err := p.store.GetTemplate(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		tpl, err = p.store.FindTemplate(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return tpl, fmt.Errorf("template %s: %w", id, ErrTemplateNotFound)
	}
	if err != nil {
		return tpl, fmt.Errorf("load template %s: %w", id, err)
	}
	return tpl, nil
}

// fetchDocuments reads the source documents concurrently, keeping the
// order of keys.
func (p *Pipeline) fetchDocuments(ctx context.Context, keys []string) ([]string, error) {
	docs := make([]string, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := p.objects.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("read document %s: %w", key, err)
			}
			docs[i] = string(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (p *Pipeline) complete(ctx context.Context, name, prompt string) (string, error) {
	return retry.Do(ctx, p.retry, name, func(ctx context.Context) (string, error) {
		return p.llm.Complete(ctx, prompt)
	})
}

func (p *Pipeline) extractTopics(ctx context.Context, docs []string, customPrompt string) (string, error) {
	prompt, err := prompts.BuildTopicsPrompt(docs, customPrompt)
	if err != nil {
		return "", err
	}
	topics, err := p.complete(ctx, "ExtractTopics", prompt)
	if err != nil {
		return "", fmt.Errorf("extract topics: %w", err)
	}
	return topics, nil
}

func (p *Pipeline) draft(ctx context.Context, tpl model.AssessmentTemplate, topics, customPrompt string) ([]model.Question, error) {
	prompt, err := prompts.BuildInitialPrompt(tpl, topics, customPrompt)
	if err != nil {
		return nil, err
	}
	raw, err := p.complete(ctx, "DraftQuestions", prompt)
	if err != nil {
		return nil, fmt.Errorf("draft questions: %w", err)
	}
	return ParseDraft(raw, tpl.AssessType)
}

// improve refines q with passages retrieved for it. Without passages q is
// returned unchanged.
func (p *Pipeline) improve(ctx context.Context, h *kb.Handle, tpl model.AssessmentTemplate, q model.Question) (model.Question, error) {
	query, err := prompts.BuildRetrievalQuery(typed(q, tpl.AssessType))
	if err != nil {
		return q, err
	}
	passages, err := h.Retrieve(ctx, query, p.cfg.TopK)
	if err != nil {
		return q, fmt.Errorf("retrieve passages: %w", err)
	}
	if len(passages) == 0 {
		slog.Debug("no passages retrieved, keeping draft", "title", q.Title)
		return q, nil
	}

	qx, err := questionXML(q, tpl.AssessType)
	if err != nil {
		return q, err
	}
	dx, err := docsXML(passages)
	if err != nil {
		return q, err
	}
	prompt, err := prompts.BuildImprovePrompt(tpl, qx, dx)
	if err != nil {
		return q, err
	}
	raw, err := p.complete(ctx, "ImproveQuestion", prompt)
	if err != nil {
		return q, err
	}
	return ParseImproved(raw, tpl.AssessType)
}
