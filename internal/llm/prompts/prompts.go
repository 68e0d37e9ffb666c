// Package prompts renders the model prompts for topic extraction, question
// drafting and retrieval-augmented improvement.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"
	"text/template"

	"github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/model"
)

// Character budgets.
const (
	// MaxDocumentChars caps document text in topic extraction.
	MaxDocumentChars = 4_000_000
	// MaxCustomContextChars caps supplementary document text when a custom
	// prompt drives topic extraction.
	MaxCustomContextChars = 200_000
	// MaxTopicsChars caps the extracted topics passed to question drafting.
	MaxTopicsChars = 50_000
	// MaxRetrievalQueryChars caps the knowledge base query.
	MaxRetrievalQueryChars = 1000
)

const retrievalPreamble = "Find the relevant documents for the following quiz question:\n"

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

// Load parses the prompt templates from fsys. Only the first call has an
// effect; builders load the embedded templates on demand.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates, loadErr = template.New("prompts").ParseFS(fsys, "templates/*.tmpl")
		if loadErr != nil {
			loadErr = fmt.Errorf("parse prompt templates: %w", loadErr)
		}
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := Load(templateFS); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

type document struct {
	Index     int
	Content   string
	Truncated bool
}

type topicsData struct {
	CustomPrompt string
	Documents    []document
}

// BuildTopicsPrompt renders the topic extraction prompt. With a custom
// prompt the documents are supplementary context under a smaller budget.
func BuildTopicsPrompt(docs []string, customPrompt string) (string, error) {
	budget := MaxDocumentChars
	if customPrompt != "" {
		budget = MaxCustomContextChars
	}
	return render("topics.tmpl", topicsData{
		CustomPrompt: customPrompt,
		Documents:    fitDocuments(docs, budget),
	})
}

// fitDocuments keeps documents in order until budget characters are used,
// truncating the last one that does not fit.
func fitDocuments(docs []string, budget int) []document {
	var out []document
	used := 0
	for i, d := range docs {
		room := budget - used
		if room <= 0 {
			break
		}
		content, truncated := truncate(d, room)
		if content == "" {
			continue
		}
		out = append(out, document{Index: i, Content: content, Truncated: truncated})
		used += len([]rune(content))
	}
	return out
}

func truncate(s string, n int) (string, bool) {
	r := []rune(s)
	if len(r) <= n {
		return s, false
	}
	return string(r[:n]), true
}

type questionData struct {
	AssessType          model.AssessType
	Lang                string
	LanguageInstruction string
	Choice              bool
	Multi               bool
	TrueFalse           bool
}

func newQuestionData(tpl model.AssessmentTemplate, instructionID string) questionData {
	lang := tpl.DocLanguage
	if lang == "" {
		lang = "en"
	}
	return questionData{
		AssessType:          tpl.AssessType,
		Lang:                lang,
		LanguageInstruction: i18n.Message(lang, instructionID),
		Choice:              tpl.AssessType == model.AssessMultiChoice || tpl.AssessType == model.AssessSingleChoice,
		Multi:               tpl.AssessType == model.AssessMultiChoice,
		TrueFalse:           tpl.AssessType == model.AssessTrueFalse,
	}
}

type initialData struct {
	questionData
	Total           int
	Easy            int
	Medium          int
	Hard            int
	Taxonomy        string
	CustomPrompt    string
	Topics          string
	TopicsTruncated bool
}

// BuildInitialPrompt renders the question drafting prompt.
func BuildInitialPrompt(tpl model.AssessmentTemplate, topics, customPrompt string) (string, error) {
	t, truncated := truncate(topics, MaxTopicsChars)
	return render("initial.tmpl", initialData{
		questionData:    newQuestionData(tpl, "LanguageInstruction"),
		Total:           tpl.TotalQuestions,
		Easy:            tpl.EasyQuestions,
		Medium:          tpl.MediumQuestions,
		Hard:            tpl.HardQuestions,
		Taxonomy:        tpl.Taxonomy,
		CustomPrompt:    customPrompt,
		Topics:          t,
		TopicsTruncated: truncated,
	})
}

type improveData struct {
	questionData
	QuestionXML string
	DocsXML     string
}

// BuildImprovePrompt renders the prompt refining one question with
// retrieved passages.
func BuildImprovePrompt(tpl model.AssessmentTemplate, questionXML, docsXML string) (string, error) {
	return render("improve.tmpl", improveData{
		questionData: newQuestionData(tpl, "ImproveLanguageInstruction"),
		QuestionXML:  questionXML,
		DocsXML:      docsXML,
	})
}

// BuildRetrievalQuery returns the knowledge base query for a drafted
// question, capped at MaxRetrievalQueryChars.
func BuildRetrievalQuery(question any) (string, error) {
	data, err := json.Marshal(question)
	if err != nil {
		return "", fmt.Errorf("marshal question: %w", err)
	}
	q, _ := truncate(retrievalPreamble+string(data), MaxRetrievalQueryChars)
	return q, nil
}
