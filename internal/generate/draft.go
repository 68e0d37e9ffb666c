package generate

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pavelanni/genassess/internal/model"
)

// leakMarkers are substrings that show the model wrote about the document
// container instead of the course content.
var leakMarkers = []string{"document.xml", "theme.xml", ".rels", "xml"}

// xmlText is the character data of an element with any nested markup
// flattened, so <question><text>..</text></question> reads like
// <question>..</question>.
type xmlText string

func (t *xmlText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(v)
		}
	}
	*t = xmlText(strings.TrimSpace(b.String()))
	return nil
}

type xmlRubric struct {
	Weight xmlText `xml:"weight"`
	Point  xmlText `xml:"point"`
}

// xmlQuestion is one <questions> element as the model wrote it. Every
// field is a slice because models sometimes pack several questions
// into one element.
type xmlQuestion struct {
	Title         []xmlText   `xml:"title"`
	Question      []xmlText   `xml:"question"`
	AnswerChoices []xmlText   `xml:"answerChoices"`
	CorrectAnswer []xmlText   `xml:"correctAnswer"`
	Explanation   []xmlText   `xml:"explanation"`
	Rubric        []xmlRubric `xml:"rubric"`
}

type xmlResponse struct {
	Questions []xmlQuestion `xml:"questions"`
}

// draftNode is a parsed <questions> element: either a well-formed single
// question or several questions merged into array-valued fields.
type draftNode interface {
	normalize(t model.AssessType) ([]model.Question, error)
}

type singleDraft struct{ x xmlQuestion }

type mergedDraft struct{ x xmlQuestion }

func classify(x xmlQuestion) draftNode {
	if len(x.Question) > 1 {
		return mergedDraft{x}
	}
	return singleDraft{x}
}

func (s singleDraft) normalize(t model.AssessType) ([]model.Question, error) {
	q := model.Question{
		Title:       first(s.x.Title),
		Question:    first(s.x.Question),
		Explanation: first(s.x.Explanation),
	}
	if len(s.x.CorrectAnswer) > 1 {
		slog.Warn("question has several correct answers, keeping the first",
			"title", q.Title, "answers", len(s.x.CorrectAnswer))
	}
	if err := fillAnswer(&q, t, s.x.AnswerChoices, first(s.x.CorrectAnswer)); err != nil {
		return nil, err
	}
	if err := fillRubric(&q, t, s.x.Rubric); err != nil {
		return nil, err
	}
	return []model.Question{q}, nil
}

func (m mergedDraft) normalize(t model.AssessType) ([]model.Question, error) {
	n := len(m.x.Question)
	if t != model.AssessFreeText && len(m.x.CorrectAnswer) != n {
		return nil, fmt.Errorf("merged element has %d questions and %d answers: %w",
			n, len(m.x.CorrectAnswer), ErrMalformedOutput)
	}
	slog.Warn("splitting merged question element", "questions", n)

	title := first(m.x.Title)
	out := make([]model.Question, 0, n)
	for j := range n {
		q := model.Question{
			Title:       fmt.Sprintf("%s - Part %d", title, j+1),
			Question:    string(m.x.Question[j]),
			Explanation: at(m.x.Explanation, j),
		}
		answer := ""
		if j < len(m.x.CorrectAnswer) {
			answer = string(m.x.CorrectAnswer[j])
		}
		if err := fillAnswer(&q, t, m.x.AnswerChoices, answer); err != nil {
			return nil, fmt.Errorf("part %d: %w", j+1, err)
		}
		if err := fillRubric(&q, t, m.x.Rubric); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func fillAnswer(q *model.Question, t model.AssessType, choices []xmlText, answer string) error {
	var err error
	switch t {
	case model.AssessTrueFalse:
		q.AnswerChoices = append([]string(nil), model.TrueFalseChoices...)
		q.CorrectAnswer, err = trueFalseAnswer(answer)
	case model.AssessMultiChoice, model.AssessSingleChoice:
		q.AnswerChoices = make([]string, 0, len(choices))
		for _, c := range choices {
			q.AnswerChoices = append(q.AnswerChoices, string(c))
		}
		q.CorrectAnswer, err = choiceAnswer(answer)
	}
	return err
}

func fillRubric(q *model.Question, t model.AssessType, rubric []xmlRubric) error {
	if t != model.AssessFreeText {
		return nil
	}
	q.Rubric = make([]model.RubricPoint, 0, len(rubric))
	for _, r := range rubric {
		w, err := rubricWeight(string(r.Weight))
		if err != nil {
			return err
		}
		q.Rubric = append(q.Rubric, model.RubricPoint{Weight: w, Point: string(r.Point)})
	}
	return nil
}

func first(v []xmlText) string { return at(v, 0) }

// at returns v[i], or the only element when v holds a single shared value.
func at(v []xmlText, i int) string {
	switch {
	case i < len(v):
		return string(v[i])
	case len(v) == 1:
		return string(v[0])
	}
	return ""
}

// ParseDraft parses the drafting response into questions of type t.
// Merged elements are split, and every question passes the leakage gate
// and structural validation.
func ParseDraft(raw string, t model.AssessType) ([]model.Question, error) {
	body, err := extractElement(raw, "response")
	if err != nil {
		return nil, err
	}
	var resp xmlResponse
	if err := decode(body, &resp); err != nil {
		return nil, err
	}
	var out []model.Question
	for _, x := range resp.Questions {
		qs, err := classify(x).normalize(t)
		if err != nil {
			return nil, err
		}
		out = append(out, qs...)
	}
	if len(out) == 0 {
		return nil, ErrNoQuestions
	}
	if err := check(out, t); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseImproved parses the improvement response for a single question.
func ParseImproved(raw string, t model.AssessType) (model.Question, error) {
	body, err := extractElement(raw, "question")
	if err != nil {
		return model.Question{}, err
	}
	var x xmlQuestion
	if err := decode(body, &x); err != nil {
		return model.Question{}, err
	}
	qs, err := classify(x).normalize(t)
	if err != nil {
		return model.Question{}, err
	}
	if len(qs) != 1 {
		return model.Question{}, fmt.Errorf("improved response holds %d questions: %w", len(qs), ErrMalformedOutput)
	}
	if err := check(qs, t); err != nil {
		return model.Question{}, err
	}
	return qs[0], nil
}

func check(qs []model.Question, t model.AssessType) error {
	for i, q := range qs {
		lower := strings.ToLower(q.Question)
		for _, m := range leakMarkers {
			if strings.Contains(lower, m) {
				return fmt.Errorf("question %d mentions %q: %w", i+1, m, ErrContentLeak)
			}
		}
		if err := q.Validate(t); err != nil {
			return fmt.Errorf("question %d: %v: %w", i+1, err, ErrMalformedOutput)
		}
	}
	return nil
}

// extractElement returns the outermost <root>...</root> span of raw,
// dropping code fences and prose around it.
func extractElement(raw, root string) (string, error) {
	start := strings.Index(raw, "<"+root+">")
	if start < 0 {
		start = strings.Index(raw, "<"+root+" ")
	}
	end := strings.LastIndex(raw, "</"+root+">")
	if start < 0 || end < start {
		return "", fmt.Errorf("no <%s> element in model output: %w", root, ErrMalformedOutput)
	}
	return raw[start : end+len(root)+3], nil
}

// escapeBareLT rewrites each '<' that cannot open markup, as in "3 < 5" or
// "x <= y", to "&lt;".
func escapeBareLT(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			b.WriteByte(s[i])
			continue
		}
		next, _ := utf8.DecodeRuneInString(s[i+1:])
		switch {
		case unicode.IsLetter(next), next == '_', next == ':', next == '/', next == '!', next == '?':
			b.WriteByte('<')
		default:
			b.WriteString("&lt;")
		}
	}
	return b.String()
}

func decode(body string, v any) error {
	d := xml.NewDecoder(strings.NewReader(escapeBareLT(body)))
	d.Strict = false
	d.AutoClose = xml.HTMLAutoClose
	d.Entity = xml.HTMLEntity
	if err := d.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("decode model XML: %v: %w", err, ErrMalformedOutput)
	}
	return nil
}

type questionElement struct {
	XMLName       xml.Name            `xml:"question"`
	Title         string              `xml:"title"`
	Question      string              `xml:"question"`
	AnswerChoices []string            `xml:"answerChoices,omitempty"`
	CorrectAnswer string              `xml:"correctAnswer,omitempty"`
	Explanation   string              `xml:"explanation,omitempty"`
	Rubric        []model.RubricPoint `xml:"rubric,omitempty"`
}

// questionXML renders q in the schema the improvement prompt expects.
func questionXML(q model.Question, t model.AssessType) (string, error) {
	el := questionElement{
		Title:         q.Title,
		Question:      q.Question,
		AnswerChoices: q.AnswerChoices,
		Explanation:   q.Explanation,
		Rubric:        q.Rubric,
	}
	switch {
	case t == model.AssessTrueFalse && q.CorrectAnswer > 0 && q.CorrectAnswer <= len(q.AnswerChoices):
		el.CorrectAnswer = q.AnswerChoices[q.CorrectAnswer-1]
	case t.IsChoice():
		el.CorrectAnswer = strconv.Itoa(q.CorrectAnswer)
	}
	data, err := xml.MarshalIndent(el, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal question: %w", err)
	}
	return string(data), nil
}

type documentElement struct {
	Source string `xml:"source,attr,omitempty"`
	Text   string `xml:",chardata"`
}

type documentsElement struct {
	XMLName   xml.Name          `xml:"documents"`
	Documents []documentElement `xml:"document"`
}

// docsXML renders retrieved passages for the improvement prompt.
func docsXML(results []model.RetrievalResult) (string, error) {
	el := documentsElement{Documents: make([]documentElement, 0, len(results))}
	for _, r := range results {
		el.Documents = append(el.Documents, documentElement{Source: r.SourceKey, Text: r.Text})
	}
	data, err := xml.MarshalIndent(el, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal documents: %w", err)
	}
	return string(data), nil
}

// typed returns q as the variant stored for t, the shape used in
// retrieval queries.
func typed(q model.Question, t model.AssessType) any {
	switch t {
	case model.AssessMultiChoice:
		return model.MultiChoice{Title: q.Title, Question: q.Question, AnswerChoices: q.AnswerChoices,
			CorrectAnswer: q.CorrectAnswer, Explanation: q.Explanation}
	case model.AssessSingleChoice:
		return model.SingleChoice{Title: q.Title, Question: q.Question, AnswerChoices: q.AnswerChoices,
			CorrectAnswer: q.CorrectAnswer, Explanation: q.Explanation}
	case model.AssessTrueFalse:
		tf := model.TrueFalse{Title: q.Title, Question: q.Question, AnswerChoices: q.AnswerChoices, Explanation: q.Explanation}
		if q.CorrectAnswer > 0 && q.CorrectAnswer <= len(q.AnswerChoices) {
			tf.CorrectAnswer = q.AnswerChoices[q.CorrectAnswer-1]
		}
		return tf
	}
	return model.FreeText{Title: q.Title, Question: q.Question, Rubric: q.Rubric, Explanation: q.Explanation}
}
