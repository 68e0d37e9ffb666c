package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "ErrMissingOwner", "The X-User-ID header is required."},
		{"zh", "ErrMissingOwner", "缺少 X-User-ID 请求头。"},
		{"en", "LanguageInstruction", "Please generate all questions, answer options, and explanations strictly in English"},
		{"zh", "LanguageInstruction", "请严格使用中文生成所有题目、答案选项和解释内容"},
		{"fr", "ErrInternal", "Something went wrong. Please try again later."},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "QuestionsGenerated", 1); got != "1 question generated." {
		t.Errorf("Tp(QuestionsGenerated, 1) = %q", got)
	}
	if got := Tp(ctx, "QuestionsGenerated", 5); got != "5 questions generated." {
		t.Errorf("Tp(QuestionsGenerated, 5) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ErrNoKnowledgeBase", map[string]any{"CourseID": "bio101"})
	want := "Course bio101 has no knowledge base yet. Upload course documents first."
	if got != want {
		t.Errorf("Td(ErrNoKnowledgeBase) = %q, want %q", got, want)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMessage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}
	if got := Message("zh", "ImproveLanguageInstruction"); got != "请严格使用中文生成所有改进的题目、答案选项和解释内容" {
		t.Errorf("Message(zh) = %q", got)
	}
}

func TestMiddlewareUsesAcceptLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ErrInternal")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "出现错误，请稍后重试。" {
		t.Errorf("zh request got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Something went wrong. Please try again later." {
		t.Errorf("default request got %q", got)
	}
}
