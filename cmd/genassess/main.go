package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/genassess/internal/generate"
	"github.com/pavelanni/genassess/internal/handler"
	appI18n "github.com/pavelanni/genassess/internal/i18n"
	"github.com/pavelanni/genassess/internal/model"
	"github.com/pavelanni/genassess/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "genassess",
		Short: "Generate course assessments from documents with retrieval-augmented LLM prompts",
	}

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), exportCmd(), kbCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `genassess --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	backendFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /assess)")
	f.Duration("shutdown-timeout", 30*time.Second, "Grace period for in-flight requests on shutdown")
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one assessment per course and print them as JSON",
		RunE:  runGenerate,
	}
	backendFlags(cmd)
	f := cmd.Flags()
	f.String("owner", "", "Owner (teacher) id (required)")
	f.StringSlice("course", nil, "Course ids, one assessment each (repeatable, required)")
	f.String("template", "", "Assessment template id (required)")
	f.String("name", "", "Assessment name")
	f.StringSlice("location", nil, "Source document names or keys, resolved per course (repeatable)")
	f.String("prompt", "", "Custom prompt used alongside or instead of documents")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")

	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("template")

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export generated assessments as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "genassess.db", "SQLite database path")
	f.String("course", "", "Only export assessments of this course")
	f.String("status", "", "Only export assessments in this status (e.g. CREATED)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and maintain course knowledge bases",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List knowledge base records as JSON",
		RunE:  runKBStatus,
	}
	f := status.Flags()
	f.String("db", "genassess.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Re-index a course's shared documents",
		RunE:  runKBSync,
	}
	backendFlags(sync)
	sync.Flags().String("owner", "", "Owner (teacher) id (required)")
	sync.Flags().String("course", "", "Course id (required)")
	sync.Flags().Bool("wait", true, "Wait for ingestion to complete")
	_ = sync.MarkFlagRequired("owner")
	_ = sync.MarkFlagRequired("course")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Tear down a course knowledge base",
		RunE:  runKBDelete,
	}
	backendFlags(del)
	del.Flags().String("course", "", "Course id (required)")
	_ = del.MarkFlagRequired("course")

	cmd.AddCommand(status, sync, del)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GENASSESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("genassess")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/genassess")
	v.AddConfigPath("/etc/genassess")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// cliContext carries a localizer for the configured language.
func cliContext(ctx context.Context, lang string) context.Context {
	return appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	a, err := buildApp(ctx, v)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := handler.New(a.db, a.gen, a.docs, a.kbs)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"embedding_model", v.GetString("embedding-model"),
			"llm_url", v.GetString("llm-url"),
			"milvus_addr", v.GetString("milvus-addr"),
			"storage", v.GetString("storage"),
			"lang", lang,
			"base_path", basePath,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", v.GetDuration("shutdown-timeout"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := cliContext(cmd.Context(), lang)

	a, err := buildApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	req := generate.Request{
		OwnerID:      v.GetString("owner"),
		CourseIDs:    v.GetStringSlice("course"),
		TemplateID:   v.GetString("template"),
		Name:         v.GetString("name"),
		Locations:    v.GetStringSlice("location"),
		CustomPrompt: v.GetString("prompt"),
	}
	results, err := a.gen.StartBatch(ctx, req)
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}
	slog.Info(appI18n.T(ctx, "GenerationStarted"), "courses", len(results))
	a.gen.Wait()

	report, err := collectReport(ctx, a.db, req.OwnerID, results)
	if err != nil {
		return err
	}
	if len(report.Assessments) == 0 {
		return errors.New("no assessment was generated")
	}
	return writeOutput(v.GetString("output"), report)
}

// generateReport is the output of the generate command.
type generateReport struct {
	Results     []generate.CourseResult `json:"results"`
	Assessments []model.Assessment      `json:"assessments"`
}

// collectReport refreshes each result with the final status of its
// assessment and gathers the assessments that were generated.
func collectReport(ctx context.Context, db *store.Store, ownerID string, results []generate.CourseResult) (generateReport, error) {
	report := generateReport{Results: results}
	for i, res := range report.Results {
		if res.AssessmentID == "" {
			slog.Error("generation not started", "course_id", res.CourseID, "error", res.Error)
			continue
		}
		assessment, err := db.GetAssessment(ctx, ownerID, res.AssessmentID)
		if err != nil {
			return report, fmt.Errorf("load assessment %s: %w", res.AssessmentID, err)
		}
		report.Results[i].Status = assessment.Status
		if assessment.Status != model.StatusCreated {
			slog.Error("assessment not generated", "course_id", res.CourseID, "assessment_id", res.AssessmentID, "status", assessment.Status)
			continue
		}
		slog.Info(appI18n.Tp(ctx, "QuestionsGenerated", assessment.QuestionCount()),
			"course_id", res.CourseID, "assessment_id", res.AssessmentID)
		report.Assessments = append(report.Assessments, assessment)
	}
	return report, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAssessments(cmd.Context(), v.GetString("course"), model.AssessStatus(v.GetString("status")))
	if err != nil {
		return fmt.Errorf("export assessments: %w", err)
	}
	slog.Info("exported assessments", "count", export.Count)

	return writeOutput(v.GetString("output"), export)
}

func runKBStatus(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	records, err := db.ListKnowledgeBases(cmd.Context())
	if err != nil {
		return fmt.Errorf("list knowledge bases: %w", err)
	}
	if records == nil {
		records = []model.KnowledgeBaseRecord{}
	}
	return writeOutput("-", records)
}

func runKBSync(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	a, err := buildApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	courseID := v.GetString("course")
	job, err := a.docs.Sync(ctx, v.GetString("owner"), courseID)
	if err != nil {
		return fmt.Errorf("sync knowledge base: %w", err)
	}
	if v.GetBool("wait") {
		h, err := a.kbs.Lookup(ctx, courseID)
		if err != nil {
			return fmt.Errorf("lookup knowledge base: %w", err)
		}
		if job, err = h.WaitForIngestion(ctx, job); err != nil {
			return fmt.Errorf("wait for ingestion: %w", err)
		}
	}
	return writeOutput("-", job)
}

func runKBDelete(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	a, err := buildApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	courseID := v.GetString("course")
	if err := a.kbs.Delete(ctx, courseID); err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	slog.Info("knowledge base deleted", "course_id", courseID)
	return nil
}

// writeOutput writes v as indented JSON to outPath, or stdout for "-".
func writeOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
