package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/genassess/internal/documents"
	"github.com/pavelanni/genassess/internal/generate"
	"github.com/pavelanni/genassess/internal/kb"
	"github.com/pavelanni/genassess/internal/llm"
	"github.com/pavelanni/genassess/internal/objectstore"
	"github.com/pavelanni/genassess/internal/retry"
	"github.com/pavelanni/genassess/internal/store"
	"github.com/pavelanni/genassess/internal/vectorkb"
	"github.com/pavelanni/genassess/internal/versioning"
)

// app is the fully wired set of services shared by all commands.
type app struct {
	db       *store.Store
	objects  objectstore.Store
	llm      *llm.Client
	vectors  *vectorkb.Service
	kbs      *kb.Manager
	versions *versioning.Controller
	docs     *documents.Service
	gen      *generate.Pipeline

	closers []func() error
}

// backendFlags registers the flags every command needs to reach the
// database, object storage, the LLM endpoint and the vector index.
func backendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "genassess.db", "SQLite database path")
	f.String("storage", "memory", "Document storage backend (gcs, memory)")
	f.String("bucket", "", "GCS bucket holding course documents")
	f.String("gcs-endpoint", "", "GCS endpoint override, e.g. for an emulator")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("embedding-model", "nomic-embed-text", "Embedding model name")
	f.Int("embedding-dim", 768, "Embedding vector dimension")
	f.Bool("skip-ping", false, "Skip the LLM health check at startup")
	f.String("milvus-addr", "localhost:19530", "Milvus address")
	f.String("milvus-user", "", "Milvus username")
	f.String("milvus-password", "", "Milvus password")
	f.String("milvus-db", "genassess", "Milvus database name")
	f.Int("chunk-tokens", kb.DefaultConfig().ChunkTokens, "Chunk size in tokens for new data sources")
	f.Int("chunk-overlap-percent", kb.DefaultConfig().OverlapPercentage, "Chunk overlap as a percentage of the chunk size")
	f.Duration("poll-interval", kb.DefaultConfig().PollInterval, "Knowledge base status poll interval")
	f.Duration("poll-timeout", kb.DefaultConfig().PollTimeout, "Maximum wait for knowledge base activation or ingestion")
	f.Int("retry-max-attempts", retry.DefaultConfig().MaxAttempts, "Attempts per external call")
	f.Duration("retry-base-delay", retry.DefaultConfig().BaseDelay, "Initial retry delay")
	f.Duration("retry-max-delay", retry.DefaultConfig().MaxDelay, "Retry delay cap")
	f.Int("max-versions", versioning.DefaultConfig().MaxVersions, "Archived versions kept per document")
	f.Bool("versioning", true, "Archive documents before they are replaced")
	f.String("archive-prefix", versioning.DefaultConfig().ArchivePrefix, "Object key prefix for archived versions")
	f.Int("top-k", generate.DefaultConfig().TopK, "Passages retrieved per question")
	f.Duration("generation-timeout", generate.DefaultConfig().Timeout, "Upper bound for one generation run")
	f.Int("fetch-concurrency", generate.DefaultConfig().FetchConcurrency, "Concurrent source document reads")
	f.StringP("lang", "l", "en", "Message language (en, zh)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// buildApp opens every backend and wires the services together.
func buildApp(ctx context.Context, v *viper.Viper) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)

	switch storage := v.GetString("storage"); storage {
	case "gcs":
		bucket := v.GetString("bucket")
		if bucket == "" {
			return nil, errors.New("storage gcs requires --bucket")
		}
		gcs, err := objectstore.NewGCS(ctx, bucket, v.GetString("gcs-endpoint"))
		if err != nil {
			return nil, fmt.Errorf("open bucket: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		a.objects = gcs
		slog.Info("using GCS object store", "bucket", bucket)
	case "memory":
		slog.Warn("using in-memory object store, documents are lost on exit")
		a.objects = objectstore.NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", storage)
	}

	a.llm = llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetString("embedding-model"),
	)
	if !v.GetBool("skip-ping") {
		if err := a.llm.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	index, err := vectorkb.NewMilvusIndex(ctx, vectorkb.MilvusConfig{
		Address:  v.GetString("milvus-addr"),
		Username: v.GetString("milvus-user"),
		Password: v.GetString("milvus-password"),
		DBName:   v.GetString("milvus-db"),
		Dim:      v.GetInt("embedding-dim"),
	})
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	a.closers = append(a.closers, index.Close)

	a.vectors = vectorkb.New(a.db, index, a.objects, a.llm, nil)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = v.GetInt("retry-max-attempts")
	retryCfg.BaseDelay = v.GetDuration("retry-base-delay")
	retryCfg.MaxDelay = v.GetDuration("retry-max-delay")
	engine := retry.New(retryCfg)

	kbCfg := kb.DefaultConfig()
	kbCfg.EmbeddingModel = v.GetString("embedding-model")
	kbCfg.PollInterval = v.GetDuration("poll-interval")
	kbCfg.PollTimeout = v.GetDuration("poll-timeout")
	kbCfg.ChunkTokens = v.GetInt("chunk-tokens")
	kbCfg.OverlapPercentage = v.GetInt("chunk-overlap-percent")
	a.kbs = kb.NewManager(a.vectors, a.db, a.objects, engine, kbCfg)

	a.versions = versioning.New(a.objects, versioning.Config{
		Enabled:       v.GetBool("versioning"),
		MaxVersions:   v.GetInt("max-versions"),
		ArchivePrefix: v.GetString("archive-prefix"),
	})
	a.docs = documents.New(a.objects, a.versions, a.kbs)

	a.gen = generate.New(a.db, a.kbs, a.objects, a.llm, engine, generate.Config{
		TopK:             v.GetInt("top-k"),
		Timeout:          v.GetDuration("generation-timeout"),
		FetchConcurrency: v.GetInt("fetch-concurrency"),
	})
	return a, nil
}

// Close waits for background work and releases every backend.
func (a *app) Close() error {
	if a.gen != nil {
		a.gen.Wait()
	}
	if a.vectors != nil {
		a.vectors.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
