package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = dbPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessment_templates (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		assess_type TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		easy_questions INTEGER NOT NULL DEFAULT 0,
		medium_questions INTEGER NOT NULL DEFAULT 0,
		hard_questions INTEGER NOT NULL DEFAULT 0,
		taxonomy TEXT NOT NULL DEFAULT '',
		doc_language TEXT NOT NULL DEFAULT 'en',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_templates_owner ON assessment_templates(owner_id);

	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		template_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		assess_type TEXT NOT NULL,
		status TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		questions TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_owner ON assessments(owner_id);

	CREATE TABLE IF NOT EXISTS knowledge_bases (
		course_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		knowledge_base_id TEXT NOT NULL CHECK (knowledge_base_id <> ''),
		data_source_id TEXT NOT NULL CHECK (data_source_id <> ''),
		index_name TEXT NOT NULL,
		source_prefix TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vector_kbs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		index_name TEXT NOT NULL,
		embedding_model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vector_data_sources (
		id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL,
		name TEXT NOT NULL,
		prefix TEXT NOT NULL,
		chunk_tokens INTEGER NOT NULL,
		overlap_percent INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (kb_id) REFERENCES vector_kbs(id)
	);

	CREATE TABLE IF NOT EXISTS vector_ingestion_jobs (
		id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL,
		data_source_id TEXT NOT NULL,
		status TEXT NOT NULL,
		documents_scanned INTEGER NOT NULL DEFAULT 0,
		chunks_indexed INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (data_source_id) REFERENCES vector_data_sources(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
