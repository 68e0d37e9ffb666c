package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VectorKB is a knowledge base known to the vector provider.
type VectorKB struct {
	ID             string
	Name           string
	IndexName      string
	EmbeddingModel string
	Status         string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VectorDataSource binds a vector knowledge base to an object prefix.
type VectorDataSource struct {
	ID             string
	KBID           string
	Name           string
	Prefix         string
	ChunkTokens    int
	OverlapPercent int
	CreatedAt      time.Time
}

// IngestionJob tracks one indexing run of a data source.
type IngestionJob struct {
	ID               string
	KBID             string
	DataSourceID     string
	Status           string
	DocumentsScanned int
	ChunksIndexed    int
	FailureReason    string
	StartedAt        time.Time
	UpdatedAt        time.Time
}

// InsertVectorKB stores a provider knowledge base.
func (s *Store) InsertVectorKB(ctx context.Context, kb VectorKB) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_kbs (id, name, index_name, embedding_model, status, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.IndexName, kb.EmbeddingModel, kb.Status, kb.FailureReason, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert vector kb %s: %w", kb.ID, err)
	}
	return nil
}

// GetVectorKB returns a provider knowledge base by id.
func (s *Store) GetVectorKB(ctx context.Context, id string) (VectorKB, error) {
	var kb VectorKB
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, index_name, embedding_model, status, failure_reason, created_at, updated_at
		 FROM vector_kbs WHERE id = ?`, id,
	).Scan(&kb.ID, &kb.Name, &kb.IndexName, &kb.EmbeddingModel, &kb.Status, &kb.FailureReason, &kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return kb, fmt.Errorf("vector kb %s: %w", id, ErrNotFound)
	}
	return kb, err
}

// UpdateVectorKBStatus sets the status and failure reason.
func (s *Store) UpdateVectorKBStatus(ctx context.Context, id, status, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vector_kbs SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC(), id,
	)
	return err
}

// DeleteVectorKB removes a knowledge base with its data sources and jobs.
func (s *Store) DeleteVectorKB(ctx context.Context, id string) error {
	if _, err := s.GetVectorKB(ctx, id); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM vector_ingestion_jobs WHERE kb_id = ?`,
		`DELETE FROM vector_data_sources WHERE kb_id = ?`,
		`DELETE FROM vector_kbs WHERE id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete vector kb %s: %w", id, err)
		}
	}
	return nil
}

// InsertDataSource stores a data source.
func (s *Store) InsertDataSource(ctx context.Context, ds VectorDataSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_data_sources (id, kb_id, name, prefix, chunk_tokens, overlap_percent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.KBID, ds.Name, ds.Prefix, ds.ChunkTokens, ds.OverlapPercent, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert data source %s: %w", ds.ID, err)
	}
	return nil
}

// GetDataSource returns a data source by knowledge base and id.
func (s *Store) GetDataSource(ctx context.Context, kbID, id string) (VectorDataSource, error) {
	var ds VectorDataSource
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kb_id, name, prefix, chunk_tokens, overlap_percent, created_at
		 FROM vector_data_sources WHERE kb_id = ? AND id = ?`, kbID, id,
	).Scan(&ds.ID, &ds.KBID, &ds.Name, &ds.Prefix, &ds.ChunkTokens, &ds.OverlapPercent, &ds.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ds, fmt.Errorf("data source %s: %w", id, ErrNotFound)
	}
	return ds, err
}

// DeleteDataSource removes a data source and its jobs.
func (s *Store) DeleteDataSource(ctx context.Context, kbID, id string) error {
	if _, err := s.GetDataSource(ctx, kbID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_ingestion_jobs WHERE data_source_id = ?`, id); err != nil {
		return fmt.Errorf("delete jobs of %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_data_sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete data source %s: %w", id, err)
	}
	return nil
}

// InsertIngestionJob stores a new job.
func (s *Store) InsertIngestionJob(ctx context.Context, j IngestionJob) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_ingestion_jobs (id, kb_id, data_source_id, status, documents_scanned,
			chunks_indexed, failure_reason, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.KBID, j.DataSourceID, j.Status, j.DocumentsScanned, j.ChunksIndexed, j.FailureReason, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion job %s: %w", j.ID, err)
	}
	return nil
}

// GetIngestionJob returns a job by id.
func (s *Store) GetIngestionJob(ctx context.Context, id string) (IngestionJob, error) {
	var j IngestionJob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kb_id, data_source_id, status, documents_scanned, chunks_indexed, failure_reason,
			started_at, updated_at
		 FROM vector_ingestion_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.KBID, &j.DataSourceID, &j.Status, &j.DocumentsScanned, &j.ChunksIndexed,
		&j.FailureReason, &j.StartedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("ingestion job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// UpdateIngestionJob writes the job's status and counters.
func (s *Store) UpdateIngestionJob(ctx context.Context, j IngestionJob) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vector_ingestion_jobs
		 SET status = ?, documents_scanned = ?, chunks_indexed = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ?`,
		j.Status, j.DocumentsScanned, j.ChunksIndexed, j.FailureReason, time.Now().UTC(), j.ID,
	)
	return err
}
