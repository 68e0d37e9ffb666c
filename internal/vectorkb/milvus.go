package vectorkb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	fieldID           = "id"
	fieldVector       = "vector"
	fieldDataSourceID = "data_source_id"
	fieldSourceKey    = "source_key"
	fieldContent      = "content"

	insertBatch = 256
)

// MilvusConfig holds connection settings.
type MilvusConfig struct {
	Address  string
	Username string
	Password string
	DBName   string
	Dim      int
}

// MilvusIndex is an Index backed by Milvus collections.
type MilvusIndex struct {
	cli mclient.Client
	dim int
}

// NewMilvusIndex connects to Milvus, creating the database if needed.
func NewMilvusIndex(ctx context.Context, cfg MilvusConfig) (*MilvusIndex, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("milvus: vector dimension must be positive")
	}
	dbName := cfg.DBName
	if dbName == "" {
		dbName = "genassess"
	}
	if err := ensureDatabase(ctx, cfg, dbName); err != nil {
		return nil, err
	}
	cli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   dbName,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus %s: %w", cfg.Address, err)
	}
	return &MilvusIndex{cli: cli, dim: cfg.Dim}, nil
}

func ensureDatabase(ctx context.Context, cfg MilvusConfig, dbName string) error {
	cli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   "default",
	})
	if err != nil {
		return fmt.Errorf("connect milvus %s: %w", cfg.Address, err)
	}
	defer cli.Close()

	dbs, err := cli.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases: %w", err)
	}
	for _, db := range dbs {
		if db.Name == dbName {
			return nil
		}
	}
	if err := cli.CreateDatabase(ctx, dbName); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// Close closes the client.
func (m *MilvusIndex) Close() error {
	return m.cli.Close()
}

// EnsureCollection creates the collection and its vector index if absent.
func (m *MilvusIndex) EnsureCollection(ctx context.Context, name string) error {
	ok, err := m.cli.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("has collection %s: %w", name, err)
	}
	if ok {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    "course document chunks",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(m.dim)},
			},
			{
				Name:       fieldDataSourceID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldSourceKey,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:       fieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "16384"},
			},
		},
	}
	if err := m.cli.CreateCollection(ctx, schema, entity.DefaultShardNumber,
		mclient.WithConsistencyLevel(entity.ClStrong)); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
	if err != nil {
		return err
	}
	if err := m.cli.CreateIndex(ctx, name, fieldVector, idx, false); err != nil {
		return fmt.Errorf("create index on %s: %w", name, err)
	}
	return nil
}

// HasCollection reports whether the collection exists.
func (m *MilvusIndex) HasCollection(ctx context.Context, name string) (bool, error) {
	return m.cli.HasCollection(ctx, name)
}

// LoadCollection loads the collection into memory for search.
func (m *MilvusIndex) LoadCollection(ctx context.Context, name string) error {
	if err := m.cli.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}
	return nil
}

// DropCollection drops the collection if it exists.
func (m *MilvusIndex) DropCollection(ctx context.Context, name string) error {
	ok, err := m.cli.HasCollection(ctx, name)
	if err != nil || !ok {
		return err
	}
	if err := m.cli.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	return nil
}

// ReplaceSource deletes the data source's chunks and inserts chunks.
func (m *MilvusIndex) ReplaceSource(ctx context.Context, name, dataSourceID string, chunks []Chunk) error {
	expr := fmt.Sprintf(`%s == "%s"`, fieldDataSourceID, escapeExpr(dataSourceID))
	if err := m.cli.Delete(ctx, name, "", expr); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", dataSourceID, err)
	}
	for start := 0; start < len(chunks); start += insertBatch {
		end := min(start+insertBatch, len(chunks))
		if err := m.insert(ctx, name, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MilvusIndex) insert(ctx context.Context, name string, chunks []Chunk) error {
	ids := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	sources := make([]string, 0, len(chunks))
	keys := make([]string, 0, len(chunks))
	contents := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != m.dim {
			return fmt.Errorf("chunk %s: vector dim %d, want %d", c.ID, len(c.Vector), m.dim)
		}
		ids = append(ids, c.ID)
		vectors = append(vectors, c.Vector)
		sources = append(sources, c.DataSourceID)
		keys = append(keys, c.SourceKey)
		contents = append(contents, c.Text)
	}
	_, err := m.cli.Insert(ctx, name, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldVector, m.dim, vectors),
		entity.NewColumnVarChar(fieldDataSourceID, sources),
		entity.NewColumnVarChar(fieldSourceKey, keys),
		entity.NewColumnVarChar(fieldContent, contents),
	)
	if err != nil {
		return fmt.Errorf("insert %d chunks into %s: %w", len(chunks), name, err)
	}
	return nil
}

// Search returns the topK chunks closest to vector by cosine similarity.
func (m *MilvusIndex) Search(ctx context.Context, name string, vector []float32, topK int) ([]Hit, error) {
	if len(vector) != m.dim {
		return nil, fmt.Errorf("query vector dim %d, want %d", len(vector), m.dim)
	}
	sp, _ := entity.NewIndexAUTOINDEXSearchParam(1)
	res, err := m.cli.Search(ctx, name, nil, "",
		[]string{fieldSourceKey, fieldContent},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldVector, entity.COSINE, topK, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	sr := res[0]
	if sr.Err != nil {
		return nil, sr.Err
	}

	column := func(field string) entity.Column {
		for _, c := range sr.Fields {
			if c.Name() == field {
				return c
			}
		}
		return nil
	}
	keyCol, contentCol := column(fieldSourceKey), column(fieldContent)

	hits := make([]Hit, 0, sr.ResultCount)
	for i := 0; i < sr.ResultCount; i++ {
		h := Hit{Score: sr.Scores[i]}
		h.ID, _ = sr.IDs.GetAsString(i)
		if keyCol != nil {
			h.SourceKey, _ = keyCol.GetAsString(i)
		}
		if contentCol != nil {
			h.Text, _ = contentCol.GetAsString(i)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func escapeExpr(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
