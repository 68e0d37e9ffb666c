package vectorkb

import (
	"context"
	"strings"
)

// Chunk is one embedded slice of a source document.
type Chunk struct {
	ID           string
	DataSourceID string
	SourceKey    string
	Text         string
	Vector       []float32
}

// Hit is a search result.
type Hit struct {
	ID        string
	SourceKey string
	Text      string
	Score     float32
}

// Index stores chunk vectors in named collections.
type Index interface {
	EnsureCollection(ctx context.Context, name string) error
	HasCollection(ctx context.Context, name string) (bool, error)
	LoadCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error
	// ReplaceSource removes all chunks of dataSourceID from the collection
	// and inserts chunks in their place.
	ReplaceSource(ctx context.Context, name, dataSourceID string, chunks []Chunk) error
	Search(ctx context.Context, name string, vector []float32, topK int) ([]Hit, error)
}

// CollectionName maps an index name to a valid collection name: letters,
// digits and underscores, not starting with a digit.
func CollectionName(indexName string) string {
	var b strings.Builder
	for _, r := range indexName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "kb_" + s
	}
	return s
}
