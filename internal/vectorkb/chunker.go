package vectorkb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
)

// Chunker splits text into overlapping chunks on paragraph, line and
// sentence boundaries.
type Chunker struct {
	Size    int
	Overlap int

	once     sync.Once
	splitter document.Transformer
	initErr  error
}

// NewChunker returns a Chunker producing chunks of at most size runes
// with overlap runes shared between neighbours.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split returns the non-empty chunks of text.
func (c *Chunker) Split(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	c.once.Do(func() {
		c.splitter, c.initErr = recursive.NewSplitter(ctx, &recursive.Config{
			ChunkSize:   c.Size,
			OverlapSize: c.Overlap,
			Separators:  []string{"\n\n", "\n", "。", ". ", "！", "？", "; ", "，", " "},
			LenFunc:     func(s string) int { return len([]rune(s)) },
			KeepType:    recursive.KeepTypeEnd,
		})
	})
	if c.initErr != nil {
		return nil, fmt.Errorf("init splitter: %w", c.initErr)
	}

	docs, err := c.splitter.Transform(ctx, []*schema.Document{{Content: text}})
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil || strings.TrimSpace(d.Content) == "" {
			continue
		}
		out = append(out, d.Content)
	}
	return out, nil
}
