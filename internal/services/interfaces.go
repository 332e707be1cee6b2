package services

import (
	"context"

	"github.com/Lllllllleong/pagepipeline/internal/models"
)

// BlobStore is the object storage holding source PDFs and page artifacts.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) (string, error)
	DerivePagePath(sourcePath, docID string, pageNumber int) string
}

// PageArtifact is one uploaded single-page file produced by a split.
type PageArtifact struct {
	PageNumber int
	ImagePath  string
}

// PageSplitter turns a source document into per-page artifacts.
type PageSplitter interface {
	Split(ctx context.Context, doc models.Document) ([]PageArtifact, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, imagePath string, contextPaths []string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexDocument is the record written to the search index for one page.
type IndexDocument struct {
	PageID        string
	DocID         string
	PageNumber    string
	ImagePath     string
	SourcePDFPath string
	Text          string
	Summary       string
	Embedding     []float32
}

// SearchIndex upserts are idempotent overwrites keyed by id.
type SearchIndex interface {
	Upsert(ctx context.Context, id string, doc IndexDocument) error
}

// RunNotifier is told about every finished run.
type RunNotifier interface {
	NotifyRunFinished(ctx context.Context, summary models.RunSummary) error
}
